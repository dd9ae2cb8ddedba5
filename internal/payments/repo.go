package payments

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/residenza/backoffice/pkg/db"
	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
)

// Repository exposes persistence helpers for payment orders.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.PaymentOrder) error
	Get(ctx context.Context, orderID string) (*models.PaymentOrder, error)
	GetForUpdate(ctx context.Context, orderID string) (*models.PaymentOrder, error)
	FindByProviderRef(ctx context.Context, provider enums.PaymentProvider, ref string) (*models.PaymentOrder, error)
	UpdateStatus(ctx context.Context, orderID string, status enums.PaymentStatus, completedAt *time.Time) (bool, error)
	SetFailureReason(ctx context.Context, orderID, reason string) error
	RecordCheck(ctx context.Context, orderID string, at time.Time) error
	ListByStatus(ctx context.Context, status enums.PaymentStatus) ([]models.PaymentOrder, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.PaymentOrder, error)
	CountByStatus(ctx context.Context, status enums.PaymentStatus) (int64, error)
	Summarize(ctx context.Context, since time.Time) ([]ProviderSummary, error)
}

// ProviderSummary aggregates terminal orders for one provider and status.
type ProviderSummary struct {
	Provider    enums.PaymentProvider
	Status      enums.PaymentStatus
	Count       int64
	AmountCents int64
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a payment order repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.PaymentOrder) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) Get(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// GetForUpdate locks the row on postgres. sqlite serializes writers already.
func (r *repository) GetForUpdate(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	query := r.db.WithContext(ctx)
	if db.SupportsRowLocks(r.db) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var order models.PaymentOrder
	if err := query.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByProviderRef(ctx context.Context, provider enums.PaymentProvider, ref string) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	err := r.db.WithContext(ctx).
		Where("payment_method = ? AND provider_ref = ?", provider, ref).
		Order("created_at DESC").
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateStatus moves the order forward. The update only applies from a status
// that may legally transition to status, so it reports false instead of
// regressing a terminal or later row.
func (r *repository) UpdateStatus(ctx context.Context, orderID string, status enums.PaymentStatus, completedAt *time.Time) (bool, error) {
	from := predecessors(status)
	if len(from) == 0 {
		return false, nil
	}
	updates := map[string]any{"status": status}
	if completedAt != nil {
		updates["completed_at"] = completedAt.UTC()
	}
	res := r.db.WithContext(ctx).
		Model(&models.PaymentOrder{}).
		Where("order_id = ? AND status IN ?", orderID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, orderID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *repository) SetFailureReason(ctx context.Context, orderID, reason string) error {
	return r.db.WithContext(ctx).
		Model(&models.PaymentOrder{}).
		Where("order_id = ?", orderID).
		Update("failure_reason", reason).Error
}

func (r *repository) RecordCheck(ctx context.Context, orderID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.PaymentOrder{}).
		Where("order_id = ?", orderID).
		UpdateColumns(map[string]any{
			"check_attempts":  gorm.Expr("check_attempts + 1"),
			"last_checked_at": at.UTC(),
		}).Error
}

func (r *repository) ListByStatus(ctx context.Context, status enums.PaymentStatus) ([]models.PaymentOrder, error) {
	var orders []models.PaymentOrder
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}

// ListStale returns orders the sweep should re-check: processing orders not
// touched since before, and pending ones that already reached a provider.
func (r *repository) ListStale(ctx context.Context, before time.Time, limit int) ([]models.PaymentOrder, error) {
	var orders []models.PaymentOrder
	query := r.db.WithContext(ctx).
		Where("updated_at < ?", before.UTC()).
		Where("(status = ?) OR (status = ? AND provider_ref IS NOT NULL)", enums.PaymentStatusProcessing, enums.PaymentStatusPending).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&orders).Error
	return orders, err
}

func (r *repository) CountByStatus(ctx context.Context, status enums.PaymentStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.PaymentOrder{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

func (r *repository) Summarize(ctx context.Context, since time.Time) ([]ProviderSummary, error) {
	type row struct {
		Provider    string
		Status      string
		Count       int64
		AmountCents int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&models.PaymentOrder{}).
		Select("payment_method AS provider, status, COUNT(*) AS count, COALESCE(SUM(amount_cents), 0) AS amount_cents").
		Where("status IN ? AND updated_at >= ?", enums.TerminalPaymentStatuses(), since.UTC()).
		Group("payment_method, status").
		Order("payment_method, status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ProviderSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, ProviderSummary{
			Provider:    enums.PaymentProvider(r.Provider),
			Status:      enums.PaymentStatus(r.Status),
			Count:       r.Count,
			AmountCents: r.AmountCents,
		})
	}
	return out, nil
}

func predecessors(next enums.PaymentStatus) []enums.PaymentStatus {
	var out []enums.PaymentStatus
	for _, candidate := range []enums.PaymentStatus{
		enums.PaymentStatusPending,
		enums.PaymentStatusProcessing,
		enums.PaymentStatusCompleted,
		enums.PaymentStatusFailed,
	} {
		if candidate.CanTransitionTo(next) {
			out = append(out, candidate)
		}
	}
	return out
}

// IsNotFound reports whether err is a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
