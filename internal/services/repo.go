package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
)

// Filter narrows a line item listing. Zero values are ignored.
type Filter struct {
	Sigla         string
	Category      enums.ServiceCategory
	PaymentStatus enums.ServicePaymentStatus
	IDs           []int64
	Limit         int
	Offset        int
}

// ListResult is a page of items plus the unpaged total.
type ListResult struct {
	Items []models.ServiceLineItem `json:"items"`
	Total int64                    `json:"total"`
}

// Patch holds the mutable fields of a line item. Nil fields are left alone.
type Patch struct {
	Category    *enums.ServiceCategory
	Quantity    *int
	AmountCents *int64
	Notes       *string
}

func (p Patch) empty() bool {
	return p.Category == nil && p.Quantity == nil && p.AmountCents == nil && p.Notes == nil
}

// Repository exposes persistence helpers for service line items.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Get(ctx context.Context, id int64) (*models.ServiceLineItem, error)
	Create(ctx context.Context, item *models.ServiceLineItem) error
	Update(ctx context.Context, id int64, patch Patch) (*models.ServiceLineItem, error)
	FindByIDs(ctx context.Context, ids []int64) ([]models.ServiceLineItem, error)
	ListUnpaidBySigla(ctx context.Context, sigla string) ([]models.ServiceLineItem, error)
	MarkPaid(ctx context.Context, id int64, orderID string, paidAt time.Time) (bool, error)
	SumUnpaid(ctx context.Context) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a line item repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	query := r.db.WithContext(ctx).Model(&models.ServiceLineItem{})
	if filter.Sigla != "" {
		query = query.Where("sigla = ?", filter.Sigla)
	}
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}
	if filter.PaymentStatus != "" {
		query = query.Where("payment_status = ?", filter.PaymentStatus)
	}
	if len(filter.IDs) > 0 {
		query = query.Where("id IN ?", filter.IDs)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	items := make([]models.ServiceLineItem, 0)
	page := query.Order("created_at DESC, id DESC").Offset(filter.Offset)
	if filter.Limit > 0 {
		page = page.Limit(filter.Limit)
	}
	if err := page.Find(&items).Error; err != nil {
		return nil, err
	}
	return &ListResult{Items: items, Total: total}, nil
}

func (r *repository) Get(ctx context.Context, id int64) (*models.ServiceLineItem, error) {
	var item models.ServiceLineItem
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repository) Create(ctx context.Context, item *models.ServiceLineItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

// Update applies patch and returns the stored row, or nil when id is unknown.
func (r *repository) Update(ctx context.Context, id int64, patch Patch) (*models.ServiceLineItem, error) {
	if !patch.empty() {
		updates := map[string]any{}
		if patch.Category != nil {
			updates["category"] = *patch.Category
		}
		if patch.Quantity != nil {
			updates["quantity"] = *patch.Quantity
		}
		if patch.AmountCents != nil {
			updates["amount_cents"] = *patch.AmountCents
		}
		if patch.Notes != nil {
			updates["notes"] = *patch.Notes
		}
		res := r.db.WithContext(ctx).Model(&models.ServiceLineItem{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
	}

	item, err := r.Get(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return item, err
}

func (r *repository) FindByIDs(ctx context.Context, ids []int64) ([]models.ServiceLineItem, error) {
	items := make([]models.ServiceLineItem, 0, len(ids))
	if len(ids) == 0 {
		return items, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&items).Error
	return items, err
}

func (r *repository) ListUnpaidBySigla(ctx context.Context, sigla string) ([]models.ServiceLineItem, error) {
	var items []models.ServiceLineItem
	err := r.db.WithContext(ctx).
		Where("sigla = ? AND payment_status = ?", sigla, enums.ServicePaymentStatusUnpaid).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

// MarkPaid flips an unpaid item to paid. It reports false when the item was
// already paid and gorm.ErrRecordNotFound when it does not exist.
func (r *repository) MarkPaid(ctx context.Context, id int64, orderID string, paidAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.ServiceLineItem{}).
		Where("id = ? AND payment_status = ?", id, enums.ServicePaymentStatusUnpaid).
		Updates(map[string]any{
			"payment_status":   enums.ServicePaymentStatusPaid,
			"paid_at":          paidAt,
			"paid_by_order_id": orderID,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *repository) SumUnpaid(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.ServiceLineItem{}).
		Where("payment_status = ?", enums.ServicePaymentStatusUnpaid).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&total).Error
	return total, err
}
