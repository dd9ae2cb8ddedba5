package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	dbpkg "github.com/residenza/backoffice/pkg/db"
	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
)

const uniqueProviderEvent = "webhook_events_provider_event_key"

// WebhookEventRepository stores the audit trail of authenticated deliveries.
type WebhookEventRepository interface {
	// Record inserts the audit row. It reports false when the provider event
	// was already recorded, unless the earlier attempt failed.
	Record(ctx context.Context, event *models.WebhookEvent) (bool, error)
	Finish(ctx context.Context, id uuid.UUID, status enums.WebhookEventStatus, orderID string, cause error) error
	Get(ctx context.Context, provider enums.PaymentProvider, eventID string) (*models.WebhookEvent, error)
}

type webhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

func (r *webhookEventRepository) Record(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = enums.WebhookEventStatusReceived
	}
	if len(event.Payload) == 0 {
		event.Payload = datatypes.JSON("null")
	}
	err := r.db.WithContext(ctx).Create(event).Error
	if err == nil {
		return true, nil
	}
	if !dbpkg.IsUniqueViolation(err, uniqueProviderEvent) {
		return false, err
	}
	return r.reopenFailed(ctx, event)
}

// reopenFailed lets a provider retry an event whose processing failed.
func (r *webhookEventRepository) reopenFailed(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("provider = ? AND event_id = ? AND status = ?", event.Provider, event.EventID, enums.WebhookEventStatusFailed).
		Updates(map[string]any{
			"status":       enums.WebhookEventStatusReceived,
			"error":        nil,
			"processed_at": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	existing, err := r.Get(ctx, event.Provider, event.EventID)
	if err != nil {
		return false, err
	}
	event.ID = existing.ID
	return true, nil
}

func (r *webhookEventRepository) Finish(ctx context.Context, id uuid.UUID, status enums.WebhookEventStatus, orderID string, cause error) error {
	updates := map[string]any{
		"status":       status,
		"processed_at": time.Now().UTC(),
	}
	if orderID != "" {
		updates["order_id"] = orderID
	}
	if cause != nil {
		updates["error"] = cause.Error()
	}
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *webhookEventRepository) Get(ctx context.Context, provider enums.PaymentProvider, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.WithContext(ctx).Where("provider = ? AND event_id = ?", provider, eventID).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}
