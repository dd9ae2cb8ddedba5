package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/residenza/backoffice/pkg/enums"
)

// WebhookEvent is the audit row for an authenticated provider delivery.
// (provider, event_id) is unique, which doubles as the durable dedup key.
type WebhookEvent struct {
	ID          uuid.UUID                `gorm:"column:id;primaryKey"`
	Provider    enums.PaymentProvider    `gorm:"column:provider;not null"`
	EventID     string                   `gorm:"column:event_id;not null"`
	EventType   string                   `gorm:"column:event_type;not null;default:''"`
	OrderID     *string                  `gorm:"column:order_id"`
	Payload     datatypes.JSON           `gorm:"column:payload"`
	Status      enums.WebhookEventStatus `gorm:"column:status;not null;default:'received'"`
	Error       *string                  `gorm:"column:error"`
	ReceivedAt  time.Time                `gorm:"column:received_at;autoCreateTime"`
	ProcessedAt *time.Time               `gorm:"column:processed_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }
