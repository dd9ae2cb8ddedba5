package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/residenza/backoffice/pkg/enums"
)

// PaymentMetadata is the opaque blob stored alongside a payment order. It
// records which service line items the order is meant to settle plus any
// provider-specific values needed to reconcile it later.
type PaymentMetadata struct {
	ServiceIDs  []int64           `json:"service_ids,omitempty"`
	Description string            `json:"description,omitempty"`
	ReturnURL   string            `json:"return_url,omitempty"`
	Provider    map[string]string `json:"provider,omitempty"`
}

// ProviderValue returns a provider-specific metadata value.
func (m PaymentMetadata) ProviderValue(key string) string {
	if m.Provider == nil {
		return ""
	}
	return m.Provider[key]
}

// PaymentOrder is one attempted payment. Rows are never deleted.
type PaymentOrder struct {
	OrderID       string                              `gorm:"column:order_id;primaryKey"`
	Sigla         string                              `gorm:"column:sigla;not null;index"`
	CustomerName  string                              `gorm:"column:customer_name;not null;default:''"`
	AmountCents   int64                               `gorm:"column:amount_cents;not null"`
	Currency      enums.Currency                      `gorm:"column:currency;not null;default:'EUR'"`
	Provider      enums.PaymentProvider               `gorm:"column:payment_method;not null"`
	Status        enums.PaymentStatus                 `gorm:"column:status;not null;default:'pending'"`
	ProviderRef   *string                             `gorm:"column:provider_ref"`
	RedirectURL   *string                             `gorm:"column:redirect_url"`
	Simulated     bool                                `gorm:"column:simulated;not null;default:false"`
	FailureReason *string                             `gorm:"column:failure_reason"`
	Metadata      datatypes.JSONType[PaymentMetadata] `gorm:"column:metadata"`
	CheckAttempts int                                 `gorm:"column:check_attempts;not null;default:0"`
	LastCheckedAt *time.Time                          `gorm:"column:last_checked_at"`
	CreatedAt     time.Time                           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time                           `gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt   *time.Time                          `gorm:"column:completed_at"`
}

func (PaymentOrder) TableName() string { return "payment_orders" }
