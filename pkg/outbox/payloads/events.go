package payloads

import (
	"time"

	"github.com/residenza/backoffice/pkg/enums"
)

// PaymentSettledEvent is emitted once per order when its line items are
// marked paid.
type PaymentSettledEvent struct {
	OrderID     string                 `json:"order_id"`
	Sigla       string                 `json:"sigla"`
	Provider    enums.PaymentProvider  `json:"provider"`
	AmountCents int64                  `json:"amount_cents"`
	Currency    enums.Currency         `json:"currency"`
	ServiceIDs  []int64                `json:"service_ids"`
	FailedIDs   []int64                `json:"failed_service_ids,omitempty"`
	Trigger     enums.ReconcileTrigger `json:"trigger"`
	CompletedAt time.Time              `json:"completed_at"`
	ProviderRef string                 `json:"provider_ref,omitempty"`
}

// PaymentFailedEvent is emitted once per order when the provider reports a
// terminal failure.
type PaymentFailedEvent struct {
	OrderID     string                 `json:"order_id"`
	Sigla       string                 `json:"sigla"`
	Provider    enums.PaymentProvider  `json:"provider"`
	AmountCents int64                  `json:"amount_cents"`
	Reason      string                 `json:"reason,omitempty"`
	Trigger     enums.ReconcileTrigger `json:"trigger"`
	FailedAt    time.Time              `json:"failed_at"`
}

func (e *PaymentSettledEvent) PaymentOrderID() string { return e.OrderID }

func (e *PaymentFailedEvent) PaymentOrderID() string { return e.OrderID }
