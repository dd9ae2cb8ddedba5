package models

import (
	"time"

	"github.com/residenza/backoffice/pkg/enums"
)

// ServiceLineItem is one billable unit of work owned by a student.
type ServiceLineItem struct {
	ID            int64                      `gorm:"column:id;primaryKey;autoIncrement"`
	Sigla         string                     `gorm:"column:sigla;not null;index"`
	Category      enums.ServiceCategory      `gorm:"column:category;not null"`
	Quantity      int                        `gorm:"column:quantity;not null;default:1"`
	AmountCents   int64                      `gorm:"column:amount_cents;not null"`
	PaymentStatus enums.ServicePaymentStatus `gorm:"column:payment_status;not null;default:'unpaid'"`
	Notes         string                     `gorm:"column:notes;not null;default:''"`
	PaidAt        *time.Time                 `gorm:"column:paid_at"`
	PaidByOrderID *string                    `gorm:"column:paid_by_order_id"`
	CreatedAt     time.Time                  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time                  `gorm:"column:updated_at;autoUpdateTime"`
}

func (ServiceLineItem) TableName() string { return "service_line_items" }
