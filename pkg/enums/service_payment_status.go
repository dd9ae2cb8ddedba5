package enums

import "fmt"

// ServicePaymentStatus reports whether a service line item has been paid.
type ServicePaymentStatus string

const (
	ServicePaymentStatusUnpaid ServicePaymentStatus = "unpaid"
	ServicePaymentStatusPaid   ServicePaymentStatus = "paid"
)

var validServicePaymentStatuses = []ServicePaymentStatus{
	ServicePaymentStatusUnpaid,
	ServicePaymentStatusPaid,
}

// String implements fmt.Stringer.
func (s ServicePaymentStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known ServicePaymentStatus.
func (s ServicePaymentStatus) IsValid() bool {
	for _, candidate := range validServicePaymentStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseServicePaymentStatus converts raw input into a ServicePaymentStatus.
func ParseServicePaymentStatus(value string) (ServicePaymentStatus, error) {
	for _, candidate := range validServicePaymentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid service payment status %q", value)
}
