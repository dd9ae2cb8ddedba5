package enums

import "fmt"

// PaymentStatus tracks the lifecycle of a payment order.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
)

var validPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusProcessing,
	PaymentStatusCompleted,
	PaymentStatusFailed,
}

// statusRank orders the lifecycle; terminal states share the highest rank.
var statusRank = map[PaymentStatus]int{
	PaymentStatusPending:    0,
	PaymentStatusProcessing: 1,
	PaymentStatusCompleted:  2,
	PaymentStatusFailed:     2,
}

// String implements fmt.Stringer.
func (p PaymentStatus) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentStatus.
func (p PaymentStatus) IsValid() bool {
	for _, candidate := range validPaymentStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of the status.
func (p PaymentStatus) IsTerminal() bool {
	return p == PaymentStatusCompleted || p == PaymentStatusFailed
}

// CanTransitionTo reports whether moving from p to next keeps the lifecycle monotonic.
// Same-status moves are not transitions and report false.
func (p PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if !p.IsValid() || !next.IsValid() || p.IsTerminal() || p == next {
		return false
	}
	return statusRank[next] > statusRank[p]
}

// TerminalPaymentStatuses lists the absorbing states.
func TerminalPaymentStatuses() []PaymentStatus {
	return []PaymentStatus{PaymentStatusCompleted, PaymentStatusFailed}
}

// ParsePaymentStatus converts raw input into a PaymentStatus.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	for _, candidate := range validPaymentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment status %q", value)
}
