package enums

// ReconcileTrigger names the path that drove a status change.
type ReconcileTrigger string

const (
	ReconcileTriggerWebhook ReconcileTrigger = "webhook"
	ReconcileTriggerPoll    ReconcileTrigger = "poll"
	ReconcileTriggerSweep   ReconcileTrigger = "sweep"
)

// String implements fmt.Stringer.
func (t ReconcileTrigger) String() string {
	return string(t)
}
