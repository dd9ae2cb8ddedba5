package enums

// WebhookEventStatus records what happened to an inbound provider notification.
type WebhookEventStatus string

const (
	WebhookEventStatusReceived  WebhookEventStatus = "received"
	WebhookEventStatusProcessed WebhookEventStatus = "processed"
	WebhookEventStatusIgnored   WebhookEventStatus = "ignored"
	WebhookEventStatusFailed    WebhookEventStatus = "failed"
)

// String implements fmt.Stringer.
func (s WebhookEventStatus) String() string {
	return string(s)
}
