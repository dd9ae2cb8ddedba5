// Package gateways adapts each payment processor to one contract: create a
// remote payment, fetch its status, and verify and parse inbound webhooks.
// Provider statuses are mapped into a small closed set; anything unmapped is
// reported as KindUnknown and must be treated as a no-op by callers.
package gateways

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/logger"
)

// Kind is the provider-independent classification of a remote status.
type Kind string

const (
	KindUnknown    Kind = "unknown"
	KindPending    Kind = "pending"
	KindProcessing Kind = "processing"
	KindSucceeded  Kind = "succeeded"
	KindFailed     Kind = "failed"
)

// LocalStatus maps the kind to the stored order status. ok is false for
// KindUnknown, which never changes an order.
func (k Kind) LocalStatus() (enums.PaymentStatus, bool) {
	switch k {
	case KindPending:
		return enums.PaymentStatusPending, true
	case KindProcessing:
		return enums.PaymentStatusProcessing, true
	case KindSucceeded:
		return enums.PaymentStatusCompleted, true
	case KindFailed:
		return enums.PaymentStatusFailed, true
	default:
		return "", false
	}
}

// RemoteStatus is a classified provider status plus the raw value it came from.
type RemoteStatus struct {
	Kind Kind
	Raw  string
}

// Unknown wraps an unmapped raw status.
func Unknown(raw string) RemoteStatus {
	return RemoteStatus{Kind: KindUnknown, Raw: raw}
}

// IsUnknown reports whether the status must be ignored.
func (s RemoteStatus) IsUnknown() bool {
	return s.Kind == "" || s.Kind == KindUnknown
}

func statusFrom(table map[string]Kind, raw string) RemoteStatus {
	if kind, ok := table[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return RemoteStatus{Kind: kind, Raw: raw}
	}
	return Unknown(raw)
}

// CreatePaymentRequest is everything an adapter needs to open a remote payment.
type CreatePaymentRequest struct {
	OrderID      string
	Sigla        string
	CustomerName string
	AmountCents  int64
	Currency     enums.Currency
	Description  string
	ReturnURL    string
}

// PaymentHandle is what the provider returned for a new payment.
type PaymentHandle struct {
	ProviderRef string
	RedirectURL string
	Status      RemoteStatus
	// Metadata is persisted with the order, e.g. a notification token.
	Metadata map[string]string
}

// WebhookRequest is an inbound HTTP delivery, body already read.
type WebhookRequest struct {
	Method string
	Path   string
	Header http.Header
	Query  url.Values
	Body   []byte
}

// WebhookNotification is a verified, parsed delivery.
type WebhookNotification struct {
	EventID     string
	EventType   string
	OrderID     string
	ProviderRef string
	Status      RemoteStatus
	// NeedsRefetch means the body does not carry a trustworthy status and the
	// caller must ask the provider.
	NeedsRefetch bool
	// SecurityToken must match the token stored on the order when set.
	SecurityToken string
}

// Gateway is implemented once per provider.
type Gateway interface {
	Provider() enums.PaymentProvider
	Simulated() bool
	CreateRemotePayment(ctx context.Context, req CreatePaymentRequest) (*PaymentHandle, error)
	FetchRemoteStatus(ctx context.Context, providerRef string) (RemoteStatus, error)
	ParseWebhook(ctx context.Context, req WebhookRequest) (*WebhookNotification, error)
}

// MetadataSecurityToken is the order metadata key holding a notification token.
const MetadataSecurityToken = "security_token"

// ErrRemoteNotFound means the provider does not know the payment (yet). It is
// transient: the order is left untouched.
var ErrRemoteNotFound = errors.New("remote payment not found")

func signatureInvalid(provider enums.PaymentProvider, err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, err, string(provider)+" webhook signature invalid")
}

func malformed(provider enums.PaymentProvider, err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, string(provider)+" webhook payload invalid")
}

func providerFailure(provider enums.PaymentProvider, op string, err error) error {
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, string(provider)+" "+op+" failed")
}

// Options carries settings shared by every adapter.
type Options struct {
	// PublicBaseURL is where providers reach our webhook routes.
	PublicBaseURL string
	WebhookSecret string
	Tolerance     time.Duration
	// AllowUnsigned accepts deliveries when no secret is configured. Only
	// enabled outside production.
	AllowUnsigned bool
	Logger        *logger.Logger
	Now           func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

// WebhookPath is the route a provider posts notifications to.
func WebhookPath(provider enums.PaymentProvider) string {
	return "/api/v1/webhooks/" + string(provider)
}

func (o Options) webhookURL(provider enums.PaymentProvider) string {
	return strings.TrimRight(o.PublicBaseURL, "/") + WebhookPath(provider)
}

func (o Options) warn(ctx context.Context, msg string) {
	if o.Logger != nil {
		o.Logger.Warn(ctx, msg)
	}
}
