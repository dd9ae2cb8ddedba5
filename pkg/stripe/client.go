package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/residenza/backoffice/pkg/config"
	"github.com/residenza/backoffice/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	// MetadataOrderID links a PaymentIntent back to the local payment order.
	MetadataOrderID = "order_id"
	MetadataSigla   = "sigla"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)

	// ErrNoSigningSecret is returned by ConstructEvent when no webhook secret is configured.
	ErrNoSigningSecret = errors.New("stripe webhook secret is not configured")
)

// PaymentIntents is the subset of the Stripe v1 PaymentIntent service in use.
type PaymentIntents interface {
	Create(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
	Retrieve(ctx context.Context, id string, params *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error)
}

// Client wraps Stripe's API client plus env-specific metadata.
type Client struct {
	intents       PaymentIntents
	environment   string
	signingSecret string
}

// NewClient initializes Stripe once with the configured secrets and env.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	api := stripe.NewClient(apiKey)

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	return &Client{
		intents:       api.V1PaymentIntents,
		environment:   env,
		signingSecret: strings.TrimSpace(cfg.Secret),
	}, nil
}

// NewWithIntents builds a client around a custom PaymentIntent service.
func NewWithIntents(intents PaymentIntents, env, signingSecret string) *Client {
	return &Client{intents: intents, environment: env, signingSecret: signingSecret}
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// HasSigningSecret reports whether webhook signatures can be verified.
func (c *Client) HasSigningSecret() bool {
	return c != nil && c.signingSecret != ""
}

// CreateIntentInput describes a PaymentIntent for one payment order.
type CreateIntentInput struct {
	OrderID     string
	Sigla       string
	AmountCents int64
	Currency    string
	Description string
}

// CreatePaymentIntent creates a PaymentIntent keyed on the order id so a retried
// request returns the same intent.
func (c *Client) CreatePaymentIntent(ctx context.Context, in CreateIntentInput) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:      stripe.Int64(in.AmountCents),
		Currency:    stripe.String(strings.ToLower(in.Currency)),
		Description: stripe.String(in.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: map[string]string{
			MetadataOrderID: in.OrderID,
			MetadataSigla:   in.Sigla,
		},
	}
	params.SetIdempotencyKey("pi-create-" + in.OrderID)
	return c.intents.Create(ctx, params)
}

// GetPaymentIntent fetches the current state of a PaymentIntent.
func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	return c.intents.Retrieve(ctx, id, &stripe.PaymentIntentRetrieveParams{})
}

// ConstructEvent verifies the Stripe-Signature header and decodes the event.
func (c *Client) ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	if !c.HasSigningSecret() {
		return stripe.Event{}, ErrNoSigningSecret
	}
	return webhook.ConstructEventWithOptions(payload, signatureHeader, c.signingSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// IsNotFound reports whether err is a Stripe 404.
func IsNotFound(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound
}

// IsAuthError reports whether err is a Stripe authentication failure.
func IsAuthError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusUnauthorized || stripeErr.HTTPStatusCode == http.StatusForbidden
}

// keyPrefixes lists the secret and restricted key prefixes each mode accepts.
var keyPrefixes = map[string][]string{
	testEnv: {"sk_test_", "rk_test_"},
	liveEnv: {"sk_live_", "rk_live_"},
}

func normalizeEnv(raw string) (string, error) {
	env := strings.ToLower(strings.TrimSpace(raw))
	if env == "" {
		return testEnv, nil
	}
	if _, ok := keyPrefixes[env]; !ok {
		return "", errInvalidStripeEnv
	}
	return env, nil
}

// validateAPIKey stops a live key from being used against a test deployment
// and the other way round.
func validateAPIKey(env, key string) error {
	prefixes, ok := keyPrefixes[env]
	if !ok {
		return errInvalidStripeEnv
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(key, prefix) {
			return nil
		}
	}
	return fmt.Errorf("stripe %s mode needs a key starting with %s", env, strings.Join(prefixes, " or "))
}
