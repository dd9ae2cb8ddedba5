package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/residenza/backoffice/pkg/config"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/providerhttp"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"

	ordersPath = "/v2/checkout/orders"
	verifyPath = "/v1/notifications/verify-webhook-signature"
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://api-m.sandbox.paypal.com",
	productionEnv: "https://api-m.paypal.com",
}

var errCredentialsRequired = errors.New("paypal client id and secret are required")

// Order statuses returned by the Orders v2 API.
const (
	OrderCreated             = "CREATED"
	OrderSaved               = "SAVED"
	OrderApproved            = "APPROVED"
	OrderVoided              = "VOIDED"
	OrderCompleted           = "COMPLETED"
	OrderPayerActionRequired = "PAYER_ACTION_REQUIRED"
)

// Webhook transmission headers.
const (
	HeaderAuthAlgo         = "Paypal-Auth-Algo"
	HeaderCertURL          = "Paypal-Cert-Url"
	HeaderTransmissionID   = "Paypal-Transmission-Id"
	HeaderTransmissionSig  = "Paypal-Transmission-Sig"
	HeaderTransmissionTime = "Paypal-Transmission-Time"
)

type Amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type PurchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	CustomID    string `json:"custom_id,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      Amount `json:"amount"`
}

type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

type ExperienceContext struct {
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
	UserAction string `json:"user_action,omitempty"`
}

type CreateOrderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
	PaymentSource *PaymentSource `json:"payment_source,omitempty"`
}

type PaymentSource struct {
	PayPal struct {
		ExperienceContext ExperienceContext `json:"experience_context"`
	} `json:"paypal"`
}

// Order is the Orders v2 resource.
type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units,omitempty"`
	Links         []Link         `json:"links,omitempty"`
}

// ApproveURL returns the buyer redirect link, if present.
func (o Order) ApproveURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

// WebhookEvent is a PayPal webhook notification.
type WebhookEvent struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
}

// Transmission carries the signature headers of one webhook delivery.
type Transmission struct {
	AuthAlgo         string
	CertURL          string
	TransmissionID   string
	TransmissionSig  string
	TransmissionTime string
}

// TransmissionFromHeaders reads the PayPal signature headers.
func TransmissionFromHeaders(h http.Header) Transmission {
	return Transmission{
		AuthAlgo:         h.Get(HeaderAuthAlgo),
		CertURL:          h.Get(HeaderCertURL),
		TransmissionID:   h.Get(HeaderTransmissionID),
		TransmissionSig:  h.Get(HeaderTransmissionSig),
		TransmissionTime: h.Get(HeaderTransmissionTime),
	}
}

// Complete reports whether every header needed for verification is present.
func (t Transmission) Complete() bool {
	return t.AuthAlgo != "" && t.CertURL != "" && t.TransmissionID != "" && t.TransmissionSig != "" && t.TransmissionTime != ""
}

// Client talks to PayPal with an OAuth2 client-credentials token source.
type Client struct {
	transport   *providerhttp.Client
	webhookID   string
	environment string
}

// NewClient wires the OAuth2 token source for the configured environment.
func NewClient(ctx context.Context, cfg config.PayPalConfig, logg *logger.Logger) (*Client, error) {
	if !cfg.Configured() {
		return nil, errCredentialsRequired
	}
	env := cfg.Environment()
	base := baseURLs[env]

	oauthCfg := clientcredentials.Config{
		ClientID:     strings.TrimSpace(cfg.ClientID),
		ClientSecret: strings.TrimSpace(cfg.ClientSecret),
		TokenURL:     base + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// token source outlives ctx, so bind it to a background context
	httpClient := oauthCfg.Client(context.Background())

	client, err := New(base, strings.TrimSpace(cfg.WebhookID), httpClient, logg)
	if err != nil {
		return nil, err
	}
	client.environment = env
	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("paypal client initialized (%s)", env))
	}
	return client, nil
}

// New builds a client on an already-authenticated HTTP client.
func New(baseURL, webhookID string, httpClient providerhttp.Doer, logg *logger.Logger) (*Client, error) {
	transport, err := providerhttp.New(providerhttp.Options{
		Provider:   "paypal",
		BaseURL:    baseURL,
		HTTPClient: httpClient,
		Logger:     logg,
	})
	if err != nil {
		return nil, err
	}
	return &Client{transport: transport, webhookID: webhookID, environment: sandboxEnv}, nil
}

// Environment reports sandbox or production.
func (c *Client) Environment() string {
	return c.environment
}

// HasWebhookID reports whether webhook verification is possible.
func (c *Client) HasWebhookID() bool {
	return c.webhookID != ""
}

// CreateOrder opens a CAPTURE-intent order. requestID makes the call idempotent.
func (c *Client) CreateOrder(ctx context.Context, requestID string, req CreateOrderRequest) (*Order, error) {
	if req.Intent == "" {
		req.Intent = "CAPTURE"
	}
	var out Order
	err := c.transport.Do(ctx, providerhttp.Request{
		Op:      "create_order",
		Method:  http.MethodPost,
		Path:    ordersPath,
		Body:    req,
		Headers: map[string]string{"PayPal-Request-Id": requestID, "Prefer": "return=representation"},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder fetches an order.
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var out Order
	err := c.transport.Do(ctx, providerhttp.Request{
		Op:     "get_order",
		Method: http.MethodGet,
		Path:   ordersPath + "/" + url.PathEscape(id),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CaptureOrder captures an APPROVED order. A repeated capture of a completed
// order answers 422 ORDER_ALREADY_CAPTURED, which callers treat as success.
func (c *Client) CaptureOrder(ctx context.Context, id string) (*Order, error) {
	var out Order
	err := c.transport.Do(ctx, providerhttp.Request{
		Op:      "capture_order",
		Method:  http.MethodPost,
		Path:    ordersPath + "/" + url.PathEscape(id) + "/capture",
		Body:    struct{}{},
		Headers: map[string]string{"PayPal-Request-Id": "capture-" + id},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// VerifyWebhookSignature asks PayPal to authenticate a delivery.
func (c *Client) VerifyWebhookSignature(ctx context.Context, t Transmission, rawBody []byte) (bool, error) {
	if !c.HasWebhookID() {
		return false, errors.New("paypal webhook id is not configured")
	}
	if !t.Complete() {
		return false, nil
	}
	var out verifyResponse
	err := c.transport.Do(ctx, providerhttp.Request{
		Op:     "verify_webhook",
		Method: http.MethodPost,
		Path:   verifyPath,
		Body: verifyRequest{
			AuthAlgo:         t.AuthAlgo,
			CertURL:          t.CertURL,
			TransmissionID:   t.TransmissionID,
			TransmissionSig:  t.TransmissionSig,
			TransmissionTime: t.TransmissionTime,
			WebhookID:        c.webhookID,
			WebhookEvent:     json.RawMessage(rawBody),
		},
	}, &out)
	if err != nil {
		return false, err
	}
	return out.VerificationStatus == "SUCCESS", nil
}
