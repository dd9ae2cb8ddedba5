package sumup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/residenza/backoffice/pkg/config"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/providerhttp"
)

const checkoutsPath = "/v0.1/checkouts"

var errCredentialsRequired = errors.New("sumup api key and merchant code are required")

// Checkout statuses.
const (
	StatusPending = "PENDING"
	StatusPaid    = "PAID"
	StatusFailed  = "FAILED"
	StatusExpired = "EXPIRED"
)

type HostedCheckout struct {
	Enabled bool `json:"enabled"`
}

// CreateCheckoutRequest is the body for POST /v0.1/checkouts. Amount is a
// decimal number in major units.
type CreateCheckoutRequest struct {
	CheckoutReference string          `json:"checkout_reference"`
	Amount            json.Number     `json:"amount"`
	Currency          string          `json:"currency"`
	MerchantCode      string          `json:"merchant_code"`
	Description       string          `json:"description,omitempty"`
	ReturnURL         string          `json:"return_url,omitempty"`
	RedirectURL       string          `json:"redirect_url,omitempty"`
	HostedCheckout    *HostedCheckout `json:"hosted_checkout,omitempty"`
}

type Transaction struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Checkout is the SumUp checkout resource.
type Checkout struct {
	ID                string        `json:"id"`
	CheckoutReference string        `json:"checkout_reference"`
	Amount            json.Number   `json:"amount"`
	Currency          string        `json:"currency"`
	Status            string        `json:"status"`
	HostedCheckoutURL string        `json:"hosted_checkout_url"`
	Transactions      []Transaction `json:"transactions"`
}

// Client uses the merchant API key as a bearer token.
type Client struct {
	transport      *providerhttp.Client
	merchantCode   string
	hostedCheckout bool
}

// NewClient binds the configured API key and merchant.
func NewClient(ctx context.Context, cfg config.SumUpConfig, logg *logger.Logger) (*Client, error) {
	if !cfg.Configured() {
		return nil, errCredentialsRequired
	}
	client, err := New(cfg.BaseURL, strings.TrimSpace(cfg.APIKey), strings.TrimSpace(cfg.MerchantCode), nil, logg)
	if err != nil {
		return nil, err
	}
	client.hostedCheckout = cfg.HostedCheckout
	if logg != nil {
		logg.Info(ctx, "sumup client initialized")
	}
	return client, nil
}

// New builds a client against an explicit base URL.
func New(baseURL, apiKey, merchantCode string, httpClient providerhttp.Doer, logg *logger.Logger) (*Client, error) {
	transport, err := providerhttp.New(providerhttp.Options{
		Provider:   "sumup",
		BaseURL:    baseURL,
		HTTPClient: httpClient,
		Logger:     logg,
		Authorize: func(req *http.Request, _ []byte) error {
			req.Header.Set("Authorization", "Bearer "+apiKey)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &Client{transport: transport, merchantCode: merchantCode, hostedCheckout: true}, nil
}

// CreateCheckout opens a checkout; checkout_reference must be unique per merchant.
func (c *Client) CreateCheckout(ctx context.Context, req CreateCheckoutRequest) (*Checkout, error) {
	if req.MerchantCode == "" {
		req.MerchantCode = c.merchantCode
	}
	if c.hostedCheckout && req.HostedCheckout == nil {
		req.HostedCheckout = &HostedCheckout{Enabled: true}
	}
	var out Checkout
	if err := c.transport.Do(ctx, providerhttp.Request{
		Op:     "create_checkout",
		Method: http.MethodPost,
		Path:   checkoutsPath,
		Body:   req,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCheckout fetches a checkout by id.
func (c *Client) GetCheckout(ctx context.Context, id string) (*Checkout, error) {
	var out Checkout
	if err := c.transport.Do(ctx, providerhttp.Request{
		Op:     "get_checkout",
		Method: http.MethodGet,
		Path:   checkoutsPath + "/" + url.PathEscape(id),
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WebhookEvent is the notification SumUp posts to the checkout return_url.
type WebhookEvent struct {
	EventType string `json:"event_type"`
	ID        string `json:"id"`
}

// ParseWebhook decodes a notification body.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode sumup webhook: %w", err)
	}
	if evt.ID == "" {
		return WebhookEvent{}, errors.New("sumup webhook missing checkout id")
	}
	return evt, nil
}
