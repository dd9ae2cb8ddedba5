package nexi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/residenza/backoffice/pkg/config"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/providerhttp"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"

	hppPath    = "/orders/hpp"
	ordersPath = "/orders"
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://xpaysandbox.nexigroup.com/api/phoenix-0.0/psp/api/v1",
	productionEnv: "https://xpay.nexigroup.com/api/phoenix-0.0/psp/api/v1",
}

var errAPIKeyRequired = errors.New("nexi api key is required")

// Operation results reported by the gateway.
const (
	ResultAuthorized   = "AUTHORIZED"
	ResultExecuted     = "EXECUTED"
	ResultPending      = "PENDING"
	ResultDeclined     = "DECLINED"
	ResultDeniedByRisk = "DENIED_BY_RISK"
	ResultThreeDSFail  = "THREEDS_FAILED"
	ResultCanceled     = "CANCELED"
	ResultVoided       = "VOIDED"
	ResultFailed       = "FAILED"
)

type Order struct {
	OrderID     string `json:"orderId"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	CustomerID  string `json:"customerId,omitempty"`
	Description string `json:"description,omitempty"`
}

type PaymentSession struct {
	ActionType      string `json:"actionType"`
	Amount          string `json:"amount"`
	Language        string `json:"language"`
	ResultURL       string `json:"resultUrl"`
	CancelURL       string `json:"cancelUrl"`
	NotificationURL string `json:"notificationUrl,omitempty"`
}

// HostedPaymentRequest is the body for POST /orders/hpp. Amounts are strings
// in minor units.
type HostedPaymentRequest struct {
	Order          Order          `json:"order"`
	PaymentSession PaymentSession `json:"paymentSession"`
}

// HostedPayment carries the redirect page and the token echoed in notifications.
type HostedPayment struct {
	HostedPage    string `json:"hostedPage"`
	SecurityToken string `json:"securityToken"`
}

type Operation struct {
	OrderID         string `json:"orderId"`
	OperationID     string `json:"operationId"`
	OperationType   string `json:"operationType"`
	OperationResult string `json:"operationResult"`
	OperationTime   string `json:"operationTime"`
}

// OrderDetails is the GET /orders/{orderId} response.
type OrderDetails struct {
	OrderStatus struct {
		Order             Order  `json:"order"`
		LastOperationType string `json:"lastOperationType"`
		LastOperationTime string `json:"lastOperationTime"`
		AuthorizedAmount  string `json:"authorizedAmount"`
		CapturedAmount    string `json:"capturedAmount"`
	} `json:"orderStatus"`
	Operations []Operation `json:"operations"`
}

// LatestOperation returns the most recent payment operation, if any.
func (d OrderDetails) LatestOperation() (Operation, bool) {
	if len(d.Operations) == 0 {
		return Operation{}, false
	}
	return d.Operations[len(d.Operations)-1], true
}

// Notification is the server-to-server push sent to notificationUrl.
type Notification struct {
	EventID       string    `json:"eventId"`
	EventTime     string    `json:"eventTime"`
	SecurityToken string    `json:"securityToken"`
	Operation     Operation `json:"operation"`
}

// ParseNotification decodes a notification body.
func ParseNotification(body []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, fmt.Errorf("decode nexi notification: %w", err)
	}
	if n.Operation.OrderID == "" {
		return Notification{}, errors.New("nexi notification missing order id")
	}
	return n, nil
}

// Client authenticates with X-Api-Key and tags every call with a Correlation-Id.
type Client struct {
	transport   *providerhttp.Client
	environment string
}

// NewClient binds the configured API key and environment.
func NewClient(ctx context.Context, cfg config.NexiConfig, logg *logger.Logger) (*Client, error) {
	if !cfg.Configured() {
		return nil, errAPIKeyRequired
	}
	env := cfg.Environment()
	client, err := New(baseURLs[env], strings.TrimSpace(cfg.APIKey), nil, logg)
	if err != nil {
		return nil, err
	}
	client.environment = env
	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("nexi client initialized (%s)", env))
	}
	return client, nil
}

// New builds a client against an explicit base URL.
func New(baseURL, apiKey string, httpClient providerhttp.Doer, logg *logger.Logger) (*Client, error) {
	transport, err := providerhttp.New(providerhttp.Options{
		Provider:   "nexi",
		BaseURL:    baseURL,
		HTTPClient: httpClient,
		Logger:     logg,
		Authorize: func(req *http.Request, _ []byte) error {
			req.Header.Set("X-Api-Key", apiKey)
			req.Header.Set("Correlation-Id", uuid.NewString())
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &Client{transport: transport, environment: sandboxEnv}, nil
}

// Environment reports sandbox or production.
func (c *Client) Environment() string {
	return c.environment
}

// CreateHostedPayment opens a hosted payment page for an order.
func (c *Client) CreateHostedPayment(ctx context.Context, req HostedPaymentRequest) (*HostedPayment, error) {
	if req.PaymentSession.ActionType == "" {
		req.PaymentSession.ActionType = "PAY"
	}
	if req.PaymentSession.Language == "" {
		req.PaymentSession.Language = "ita"
	}
	var out HostedPayment
	if err := c.transport.Do(ctx, providerhttp.Request{
		Op:      "create_hpp",
		Method:  http.MethodPost,
		Path:    hppPath,
		Body:    req,
		Headers: map[string]string{"Idempotency-Key": req.Order.OrderID},
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder returns the order and its operations.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderDetails, error) {
	var out OrderDetails
	if err := c.transport.Do(ctx, providerhttp.Request{
		Op:     "get_order",
		Method: http.MethodGet,
		Path:   ordersPath + "/" + url.PathEscape(orderID),
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
