package gateways

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/residenza/backoffice/pkg/enums"
	"github.com/residenza/backoffice/pkg/money"
	"github.com/residenza/backoffice/pkg/paypal"
	"github.com/residenza/backoffice/pkg/providerhttp"
)

// PayPalAPI is the subset of pkg/paypal used by the adapter.
type PayPalAPI interface {
	CreateOrder(ctx context.Context, requestID string, req paypal.CreateOrderRequest) (*paypal.Order, error)
	GetOrder(ctx context.Context, id string) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, id string) (*paypal.Order, error)
	VerifyWebhookSignature(ctx context.Context, t paypal.Transmission, rawBody []byte) (bool, error)
	HasWebhookID() bool
}

var paypalOrderStatuses = map[string]Kind{
	paypal.OrderCreated:             KindPending,
	paypal.OrderPayerActionRequired: KindPending,
	paypal.OrderSaved:               KindProcessing,
	paypal.OrderApproved:            KindProcessing,
	paypal.OrderCompleted:           KindSucceeded,
	paypal.OrderVoided:              KindFailed,
}

var paypalEventStatuses = map[string]Kind{
	"CHECKOUT.ORDER.APPROVED":   KindProcessing,
	"CHECKOUT.ORDER.COMPLETED":  KindSucceeded,
	"PAYMENT.CAPTURE.COMPLETED": KindSucceeded,
	"PAYMENT.CAPTURE.PENDING":   KindProcessing,
	"PAYMENT.CAPTURE.DENIED":    KindFailed,
	"PAYMENT.CAPTURE.DECLINED":  KindFailed,
	"CHECKOUT.ORDER.VOIDED":     KindFailed,
}

// PayPalOrderStatus classifies an Orders v2 status.
func PayPalOrderStatus(status string) RemoteStatus {
	return statusFrom(paypalOrderStatuses, status)
}

// PayPalEventStatus classifies a webhook event type.
func PayPalEventStatus(eventType string) RemoteStatus {
	return statusFrom(paypalEventStatuses, eventType)
}

// PayPalGateway drives Orders v2 with CAPTURE intent. Approved orders are
// captured when their status is fetched.
type PayPalGateway struct {
	api  PayPalAPI
	opts Options
}

func NewPayPalGateway(api PayPalAPI, opts Options) (*PayPalGateway, error) {
	if api == nil {
		return nil, errors.New("paypal api required")
	}
	return &PayPalGateway{api: api, opts: opts}, nil
}

func (g *PayPalGateway) Provider() enums.PaymentProvider { return enums.PaymentProviderPayPal }

func (g *PayPalGateway) Simulated() bool { return false }

func (g *PayPalGateway) CreateRemotePayment(ctx context.Context, req CreatePaymentRequest) (*PaymentHandle, error) {
	body := paypal.CreateOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []paypal.PurchaseUnit{{
			ReferenceID: req.OrderID,
			CustomID:    req.OrderID,
			Description: req.Description,
			Amount: paypal.Amount{
				CurrencyCode: req.Currency.String(),
				Value:        money.Format(req.AmountCents),
			},
		}},
	}
	if req.ReturnURL != "" {
		source := &paypal.PaymentSource{}
		source.PayPal.ExperienceContext = paypal.ExperienceContext{
			ReturnURL:  req.ReturnURL,
			CancelURL:  req.ReturnURL,
			UserAction: "PAY_NOW",
		}
		body.PaymentSource = source
	}

	order, err := g.api.CreateOrder(ctx, req.OrderID, body)
	if err != nil {
		return nil, providerFailure(g.Provider(), "create order", err)
	}
	return &PaymentHandle{
		ProviderRef: order.ID,
		RedirectURL: order.ApproveURL(),
		Status:      PayPalOrderStatus(order.Status),
	}, nil
}

func (g *PayPalGateway) FetchRemoteStatus(ctx context.Context, providerRef string) (RemoteStatus, error) {
	order, err := g.api.GetOrder(ctx, providerRef)
	if err != nil {
		if providerhttp.IsNotFound(err) {
			return Unknown(""), ErrRemoteNotFound
		}
		return Unknown(""), providerFailure(g.Provider(), "get order", err)
	}
	if order.Status != paypal.OrderApproved {
		return PayPalOrderStatus(order.Status), nil
	}

	captured, err := g.api.CaptureOrder(ctx, providerRef)
	if err != nil {
		if !alreadyCaptured(err) {
			return Unknown(order.Status), providerFailure(g.Provider(), "capture order", err)
		}
		captured, err = g.api.GetOrder(ctx, providerRef)
		if err != nil {
			return Unknown(order.Status), providerFailure(g.Provider(), "get order", err)
		}
	}
	return PayPalOrderStatus(captured.Status), nil
}

func alreadyCaptured(err error) bool {
	var apiErr *providerhttp.APIError
	return errors.As(err, &apiErr) &&
		apiErr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(apiErr.Body, "ORDER_ALREADY_CAPTURED")
}

type paypalResource struct {
	ID                string                `json:"id"`
	Status            string                `json:"status"`
	CustomID          string                `json:"custom_id"`
	PurchaseUnits     []paypal.PurchaseUnit `json:"purchase_units"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

func (g *PayPalGateway) ParseWebhook(ctx context.Context, req WebhookRequest) (*WebhookNotification, error) {
	if g.api.HasWebhookID() {
		ok, err := g.api.VerifyWebhookSignature(ctx, paypal.TransmissionFromHeaders(req.Header), req.Body)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, signatureInvalid(g.Provider(), errors.New("verification status not SUCCESS"))
		}
	} else if !g.opts.AllowUnsigned {
		return nil, signatureInvalid(g.Provider(), errSecretMissing)
	} else {
		g.opts.warn(ctx, "paypal webhook accepted without verification: webhook id not configured")
	}

	var event paypal.WebhookEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return nil, malformed(g.Provider(), err)
	}
	var resource paypalResource
	if len(event.Resource) > 0 {
		if err := json.Unmarshal(event.Resource, &resource); err != nil {
			return nil, malformed(g.Provider(), err)
		}
	}

	n := &WebhookNotification{
		EventID:   event.ID,
		EventType: event.EventType,
		Status:    PayPalEventStatus(event.EventType),
	}
	if strings.HasPrefix(event.EventType, "PAYMENT.CAPTURE.") {
		n.ProviderRef = resource.SupplementaryData.RelatedIDs.OrderID
		n.OrderID = resource.CustomID
	} else {
		n.ProviderRef = resource.ID
		if len(resource.PurchaseUnits) > 0 {
			n.OrderID = resource.PurchaseUnits[0].CustomID
		}
	}
	// an approved order still has to be captured
	n.NeedsRefetch = event.EventType == "CHECKOUT.ORDER.APPROVED"
	return n, nil
}
