package gateways

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/stripe/stripe-go/v84"

	"github.com/residenza/backoffice/pkg/enums"
	pkgstripe "github.com/residenza/backoffice/pkg/stripe"
)

// StripeAPI is the subset of pkg/stripe used by the adapter.
type StripeAPI interface {
	CreatePaymentIntent(ctx context.Context, in pkgstripe.CreateIntentInput) (*stripe.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error)
}

var stripeIntentStatuses = map[string]Kind{
	"REQUIRES_PAYMENT_METHOD": KindPending,
	"REQUIRES_CONFIRMATION":   KindPending,
	"REQUIRES_ACTION":         KindPending,
	"REQUIRES_CAPTURE":        KindPending,
	"PROCESSING":              KindProcessing,
	"SUCCEEDED":               KindSucceeded,
	"CANCELED":                KindFailed,
}

var stripeEventStatuses = map[string]Kind{
	"PAYMENT_INTENT.CREATED":         KindPending,
	"PAYMENT_INTENT.REQUIRES_ACTION": KindPending,
	"PAYMENT_INTENT.PROCESSING":      KindProcessing,
	"PAYMENT_INTENT.SUCCEEDED":       KindSucceeded,
	"PAYMENT_INTENT.PAYMENT_FAILED":  KindFailed,
	"PAYMENT_INTENT.CANCELED":        KindFailed,
}

// StripeIntentStatus classifies a PaymentIntent status.
func StripeIntentStatus(status string) RemoteStatus {
	return statusFrom(stripeIntentStatuses, status)
}

// StripeEventStatus classifies a webhook event type.
func StripeEventStatus(eventType string) RemoteStatus {
	return statusFrom(stripeEventStatuses, eventType)
}

// StripeGateway settles through PaymentIntents.
type StripeGateway struct {
	api  StripeAPI
	opts Options
}

func NewStripeGateway(api StripeAPI, opts Options) (*StripeGateway, error) {
	if api == nil {
		return nil, errors.New("stripe api required")
	}
	return &StripeGateway{api: api, opts: opts}, nil
}

func (g *StripeGateway) Provider() enums.PaymentProvider { return enums.PaymentProviderStripe }

func (g *StripeGateway) Simulated() bool { return false }

func (g *StripeGateway) CreateRemotePayment(ctx context.Context, req CreatePaymentRequest) (*PaymentHandle, error) {
	intent, err := g.api.CreatePaymentIntent(ctx, pkgstripe.CreateIntentInput{
		OrderID:     req.OrderID,
		Sigla:       req.Sigla,
		AmountCents: req.AmountCents,
		Currency:    req.Currency.String(),
		Description: req.Description,
	})
	if err != nil {
		return nil, providerFailure(g.Provider(), "create payment intent", err)
	}
	return &PaymentHandle{
		ProviderRef: intent.ID,
		Status:      StripeIntentStatus(string(intent.Status)),
		Metadata:    map[string]string{"client_secret": intent.ClientSecret},
	}, nil
}

func (g *StripeGateway) FetchRemoteStatus(ctx context.Context, providerRef string) (RemoteStatus, error) {
	intent, err := g.api.GetPaymentIntent(ctx, providerRef)
	if err != nil {
		if pkgstripe.IsNotFound(err) {
			return Unknown(""), ErrRemoteNotFound
		}
		return Unknown(""), providerFailure(g.Provider(), "get payment intent", err)
	}
	return StripeIntentStatus(string(intent.Status)), nil
}

func (g *StripeGateway) ParseWebhook(ctx context.Context, req WebhookRequest) (*WebhookNotification, error) {
	header := ""
	if req.Header != nil {
		header = req.Header.Get("Stripe-Signature")
	}
	event, err := g.api.ConstructEvent(req.Body, header)
	switch {
	case errors.Is(err, pkgstripe.ErrNoSigningSecret):
		if !g.opts.AllowUnsigned {
			return nil, signatureInvalid(g.Provider(), err)
		}
		g.opts.warn(ctx, "stripe webhook accepted without verification: signing secret not configured")
		if err := json.Unmarshal(req.Body, &event); err != nil {
			return nil, malformed(g.Provider(), err)
		}
	case err != nil:
		return nil, signatureInvalid(g.Provider(), err)
	}

	n := &WebhookNotification{
		EventID:   event.ID,
		EventType: string(event.Type),
		Status:    StripeEventStatus(string(event.Type)),
	}
	if event.Data != nil && len(event.Data.Raw) > 0 {
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, malformed(g.Provider(), err)
		}
		n.ProviderRef = intent.ID
		n.OrderID = intent.Metadata[pkgstripe.MetadataOrderID]
	}
	return n, nil
}
