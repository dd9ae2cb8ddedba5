package gateways

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/residenza/backoffice/pkg/enums"
	"github.com/residenza/backoffice/pkg/money"
	"github.com/residenza/backoffice/pkg/providerhttp"
	"github.com/residenza/backoffice/pkg/sumup"
)

// SumUpAPI is the subset of pkg/sumup used by the adapter.
type SumUpAPI interface {
	CreateCheckout(ctx context.Context, req sumup.CreateCheckoutRequest) (*sumup.Checkout, error)
	GetCheckout(ctx context.Context, id string) (*sumup.Checkout, error)
}

var sumupStatuses = map[string]Kind{
	sumup.StatusPending: KindProcessing,
	sumup.StatusPaid:    KindSucceeded,
	sumup.StatusFailed:  KindFailed,
	sumup.StatusExpired: KindFailed,
}

// SumUpStatus classifies a checkout status.
func SumUpStatus(status string) RemoteStatus {
	return statusFrom(sumupStatuses, status)
}

// SumUpGateway uses hosted checkouts. Notifications only carry the checkout
// id and are always re-fetched.
type SumUpGateway struct {
	api  SumUpAPI
	opts Options
}

func NewSumUpGateway(api SumUpAPI, opts Options) (*SumUpGateway, error) {
	if api == nil {
		return nil, errors.New("sumup api required")
	}
	return &SumUpGateway{api: api, opts: opts}, nil
}

func (g *SumUpGateway) Provider() enums.PaymentProvider { return enums.PaymentProviderSumUp }

func (g *SumUpGateway) Simulated() bool { return false }

func (g *SumUpGateway) CreateRemotePayment(ctx context.Context, req CreatePaymentRequest) (*PaymentHandle, error) {
	checkout, err := g.api.CreateCheckout(ctx, sumup.CreateCheckoutRequest{
		CheckoutReference: req.OrderID,
		Amount:            json.Number(money.Format(req.AmountCents)),
		Currency:          req.Currency.String(),
		Description:       req.Description,
		ReturnURL:         g.opts.callbackURL(g.Provider(), req.OrderID, ""),
		RedirectURL:       req.ReturnURL,
	})
	if err != nil {
		return nil, providerFailure(g.Provider(), "create checkout", err)
	}
	return &PaymentHandle{
		ProviderRef: checkout.ID,
		RedirectURL: checkout.HostedCheckoutURL,
		Status:      SumUpStatus(checkout.Status),
	}, nil
}

func (g *SumUpGateway) FetchRemoteStatus(ctx context.Context, providerRef string) (RemoteStatus, error) {
	checkout, err := g.api.GetCheckout(ctx, providerRef)
	if err != nil {
		if providerhttp.IsNotFound(err) {
			return Unknown(""), ErrRemoteNotFound
		}
		return Unknown(""), providerFailure(g.Provider(), "get checkout", err)
	}
	return SumUpStatus(checkout.Status), nil
}

func (g *SumUpGateway) ParseWebhook(ctx context.Context, req WebhookRequest) (*WebhookNotification, error) {
	if err := g.opts.verifyDelivery(ctx, g.Provider(), req); err != nil {
		return nil, err
	}
	event, err := sumup.ParseWebhook(req.Body)
	if err != nil {
		return nil, malformed(g.Provider(), err)
	}
	return &WebhookNotification{
		EventType:    event.EventType,
		OrderID:      req.Query.Get(QueryRef),
		ProviderRef:  event.ID,
		Status:       Unknown(""),
		NeedsRefetch: true,
	}, nil
}
