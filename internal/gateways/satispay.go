package gateways

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/residenza/backoffice/pkg/enums"
	"github.com/residenza/backoffice/pkg/providerhttp"
	"github.com/residenza/backoffice/pkg/satispay"
)

// SatispayAPI is the subset of pkg/satispay used by the adapter.
type SatispayAPI interface {
	CreatePayment(ctx context.Context, req satispay.CreatePaymentRequest) (*satispay.Payment, error)
	GetPayment(ctx context.Context, id string) (*satispay.Payment, error)
}

var satispayStatuses = map[string]Kind{
	satispay.StatusPending:  KindProcessing,
	satispay.StatusAccepted: KindSucceeded,
	satispay.StatusCanceled: KindFailed,
	"EXPIRED":               KindFailed,
}

// SatispayStatus classifies a g_business payment.
func SatispayStatus(p satispay.Payment) RemoteStatus {
	if p.Expired && p.Status == satispay.StatusPending {
		return RemoteStatus{Kind: KindFailed, Raw: "EXPIRED"}
	}
	return statusFrom(satispayStatuses, p.Status)
}

// SatispayGateway handles Satispay Business payments. Callbacks only name the
// payment and carry no event id, so every notification is re-fetched and none
// is deduplicated.
type SatispayGateway struct {
	api  SatispayAPI
	opts Options
}

func NewSatispayGateway(api SatispayAPI, opts Options) (*SatispayGateway, error) {
	if api == nil {
		return nil, errors.New("satispay api required")
	}
	return &SatispayGateway{api: api, opts: opts}, nil
}

func (g *SatispayGateway) Provider() enums.PaymentProvider { return enums.PaymentProviderSatispay }

func (g *SatispayGateway) Simulated() bool { return false }

func (g *SatispayGateway) CreateRemotePayment(ctx context.Context, req CreatePaymentRequest) (*PaymentHandle, error) {
	payment, err := g.api.CreatePayment(ctx, satispay.CreatePaymentRequest{
		AmountUnit:   req.AmountCents,
		Currency:     req.Currency.String(),
		ExternalCode: req.OrderID,
		CallbackURL:  g.opts.callbackURL(g.Provider(), req.OrderID, "payment_id={uuid}"),
		RedirectURL:  req.ReturnURL,
		Metadata: map[string]string{
			"order_id": req.OrderID,
			"sigla":    req.Sigla,
		},
	})
	if err != nil {
		return nil, providerFailure(g.Provider(), "create payment", err)
	}
	return &PaymentHandle{
		ProviderRef: payment.ID,
		RedirectURL: payment.RedirectURL,
		Status:      SatispayStatus(*payment),
	}, nil
}

func (g *SatispayGateway) FetchRemoteStatus(ctx context.Context, providerRef string) (RemoteStatus, error) {
	payment, err := g.api.GetPayment(ctx, providerRef)
	if err != nil {
		if providerhttp.IsNotFound(err) {
			return Unknown(""), ErrRemoteNotFound
		}
		return Unknown(""), providerFailure(g.Provider(), "get payment", err)
	}
	return SatispayStatus(*payment), nil
}

type satispayCallback struct {
	ID string `json:"id"`
}

func (g *SatispayGateway) ParseWebhook(ctx context.Context, req WebhookRequest) (*WebhookNotification, error) {
	if err := g.opts.verifyDelivery(ctx, g.Provider(), req); err != nil {
		return nil, err
	}

	paymentID := strings.TrimSpace(req.Query.Get("payment_id"))
	if paymentID == "" && len(req.Body) > 0 {
		var body satispayCallback
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, malformed(g.Provider(), err)
		}
		paymentID = body.ID
	}
	if paymentID == "" {
		return nil, malformed(g.Provider(), errors.New("payment_id missing"))
	}

	return &WebhookNotification{
		EventType:    "payment_callback",
		OrderID:      req.Query.Get(QueryRef),
		ProviderRef:  paymentID,
		Status:       Unknown(""),
		NeedsRefetch: true,
	}, nil
}
