package gateways

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/residenza/backoffice/pkg/enums"
	"github.com/residenza/backoffice/pkg/nexi"
	"github.com/residenza/backoffice/pkg/providerhttp"
)

// NexiAPI is the subset of pkg/nexi used by the adapter.
type NexiAPI interface {
	CreateHostedPayment(ctx context.Context, req nexi.HostedPaymentRequest) (*nexi.HostedPayment, error)
	GetOrder(ctx context.Context, orderID string) (*nexi.OrderDetails, error)
}

var nexiResults = map[string]Kind{
	nexi.ResultAuthorized:   KindSucceeded,
	nexi.ResultExecuted:     KindSucceeded,
	nexi.ResultPending:      KindProcessing,
	"THREEDS_VALIDATED":     KindProcessing,
	nexi.ResultDeclined:     KindFailed,
	nexi.ResultDeniedByRisk: KindFailed,
	nexi.ResultThreeDSFail:  KindFailed,
	nexi.ResultFailed:       KindFailed,
	nexi.ResultCanceled:     KindFailed,
	nexi.ResultVoided:       KindFailed,
}

// NexiResult classifies an operation result.
func NexiResult(result string) RemoteStatus {
	return statusFrom(nexiResults, result)
}

// NexiOrderID derives the gateway order id, which is limited to 18 characters.
func NexiOrderID(orderID string) string {
	id := strings.ReplaceAll(strings.TrimPrefix(orderID, "RZ-"), "-", "")
	if len(id) > 18 {
		id = id[len(id)-18:]
	}
	return id
}

// NexiGateway uses the XPay hosted payment page. Notifications are
// authenticated by the security token issued when the page was created.
type NexiGateway struct {
	api  NexiAPI
	opts Options
}

func NewNexiGateway(api NexiAPI, opts Options) (*NexiGateway, error) {
	if api == nil {
		return nil, errors.New("nexi api required")
	}
	return &NexiGateway{api: api, opts: opts}, nil
}

func (g *NexiGateway) Provider() enums.PaymentProvider { return enums.PaymentProviderNexi }

func (g *NexiGateway) Simulated() bool { return false }

func (g *NexiGateway) CreateRemotePayment(ctx context.Context, req CreatePaymentRequest) (*PaymentHandle, error) {
	ref := NexiOrderID(req.OrderID)
	amount := strconv.FormatInt(req.AmountCents, 10)
	hpp, err := g.api.CreateHostedPayment(ctx, nexi.HostedPaymentRequest{
		Order: nexi.Order{
			OrderID:     ref,
			Amount:      amount,
			Currency:    req.Currency.String(),
			CustomerID:  req.Sigla,
			Description: req.Description,
		},
		PaymentSession: nexi.PaymentSession{
			Amount:          amount,
			ResultURL:       req.ReturnURL,
			CancelURL:       req.ReturnURL,
			NotificationURL: g.opts.webhookURL(g.Provider()),
		},
	})
	if err != nil {
		return nil, providerFailure(g.Provider(), "create hosted payment", err)
	}
	return &PaymentHandle{
		ProviderRef: ref,
		RedirectURL: hpp.HostedPage,
		Status:      RemoteStatus{Kind: KindPending, Raw: "CREATED"},
		Metadata:    map[string]string{MetadataSecurityToken: hpp.SecurityToken},
	}, nil
}

func (g *NexiGateway) FetchRemoteStatus(ctx context.Context, providerRef string) (RemoteStatus, error) {
	details, err := g.api.GetOrder(ctx, providerRef)
	if err != nil {
		if providerhttp.IsNotFound(err) {
			return Unknown(""), ErrRemoteNotFound
		}
		return Unknown(""), providerFailure(g.Provider(), "get order", err)
	}
	op, ok := details.LatestOperation()
	if !ok {
		return RemoteStatus{Kind: KindPending, Raw: "NO_OPERATIONS"}, nil
	}
	return NexiResult(op.OperationResult), nil
}

func (g *NexiGateway) ParseWebhook(ctx context.Context, req WebhookRequest) (*WebhookNotification, error) {
	n, err := nexi.ParseNotification(req.Body)
	if err != nil {
		return nil, malformed(g.Provider(), err)
	}
	if strings.TrimSpace(n.SecurityToken) == "" {
		return nil, signatureInvalid(g.Provider(), errors.New("security token missing"))
	}
	return &WebhookNotification{
		EventID:       n.EventID,
		EventType:     n.Operation.OperationType,
		ProviderRef:   n.Operation.OrderID,
		Status:        NexiResult(n.Operation.OperationResult),
		SecurityToken: n.SecurityToken,
	}, nil
}
