package gateways

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/residenza/backoffice/pkg/enums"
)

// SimulatedPrefix marks provider refs issued by a simulated gateway.
const SimulatedPrefix = "sim_"

// SimulatedGateway stands in for a provider whose credentials are missing.
// Remote state lives in memory and is driven with SetStatus or signed
// webhooks whose body carries the status.
type SimulatedGateway struct {
	provider enums.PaymentProvider
	opts     Options

	mu       sync.Mutex
	statuses map[string]RemoteStatus
	failNext error
}

func NewSimulatedGateway(provider enums.PaymentProvider, opts Options) *SimulatedGateway {
	return &SimulatedGateway{
		provider: provider,
		opts:     opts,
		statuses: make(map[string]RemoteStatus),
	}
}

func (g *SimulatedGateway) Provider() enums.PaymentProvider { return g.provider }

func (g *SimulatedGateway) Simulated() bool { return true }

func (g *SimulatedGateway) CreateRemotePayment(_ context.Context, req CreatePaymentRequest) (*PaymentHandle, error) {
	if err := g.takeFailure(); err != nil {
		return nil, providerFailure(g.provider, "create payment", err)
	}
	ref := SimulatedPrefix + string(g.provider) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	status := RemoteStatus{Kind: KindProcessing, Raw: "SIMULATED_PROCESSING"}

	g.mu.Lock()
	g.statuses[ref] = status
	g.mu.Unlock()

	return &PaymentHandle{
		ProviderRef: ref,
		RedirectURL: strings.TrimRight(g.opts.PublicBaseURL, "/") + "/simulated/" + string(g.provider) + "/" + ref,
		Status:      status,
	}, nil
}

func (g *SimulatedGateway) FetchRemoteStatus(_ context.Context, providerRef string) (RemoteStatus, error) {
	if err := g.takeFailure(); err != nil {
		return Unknown(""), providerFailure(g.provider, "fetch status", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.statuses[providerRef]
	if !ok {
		return Unknown(""), ErrRemoteNotFound
	}
	return status, nil
}

// SetStatus drives the remote state of ref.
func (g *SimulatedGateway) SetStatus(ref string, kind Kind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[ref] = RemoteStatus{Kind: kind, Raw: "SIMULATED_" + strings.ToUpper(string(kind))}
}

// FailNext makes the next provider call return err, emulating an outage.
func (g *SimulatedGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = err
}

func (g *SimulatedGateway) takeFailure() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.failNext
	g.failNext = nil
	return err
}

// SimulatedEvent is the body accepted by a simulated webhook.
type SimulatedEvent struct {
	EventID     string `json:"event_id"`
	OrderID     string `json:"order_id"`
	ProviderRef string `json:"provider_ref"`
	Status      Kind   `json:"status"`
}

func (g *SimulatedGateway) ParseWebhook(ctx context.Context, req WebhookRequest) (*WebhookNotification, error) {
	if err := g.opts.verifyDelivery(ctx, g.provider, req); err != nil {
		return nil, err
	}
	var evt SimulatedEvent
	if err := json.Unmarshal(req.Body, &evt); err != nil {
		return nil, malformed(g.provider, err)
	}
	if evt.ProviderRef == "" && evt.OrderID == "" {
		return nil, malformed(g.provider, errors.New("provider_ref or order_id required"))
	}

	status := Unknown(string(evt.Status))
	if _, ok := evt.Status.LocalStatus(); ok {
		status = RemoteStatus{Kind: evt.Status, Raw: "SIMULATED_" + strings.ToUpper(string(evt.Status))}
	}
	if evt.ProviderRef != "" && !status.IsUnknown() {
		g.mu.Lock()
		g.statuses[evt.ProviderRef] = status
		g.mu.Unlock()
	}
	return &WebhookNotification{
		EventID:     evt.EventID,
		EventType:   "simulated." + string(evt.Status),
		OrderID:     evt.OrderID,
		ProviderRef: evt.ProviderRef,
		Status:      status,
	}, nil
}
