package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/residenza/backoffice/internal/gateways"
	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/money"
)

// StatusUnknown is reported when the provider could not be asked.
const StatusUnknown = "unknown"

// PollResult is the client facing view of an order after a status check.
type PollResult struct {
	OrderID     string              `json:"order_id"`
	Status      string              `json:"status"`
	LocalStatus enums.PaymentStatus `json:"local_status"`
	Amount      string              `json:"amount"`
	AmountCents int64               `json:"amount_cents"`
	Sigla       string              `json:"sigla"`
	Provider    string              `json:"payment_method"`
	Simulated   bool                `json:"simulated"`
}

// PollStatus asks the provider for the current state of a non-terminal order
// and applies it. Provider errors are not returned: the result carries
// status "unknown" and the order is left for the sweep.
func (e *Engine) PollStatus(ctx context.Context, orderID string) (*PollResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	ctx = e.logg.WithOrderID(ctx, orderID)
	order, err := e.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() || order.ProviderRef == nil || *order.ProviderRef == "" {
		return pollResult(order, string(order.Status)), nil
	}

	remote, err := e.remoteStatus(ctx, order)
	if err != nil {
		e.logg.Warn(e.logg.WithProvider(ctx, string(order.Provider)), fmt.Sprintf("status poll failed: %v", err))
		return pollResult(order, StatusUnknown), nil
	}
	applied, err := e.Apply(ctx, orderID, remote, enums.ReconcileTriggerPoll)
	if err != nil {
		return nil, err
	}
	return pollResult(applied.Order, string(applied.Order.Status)), nil
}

// remoteStatus fetches the provider status, sharing answers between clients
// that poll the same order within the cache TTL.
func (e *Engine) remoteStatus(ctx context.Context, order *models.PaymentOrder) (gateways.RemoteStatus, error) {
	provider := string(order.Provider)
	if e.cache != nil {
		if cached, ok, err := e.cache.CachedRemoteStatus(ctx, provider, order.OrderID); err == nil && ok {
			return decodeCached(cached), nil
		}
	}
	gw, err := e.gateways.Get(order.Provider)
	if err != nil {
		return gateways.RemoteStatus{}, err
	}
	remote, err := gw.FetchRemoteStatus(ctx, *order.ProviderRef)
	if err != nil {
		if !errors.Is(err, gateways.ErrRemoteNotFound) {
			e.metrics.IncProviderError(provider, "fetch_status")
		}
		return gateways.RemoteStatus{}, err
	}
	if e.cache != nil {
		if err := e.cache.CacheRemoteStatus(ctx, provider, order.OrderID, encodeCached(remote), e.cacheTTL); err != nil {
			e.logg.Warn(ctx, fmt.Sprintf("cache remote status: %v", err))
		}
	}
	return remote, nil
}

func encodeCached(s gateways.RemoteStatus) string {
	return string(s.Kind) + "|" + s.Raw
}

func decodeCached(v string) gateways.RemoteStatus {
	kind, raw, _ := strings.Cut(v, "|")
	return gateways.RemoteStatus{Kind: gateways.Kind(kind), Raw: raw}
}

func pollResult(order *models.PaymentOrder, status string) *PollResult {
	return &PollResult{
		OrderID:     order.OrderID,
		Status:      status,
		LocalStatus: order.Status,
		Amount:      money.Format(order.AmountCents),
		AmountCents: order.AmountCents,
		Sigla:       order.Sigla,
		Provider:    string(order.Provider),
		Simulated:   order.Simulated,
	}
}

// ErrPollTimeout is returned by Poller.Wait when the order is still open at
// the ceiling.
var ErrPollTimeout = pkgerrors.New(pkgerrors.CodePollTimeout, "payment still processing, try again later")

type statusPoller interface {
	PollStatus(ctx context.Context, orderID string) (*PollResult, error)
}

// Poller repeats PollStatus until the order is terminal or the ceiling passes.
type Poller struct {
	engine   statusPoller
	interval time.Duration
	ceiling  time.Duration
}

func NewPoller(engine statusPoller, interval, ceiling time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if ceiling <= 0 {
		ceiling = 5 * time.Minute
	}
	return &Poller{engine: engine, interval: interval, ceiling: ceiling}
}

// Wait returns the last result together with ErrPollTimeout when the ceiling
// is reached first.
func (p *Poller) Wait(ctx context.Context, orderID string) (*PollResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.ceiling)
	defer cancel()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last *PollResult
	for {
		result, err := p.engine.PollStatus(ctx, orderID)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return last, err
		}
		if result != nil {
			last = result
			if result.LocalStatus.IsTerminal() {
				return result, nil
			}
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return last, ErrPollTimeout
			}
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
