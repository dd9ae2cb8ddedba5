// Package reconcile drives payment orders to their final state. Webhooks,
// client polls and the periodic sweep all end in Apply, and every transition
// to completed goes through Settle, which is safe to run any number of times.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/residenza/backoffice/internal/gateways"
	"github.com/residenza/backoffice/internal/payments"
	"github.com/residenza/backoffice/internal/services"
	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/metrics"
	"github.com/residenza/backoffice/pkg/outbox"
	"github.com/residenza/backoffice/pkg/outbox/payloads"
)

const (
	defaultGracePeriod = 5 * time.Minute
	defaultSweepBatch  = 100
	defaultCacheTTL    = 2 * time.Second
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type gatewayResolver interface {
	Get(provider enums.PaymentProvider) (gateways.Gateway, error)
}

type outboxEmitter interface {
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) (bool, error)
}

type eventGuard interface {
	Claim(ctx context.Context, consumer, eventID string) (bool, error)
	Release(ctx context.Context, consumer, eventID string) error
}

type statusCache interface {
	CacheRemoteStatus(ctx context.Context, provider, orderID, status string, ttl time.Duration) error
	CachedRemoteStatus(ctx context.Context, provider, orderID string) (string, bool, error)
}

// EngineParams wires the engine. Guard, Cache and Metrics are optional.
type EngineParams struct {
	DB       txRunner
	Orders   payments.Repository
	Items    services.Repository
	Gateways gatewayResolver
	Outbox   outboxEmitter
	Webhooks WebhookEventRepository
	Guard    eventGuard
	Cache    statusCache
	Metrics  *metrics.ReconcileMetrics
	Logger   *logger.Logger

	GracePeriod time.Duration
	SweepBatch  int
	CacheTTL    time.Duration
	Now         func() time.Time
}

// Engine owns every payment status transition.
type Engine struct {
	db       txRunner
	orders   payments.Repository
	items    services.Repository
	gateways gatewayResolver
	outbox   outboxEmitter
	webhooks WebhookEventRepository
	guard    eventGuard
	cache    statusCache
	metrics  *metrics.ReconcileMetrics
	logg     *logger.Logger

	grace      time.Duration
	sweepBatch int
	cacheTTL   time.Duration
	now        func() time.Time
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.DB == nil {
		return nil, errors.New("transaction runner required")
	}
	if params.Orders == nil {
		return nil, errors.New("payments repository required")
	}
	if params.Items == nil {
		return nil, errors.New("services repository required")
	}
	if params.Gateways == nil {
		return nil, errors.New("gateway resolver required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox emitter required")
	}
	if params.Webhooks == nil {
		return nil, errors.New("webhook event repository required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	e := &Engine{
		db:         params.DB,
		orders:     params.Orders,
		items:      params.Items,
		gateways:   params.Gateways,
		outbox:     params.Outbox,
		webhooks:   params.Webhooks,
		guard:      params.Guard,
		cache:      params.Cache,
		metrics:    params.Metrics,
		logg:       params.Logger,
		grace:      params.GracePeriod,
		sweepBatch: params.SweepBatch,
		cacheTTL:   params.CacheTTL,
		now:        params.Now,
	}
	if e.grace <= 0 {
		e.grace = defaultGracePeriod
	}
	if e.sweepBatch <= 0 {
		e.sweepBatch = defaultSweepBatch
	}
	if e.cacheTTL <= 0 {
		e.cacheTTL = defaultCacheTTL
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e, nil
}

// ApplyResult describes what a single Apply call did.
type ApplyResult struct {
	Order *models.PaymentOrder
	// Changed is true when this call moved the order.
	Changed bool
	// AlreadySettled is true when the order was completed before this call.
	AlreadySettled bool
	Settlement     *SettlementResult
}

// Apply maps a remote status onto the order. Unknown statuses, terminal
// orders and backwards moves are no-ops.
func (e *Engine) Apply(ctx context.Context, orderID string, status gateways.RemoteStatus, trigger enums.ReconcileTrigger) (*ApplyResult, error) {
	ctx = e.logg.WithOrderID(ctx, orderID)
	target, ok := status.Kind.LocalStatus()
	if !ok {
		order, err := e.loadOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		e.logg.Debug(ctx, fmt.Sprintf("remote status %q not mapped, leaving order unchanged", status.Raw))
		return &ApplyResult{Order: order, AlreadySettled: order.Status == enums.PaymentStatusCompleted}, nil
	}
	if target == enums.PaymentStatusCompleted {
		settlement, err := e.Settle(ctx, orderID, trigger)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{
			Order:          settlement.Order,
			Changed:        settlement.Applied,
			AlreadySettled: settlement.AlreadySettled,
			Settlement:     settlement,
		}, nil
	}

	result := &ApplyResult{}
	err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
		orders := e.orders.WithTx(tx)
		order, err := orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return orderLookupError(err)
		}
		result.Order = order
		result.AlreadySettled = order.Status == enums.PaymentStatusCompleted
		if !order.Status.CanTransitionTo(target) {
			return nil
		}

		changed, err := orders.UpdateStatus(ctx, orderID, target, nil)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment status")
		}
		if !changed {
			return nil
		}
		if target == enums.PaymentStatusFailed {
			if err := orders.SetFailureReason(ctx, orderID, status.Raw); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record failure reason")
			}
			if _, err := e.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventPaymentFailed,
				AggregateType: enums.AggregatePaymentOrder,
				AggregateID:   orderID,
				Actor:         &outbox.ActorRef{Kind: string(trigger)},
				Data: payloads.PaymentFailedEvent{
					OrderID:     orderID,
					Sigla:       order.Sigla,
					Provider:    order.Provider,
					AmountCents: order.AmountCents,
					Reason:      status.Raw,
					Trigger:     trigger,
					FailedAt:    e.now(),
				},
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit payment failed event")
			}
		}
		order.Status = target
		result.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Changed {
		e.metrics.ObserveTransition(string(result.Order.Provider), string(trigger), string(target))
		e.logg.Info(e.logg.WithProvider(ctx, string(result.Order.Provider)), fmt.Sprintf("payment order moved to %s via %s", target, trigger))
	}
	return result, nil
}

func (e *Engine) loadOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, orderLookupError(err)
	}
	return order, nil
}

// ErrOrderNotFound is the cause carried by NOT_FOUND errors for unknown orders.
var ErrOrderNotFound = errors.New("payment order not found")

func orderLookupError(err error) error {
	if payments.IsNotFound(err) {
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrOrderNotFound, "payment order not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment order")
}
