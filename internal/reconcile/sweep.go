package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/residenza/backoffice/internal/gateways"
	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
)

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Checked   int `json:"checked"`
	Settled   int `json:"settled"`
	Failed    int `json:"failed"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}

// Sweep re-checks open orders that have been quiet for longer than the grace
// period. One bad order never stops the pass; the joined errors are returned
// with the report.
func (e *Engine) Sweep(ctx context.Context) (*SweepReport, error) {
	now := e.now()
	stale, err := e.orders.ListStale(ctx, now.Add(-e.grace), e.sweepBatch)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stale payment orders")
	}

	report := &SweepReport{}
	var errs error
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return report, multierr.Append(errs, err)
		}
		order := &stale[i]
		orderCtx := e.logg.WithProvider(e.logg.WithOrderID(ctx, order.OrderID), string(order.Provider))
		report.Checked++
		if err := e.orders.RecordCheck(orderCtx, order.OrderID, now); err != nil {
			e.logg.Warn(orderCtx, fmt.Sprintf("record sweep check: %v", err))
		}

		remote, err := e.fetchForSweep(orderCtx, order.Provider, order.ProviderRef)
		if err != nil {
			report.Errors++
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", order.OrderID, err))
			continue
		}
		applied, err := e.Apply(orderCtx, order.OrderID, remote, enums.ReconcileTriggerSweep)
		if err != nil {
			report.Errors++
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", order.OrderID, err))
			continue
		}
		switch {
		case !applied.Changed:
			report.Unchanged++
		case applied.Order.Status == enums.PaymentStatusCompleted:
			report.Settled++
		case applied.Order.Status == enums.PaymentStatusFailed:
			report.Failed++
		default:
			report.Unchanged++
		}
	}

	msg := fmt.Sprintf("sweep checked=%d settled=%d failed=%d unchanged=%d errors=%d",
		report.Checked, report.Settled, report.Failed, report.Unchanged, report.Errors)
	if report.Errors > 0 {
		e.logg.Warn(ctx, msg)
	} else {
		e.logg.Info(ctx, msg)
	}
	return report, errs
}

func (e *Engine) fetchForSweep(ctx context.Context, provider enums.PaymentProvider, ref *string) (gateways.RemoteStatus, error) {
	if ref == nil || *ref == "" {
		return gateways.Unknown(""), nil
	}
	gw, err := e.gateways.Get(provider)
	if err != nil {
		return gateways.RemoteStatus{}, err
	}
	remote, err := gw.FetchRemoteStatus(ctx, *ref)
	if errors.Is(err, gateways.ErrRemoteNotFound) {
		return gateways.Unknown(""), nil
	}
	if err != nil {
		e.metrics.IncProviderError(string(provider), "fetch_status")
		return gateways.RemoteStatus{}, err
	}
	return remote, nil
}
