package reconcile

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/outbox"
	"github.com/residenza/backoffice/pkg/outbox/payloads"
)

// SettlementResult reports what Settle did to an order and its line items.
type SettlementResult struct {
	Order *models.PaymentOrder
	// AlreadySettled means an earlier call completed the order; nothing changed.
	AlreadySettled bool
	// Applied means this call completed the order.
	Applied    bool
	SettledIDs []int64
	FailedIDs  []int64
}

// Partial reports whether some line items could not be marked paid.
func (r *SettlementResult) Partial() bool {
	return r != nil && len(r.FailedIDs) > 0
}

var (
	errItemNotPayable = errors.New("service line item no longer unpaid")
	// errSettledConcurrently rolls back a settlement that lost the race to
	// another trigger.
	errSettledConcurrently = errors.New("payment order settled concurrently")
)

// Settle completes the order and marks its line items paid in one
// transaction. An already completed order is reported as AlreadySettled and
// is not an error. Failing items are skipped and reported, they never undo
// the completion.
func (e *Engine) Settle(ctx context.Context, orderID string, trigger enums.ReconcileTrigger) (*SettlementResult, error) {
	ctx = e.logg.WithOrderID(ctx, orderID)
	result := &SettlementResult{}
	err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
		orders := e.orders.WithTx(tx)
		order, err := orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return orderLookupError(err)
		}
		result.Order = order
		switch {
		case order.Status == enums.PaymentStatusCompleted:
			result.AlreadySettled = true
			return nil
		case !order.Status.CanTransitionTo(enums.PaymentStatusCompleted):
			e.logg.Warn(ctx, fmt.Sprintf("provider reports success for %s order, leaving it unchanged", order.Status))
			return nil
		}

		items, err := e.settlementItems(ctx, tx, order)
		if err != nil {
			return err
		}
		now := e.now()
		for _, id := range items {
			itemErr := tx.Transaction(func(sp *gorm.DB) error {
				ok, err := e.items.WithTx(sp).MarkPaid(ctx, id, orderID, now)
				if err != nil {
					return err
				}
				if !ok {
					return errItemNotPayable
				}
				return nil
			})
			if itemErr != nil {
				e.logg.Error(e.logg.WithField(ctx, "service_id", id), "mark service paid failed", itemErr)
				result.FailedIDs = append(result.FailedIDs, id)
				continue
			}
			result.SettledIDs = append(result.SettledIDs, id)
		}

		changed, err := orders.UpdateStatus(ctx, orderID, enums.PaymentStatusCompleted, &now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "complete payment order")
		}
		if !changed {
			current, err := orders.Get(ctx, orderID)
			if err != nil {
				return orderLookupError(err)
			}
			if current.Status == enums.PaymentStatusCompleted {
				result.Order = current
				return errSettledConcurrently
			}
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment order changed during settlement")
		}

		providerRef := ""
		if order.ProviderRef != nil {
			providerRef = *order.ProviderRef
		}
		if _, err := e.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentSettled,
			AggregateType: enums.AggregatePaymentOrder,
			AggregateID:   orderID,
			Actor:         &outbox.ActorRef{Kind: string(trigger)},
			Data: payloads.PaymentSettledEvent{
				OrderID:     orderID,
				Sigla:       order.Sigla,
				Provider:    order.Provider,
				AmountCents: order.AmountCents,
				Currency:    order.Currency,
				ServiceIDs:  result.SettledIDs,
				FailedIDs:   result.FailedIDs,
				Trigger:     trigger,
				CompletedAt: now,
				ProviderRef: providerRef,
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit payment settled event")
		}

		order.Status = enums.PaymentStatusCompleted
		order.CompletedAt = &now
		result.Applied = true
		return nil
	})
	if errors.Is(err, errSettledConcurrently) {
		// the items marked above were rolled back with the losing transaction
		result.AlreadySettled = true
		result.SettledIDs, result.FailedIDs = nil, nil
		err = nil
	}
	if err != nil {
		return nil, err
	}

	if result.AlreadySettled {
		e.logg.Debug(ctx, "payment order already settled")
		return result, nil
	}
	if !result.Applied {
		return result, nil
	}
	provider := string(result.Order.Provider)
	ctx = e.logg.WithProvider(ctx, provider)
	e.metrics.ObserveTransition(provider, string(trigger), string(enums.PaymentStatusCompleted))
	e.metrics.AddSettledItems(provider, len(result.SettledIDs), len(result.FailedIDs))
	if result.Partial() {
		partial := pkgerrors.New(pkgerrors.CodePartialSettlement, "some services were not marked paid").
			WithDetails(map[string]any{"failed_service_ids": result.FailedIDs})
		e.logg.Error(ctx, "payment settled with failures", partial)
	}
	e.logg.Info(ctx, fmt.Sprintf("payment order settled via %s (%d services)", trigger, len(result.SettledIDs)))
	return result, nil
}

// settlementItems returns the line items the order pays for. Orders created
// without an explicit selection settle whatever the sigla still owes.
func (e *Engine) settlementItems(ctx context.Context, tx *gorm.DB, order *models.PaymentOrder) ([]int64, error) {
	if ids := order.Metadata.Data().ServiceIDs; len(ids) > 0 {
		return ids, nil
	}
	items, err := e.items.WithTx(tx).ListUnpaidBySigla(ctx, order.Sigla)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load unpaid services")
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids, nil
}
