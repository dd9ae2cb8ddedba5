package reconcile

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/residenza/backoffice/internal/gateways"
	"github.com/residenza/backoffice/internal/payments"
	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
)

// Webhook outcomes, also used as the result label of the webhook counter.
const (
	WebhookProcessed = "processed"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
	WebhookRejected  = "rejected"
	WebhookFailed    = "failed"
)

// WebhookResult is what the HTTP layer acknowledges back to the provider.
type WebhookResult struct {
	Provider enums.PaymentProvider
	EventID  string
	OrderID  string
	Outcome  string
	Status   enums.PaymentStatus
}

var errSecurityToken = errors.New("security token mismatch")

func guardConsumer(provider enums.PaymentProvider) string {
	return "webhook:" + string(provider)
}

// HandleWebhook verifies, deduplicates and applies one provider delivery.
// Unknown orders and replays are acknowledged without changes. A returned
// error means the provider should retry, except SIGNATURE_INVALID and
// VALIDATION_ERROR which are final.
func (e *Engine) HandleWebhook(ctx context.Context, provider enums.PaymentProvider, req gateways.WebhookRequest) (*WebhookResult, error) {
	ctx = e.logg.WithProvider(ctx, string(provider))
	gw, err := e.gateways.Get(provider)
	if err != nil {
		return nil, err
	}

	note, err := gw.ParseWebhook(ctx, req)
	if err != nil {
		e.metrics.IncWebhook(string(provider), WebhookRejected)
		e.logg.Warn(ctx, fmt.Sprintf("webhook rejected: %v", err))
		return nil, err
	}

	order, err := e.resolveWebhookOrder(ctx, provider, note)
	if err != nil {
		e.metrics.IncWebhook(string(provider), WebhookFailed)
		return nil, err
	}
	if order != nil {
		ctx = e.logg.WithOrderID(ctx, order.OrderID)
		if err := checkSecurityToken(order, note); err != nil {
			e.metrics.IncWebhook(string(provider), WebhookRejected)
			e.logg.Warn(ctx, "webhook security token mismatch")
			return nil, pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, err, string(provider)+" webhook security token invalid")
		}
	}

	result := &WebhookResult{Provider: provider, EventID: note.EventID}
	if order != nil {
		result.OrderID = order.OrderID
		result.Status = order.Status
	}

	guarded := false
	if note.EventID != "" && e.guard != nil {
		claimed, err := e.guard.Claim(ctx, guardConsumer(provider), note.EventID)
		switch {
		case err != nil:
			// the audit row still deduplicates
			e.logg.Warn(ctx, fmt.Sprintf("webhook guard unavailable: %v", err))
		case !claimed:
			result.Outcome = WebhookDuplicate
			e.metrics.IncWebhook(string(provider), WebhookDuplicate)
			e.logg.Info(ctx, "duplicate webhook ignored")
			return result, nil
		default:
			guarded = true
		}
	}

	audit := &models.WebhookEvent{
		Provider:  provider,
		EventID:   note.EventID,
		EventType: note.EventType,
		Payload:   auditPayload(req.Body),
	}
	if audit.EventID == "" {
		audit.EventID = uuid.NewString()
		result.EventID = audit.EventID
	}
	if order != nil {
		id := order.OrderID
		audit.OrderID = &id
	}
	inserted, err := e.webhooks.Record(ctx, audit)
	if err != nil {
		e.releaseGuard(ctx, provider, note.EventID, guarded)
		e.metrics.IncWebhook(string(provider), WebhookFailed)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record webhook event")
	}
	if !inserted {
		result.Outcome = WebhookDuplicate
		e.metrics.IncWebhook(string(provider), WebhookDuplicate)
		e.logg.Info(ctx, "duplicate webhook ignored")
		return result, nil
	}

	if order == nil {
		result.Outcome = WebhookIgnored
		e.finishAudit(ctx, audit, enums.WebhookEventStatusIgnored, "", nil)
		e.metrics.IncWebhook(string(provider), WebhookIgnored)
		e.logg.Warn(ctx, fmt.Sprintf("webhook for unknown order (ref=%q order=%q) ignored", note.ProviderRef, note.OrderID))
		return result, nil
	}

	applied, err := e.applyNotification(ctx, gw, order, note)
	if err != nil {
		e.finishAudit(ctx, audit, enums.WebhookEventStatusFailed, order.OrderID, err)
		e.releaseGuard(ctx, provider, note.EventID, guarded)
		e.metrics.IncWebhook(string(provider), WebhookFailed)
		e.logg.Error(ctx, "webhook processing failed", err)
		return nil, err
	}

	result.Outcome = WebhookProcessed
	result.Status = applied.Order.Status
	e.finishAudit(ctx, audit, enums.WebhookEventStatusProcessed, order.OrderID, nil)
	e.metrics.IncWebhook(string(provider), WebhookProcessed)
	return result, nil
}

func (e *Engine) applyNotification(ctx context.Context, gw gateways.Gateway, order *models.PaymentOrder, note *gateways.WebhookNotification) (*ApplyResult, error) {
	status := note.Status
	if note.NeedsRefetch {
		ref := note.ProviderRef
		if order.ProviderRef != nil && *order.ProviderRef != "" {
			ref = *order.ProviderRef
		}
		fetched, err := gw.FetchRemoteStatus(ctx, ref)
		switch {
		case errors.Is(err, gateways.ErrRemoteNotFound):
			fetched = gateways.Unknown("")
		case err != nil:
			e.metrics.IncProviderError(string(order.Provider), "fetch_status")
			return nil, err
		}
		status = fetched
	}
	return e.Apply(ctx, order.OrderID, status, enums.ReconcileTriggerWebhook)
}

// resolveWebhookOrder finds the order by our id first, then by the provider
// reference. A nil order with a nil error means nobody owns the event.
func (e *Engine) resolveWebhookOrder(ctx context.Context, provider enums.PaymentProvider, note *gateways.WebhookNotification) (*models.PaymentOrder, error) {
	if note.OrderID != "" {
		order, err := e.orders.Get(ctx, note.OrderID)
		switch {
		case err == nil:
			if order.Provider != provider {
				e.logg.Warn(ctx, fmt.Sprintf("order %s belongs to %s, not %s", order.OrderID, order.Provider, provider))
				return nil, nil
			}
			return order, nil
		case !payments.IsNotFound(err):
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment order")
		}
	}
	if note.ProviderRef != "" {
		order, err := e.orders.FindByProviderRef(ctx, provider, note.ProviderRef)
		switch {
		case err == nil:
			return order, nil
		case !payments.IsNotFound(err):
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment order")
		}
	}
	return nil, nil
}

func checkSecurityToken(order *models.PaymentOrder, note *gateways.WebhookNotification) error {
	expected := order.Metadata.Data().ProviderValue(gateways.MetadataSecurityToken)
	if note.SecurityToken == "" && expected == "" {
		return nil
	}
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(note.SecurityToken)) != 1 {
		return errSecurityToken
	}
	return nil
}

func (e *Engine) finishAudit(ctx context.Context, audit *models.WebhookEvent, status enums.WebhookEventStatus, orderID string, cause error) {
	if err := e.webhooks.Finish(ctx, audit.ID, status, orderID, cause); err != nil {
		e.logg.Error(ctx, "update webhook audit row failed", err)
	}
}

func (e *Engine) releaseGuard(ctx context.Context, provider enums.PaymentProvider, eventID string, guarded bool) {
	if !guarded {
		return
	}
	if err := e.guard.Release(ctx, guardConsumer(provider), eventID); err != nil {
		e.logg.Error(ctx, "release webhook guard failed", err)
	}
}

// auditPayload keeps JSON bodies as-is and wraps anything else as a string.
func auditPayload(body []byte) datatypes.JSON {
	if len(body) == 0 {
		return datatypes.JSON("null")
	}
	if json.Valid(body) {
		return datatypes.JSON(body)
	}
	wrapped, err := json.Marshal(string(body))
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(wrapped)
}
