package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/residenza/backoffice/api/responses"
	"github.com/residenza/backoffice/internal/gateways"
	"github.com/residenza/backoffice/internal/reconcile"
	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/logger"
)

const maxWebhookBody = 1 << 20

type webhookHandler interface {
	HandleWebhook(ctx context.Context, provider enums.PaymentProvider, req gateways.WebhookRequest) (*reconcile.WebhookResult, error)
}

type ackPayload struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
	EventID  string `json:"event_id,omitempty"`
}

// Gateway receives provider notifications on /api/v1/webhooks/{provider}.
// Processed, duplicate and unknown-order deliveries are acknowledged with 200.
// Signature and parse failures answer 400; anything else is a 5xx so the
// provider redelivers.
func Gateway(engine webhookHandler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider, err := enums.ParsePaymentProvider(chi.URLParam(r, "provider"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "unknown webhook provider"))
			return
		}
		serve(w, r, engine, provider, logg)
	}
}

// Provider serves notifications for a single provider on a fixed path.
func Provider(provider enums.PaymentProvider, engine webhookHandler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serve(w, r, engine, provider, logg)
	}
}

func serve(w http.ResponseWriter, r *http.Request, engine webhookHandler, provider enums.PaymentProvider, logg *logger.Logger) {
	ctx := r.Context()

	if engine == nil {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook handler unavailable"))
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
		return
	}

	result, err := engine.HandleWebhook(ctx, provider, gateways.WebhookRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Query:  r.URL.Query(),
		Body:   payload,
	})
	if err != nil {
		responses.WriteError(ctx, logg, w, err)
		return
	}

	responses.WriteSuccess(w, ackPayload{
		Received: true,
		Outcome:  result.Outcome,
		EventID:  result.EventID,
	})
}
