package payments

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/residenza/backoffice/api/responses"
	"github.com/residenza/backoffice/api/validators"
	internalpayments "github.com/residenza/backoffice/internal/payments"
	"github.com/residenza/backoffice/internal/reconcile"
	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/money"
)

type statusPoller interface {
	PollStatus(ctx context.Context, orderID string) (*reconcile.PollResult, error)
}

type statusWaiter interface {
	Wait(ctx context.Context, orderID string) (*reconcile.PollResult, error)
}

type createPaymentRequest struct {
	Sigla         string  `json:"sigla" validate:"required,max=32"`
	CustomerName  string  `json:"customer_name" validate:"max=120"`
	PaymentMethod string  `json:"payment_method" validate:"required"`
	ServiceIDs    []int64 `json:"service_ids" validate:"omitempty,dive,gt=0"`
	Amount        string  `json:"amount" validate:"omitempty,amount"`
	ReturnURL     string  `json:"return_url" validate:"omitempty,url"`
}

type createPaymentResponse struct {
	OrderID       string              `json:"order_id"`
	Status        enums.PaymentStatus `json:"status"`
	Amount        string              `json:"amount"`
	AmountCents   int64               `json:"amount_cents"`
	PaymentMethod string              `json:"payment_method"`
	RedirectURL   string              `json:"redirect_url,omitempty"`
	Simulated     bool                `json:"simulated"`
}

type orderDetail struct {
	OrderID       string              `json:"order_id"`
	Sigla         string              `json:"sigla"`
	CustomerName  string              `json:"customer_name"`
	Amount        string              `json:"amount"`
	AmountCents   int64               `json:"amount_cents"`
	Currency      enums.Currency      `json:"currency"`
	PaymentMethod string              `json:"payment_method"`
	Status        enums.PaymentStatus `json:"status"`
	ProviderRef   *string             `json:"provider_ref,omitempty"`
	Simulated     bool                `json:"simulated"`
	FailureReason *string             `json:"failure_reason,omitempty"`
	ServiceIDs    []int64             `json:"service_ids"`
	Description   string              `json:"description,omitempty"`
	CheckAttempts int                 `json:"check_attempts"`
	LastCheckedAt *time.Time          `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
}

// Create opens a payment order for a student's unpaid services.
func Create(svc internalpayments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		var req createPaymentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		provider, err := enums.ParsePaymentProvider(req.PaymentMethod)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment method"))
			return
		}

		input := internalpayments.CreatePaymentInput{
			Sigla:        validators.SanitizeString(req.Sigla, 32),
			CustomerName: validators.SanitizeString(req.CustomerName, 120),
			Provider:     provider,
			ServiceIDs:   req.ServiceIDs,
			ReturnURL:    strings.TrimSpace(req.ReturnURL),
		}
		if req.Amount != "" {
			amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid amount"))
				return
			}
			input.ClientAmount = &amount
		}

		result, err := svc.CreatePayment(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, createPaymentResponse{
			OrderID:       result.Order.OrderID,
			Status:        result.Order.Status,
			Amount:        money.Format(result.Order.AmountCents),
			AmountCents:   result.Order.AmountCents,
			PaymentMethod: string(result.Order.Provider),
			RedirectURL:   result.RedirectURL,
			Simulated:     result.Simulated,
		})
	}
}

// Detail returns a payment order for staff. Provider secrets stay server side.
func Detail(svc internalpayments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		order, err := svc.Get(r.Context(), chi.URLParam(r, "orderId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, detailFromModel(order))
	}
}

// Status is the client polling endpoint. With ?wait=true it blocks until the
// order settles or the poll ceiling is reached.
func Status(poller statusPoller, waiter statusWaiter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if poller == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconcile engine unavailable"))
			return
		}
		orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
		if orderID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "order id is required"))
			return
		}

		var (
			result *reconcile.PollResult
			err    error
		)
		if waiter != nil && wantsWait(r) {
			result, err = waiter.Wait(r.Context(), orderID)
		} else {
			result, err = poller.PollStatus(r.Context(), orderID)
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		responses.WriteSuccess(w, result)
	}
}

func wantsWait(r *http.Request) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("wait"))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func detailFromModel(order *models.PaymentOrder) orderDetail {
	meta := order.Metadata.Data()
	ids := meta.ServiceIDs
	if ids == nil {
		ids = []int64{}
	}
	return orderDetail{
		OrderID:       order.OrderID,
		Sigla:         order.Sigla,
		CustomerName:  order.CustomerName,
		Amount:        money.Format(order.AmountCents),
		AmountCents:   order.AmountCents,
		Currency:      order.Currency,
		PaymentMethod: string(order.Provider),
		Status:        order.Status,
		ProviderRef:   order.ProviderRef,
		Simulated:     order.Simulated,
		FailureReason: order.FailureReason,
		ServiceIDs:    ids,
		Description:   meta.Description,
		CheckAttempts: order.CheckAttempts,
		LastCheckedAt: order.LastCheckedAt,
		CreatedAt:     order.CreatedAt,
		CompletedAt:   order.CompletedAt,
	}
}
