package services

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/residenza/backoffice/api/responses"
	"github.com/residenza/backoffice/api/validators"
	internalservices "github.com/residenza/backoffice/internal/services"
	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/money"
	"github.com/residenza/backoffice/pkg/pagination"
)

type createServiceRequest struct {
	Sigla    string `json:"sigla" validate:"required,max=32"`
	Category string `json:"category" validate:"required,oneof=siglatura happy_hour riparazione"`
	Quantity int    `json:"quantity" validate:"omitempty,gt=0"`
	Amount   string `json:"amount" validate:"required,amount"`
	Notes    string `json:"notes" validate:"max=500"`
}

type patchServiceRequest struct {
	Category *string `json:"category" validate:"omitempty,oneof=siglatura happy_hour riparazione"`
	Quantity *int    `json:"quantity" validate:"omitempty,gt=0"`
	Amount   *string `json:"amount" validate:"omitempty,amount"`
	Notes    *string `json:"notes" validate:"omitempty,max=500"`
}

type serviceItem struct {
	ID            int64                      `json:"id"`
	Sigla         string                     `json:"sigla"`
	Category      enums.ServiceCategory      `json:"category"`
	Quantity      int                        `json:"quantity"`
	Amount        string                     `json:"amount"`
	AmountCents   int64                      `json:"amount_cents"`
	PaymentStatus enums.ServicePaymentStatus `json:"payment_status"`
	Notes         string                     `json:"notes"`
	PaidAt        *time.Time                 `json:"paid_at,omitempty"`
	PaidByOrderID *string                    `json:"paid_by_order_id,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
}

type listResponse struct {
	Items   []serviceItem `json:"items"`
	Total   int64         `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
	HasMore bool          `json:"has_more"`
}

// List returns ledger items filtered by sigla, category and payment status.
func List(svc internalservices.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "services unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		offset, err := validators.ParseQueryInt(r, "offset", 0, 0, pagination.MaxOffset)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		query := r.URL.Query()
		result, err := svc.List(r.Context(), internalservices.ListParams{
			Sigla:         validators.SanitizeString(query.Get("sigla"), 32),
			Category:      strings.TrimSpace(query.Get("category")),
			PaymentStatus: strings.TrimSpace(query.Get("payment_status")),
			Limit:         limit,
			Offset:        offset,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]serviceItem, 0, len(result.Items))
		for i := range result.Items {
			items = append(items, itemFromModel(&result.Items[i]))
		}
		page := pagination.Params{Limit: limit, Offset: offset}
		responses.WriteSuccess(w, listResponse{
			Items:   items,
			Total:   result.Total,
			Limit:   limit,
			Offset:  offset,
			HasMore: page.HasMore(result.Total),
		})
	}
}

func Create(svc internalservices.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "services unavailable"))
			return
		}

		var req createServiceRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid amount"))
			return
		}

		item, err := svc.Create(r.Context(), internalservices.CreateInput{
			Sigla:    validators.SanitizeString(req.Sigla, 32),
			Category: req.Category,
			Quantity: req.Quantity,
			Amount:   amount,
			Notes:    validators.SanitizeString(req.Notes, 500),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, itemFromModel(item))
	}
}

// Patch edits an unpaid item.
func Patch(svc internalservices.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "services unavailable"))
			return
		}

		id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
		if err != nil || id <= 0 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid service id"))
			return
		}

		var req patchServiceRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input := internalservices.UpdateInput{
			Category: req.Category,
			Quantity: req.Quantity,
			Notes:    req.Notes,
		}
		if req.Amount != nil {
			amount, err := decimal.NewFromString(strings.TrimSpace(*req.Amount))
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid amount"))
				return
			}
			input.Amount = &amount
		}

		item, err := svc.Update(r.Context(), id, input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, itemFromModel(item))
	}
}

func itemFromModel(item *models.ServiceLineItem) serviceItem {
	return serviceItem{
		ID:            item.ID,
		Sigla:         item.Sigla,
		Category:      item.Category,
		Quantity:      item.Quantity,
		Amount:        money.Format(item.AmountCents),
		AmountCents:   item.AmountCents,
		PaymentStatus: item.PaymentStatus,
		Notes:         item.Notes,
		PaidAt:        item.PaidAt,
		PaidByOrderID: item.PaidByOrderID,
		CreatedAt:     item.CreatedAt,
	}
}
