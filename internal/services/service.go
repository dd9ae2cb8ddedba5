package services

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/money"
	"github.com/residenza/backoffice/pkg/pagination"
)

// Service manages the service ledger.
type Service interface {
	List(ctx context.Context, params ListParams) (*ListResult, error)
	Get(ctx context.Context, id int64) (*models.ServiceLineItem, error)
	Create(ctx context.Context, input CreateInput) (*models.ServiceLineItem, error)
	Update(ctx context.Context, id int64, input UpdateInput) (*models.ServiceLineItem, error)
}

// ListParams are the raw listing inputs from the API.
type ListParams struct {
	Sigla         string
	Category      string
	PaymentStatus string
	Limit         int
	Offset        int
}

type CreateInput struct {
	Sigla    string
	Category string
	Quantity int
	Amount   decimal.Decimal
	Notes    string
}

// UpdateInput patches an unpaid item.
type UpdateInput struct {
	Category *string
	Quantity *int
	Amount   *decimal.Decimal
	Notes    *string
}

type service struct {
	repo Repository
}

func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "services repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	page, err := pagination.Params{Limit: params.Limit, Offset: params.Offset}.Normalize()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid paging")
	}
	filter := Filter{
		Sigla:  strings.TrimSpace(params.Sigla),
		Limit:  page.Limit,
		Offset: page.Offset,
	}
	if params.Category != "" {
		category, err := enums.ParseServiceCategory(params.Category)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid category")
		}
		filter.Category = category
	}
	if params.PaymentStatus != "" {
		status, err := enums.ParseServicePaymentStatus(params.PaymentStatus)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment status")
		}
		filter.PaymentStatus = status
	}

	result, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list services")
	}
	return result, nil
}

func (s *service) Get(ctx context.Context, id int64) (*models.ServiceLineItem, error) {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "service not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load service")
	}
	return item, nil
}

func (s *service) Create(ctx context.Context, input CreateInput) (*models.ServiceLineItem, error) {
	sigla := strings.TrimSpace(input.Sigla)
	if sigla == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "sigla is required")
	}
	category, err := enums.ParseServiceCategory(input.Category)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid category")
	}
	quantity := input.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	cents, err := amountCents(input.Amount)
	if err != nil {
		return nil, err
	}

	item := &models.ServiceLineItem{
		Sigla:         sigla,
		Category:      category,
		Quantity:      quantity,
		AmountCents:   cents,
		PaymentStatus: enums.ServicePaymentStatusUnpaid,
		Notes:         strings.TrimSpace(input.Notes),
	}
	if err := s.repo.Create(ctx, item); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create service")
	}
	return item, nil
}

// Update patches an unpaid item. Paid items are immutable.
func (s *service) Update(ctx context.Context, id int64, input UpdateInput) (*models.ServiceLineItem, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.PaymentStatus == enums.ServicePaymentStatusPaid {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "paid services cannot be modified")
	}

	var patch Patch
	if input.Category != nil {
		category, err := enums.ParseServiceCategory(*input.Category)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid category")
		}
		patch.Category = &category
	}
	if input.Quantity != nil {
		if *input.Quantity <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
		}
		patch.Quantity = input.Quantity
	}
	if input.Amount != nil {
		cents, err := amountCents(*input.Amount)
		if err != nil {
			return nil, err
		}
		patch.AmountCents = &cents
	}
	if input.Notes != nil {
		notes := strings.TrimSpace(*input.Notes)
		patch.Notes = &notes
	}

	updated, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update service")
	}
	if updated == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "service not found")
	}
	return updated, nil
}

func amountCents(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive").
			WithDetails(map[string]any{"reason": "invalid_amount"})
	}
	cents, err := money.ToCents(amount)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid amount").
			WithDetails(map[string]any{"reason": "invalid_amount"})
	}
	return cents, nil
}
