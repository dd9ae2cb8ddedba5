package payments

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/residenza/backoffice/internal/gateways"
	"github.com/residenza/backoffice/pkg/config"
	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/money"
)

const orderIDPrefix = "RZ"

type gatewayResolver interface {
	Get(provider enums.PaymentProvider) (gateways.Gateway, error)
}

type lineItemLoader interface {
	FindByIDs(ctx context.Context, ids []int64) ([]models.ServiceLineItem, error)
	ListUnpaidBySigla(ctx context.Context, sigla string) ([]models.ServiceLineItem, error)
}

// Service opens payment orders and exposes them to staff.
type Service interface {
	CreatePayment(ctx context.Context, input CreatePaymentInput) (*CreatePaymentResult, error)
	Get(ctx context.Context, orderID string) (*models.PaymentOrder, error)
}

// CreatePaymentInput is a request to pay some or all unpaid services of a student.
type CreatePaymentInput struct {
	Sigla        string
	CustomerName string
	Provider     enums.PaymentProvider
	// ServiceIDs selects items; empty means every unpaid item of the sigla.
	ServiceIDs []int64
	// ClientAmount is what the client believes the total is. It is only
	// compared against the computed sum, never stored.
	ClientAmount *decimal.Decimal
	ReturnURL    string
}

// CreatePaymentResult is the persisted order plus where to send the payer.
type CreatePaymentResult struct {
	Order       *models.PaymentOrder
	RedirectURL string
	Simulated   bool
}

type ServiceParams struct {
	Config    config.PaymentsConfig
	Repo      Repository
	LineItems lineItemLoader
	Gateways  gatewayResolver
	Logger    *logger.Logger
	Now       func() time.Time
}

type service struct {
	cfg       config.PaymentsConfig
	currency  enums.Currency
	minCents  int64
	maxCents  int64
	repo      Repository
	lineItems lineItemLoader
	gateways  gatewayResolver
	logg      *logger.Logger
	now       func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if params.LineItems == nil {
		return nil, fmt.Errorf("line item loader required")
	}
	if params.Gateways == nil {
		return nil, fmt.Errorf("gateway resolver required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	currency, err := enums.ParseCurrency(params.Config.Currency)
	if err != nil {
		return nil, err
	}
	minCents, err := money.Parse(params.Config.MinAmount)
	if err != nil {
		return nil, fmt.Errorf("min amount: %w", err)
	}
	maxCents, err := money.Parse(params.Config.MaxAmount)
	if err != nil {
		return nil, fmt.Errorf("max amount: %w", err)
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		cfg:       params.Config,
		currency:  currency,
		minCents:  minCents,
		maxCents:  maxCents,
		repo:      params.Repo,
		lineItems: params.LineItems,
		gateways:  params.Gateways,
		logg:      params.Logger,
		now:       now,
	}, nil
}

func (s *service) CreatePayment(ctx context.Context, input CreatePaymentInput) (*CreatePaymentResult, error) {
	sigla := strings.TrimSpace(input.Sigla)
	if sigla == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "sigla is required")
	}
	if !input.Provider.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported payment method %q", input.Provider))
	}
	gw, err := s.gateways.Get(input.Provider)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithSigla(ctx, sigla)
	ctx = s.logg.WithProvider(ctx, string(input.Provider))

	items, err := s.resolveItems(ctx, sigla, input.ServiceIDs)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		total = total.Add(money.FromCents(item.AmountCents))
		ids = append(ids, item.ID)
	}
	totalCents, err := money.ToCents(total)
	if err != nil {
		return nil, invalidAmount(err.Error())
	}
	if input.ClientAmount != nil && !input.ClientAmount.Equal(total) {
		return nil, invalidAmount("amount does not match unpaid services").WithDetails(map[string]any{
			"reason":   "invalid_amount",
			"expected": money.Format(totalCents),
			"received": input.ClientAmount.StringFixed(2),
		})
	}
	if totalCents < s.minCents || totalCents > s.maxCents {
		return nil, invalidAmount("amount outside allowed bounds").WithDetails(map[string]any{
			"reason": "invalid_amount",
			"amount": money.Format(totalCents),
			"min":    money.Format(s.minCents),
			"max":    money.Format(s.maxCents),
		})
	}

	now := s.now()
	orderID := NewOrderID(now)
	ctx = s.logg.WithOrderID(ctx, orderID)
	description := describe(sigla, items)

	handle, err := gw.CreateRemotePayment(ctx, gateways.CreatePaymentRequest{
		OrderID:      orderID,
		Sigla:        sigla,
		CustomerName: strings.TrimSpace(input.CustomerName),
		AmountCents:  totalCents,
		Currency:     s.currency,
		Description:  description,
		ReturnURL:    strings.TrimSpace(input.ReturnURL),
	})
	if err != nil {
		s.logg.Error(ctx, "create remote payment failed", err)
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment provider unreachable")
	}

	status := enums.PaymentStatusPending
	if handle.ProviderRef != "" {
		status = enums.PaymentStatusProcessing
	}
	order := &models.PaymentOrder{
		OrderID:      orderID,
		Sigla:        sigla,
		CustomerName: strings.TrimSpace(input.CustomerName),
		AmountCents:  totalCents,
		Currency:     s.currency,
		Provider:     input.Provider,
		Status:       status,
		Simulated:    gw.Simulated(),
		Metadata: datatypes.NewJSONType(models.PaymentMetadata{
			ServiceIDs:  ids,
			Description: description,
			ReturnURL:   strings.TrimSpace(input.ReturnURL),
			Provider:    handle.Metadata,
		}),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if handle.ProviderRef != "" {
		ref := handle.ProviderRef
		order.ProviderRef = &ref
	}
	if handle.RedirectURL != "" {
		redirect := handle.RedirectURL
		order.RedirectURL = &redirect
	}
	if err := s.repo.Create(ctx, order); err != nil {
		// the remote payment exists without a local row; the sweep cannot see it
		s.logg.Error(ctx, "persist payment order failed", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist payment order")
	}

	s.logg.Info(ctx, fmt.Sprintf("payment order created (%s, %d items)", money.Format(totalCents), len(ids)))
	return &CreatePaymentResult{Order: order, RedirectURL: handle.RedirectURL, Simulated: gw.Simulated()}, nil
}

func (s *service) resolveItems(ctx context.Context, sigla string, requested []int64) ([]models.ServiceLineItem, error) {
	if len(requested) == 0 {
		items, err := s.lineItems.ListUnpaidBySigla(ctx, sigla)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load unpaid services")
		}
		if len(items) == 0 {
			return nil, invalidAmount("no unpaid services for sigla")
		}
		return items, nil
	}

	ids := dedupe(requested)
	items, err := s.lineItems.FindByIDs(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load services")
	}
	if len(items) != len(ids) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "one or more services not found")
	}
	for _, item := range items {
		if item.Sigla != sigla {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("service %d belongs to another student", item.ID))
		}
		if item.PaymentStatus != enums.ServicePaymentStatusUnpaid {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("service %d is already paid", item.ID))
		}
	}
	return items, nil
}

func (s *service) Get(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		if IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment order")
	}
	return order, nil
}

// NewOrderID returns RZ-<yyyymmdd>-<8 hex chars>.
func NewOrderID(now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", orderIDPrefix, now.UTC().Format("20060102"), uuid.NewString()[:8])
}

func invalidAmount(msg string) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeValidation, msg).WithDetails(map[string]any{"reason": "invalid_amount"})
}

func describe(sigla string, items []models.ServiceLineItem) string {
	categories := map[enums.ServiceCategory]struct{}{}
	for _, item := range items {
		categories[item.Category] = struct{}{}
	}
	names := make([]string, 0, len(categories))
	for c := range categories {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return fmt.Sprintf("Residenza %s: %s", sigla, strings.Join(names, ", "))
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
