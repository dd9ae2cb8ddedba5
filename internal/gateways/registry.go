package gateways

import (
	"context"
	"fmt"
	"sort"

	"github.com/residenza/backoffice/pkg/config"
	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/nexi"
	"github.com/residenza/backoffice/pkg/paypal"
	"github.com/residenza/backoffice/pkg/satispay"
	pkgstripe "github.com/residenza/backoffice/pkg/stripe"
	"github.com/residenza/backoffice/pkg/sumup"
)

// Registry resolves the gateway for a provider.
type Registry struct {
	gateways map[enums.PaymentProvider]Gateway
}

func NewRegistry(gateways ...Gateway) (*Registry, error) {
	r := &Registry{gateways: make(map[enums.PaymentProvider]Gateway, len(gateways))}
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		if _, dup := r.gateways[gw.Provider()]; dup {
			return nil, fmt.Errorf("gateway %s registered twice", gw.Provider())
		}
		r.gateways[gw.Provider()] = gw
	}
	return r, nil
}

// Get returns the gateway for provider.
func (r *Registry) Get(provider enums.PaymentProvider) (Gateway, error) {
	gw, ok := r.gateways[provider]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("payment provider %q is not available", provider))
	}
	return gw, nil
}

// Providers lists the registered providers in a stable order.
func (r *Registry) Providers() []enums.PaymentProvider {
	out := make([]enums.PaymentProvider, 0, len(r.gateways))
	for p := range r.gateways {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OptionsFromConfig derives the shared adapter options.
func OptionsFromConfig(cfg *config.Config, logg *logger.Logger) Options {
	return Options{
		PublicBaseURL: cfg.Payments.PublicBaseURL,
		WebhookSecret: cfg.Webhook.SharedSecret,
		Tolerance:     cfg.Webhook.TimestampTolerance,
		AllowUnsigned: cfg.App.IsDev(),
		Logger:        logg,
	}
}

// Build wires every provider, falling back to a simulated gateway when
// credentials are absent. A provider with credentials that fail to
// initialize is an error.
func Build(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*Registry, error) {
	opts := OptionsFromConfig(cfg, logg)
	var list []Gateway

	simulate := func(p enums.PaymentProvider) {
		if logg != nil {
			logg.Warn(logg.WithProvider(ctx, string(p)), "credentials missing, using simulated gateway")
		}
		list = append(list, NewSimulatedGateway(p, opts))
	}

	if cfg.Stripe.Configured() {
		client, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		gw, err := NewStripeGateway(client, opts)
		if err != nil {
			return nil, err
		}
		list = append(list, gw)
	} else {
		simulate(enums.PaymentProviderStripe)
	}

	if cfg.Satispay.Configured() {
		client, err := satispay.NewClient(ctx, cfg.Satispay, logg)
		if err != nil {
			return nil, fmt.Errorf("satispay: %w", err)
		}
		gw, err := NewSatispayGateway(client, opts)
		if err != nil {
			return nil, err
		}
		list = append(list, gw)
	} else {
		simulate(enums.PaymentProviderSatispay)
	}

	if cfg.PayPal.Configured() {
		client, err := paypal.NewClient(ctx, cfg.PayPal, logg)
		if err != nil {
			return nil, fmt.Errorf("paypal: %w", err)
		}
		gw, err := NewPayPalGateway(client, opts)
		if err != nil {
			return nil, err
		}
		list = append(list, gw)
	} else {
		simulate(enums.PaymentProviderPayPal)
	}

	if cfg.SumUp.Configured() {
		client, err := sumup.NewClient(ctx, cfg.SumUp, logg)
		if err != nil {
			return nil, fmt.Errorf("sumup: %w", err)
		}
		gw, err := NewSumUpGateway(client, opts)
		if err != nil {
			return nil, err
		}
		list = append(list, gw)
	} else {
		simulate(enums.PaymentProviderSumUp)
	}

	if cfg.Nexi.Configured() {
		client, err := nexi.NewClient(ctx, cfg.Nexi, logg)
		if err != nil {
			return nil, fmt.Errorf("nexi: %w", err)
		}
		gw, err := NewNexiGateway(client, opts)
		if err != nil {
			return nil, err
		}
		list = append(list, gw)
	} else {
		simulate(enums.PaymentProviderNexi)
	}

	return NewRegistry(list...)
}
