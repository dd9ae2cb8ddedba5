package enums

import (
	"fmt"
	"strings"
)

// PaymentProvider names the external processor that handles a payment order.
type PaymentProvider string

const (
	PaymentProviderStripe   PaymentProvider = "stripe"
	PaymentProviderSatispay PaymentProvider = "satispay"
	PaymentProviderPayPal   PaymentProvider = "paypal"
	PaymentProviderSumUp    PaymentProvider = "sumup"
	PaymentProviderNexi     PaymentProvider = "nexi"
)

var validPaymentProviders = []PaymentProvider{
	PaymentProviderStripe,
	PaymentProviderSatispay,
	PaymentProviderPayPal,
	PaymentProviderSumUp,
	PaymentProviderNexi,
}

// String implements fmt.Stringer.
func (p PaymentProvider) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentProvider.
func (p PaymentProvider) IsValid() bool {
	for _, candidate := range validPaymentProviders {
		if candidate == p {
			return true
		}
	}
	return false
}

// PaymentProviders returns every supported provider.
func PaymentProviders() []PaymentProvider {
	out := make([]PaymentProvider, len(validPaymentProviders))
	copy(out, validPaymentProviders)
	return out
}

// ParsePaymentProvider converts raw input (case-insensitive) into a PaymentProvider.
func ParsePaymentProvider(value string) (PaymentProvider, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validPaymentProviders {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment provider %q", value)
}
