package gateways

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/residenza/backoffice/pkg/enums"
	"github.com/residenza/backoffice/pkg/signature"
)

// Query parameters carried by callback URLs we hand to providers.
const (
	QueryRef       = "ref"
	QuerySignature = "sig"
)

var errSecretMissing = errors.New("webhook secret not configured")

// callbackURL returns the webhook URL for provider with the order id and its
// token appended. prefix is prepended verbatim to the query string so
// provider placeholders such as {uuid} survive encoding.
func (o Options) callbackURL(provider enums.PaymentProvider, orderID, prefix string) string {
	values := url.Values{}
	values.Set(QueryRef, orderID)
	if o.WebhookSecret != "" {
		values.Set(QuerySignature, signature.SignToken(o.WebhookSecret, orderID))
	}
	query := values.Encode()
	if prefix != "" {
		query = prefix + "&" + query
	}
	return o.webhookURL(provider) + "?" + query
}

// verifyDelivery accepts either a header-signed request or a callback carrying
// the per-order token.
func (o Options) verifyDelivery(ctx context.Context, provider enums.PaymentProvider, req WebhookRequest) error {
	if strings.TrimSpace(o.WebhookSecret) == "" {
		if o.AllowUnsigned {
			o.warn(ctx, string(provider)+" webhook accepted without verification: secret not configured")
			return nil
		}
		return signatureInvalid(provider, errSecretMissing)
	}

	if req.Header != nil && req.Header.Get(signature.HeaderSignature) != "" {
		err := signature.VerifyHMAC(
			o.WebhookSecret,
			req.Method,
			req.Path,
			req.Body,
			req.Header.Get(signature.HeaderSignature),
			req.Header.Get(signature.HeaderTimestamp),
			o.Tolerance,
			o.now(),
		)
		if err != nil {
			return signatureInvalid(provider, err)
		}
		return nil
	}

	if token := req.Query.Get(QuerySignature); token != "" {
		if err := signature.VerifyToken(o.WebhookSecret, req.Query.Get(QueryRef), token); err != nil {
			return signatureInvalid(provider, err)
		}
		return nil
	}
	return signatureInvalid(provider, signature.ErrMissingSignature)
}
