package gateways

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/nexi"
	"github.com/residenza/backoffice/pkg/paypal"
	"github.com/residenza/backoffice/pkg/providerhttp"
	"github.com/residenza/backoffice/pkg/satispay"
	"github.com/residenza/backoffice/pkg/signature"
	pkgstripe "github.com/residenza/backoffice/pkg/stripe"
	"github.com/residenza/backoffice/pkg/sumup"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signedOpts() Options {
	return Options{
		PublicBaseURL: "https://backoffice.test",
		WebhookSecret: "whsec",
		Tolerance:     5 * time.Minute,
		Now:           func() time.Time { return testNow },
	}
}

func signedRequest(provider enums.PaymentProvider, body []byte) WebhookRequest {
	ts := strconv.FormatInt(testNow.Unix(), 10)
	path := WebhookPath(provider)
	header := http.Header{}
	header.Set(signature.HeaderTimestamp, ts)
	header.Set(signature.HeaderSignature, signature.SignHMAC("whsec", http.MethodPost, path, ts, body))
	return WebhookRequest{Method: http.MethodPost, Path: path, Header: header, Body: body}
}

type fakeStripeIntents struct {
	intent *stripe.PaymentIntent
	err    error
}

func (f *fakeStripeIntents) Create(_ context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresPaymentMethod, ClientSecret: "pi_1_secret", Metadata: params.Metadata}, nil
}

func (f *fakeStripeIntents) Retrieve(_ context.Context, _ string, _ *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.intent, nil
}

func TestStripeGatewayWebhook(t *testing.T) {
	gw, err := NewStripeGateway(pkgstripe.NewWithIntents(&fakeStripeIntents{}, "test", "whsec_test"), signedOpts())
	require.NoError(t, err)

	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent","status":"succeeded","metadata":{"order_id":"RZ-20260301-0000abcd"}}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_test", Timestamp: time.Now()})

	header := http.Header{}
	header.Set("Stripe-Signature", signed.Header)
	n, err := gw.ParseWebhook(context.Background(), WebhookRequest{Header: header, Body: signed.Payload})
	require.NoError(t, err)
	assert.Equal(t, "evt_1", n.EventID)
	assert.Equal(t, "pi_1", n.ProviderRef)
	assert.Equal(t, "RZ-20260301-0000abcd", n.OrderID)
	assert.Equal(t, KindSucceeded, n.Status.Kind)

	header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	_, err = gw.ParseWebhook(context.Background(), WebhookRequest{Header: header, Body: signed.Payload})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))
}

func TestStripeGatewayMissingSecretPolicy(t *testing.T) {
	payload := []byte(`{"id":"evt_2","type":"payment_intent.canceled","data":{"object":{"id":"pi_2","metadata":{"order_id":"RZ-1"}}}}`)
	api := pkgstripe.NewWithIntents(&fakeStripeIntents{}, "test", "")

	prod, err := NewStripeGateway(api, Options{})
	require.NoError(t, err)
	_, err = prod.ParseWebhook(context.Background(), WebhookRequest{Body: payload})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))

	dev, err := NewStripeGateway(api, Options{AllowUnsigned: true})
	require.NoError(t, err)
	n, err := dev.ParseWebhook(context.Background(), WebhookRequest{Body: payload})
	require.NoError(t, err)
	assert.Equal(t, KindFailed, n.Status.Kind)
	assert.Equal(t, "RZ-1", n.OrderID)
}

func TestStripeGatewayFetchNotFound(t *testing.T) {
	api := pkgstripe.NewWithIntents(&fakeStripeIntents{err: &stripe.Error{HTTPStatusCode: http.StatusNotFound}}, "test", "")
	gw, err := NewStripeGateway(api, Options{})
	require.NoError(t, err)
	status, err := gw.FetchRemoteStatus(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, ErrRemoteNotFound)
	assert.True(t, status.IsUnknown())
}

type fakeSatispay struct {
	created satispay.CreatePaymentRequest
	payment *satispay.Payment
}

func (f *fakeSatispay) CreatePayment(_ context.Context, req satispay.CreatePaymentRequest) (*satispay.Payment, error) {
	f.created = req
	return &satispay.Payment{ID: "sp_1", Status: satispay.StatusPending, RedirectURL: "https://satispay.test/pay/sp_1"}, nil
}

func (f *fakeSatispay) GetPayment(_ context.Context, _ string) (*satispay.Payment, error) {
	return f.payment, nil
}

func TestSatispayCallbackTokenRoundTrip(t *testing.T) {
	api := &fakeSatispay{}
	gw, err := NewSatispayGateway(api, signedOpts())
	require.NoError(t, err)

	handle, err := gw.CreateRemotePayment(context.Background(), CreatePaymentRequest{
		OrderID: "RZ-20260301-0000abcd", AmountCents: 300, Currency: enums.CurrencyEUR,
	})
	require.NoError(t, err)
	assert.Equal(t, "sp_1", handle.ProviderRef)
	assert.Equal(t, KindProcessing, handle.Status.Kind)
	assert.Contains(t, api.created.CallbackURL, "payment_id={uuid}&")

	// Satispay substitutes the placeholder and calls back with GET.
	callback, err := url.Parse(api.created.CallbackURL)
	require.NoError(t, err)
	query := callback.Query()
	query.Set("payment_id", "sp_1")

	n, err := gw.ParseWebhook(context.Background(), WebhookRequest{Method: http.MethodGet, Path: callback.Path, Query: query})
	require.NoError(t, err)
	assert.True(t, n.NeedsRefetch)
	assert.Equal(t, "sp_1", n.ProviderRef)
	assert.Equal(t, "RZ-20260301-0000abcd", n.OrderID)

	query.Set(QueryRef, "RZ-20260301-ffffffff")
	_, err = gw.ParseWebhook(context.Background(), WebhookRequest{Method: http.MethodGet, Query: query})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))
}

func TestSatispayUnsignedRejectedWithSecret(t *testing.T) {
	gw, err := NewSatispayGateway(&fakeSatispay{}, signedOpts())
	require.NoError(t, err)
	_, err = gw.ParseWebhook(context.Background(), WebhookRequest{
		Method: http.MethodGet,
		Query:  url.Values{"payment_id": {"sp_1"}},
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))
}

type fakePayPal struct {
	orders     []*paypal.Order
	captureErr error
	captured   bool
	verified   bool
	webhookID  bool
}

func (f *fakePayPal) CreateOrder(_ context.Context, _ string, _ paypal.CreateOrderRequest) (*paypal.Order, error) {
	return &paypal.Order{ID: "PP-1", Status: paypal.OrderCreated, Links: []paypal.Link{{Rel: "payer-action", Href: "https://paypal.test/approve"}}}, nil
}

func (f *fakePayPal) GetOrder(_ context.Context, _ string) (*paypal.Order, error) {
	order := f.orders[0]
	if len(f.orders) > 1 {
		f.orders = f.orders[1:]
	}
	return order, nil
}

func (f *fakePayPal) CaptureOrder(_ context.Context, id string) (*paypal.Order, error) {
	f.captured = true
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	return &paypal.Order{ID: id, Status: paypal.OrderCompleted}, nil
}

func (f *fakePayPal) VerifyWebhookSignature(_ context.Context, _ paypal.Transmission, _ []byte) (bool, error) {
	return f.verified, nil
}

func (f *fakePayPal) HasWebhookID() bool { return f.webhookID }

func TestPayPalFetchCapturesApprovedOrder(t *testing.T) {
	api := &fakePayPal{orders: []*paypal.Order{{ID: "PP-1", Status: paypal.OrderApproved}}}
	gw, err := NewPayPalGateway(api, Options{})
	require.NoError(t, err)

	status, err := gw.FetchRemoteStatus(context.Background(), "PP-1")
	require.NoError(t, err)
	assert.True(t, api.captured)
	assert.Equal(t, KindSucceeded, status.Kind)
}

func TestPayPalFetchAlreadyCaptured(t *testing.T) {
	already := pkgerrors.Wrap(pkgerrors.CodeStateConflict, &providerhttp.APIError{
		Provider:   "paypal",
		StatusCode: http.StatusUnprocessableEntity,
		Body:       `{"details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`,
	}, "paypal capture_order failed")
	api := &fakePayPal{
		orders:     []*paypal.Order{{ID: "PP-1", Status: paypal.OrderApproved}, {ID: "PP-1", Status: paypal.OrderCompleted}},
		captureErr: already,
	}
	gw, err := NewPayPalGateway(api, Options{})
	require.NoError(t, err)

	status, err := gw.FetchRemoteStatus(context.Background(), "PP-1")
	require.NoError(t, err)
	assert.Equal(t, KindSucceeded, status.Kind)
}

func TestPayPalWebhookVerification(t *testing.T) {
	body := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","status":"COMPLETED","custom_id":"RZ-1","supplementary_data":{"related_ids":{"order_id":"PP-1"}}}}`)

	gw, err := NewPayPalGateway(&fakePayPal{webhookID: true, verified: true}, Options{})
	require.NoError(t, err)
	n, err := gw.ParseWebhook(context.Background(), WebhookRequest{Header: http.Header{}, Body: body})
	require.NoError(t, err)
	assert.Equal(t, "PP-1", n.ProviderRef)
	assert.Equal(t, "RZ-1", n.OrderID)
	assert.Equal(t, KindSucceeded, n.Status.Kind)
	assert.False(t, n.NeedsRefetch)

	rejected, err := NewPayPalGateway(&fakePayPal{webhookID: true, verified: false}, Options{})
	require.NoError(t, err)
	_, err = rejected.ParseWebhook(context.Background(), WebhookRequest{Header: http.Header{}, Body: body})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))
}

type fakeSumUp struct {
	created sumup.CreateCheckoutRequest
}

func (f *fakeSumUp) CreateCheckout(_ context.Context, req sumup.CreateCheckoutRequest) (*sumup.Checkout, error) {
	f.created = req
	return &sumup.Checkout{ID: "chk_1", Status: sumup.StatusPending, HostedCheckoutURL: "https://sumup.test/chk_1"}, nil
}

func (f *fakeSumUp) GetCheckout(_ context.Context, _ string) (*sumup.Checkout, error) {
	return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, &providerhttp.APIError{Provider: "sumup", StatusCode: http.StatusNotFound}, "sumup get_checkout failed")
}

func TestSumUpGateway(t *testing.T) {
	api := &fakeSumUp{}
	gw, err := NewSumUpGateway(api, signedOpts())
	require.NoError(t, err)

	handle, err := gw.CreateRemotePayment(context.Background(), CreatePaymentRequest{OrderID: "RZ-1", AmountCents: 1250, Currency: enums.CurrencyEUR})
	require.NoError(t, err)
	assert.Equal(t, "https://sumup.test/chk_1", handle.RedirectURL)
	assert.Equal(t, "12.50", api.created.Amount.String())

	n, err := gw.ParseWebhook(context.Background(), signedRequest(enums.PaymentProviderSumUp, []byte(`{"event_type":"CHECKOUT_STATUS_CHANGED","id":"chk_1"}`)))
	require.NoError(t, err)
	assert.True(t, n.NeedsRefetch)
	assert.Equal(t, "chk_1", n.ProviderRef)

	_, err = gw.FetchRemoteStatus(context.Background(), "chk_1")
	assert.ErrorIs(t, err, ErrRemoteNotFound)
}

type fakeNexi struct{}

func (fakeNexi) CreateHostedPayment(_ context.Context, _ nexi.HostedPaymentRequest) (*nexi.HostedPayment, error) {
	return &nexi.HostedPayment{HostedPage: "https://nexi.test/hpp", SecurityToken: "tok-1"}, nil
}

func (fakeNexi) GetOrder(_ context.Context, _ string) (*nexi.OrderDetails, error) {
	return &nexi.OrderDetails{}, nil
}

func TestNexiGateway(t *testing.T) {
	gw, err := NewNexiGateway(fakeNexi{}, signedOpts())
	require.NoError(t, err)

	handle, err := gw.CreateRemotePayment(context.Background(), CreatePaymentRequest{OrderID: "RZ-20260301-0000abcd", AmountCents: 300, Currency: enums.CurrencyEUR})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", handle.Metadata[MetadataSecurityToken])
	assert.Equal(t, "202603010000abcd", handle.ProviderRef)

	status, err := gw.FetchRemoteStatus(context.Background(), handle.ProviderRef)
	require.NoError(t, err)
	assert.Equal(t, KindPending, status.Kind)

	n, err := gw.ParseWebhook(context.Background(), WebhookRequest{Body: []byte(`{"eventId":"e1","securityToken":"tok-1","operation":{"orderId":"202603010000abcd","operationResult":"EXECUTED"}}`)})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", n.SecurityToken)
	assert.Equal(t, KindSucceeded, n.Status.Kind)

	_, err = gw.ParseWebhook(context.Background(), WebhookRequest{Body: []byte(`{"eventId":"e1","operation":{"orderId":"x"}}`)})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))
}

func TestSimulatedGateway(t *testing.T) {
	gw := NewSimulatedGateway(enums.PaymentProviderSumUp, signedOpts())
	assert.True(t, gw.Simulated())

	handle, err := gw.CreateRemotePayment(context.Background(), CreatePaymentRequest{OrderID: "RZ-1", AmountCents: 300})
	require.NoError(t, err)
	assert.Contains(t, handle.ProviderRef, "sim_sumup_")
	assert.Contains(t, handle.RedirectURL, "/simulated/sumup/")

	gw.SetStatus(handle.ProviderRef, KindSucceeded)
	status, err := gw.FetchRemoteStatus(context.Background(), handle.ProviderRef)
	require.NoError(t, err)
	assert.Equal(t, KindSucceeded, status.Kind)

	gw.FailNext(errors.New("connection reset"))
	_, err = gw.FetchRemoteStatus(context.Background(), handle.ProviderRef)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	body, _ := json.Marshal(SimulatedEvent{EventID: "e1", ProviderRef: handle.ProviderRef, Status: "bogus"})
	n, err := gw.ParseWebhook(context.Background(), signedRequest(enums.PaymentProviderSumUp, body))
	require.NoError(t, err)
	assert.True(t, n.Status.IsUnknown())
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(
		NewSimulatedGateway(enums.PaymentProviderStripe, Options{}),
		NewSimulatedGateway(enums.PaymentProviderNexi, Options{}),
	)
	require.NoError(t, err)
	assert.Equal(t, []enums.PaymentProvider{enums.PaymentProviderNexi, enums.PaymentProviderStripe}, reg.Providers())

	_, err = reg.Get(enums.PaymentProviderPayPal)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = NewRegistry(NewSimulatedGateway(enums.PaymentProviderStripe, Options{}), NewSimulatedGateway(enums.PaymentProviderStripe, Options{}))
	assert.Error(t, err)
}
