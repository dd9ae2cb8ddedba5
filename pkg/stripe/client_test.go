package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/residenza/backoffice/pkg/config"
)

type fakeIntents struct {
	created *stripe.PaymentIntentCreateParams
	intent  *stripe.PaymentIntent
	err     error
}

func (f *fakeIntents) Create(_ context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error) {
	f.created = params
	return f.intent, f.err
}

func (f *fakeIntents) Retrieve(_ context.Context, id string, _ *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusSucceeded}, nil
}

func TestNewClientValidatesKeyAgainstEnv(t *testing.T) {
	_, err := NewClient(context.Background(), config.StripeConfig{APIKey: "sk_live_123", Env: "test"}, nil)
	require.Error(t, err)

	_, err = NewClient(context.Background(), config.StripeConfig{Env: "test"}, nil)
	require.ErrorIs(t, err, errAPIKeyRequired)

	_, err = NewClient(context.Background(), config.StripeConfig{APIKey: "sk_test_123", Env: "staging"}, nil)
	require.ErrorIs(t, err, errInvalidStripeEnv)

	client, err := NewClient(context.Background(), config.StripeConfig{APIKey: "sk_test_123", Env: "TEST"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "test", client.Environment())
	assert.False(t, client.HasSigningSecret())
}

func TestCreatePaymentIntentCarriesOrderMetadata(t *testing.T) {
	fake := &fakeIntents{intent: &stripe.PaymentIntent{ID: "pi_1"}}
	client := NewWithIntents(fake, "test", "")

	pi, err := client.CreatePaymentIntent(context.Background(), CreateIntentInput{
		OrderID:     "RZ-20260301-0000abcd",
		Sigla:       "145",
		AmountCents: 50,
		Currency:    "EUR",
		Description: "Servizi 145",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", pi.ID)
	require.NotNil(t, fake.created)
	assert.Equal(t, int64(50), *fake.created.Amount)
	assert.Equal(t, "eur", *fake.created.Currency)
	assert.Equal(t, "RZ-20260301-0000abcd", fake.created.Metadata[MetadataOrderID])
	assert.Equal(t, "pi-create-RZ-20260301-0000abcd", *fake.created.IdempotencyKey)
}

func TestConstructEvent(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent","status":"succeeded"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})

	client := NewWithIntents(&fakeIntents{}, "test", "whsec_test")
	event, err := client.ConstructEvent(signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, stripe.EventType("payment_intent.succeeded"), event.Type)

	_, err = client.ConstructEvent(signed.Payload, strings.Replace(signed.Header, "v1=", "v1=00", 1))
	assert.Error(t, err)

	unsigned := NewWithIntents(&fakeIntents{}, "test", "")
	_, err = unsigned.ConstructEvent(signed.Payload, signed.Header)
	assert.ErrorIs(t, err, ErrNoSigningSecret)
}

func TestErrorClassification(t *testing.T) {
	notFound := &stripe.Error{HTTPStatusCode: http.StatusNotFound}
	assert.True(t, IsNotFound(fmt.Errorf("wrap: %w", notFound)))
	assert.False(t, IsAuthError(notFound))
	assert.True(t, IsAuthError(&stripe.Error{HTTPStatusCode: http.StatusUnauthorized}))
	assert.False(t, IsNotFound(fmt.Errorf("plain")))
}
