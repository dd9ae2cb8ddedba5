package nexi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/residenza/backoffice/pkg/providerhttp"
)

func TestCreateHostedPayment(t *testing.T) {
	var got HostedPaymentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, hppPath, r.URL.Path)
		assert.Equal(t, "nexi-key", r.Header.Get("X-Api-Key"))
		assert.NotEmpty(t, r.Header.Get("Correlation-Id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(HostedPayment{HostedPage: "https://nexi.test/hpp", SecurityToken: "tok-1"})
	}))
	defer srv.Close()

	client, err := New(srv.URL, "nexi-key", nil, nil)
	require.NoError(t, err)

	hpp, err := client.CreateHostedPayment(context.Background(), HostedPaymentRequest{
		Order:          Order{OrderID: "RZ-1", Amount: "50", Currency: "EUR"},
		PaymentSession: PaymentSession{Amount: "50", ResultURL: "https://r", CancelURL: "https://c"},
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", hpp.SecurityToken)
	assert.Equal(t, "PAY", got.PaymentSession.ActionType)
	assert.Equal(t, "ita", got.PaymentSession.Language)
}

func TestGetOrderLatestOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/orders/missing" {
			http.Error(w, `{"errors":[{"code":"PS0004"}]}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"orderStatus":{"order":{"orderId":"RZ-1","amount":"50","currency":"EUR"}},"operations":[{"operationType":"AUTHORIZATION","operationResult":"PENDING"},{"operationType":"CAPTURE","operationResult":"EXECUTED"}]}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL, "k", nil, nil)
	require.NoError(t, err)

	details, err := client.GetOrder(context.Background(), "RZ-1")
	require.NoError(t, err)
	op, ok := details.LatestOperation()
	require.True(t, ok)
	assert.Equal(t, ResultExecuted, op.OperationResult)

	_, err = client.GetOrder(context.Background(), "missing")
	assert.True(t, providerhttp.IsNotFound(err))
}

func TestParseNotification(t *testing.T) {
	n, err := ParseNotification([]byte(`{"eventId":"e1","securityToken":"tok","operation":{"orderId":"RZ-1","operationResult":"AUTHORIZED"}}`))
	require.NoError(t, err)
	assert.Equal(t, "RZ-1", n.Operation.OrderID)

	_, err = ParseNotification([]byte(`{"eventId":"e1"}`))
	assert.Error(t, err)
}
