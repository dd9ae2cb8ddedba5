package routes

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/residenza/backoffice/internal/gateways"
	"github.com/residenza/backoffice/internal/payments"
	"github.com/residenza/backoffice/internal/reconcile"
	"github.com/residenza/backoffice/internal/services"
	"github.com/residenza/backoffice/pkg/auth"
	"github.com/residenza/backoffice/pkg/config"
	"github.com/residenza/backoffice/pkg/db/dbtest"
	"github.com/residenza/backoffice/pkg/enums"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/outbox"
	"github.com/residenza/backoffice/pkg/signature"
)

const webhookSecret = "whsec_router_test"

type testServer struct {
	handler http.Handler
	cfg     *config.Config
	sim     *gateways.SimulatedGateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	client := dbtest.Client(t)
	conn := client.DB()
	logg := logger.New(logger.Options{ServiceName: "router-test", Output: io.Discard})

	cfg := &config.Config{
		App:      config.AppConfig{Env: "test"},
		JWT:      config.JWTConfig{Secret: "router-secret", Issuer: "residenza"},
		Payments: config.PaymentsConfig{Currency: "EUR", MinAmount: "0.50", MaxAmount: "500.00", PublicBaseURL: "http://localhost:8080"},
	}

	sim := gateways.NewSimulatedGateway(enums.PaymentProviderSatispay, gateways.Options{
		PublicBaseURL: cfg.Payments.PublicBaseURL,
		WebhookSecret: webhookSecret,
		Tolerance:     5 * time.Minute,
	})
	registry, err := gateways.NewRegistry(sim)
	require.NoError(t, err)

	orders := payments.NewRepository(conn)
	items := services.NewRepository(conn)

	paymentSvc, err := payments.NewService(payments.ServiceParams{
		Config:    cfg.Payments,
		Repo:      orders,
		LineItems: items,
		Gateways:  registry,
		Logger:    logg,
	})
	require.NoError(t, err)
	serviceSvc, err := services.NewService(items)
	require.NoError(t, err)

	engine, err := reconcile.NewEngine(reconcile.EngineParams{
		DB:       client,
		Orders:   orders,
		Items:    items,
		Gateways: registry,
		Outbox:   outbox.NewService(outbox.NewRepository(conn), logg),
		Webhooks: reconcile.NewWebhookEventRepository(conn),
		Logger:   logg,
	})
	require.NoError(t, err)

	handler := NewRouter(RouterParams{
		Config:     cfg,
		Logger:     logg,
		DB:         client,
		Payments:   paymentSvc,
		Services:   serviceSvc,
		Reconciler: engine,
	})
	return &testServer{handler: handler, cfg: cfg, sim: sim}
}

func (s *testServer) token(t *testing.T, role enums.StaffRole) string {
	t.Helper()
	token, err := auth.MintAccessToken(s.cfg.JWT, time.Now(), time.Hour, auth.AccessTokenPayload{
		Subject: "test-" + string(role),
		Role:    role,
	})
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	return resp
}

func (s *testServer) webhook(t *testing.T, secret string, evt gateways.SimulatedEvent) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(evt)
	require.NoError(t, err)
	path := gateways.WebhookPath(enums.PaymentProviderSatispay)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(signature.HeaderTimestamp, ts)
	req.Header.Set(signature.HeaderSignature, signature.SignHMAC(secret, http.MethodPost, path, ts, body))
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	return resp
}

func decodeData(t *testing.T, resp *httptest.ResponseRecorder, dest any) {
	t.Helper()
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dest))
}

func errorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	envelope := struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

func TestHealthLive(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "test", resp.Header().Get("X-Residenza-Env"))

	ready := s.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, ready.Code)
}

func TestStaffRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/api/v1/services", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/services", s.token(t, enums.StaffRoleKiosk), nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/services", s.token(t, enums.StaffRoleStaff), nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

// Scenario A over HTTP: staff books services, the kiosk opens a payment, the
// provider confirms it and the polling endpoint reports completion.
func TestPaymentLifecycle(t *testing.T) {
	s := newTestServer(t)
	staff := s.token(t, enums.StaffRoleStaff)

	var created []int64
	for _, amount := range []string{"1.50", "1.50"} {
		resp := s.do(t, http.MethodPost, "/api/v1/services", staff, map[string]any{
			"sigla":    "145",
			"category": "siglatura",
			"amount":   amount,
		})
		require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
		var item struct {
			ID int64 `json:"id"`
		}
		decodeData(t, resp, &item)
		created = append(created, item.ID)
	}

	resp := s.do(t, http.MethodPost, "/api/v1/payments", s.token(t, enums.StaffRoleKiosk), map[string]any{
		"sigla":          "145",
		"payment_method": "satispay",
		"service_ids":    created,
		"amount":         "3.00",
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var payment struct {
		OrderID     string `json:"order_id"`
		Status      string `json:"status"`
		Amount      string `json:"amount"`
		RedirectURL string `json:"redirect_url"`
		Simulated   bool   `json:"simulated"`
	}
	decodeData(t, resp, &payment)
	assert.Equal(t, "processing", payment.Status)
	assert.Equal(t, "3.00", payment.Amount)
	assert.True(t, payment.Simulated)

	var detail struct {
		ProviderRef string  `json:"provider_ref"`
		ServiceIDs  []int64 `json:"service_ids"`
	}
	resp = s.do(t, http.MethodGet, "/api/v1/payments/"+payment.OrderID, staff, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	decodeData(t, resp, &detail)
	assert.ElementsMatch(t, created, detail.ServiceIDs)
	assert.NotContains(t, resp.Body.String(), "security_token")

	resp = s.webhook(t, webhookSecret, gateways.SimulatedEvent{
		EventID:     "evt_http_1",
		ProviderRef: detail.ProviderRef,
		Status:      gateways.KindSucceeded,
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var ack struct {
		Outcome string `json:"outcome"`
	}
	decodeData(t, resp, &ack)
	assert.Equal(t, reconcile.WebhookProcessed, ack.Outcome)

	// replay is acknowledged without changes
	resp = s.webhook(t, webhookSecret, gateways.SimulatedEvent{
		EventID:     "evt_http_1",
		ProviderRef: detail.ProviderRef,
		Status:      gateways.KindSucceeded,
	})
	require.Equal(t, http.StatusOK, resp.Code)
	decodeData(t, resp, &ack)
	assert.Equal(t, reconcile.WebhookDuplicate, ack.Outcome)

	resp = s.do(t, http.MethodGet, "/api/v1/payments/status/"+payment.OrderID, "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var status reconcile.PollResult
	decodeData(t, resp, &status)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, enums.PaymentStatusCompleted, status.LocalStatus)
	assert.Equal(t, "145", status.Sigla)

	resp = s.do(t, http.MethodGet, "/api/v1/services?sigla=145&payment_status=paid", staff, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Total int64 `json:"total"`
	}
	decodeData(t, resp, &list)
	assert.EqualValues(t, 2, list.Total)

	// paid items are immutable
	resp = s.do(t, http.MethodPatch, "/api/v1/services/"+strconv.FormatInt(created[0], 10), staff, map[string]any{"notes": "late"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

// Scenario C: a client-side total that disagrees with the ledger is rejected.
func TestCreatePaymentRejectsAmountMismatch(t *testing.T) {
	s := newTestServer(t)
	staff := s.token(t, enums.StaffRoleStaff)
	resp := s.do(t, http.MethodPost, "/api/v1/services", staff, map[string]any{
		"sigla": "210", "category": "happy_hour", "amount": "2.00",
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = s.do(t, http.MethodPost, "/api/v1/payments", staff, map[string]any{
		"sigla":          "210",
		"payment_method": "satispay",
		"amount":         "1.00",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, resp))
}

// Scenario D: a forged delivery is rejected before anything is stored.
func TestWebhookBadSignature(t *testing.T) {
	s := newTestServer(t)
	resp := s.webhook(t, "not-the-secret", gateways.SimulatedEvent{
		EventID:     "evt_forged",
		ProviderRef: "sim_satispay_deadbeef",
		Status:      gateways.KindSucceeded,
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "SIGNATURE_INVALID", errorCode(t, resp))
}

func TestWebhookUnknownProvider(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/v1/webhooks/square", "", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	// only Satispay calls back with GET
	resp = s.do(t, http.MethodGet, "/api/v1/webhooks/stripe", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}

func TestManualSweep(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/v1/reconcile/sweep", s.token(t, enums.StaffRoleAdmin), nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var report reconcile.SweepReport
	decodeData(t, resp, &report)
	assert.Zero(t, report.Checked)
}

func TestPollUnknownOrder(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodGet, "/api/v1/payments/status/RZ-missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
