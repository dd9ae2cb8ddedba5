package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/residenza/backoffice/internal/gateways"
	"github.com/residenza/backoffice/internal/payments"
	"github.com/residenza/backoffice/internal/services"
	"github.com/residenza/backoffice/pkg/db/dbtest"
	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/outbox"
	"github.com/residenza/backoffice/pkg/signature"
)

const testSecret = "whsec_reconcile_test"

type memoryGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{seen: map[string]bool{}}
}

func (g *memoryGuard) Claim(_ context.Context, consumer, eventID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := consumer + ":" + eventID
	if g.seen[key] {
		return false, nil
	}
	g.seen[key] = true
	return true, nil
}

func (g *memoryGuard) Release(_ context.Context, consumer, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, consumer+":"+eventID)
	return nil
}

// flakyItems fails MarkPaid for one line item.
type flakyItems struct {
	services.Repository
	failID *int64
}

func (f flakyItems) WithTx(tx *gorm.DB) services.Repository {
	return flakyItems{Repository: f.Repository.WithTx(tx), failID: f.failID}
}

func (f flakyItems) MarkPaid(ctx context.Context, id int64, orderID string, paidAt time.Time) (bool, error) {
	if id == *f.failID {
		return false, errors.New("disk full")
	}
	return f.Repository.MarkPaid(ctx, id, orderID, paidAt)
}

// staleOrders serves a fixed snapshot from GetForUpdate once set, like a
// reader that lost the race to a concurrent settlement.
type staleOrders struct {
	payments.Repository
	snapshot *models.PaymentOrder
}

func (s *staleOrders) WithTx(tx *gorm.DB) payments.Repository {
	return &staleOrders{Repository: s.Repository.WithTx(tx), snapshot: s.snapshot}
}

func (s *staleOrders) GetForUpdate(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	if s.snapshot == nil {
		return s.Repository.GetForUpdate(ctx, orderID)
	}
	order := *s.snapshot
	return &order, nil
}

type engineFixture struct {
	conn     *gorm.DB
	engine   *Engine
	orders   payments.Repository
	items    services.Repository
	webhooks WebhookEventRepository
	sim      *gateways.SimulatedGateway
	guard    *memoryGuard
	clock    time.Duration
}

type fixtureOption func(*EngineParams)

func newEngineFixture(t *testing.T, opts ...fixtureOption) *engineFixture {
	t.Helper()
	client := dbtest.Client(t)
	conn := client.DB()
	logg := logger.New(logger.Options{ServiceName: "reconcile-test", Output: io.Discard})

	f := &engineFixture{
		conn:     conn,
		orders:   payments.NewRepository(conn),
		items:    services.NewRepository(conn),
		webhooks: NewWebhookEventRepository(conn),
		sim: gateways.NewSimulatedGateway(enums.PaymentProviderSatispay, gateways.Options{
			PublicBaseURL: "http://localhost:8080",
			WebhookSecret: testSecret,
			Tolerance:     5 * time.Minute,
		}),
		guard: newMemoryGuard(),
	}
	registry, err := gateways.NewRegistry(f.sim)
	require.NoError(t, err)

	params := EngineParams{
		DB:       client,
		Orders:   f.orders,
		Items:    f.items,
		Gateways: registry,
		Outbox:   outbox.NewService(outbox.NewRepository(conn), logg),
		Webhooks: f.webhooks,
		Guard:    f.guard,
		Logger:   logg,
		Now:      func() time.Time { return time.Now().UTC().Add(f.clock) },
	}
	for _, opt := range opts {
		opt(&params)
	}
	f.engine, err = NewEngine(params)
	require.NoError(t, err)
	return f
}

func (f *engineFixture) seedItem(t *testing.T, sigla string, cents int64) *models.ServiceLineItem {
	t.Helper()
	item := &models.ServiceLineItem{
		Sigla:         sigla,
		Category:      enums.ServiceCategorySiglatura,
		Quantity:      1,
		AmountCents:   cents,
		PaymentStatus: enums.ServicePaymentStatusUnpaid,
	}
	require.NoError(t, f.items.Create(context.Background(), item))
	return item
}

// openOrder creates a processing order for items with a live simulated
// remote payment.
func (f *engineFixture) openOrder(t *testing.T, orderID, sigla string, items ...*models.ServiceLineItem) *models.PaymentOrder {
	t.Helper()
	var total int64
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		total += item.AmountCents
		ids = append(ids, item.ID)
	}
	return f.openOrderFor(t, orderID, sigla, total, ids)
}

// openOrderFor is openOrder with an explicit total; nil ids leave the
// selection empty.
func (f *engineFixture) openOrderFor(t *testing.T, orderID, sigla string, total int64, ids []int64) *models.PaymentOrder {
	t.Helper()
	ctx := context.Background()
	handle, err := f.sim.CreateRemotePayment(ctx, gateways.CreatePaymentRequest{
		OrderID:     orderID,
		Sigla:       sigla,
		AmountCents: total,
		Currency:    enums.CurrencyEUR,
	})
	require.NoError(t, err)

	ref := handle.ProviderRef
	order := &models.PaymentOrder{
		OrderID:     orderID,
		Sigla:       sigla,
		AmountCents: total,
		Currency:    enums.CurrencyEUR,
		Provider:    enums.PaymentProviderSatispay,
		Status:      enums.PaymentStatusProcessing,
		ProviderRef: &ref,
		Simulated:   true,
		Metadata:    datatypes.NewJSONType(models.PaymentMetadata{ServiceIDs: ids}),
	}
	require.NoError(t, f.orders.Create(ctx, order))
	return order
}

func signedDelivery(t *testing.T, secret string, evt gateways.SimulatedEvent) gateways.WebhookRequest {
	t.Helper()
	body, err := json.Marshal(evt)
	require.NoError(t, err)
	path := gateways.WebhookPath(enums.PaymentProviderSatispay)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	header := http.Header{}
	header.Set(signature.HeaderTimestamp, ts)
	header.Set(signature.HeaderSignature, signature.SignHMAC(secret, http.MethodPost, path, ts, body))
	return gateways.WebhookRequest{Method: http.MethodPost, Path: path, Header: header, Body: body}
}

func (f *engineFixture) countEvents(t *testing.T, eventType enums.OutboxEventType, orderID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).
		Where("event_type = ? AND aggregate_id = ?", eventType, orderID).
		Count(&n).Error)
	return n
}

func (f *engineFixture) item(t *testing.T, id int64) *models.ServiceLineItem {
	t.Helper()
	item, err := f.items.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

func TestWebhookSettlesOrder(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.seedItem(t, "145", 150)
	b := f.seedItem(t, "145", 150)
	order := f.openOrder(t, "RZ-20260301-aaaa0001", "145", a, b)

	res, err := f.engine.HandleWebhook(ctx, enums.PaymentProviderSatispay, signedDelivery(t, testSecret, gateways.SimulatedEvent{
		EventID:     "evt_1",
		ProviderRef: *order.ProviderRef,
		Status:      gateways.KindSucceeded,
	}))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, res.Outcome)
	assert.Equal(t, order.OrderID, res.OrderID)
	assert.Equal(t, enums.PaymentStatusCompleted, res.Status)

	stored, err := f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	for _, id := range []int64{a.ID, b.ID} {
		item := f.item(t, id)
		assert.Equal(t, enums.ServicePaymentStatusPaid, item.PaymentStatus)
		require.NotNil(t, item.PaidByOrderID)
		assert.Equal(t, order.OrderID, *item.PaidByOrderID)
	}
	assert.EqualValues(t, 1, f.countEvents(t, enums.EventPaymentSettled, order.OrderID))

	audit, err := f.webhooks.Get(ctx, enums.PaymentProviderSatispay, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookEventStatusProcessed, audit.Status)
	require.NotNil(t, audit.OrderID)
	assert.Equal(t, order.OrderID, *audit.OrderID)
}

func TestDuplicateWebhookIsNoop(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.seedItem(t, "145", 300)
	order := f.openOrder(t, "RZ-20260301-aaaa0002", "145", a)
	delivery := signedDelivery(t, testSecret, gateways.SimulatedEvent{
		EventID:     "evt_dup",
		ProviderRef: *order.ProviderRef,
		Status:      gateways.KindSucceeded,
	})

	first, err := f.engine.HandleWebhook(ctx, enums.PaymentProviderSatispay, delivery)
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, first.Outcome)
	paidAt := f.item(t, a.ID).PaidAt

	second, err := f.engine.HandleWebhook(ctx, enums.PaymentProviderSatispay, delivery)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, second.Outcome)

	// a redis flush must not let the replay through either
	f.guard.seen = map[string]bool{}
	third, err := f.engine.HandleWebhook(ctx, enums.PaymentProviderSatispay, delivery)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, third.Outcome)

	assert.EqualValues(t, 1, f.countEvents(t, enums.EventPaymentSettled, order.OrderID))
	assert.Equal(t, paidAt, f.item(t, a.ID).PaidAt)
}

func TestSettleTwiceReportsAlreadySettled(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.seedItem(t, "145", 300)
	order := f.openOrder(t, "RZ-20260301-aaaa0003", "145", a)

	first, err := f.engine.Settle(ctx, order.OrderID, enums.ReconcileTriggerPoll)
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Equal(t, []int64{a.ID}, first.SettledIDs)

	second, err := f.engine.Settle(ctx, order.OrderID, enums.ReconcileTriggerSweep)
	require.NoError(t, err)
	assert.True(t, second.AlreadySettled)
	assert.False(t, second.Applied)
	assert.EqualValues(t, 1, f.countEvents(t, enums.EventPaymentSettled, order.OrderID))
}

func TestSettleUnknownOrder(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Settle(context.Background(), "RZ-missing", enums.ReconcileTriggerPoll)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestBadSignatureRejected(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.seedItem(t, "145", 300)
	order := f.openOrder(t, "RZ-20260301-aaaa0004", "145", a)

	_, err := f.engine.HandleWebhook(ctx, enums.PaymentProviderSatispay, signedDelivery(t, "not-the-secret", gateways.SimulatedEvent{
		EventID:     "evt_forged",
		ProviderRef: *order.ProviderRef,
		Status:      gateways.KindSucceeded,
	}))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))

	stored, err := f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusProcessing, stored.Status)
	assert.Equal(t, enums.ServicePaymentStatusUnpaid, f.item(t, a.ID).PaymentStatus)

	_, err = f.webhooks.Get(ctx, enums.PaymentProviderSatispay, "evt_forged")
	assert.True(t, payments.IsNotFound(err))
}

func TestWebhookForUnknownOrderIsIgnored(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	res, err := f.engine.HandleWebhook(ctx, enums.PaymentProviderSatispay, signedDelivery(t, testSecret, gateways.SimulatedEvent{
		EventID:     "evt_orphan",
		ProviderRef: "sim_satispay_unknown",
		Status:      gateways.KindSucceeded,
	}))
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, res.Outcome)

	audit, err := f.webhooks.Get(ctx, enums.PaymentProviderSatispay, "evt_orphan")
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookEventStatusIgnored, audit.Status)
}

func TestWebhookFailureAllowsRetry(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.seedItem(t, "145", 300)
	order := f.openOrder(t, "RZ-20260301-aaaa0005", "145", a)
	delivery := signedDelivery(t, testSecret, gateways.SimulatedEvent{
		EventID:     "evt_retry",
		ProviderRef: *order.ProviderRef,
		Status:      gateways.KindSucceeded,
	})

	require.NoError(t, f.conn.Exec("DROP TABLE outbox_events").Error)
	_, err := f.engine.HandleWebhook(ctx, enums.PaymentProviderSatispay, delivery)
	require.Error(t, err)

	audit, err := f.webhooks.Get(ctx, enums.PaymentProviderSatispay, "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, enums.WebhookEventStatusFailed, audit.Status)

	stored, err := f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusProcessing, stored.Status)
	assert.Equal(t, enums.ServicePaymentStatusUnpaid, f.item(t, a.ID).PaymentStatus)
	assert.Empty(t, f.guard.seen)
}

func TestPartialSettlementStillCompletes(t *testing.T) {
	var failID int64
	f := newEngineFixture(t, func(p *EngineParams) {
		p.Items = flakyItems{Repository: p.Items, failID: &failID}
	})
	ctx := context.Background()
	a := f.seedItem(t, "145", 150)
	b := f.seedItem(t, "145", 150)
	c := f.seedItem(t, "145", 150)
	failID = b.ID
	order := f.openOrder(t, "RZ-20260301-aaaa0006", "145", a, b, c)

	res, err := f.engine.Settle(ctx, order.OrderID, enums.ReconcileTriggerWebhook)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.Partial())
	assert.Equal(t, []int64{a.ID, c.ID}, res.SettledIDs)
	assert.Equal(t, []int64{b.ID}, res.FailedIDs)

	stored, err := f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusCompleted, stored.Status)
	assert.Equal(t, enums.ServicePaymentStatusPaid, f.item(t, a.ID).PaymentStatus)
	assert.Equal(t, enums.ServicePaymentStatusUnpaid, f.item(t, b.ID).PaymentStatus)
	assert.Equal(t, enums.ServicePaymentStatusPaid, f.item(t, c.ID).PaymentStatus)
}

func TestSettleWithoutSelectionPaysAllUnpaid(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.seedItem(t, "150", 150)
	b := f.seedItem(t, "150", 250)
	other := f.seedItem(t, "151", 400)
	order := f.openOrderFor(t, "RZ-20260301-aaaa0007", "150", 400, nil)
	require.Empty(t, order.Metadata.Data().ServiceIDs)

	res, err := f.engine.Settle(ctx, order.OrderID, enums.ReconcileTriggerPoll)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, res.SettledIDs)
	assert.Equal(t, enums.ServicePaymentStatusPaid, f.item(t, a.ID).PaymentStatus)
	assert.Equal(t, enums.ServicePaymentStatusPaid, f.item(t, b.ID).PaymentStatus)
	assert.Equal(t, enums.ServicePaymentStatusUnpaid, f.item(t, other.ID).PaymentStatus)
}

func TestSettleLosingConcurrentAttemptReportsAlreadySettled(t *testing.T) {
	stale := &staleOrders{}
	f := newEngineFixture(t, func(p *EngineParams) {
		stale.Repository = p.Orders
		p.Orders = stale
	})
	ctx := context.Background()
	a := f.seedItem(t, "160", 300)
	order := f.openOrder(t, "RZ-20260301-aaaa0011", "160", a)
	snapshot := *order

	first, err := f.engine.Settle(ctx, order.OrderID, enums.ReconcileTriggerWebhook)
	require.NoError(t, err)
	require.True(t, first.Applied)
	completedAt := *first.Order.CompletedAt

	stale.snapshot = &snapshot
	second, err := f.engine.Settle(ctx, order.OrderID, enums.ReconcileTriggerPoll)
	require.NoError(t, err)
	assert.True(t, second.AlreadySettled)
	assert.False(t, second.Applied)
	assert.Empty(t, second.SettledIDs)
	assert.Empty(t, second.FailedIDs)
	assert.Equal(t, enums.PaymentStatusCompleted, second.Order.Status)

	stored, err := f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.WithinDuration(t, completedAt, *stored.CompletedAt, time.Millisecond)
	assert.Equal(t, enums.ServicePaymentStatusPaid, f.item(t, a.ID).PaymentStatus)
	assert.EqualValues(t, 1, f.countEvents(t, enums.EventPaymentSettled, order.OrderID))
}

func TestApplyIsMonotonic(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.seedItem(t, "145", 300)
	order := f.openOrder(t, "RZ-20260301-aaaa0008", "145", a)

	res, err := f.engine.Apply(ctx, order.OrderID, gateways.RemoteStatus{Kind: gateways.KindPending, Raw: "PENDING"}, enums.ReconcileTriggerPoll)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, enums.PaymentStatusProcessing, res.Order.Status)

	res, err = f.engine.Apply(ctx, order.OrderID, gateways.Unknown("WEIRD"), enums.ReconcileTriggerPoll)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	res, err = f.engine.Apply(ctx, order.OrderID, gateways.RemoteStatus{Kind: gateways.KindFailed, Raw: "CANCELED"}, enums.ReconcileTriggerWebhook)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.EqualValues(t, 1, f.countEvents(t, enums.EventPaymentFailed, order.OrderID))

	// failed is absorbing, a late success must not settle the items
	res, err = f.engine.Apply(ctx, order.OrderID, gateways.RemoteStatus{Kind: gateways.KindSucceeded, Raw: "ACCEPTED"}, enums.ReconcileTriggerSweep)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	stored, err := f.orders.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "CANCELED", *stored.FailureReason)
	assert.Equal(t, enums.ServicePaymentStatusUnpaid, f.item(t, a.ID).PaymentStatus)
}

func TestSweepSettlesStaleOrders(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.seedItem(t, "145", 300)
	b := f.seedItem(t, "146", 500)
	c := f.seedItem(t, "147", 700)
	paid := f.openOrder(t, "RZ-20260301-aaaa0009", "145", a)
	declined := f.openOrder(t, "RZ-20260301-aaaa0010", "146", b)
	open := f.openOrder(t, "RZ-20260301-aaaa0011", "147", c)
	f.sim.SetStatus(*paid.ProviderRef, gateways.KindSucceeded)
	f.sim.SetStatus(*declined.ProviderRef, gateways.KindFailed)

	// inside the grace period nothing is touched
	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)

	f.clock = 6 * time.Minute
	report, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Unchanged)

	stored, err := f.orders.Get(ctx, paid.OrderID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusCompleted, stored.Status)
	assert.Equal(t, enums.ServicePaymentStatusPaid, f.item(t, a.ID).PaymentStatus)

	stillOpen, err := f.orders.Get(ctx, open.OrderID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusProcessing, stillOpen.Status)
	assert.Equal(t, 1, stillOpen.CheckAttempts)
}

func TestSweepContinuesPastProviderErrors(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.seedItem(t, "145", 300)
	b := f.seedItem(t, "146", 300)
	first := f.openOrder(t, "RZ-20260301-aaaa0012", "145", a)
	second := f.openOrder(t, "RZ-20260301-aaaa0013", "146", b)
	f.sim.SetStatus(*first.ProviderRef, gateways.KindSucceeded)
	f.sim.SetStatus(*second.ProviderRef, gateways.KindSucceeded)
	f.sim.FailNext(errors.New("connection reset"))

	f.clock = 6 * time.Minute
	report, err := f.engine.Sweep(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.Settled)
}

func TestPollStatus(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.seedItem(t, "145", 300)
	order := f.openOrder(t, "RZ-20260301-aaaa0014", "145", a)

	res, err := f.engine.PollStatus(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, string(enums.PaymentStatusProcessing), res.Status)
	assert.Equal(t, "3.00", res.Amount)
	assert.True(t, res.Simulated)

	f.sim.FailNext(errors.New("timeout"))
	res, err = f.engine.PollStatus(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.Equal(t, enums.PaymentStatusProcessing, res.LocalStatus)

	f.sim.SetStatus(*order.ProviderRef, gateways.KindSucceeded)
	res, err = f.engine.PollStatus(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, string(enums.PaymentStatusCompleted), res.Status)
	assert.Equal(t, enums.ServicePaymentStatusPaid, f.item(t, a.ID).PaymentStatus)

	// terminal orders answer from the database
	f.sim.FailNext(errors.New("must not be called"))
	res, err = f.engine.PollStatus(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, string(enums.PaymentStatusCompleted), res.Status)

	_, err = f.engine.PollStatus(ctx, "RZ-missing")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

type scriptedPoller struct {
	results []*PollResult
	calls   int
}

func (s *scriptedPoller) PollStatus(context.Context, string) (*PollResult, error) {
	res := s.results[min(s.calls, len(s.results)-1)]
	s.calls++
	return res, nil
}

func TestPollerWait(t *testing.T) {
	processing := &PollResult{OrderID: "RZ-1", Status: "processing", LocalStatus: enums.PaymentStatusProcessing}
	completed := &PollResult{OrderID: "RZ-1", Status: "completed", LocalStatus: enums.PaymentStatusCompleted}

	t.Run("returns once terminal", func(t *testing.T) {
		src := &scriptedPoller{results: []*PollResult{processing, processing, completed}}
		res, err := NewPoller(src, time.Millisecond, time.Second).Wait(context.Background(), "RZ-1")
		require.NoError(t, err)
		assert.Equal(t, enums.PaymentStatusCompleted, res.LocalStatus)
		assert.Equal(t, 3, src.calls)
	})

	t.Run("times out at the ceiling", func(t *testing.T) {
		src := &scriptedPoller{results: []*PollResult{processing}}
		res, err := NewPoller(src, 5*time.Millisecond, 30*time.Millisecond).Wait(context.Background(), "RZ-1")
		require.ErrorIs(t, err, ErrPollTimeout)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePollTimeout))
		assert.Equal(t, processing, res)
	})
}

func TestNewEngineRequiresDependencies(t *testing.T) {
	_, err := NewEngine(EngineParams{})
	require.Error(t, err)
}
