package order_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/MachinePay/totem-payments/internal/gateway"
	"github.com/MachinePay/totem-payments/internal/order"
	"github.com/MachinePay/totem-payments/internal/resilience"
	"github.com/MachinePay/totem-payments/internal/resolve"
)

type memStore struct {
	mu          sync.Mutex
	orders      map[string]order.Order
	markPaidErr error
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]order.Order)}
}

func (m *memStore) Create(_ context.Context, items []order.Item, total int64) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := order.Order{
		ID:            uuid.NewString(),
		Items:         items,
		TotalCents:    total,
		PaymentStatus: order.PaymentStatusPending,
		CreatedAt:     time.Now(),
	}
	m.orders[o.ID] = o
	return o, nil
}

func (m *memStore) Get(_ context.Context, id string) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.Order{}, order.ErrOrderNotFound
	}
	return o, nil
}

func (m *memStore) MarkPaid(_ context.Context, id, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markPaidErr != nil {
		return m.markPaidErr
	}
	o, ok := m.orders[id]
	if !ok {
		return order.ErrOrderNotFound
	}
	o.PaymentStatus = order.PaymentStatusPaid
	o.PaymentID = paymentID
	m.orders[id] = o
	return nil
}

type stubGateway struct {
	mu      sync.Mutex
	deletes []string
}

func (s *stubGateway) CreateIntent(_ context.Context, deviceID string, amount int64, _ string) (gateway.Intent, error) {
	return gateway.Intent{ID: "i-" + uuid.NewString()[:8], DeviceID: deviceID, Amount: amount, State: gateway.StateCreated}, nil
}

func (s *stubGateway) DeleteIntent(_ context.Context, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, intentID)
	return nil
}

func (s *stubGateway) deleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deletes)
}

type scriptedResolver struct {
	mu    sync.Mutex
	calls int
	steps []resolve.Resolution
}

func (r *scriptedResolver) Resolve(context.Context, string) resolve.Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.steps) == 0 {
		return resolve.Resolution{Status: resolve.StatusPending}
	}
	step := r.steps[0]
	if len(r.steps) > 1 {
		r.steps = r.steps[1:]
	}
	return step
}

func (r *scriptedResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newCoordinator(store order.Store, g order.Gateway, res order.Resolver, budget resilience.Policy) *order.Coordinator {
	return &order.Coordinator{
		Orders:   store,
		Gateway:  g,
		Resolver: res,
		DeviceID: "DEV01",
		Budget:   budget,
		Logger:   zerolog.Nop(),
	}
}

func begin(t *testing.T, c *order.Coordinator, store *memStore, total int64) (string, string) {
	t.Helper()
	ord, err := store.Create(context.Background(), []order.Item{{Name: "espresso", Qty: 1, UnitCents: total}}, total)
	require.NoError(t, err)
	intentID, err := c.Begin(context.Background(), ord.ID, order.KindCard, 0, "totem order")
	require.NoError(t, err)
	return intentID, ord.ID
}

func TestApprovedPollMarksOrderPaid(t *testing.T) {
	store := newMemStore()
	res := &scriptedResolver{steps: []resolve.Resolution{{Status: resolve.StatusApproved, PaymentID: "p1"}}}
	c := newCoordinator(store, &stubGateway{}, res, resilience.Policy{MaxAttempts: 60, Interval: time.Millisecond})
	intentID, orderID := begin(t, c, store, 1550)

	out, err := c.Status(context.Background(), intentID)
	require.NoError(t, err)
	require.Equal(t, order.OutcomeApproved, out.Status)
	require.Equal(t, "p1", out.PaymentID)

	ord, err := store.Get(context.Background(), orderID)
	require.NoError(t, err)
	require.Equal(t, order.PaymentStatusPaid, ord.PaymentStatus)
	require.Equal(t, "p1", ord.PaymentID)
}

func TestPollBudgetExhaustionIsTimeoutNotCanceled(t *testing.T) {
	store := newMemStore()
	res := &scriptedResolver{} // pending forever
	c := newCoordinator(store, &stubGateway{}, res, resilience.Policy{MaxAttempts: 5, Interval: time.Millisecond})
	intentID, orderID := begin(t, c, store, 1550)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		out, err := c.Status(ctx, intentID)
		require.NoError(t, err)
		require.Equal(t, order.OutcomePending, out.Status)
	}
	out, err := c.Status(ctx, intentID)
	require.NoError(t, err)
	require.Equal(t, order.OutcomeTimeout, out.Status)

	// order stays pending; inventory is already committed, no restock
	ord, err := store.Get(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, order.PaymentStatusPending, ord.PaymentStatus)
}

func TestCancelStopsPollingAndDeletesOnce(t *testing.T) {
	store := newMemStore()
	g := &stubGateway{}
	res := &scriptedResolver{}
	c := newCoordinator(store, g, res, resilience.Policy{MaxAttempts: 60, Interval: time.Millisecond})
	intentID, _ := begin(t, c, store, 900)

	out, err := c.Status(context.Background(), intentID)
	require.NoError(t, err)
	require.Equal(t, order.OutcomePending, out.Status)

	require.True(t, c.Cancel(context.Background(), intentID))
	require.True(t, c.Cancel(context.Background(), intentID), "repeat cancel still succeeds")
	require.Equal(t, 1, g.deleteCount(), "exactly one delete for the active intent")

	resolved := res.callCount()
	out, err = c.Status(context.Background(), intentID)
	require.NoError(t, err)
	require.Equal(t, order.OutcomeCanceled, out.Status)
	require.Equal(t, resolved, res.callCount(), "no further resolution after cancellation")
}

func TestFinalizeFailureSurfacesError(t *testing.T) {
	store := newMemStore()
	res := &scriptedResolver{steps: []resolve.Resolution{{Status: resolve.StatusApproved, PaymentID: "p1"}}}
	c := newCoordinator(store, &stubGateway{}, res, resilience.Policy{MaxAttempts: 60, Interval: time.Millisecond})
	intentID, _ := begin(t, c, store, 1550)

	store.markPaidErr = errors.New("db unavailable")
	_, err := c.Status(context.Background(), intentID)
	require.ErrorIs(t, err, order.ErrFinalizeFailed)

	// the attempt survives: a retry after the store recovers succeeds
	store.markPaidErr = nil
	res.mu.Lock()
	res.steps = []resolve.Resolution{{Status: resolve.StatusApproved, PaymentID: "p1"}}
	res.mu.Unlock()
	out, err := c.Status(context.Background(), intentID)
	require.NoError(t, err)
	require.Equal(t, order.OutcomeApproved, out.Status)
}

func TestBeginRejectsAmountMismatchAndPaidOrders(t *testing.T) {
	store := newMemStore()
	c := newCoordinator(store, &stubGateway{}, &scriptedResolver{}, resilience.Policy{})
	ord, err := store.Create(context.Background(), nil, 1000)
	require.NoError(t, err)

	_, err = c.Begin(context.Background(), ord.ID, order.KindCard, 999, "")
	require.Error(t, err)

	require.NoError(t, store.MarkPaid(context.Background(), ord.ID, "p0"))
	_, err = c.Begin(context.Background(), ord.ID, order.KindPix, 0, "")
	require.Error(t, err)
}

func TestAwaitResolvesAfterPendingPhase(t *testing.T) {
	store := newMemStore()
	res := &scriptedResolver{steps: []resolve.Resolution{
		{Status: resolve.StatusPending},
		{Status: resolve.StatusPending},
		{Status: resolve.StatusApproved, PaymentID: "p1"},
	}}
	c := newCoordinator(store, &stubGateway{}, res, resilience.Policy{MaxAttempts: 10, Interval: time.Millisecond})
	intentID, _ := begin(t, c, store, 1550)

	out, err := c.Await(context.Background(), intentID)
	require.NoError(t, err)
	require.Equal(t, order.OutcomeApproved, out.Status)
	require.Equal(t, "p1", out.PaymentID)
}

func TestAwaitStopsOnCancellation(t *testing.T) {
	store := newMemStore()
	res := &scriptedResolver{} // pending forever
	c := newCoordinator(store, &stubGateway{}, res, resilience.Policy{MaxAttempts: 1000, Interval: 5 * time.Millisecond})
	intentID, _ := begin(t, c, store, 900)

	done := make(chan order.Outcome, 1)
	go func() {
		out, err := c.Await(context.Background(), intentID)
		require.NoError(t, err)
		done <- out
	}()

	time.Sleep(15 * time.Millisecond)
	c.Cancel(context.Background(), intentID)

	select {
	case out := <-done:
		require.Equal(t, order.OutcomeCanceled, out.Status)
	case <-time.After(time.Second):
		t.Fatal("await did not stop after cancellation")
	}
}

func TestParseKind(t *testing.T) {
	for raw, want := range map[string]order.Kind{"": order.KindCard, "card": order.KindCard, "PIX": order.KindPix, "pix": order.KindPix} {
		kind, err := order.ParseKind(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, kind)
	}
	_, err := order.ParseKind("boleto")
	require.Error(t, err)
}
