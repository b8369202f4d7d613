package janitor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/MachinePay/totem-payments/internal/gateway"
	"github.com/MachinePay/totem-payments/internal/janitor"
	"github.com/MachinePay/totem-payments/internal/lock"
	"github.com/MachinePay/totem-payments/internal/resilience"
)

type fakeGateway struct {
	mu       sync.Mutex
	queue    []gateway.Intent
	deletes  []string
	failures map[string]int
}

func (f *fakeGateway) ListIntents(_ context.Context, _ string) ([]gateway.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.Intent(nil), f.queue...), nil
}

func (f *fakeGateway) DeleteIntent(_ context.Context, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, intentID)
	if remaining, ok := f.failures[intentID]; ok && remaining > 0 {
		f.failures[intentID] = remaining - 1
		return errors.New("terminal busy")
	}
	return nil
}

func (f *fakeGateway) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func newSweeper(g *fakeGateway) *janitor.Sweeper {
	return &janitor.Sweeper{
		Gateway:     g,
		DeviceID:    "DEV01",
		Locker:      lock.Locker{},
		DeleteRetry: resilience.Policy{MaxAttempts: 3, Interval: time.Millisecond},
		Logger:      zerolog.Nop(),
	}
}

func TestPassiveSweepDeletesOnlyTerminalStates(t *testing.T) {
	g := &fakeGateway{queue: []gateway.Intent{
		{ID: "done", State: gateway.StateFinished},
		{ID: "active", State: gateway.StateOnDevice},
		{ID: "failed", State: gateway.StateError},
		{ID: "fresh", State: gateway.StateCreated},
		{ID: "gone", State: gateway.StateCanceled},
	}}

	require.NoError(t, newSweeper(g).PassiveSweep(context.Background()))
	require.ElementsMatch(t, []string{"done", "failed", "gone"}, g.deleted())
}

func TestPassiveSweepToleratesDeleteFailures(t *testing.T) {
	g := &fakeGateway{
		queue: []gateway.Intent{
			{ID: "stuck", State: gateway.StateFinished},
			{ID: "ok", State: gateway.StateFinished},
		},
		failures: map[string]int{"stuck": 1},
	}

	require.NoError(t, newSweeper(g).PassiveSweep(context.Background()), "individual failures are logged, not surfaced")
	require.Contains(t, g.deleted(), "ok")
}

func TestAggressiveSweepRetriesResolvedIntent(t *testing.T) {
	g := &fakeGateway{
		queue:    []gateway.Intent{{ID: "resolved", State: gateway.StateFinished}},
		failures: map[string]int{"resolved": 2},
	}

	newSweeper(g).AggressiveSweep(context.Background(), "resolved")

	deletes := g.deleted()
	require.Len(t, deletes, 3, "two failed attempts plus the final success")
	for _, id := range deletes {
		require.Equal(t, "resolved", id)
	}
}

func TestAggressiveSweepClearsRestOfQueue(t *testing.T) {
	g := &fakeGateway{
		queue: []gateway.Intent{
			{ID: "resolved", State: gateway.StateFinished},
			{ID: "leftover-1", State: gateway.StateCreated},
			{ID: "leftover-2", State: gateway.StateOnDevice},
		},
		failures: map[string]int{"leftover-1": 1},
	}

	newSweeper(g).AggressiveSweep(context.Background(), "resolved")

	deletes := g.deleted()
	require.Contains(t, deletes, "leftover-1")
	require.Contains(t, deletes, "leftover-2", "one stuck entry must not block clearing the rest")
}

func TestClearQueueCountsSuccesses(t *testing.T) {
	g := &fakeGateway{
		queue: []gateway.Intent{
			{ID: "a", State: gateway.StateCreated},
			{ID: "b", State: gateway.StateOnDevice},
			{ID: "c", State: gateway.StateFinished},
		},
		failures: map[string]int{"b": 1},
	}

	cleared, err := newSweeper(g).ClearQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, cleared)
}
