package ratelimit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/MachinePay/totem-payments/internal/ratelimit"
)

func newLimiter(t *testing.T) ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return ratelimit.Limiter{Client: client}
}

func TestAllowWithinWindow(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, _, err := l.Allow(ctx, "10.0.0.1", time.Minute, 3)
		require.NoError(t, err)
		require.True(t, allowed, "request %d", i)
	}
	allowed, remaining, _, err := l.Allow(ctx, "10.0.0.1", time.Minute, 3)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Zero(t, remaining)
}

func TestAllowIsPerKey(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	_, _, _, err := l.Allow(ctx, "10.0.0.1", time.Minute, 1)
	require.NoError(t, err)
	allowed, _, _, err := l.Allow(ctx, "10.0.0.2", time.Minute, 1)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestAllowFailsOpenWithoutRedis(t *testing.T) {
	allowed, _, _, err := ratelimit.Limiter{}.Allow(context.Background(), "k", time.Minute, 1)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestPerIPMiddleware(t *testing.T) {
	handler := ratelimit.PerIP{
		Limiter: newLimiter(t),
		Window:  time.Minute,
		Max:     1,
		Logger:  zerolog.Nop(),
	}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", nil)
	req.RemoteAddr = "10.0.0.9:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.NotEmpty(t, rr.Header().Get("Retry-After"))
}
