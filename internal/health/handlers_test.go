package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MachinePay/totem-payments/internal/health"
)

type stubChecker struct {
	dbErr      error
	redisErr   error
	gatewayErr error
}

func (s stubChecker) PingDB(context.Context, time.Duration) error      { return s.dbErr }
func (s stubChecker) PingRedis(context.Context, time.Duration) error   { return s.redisErr }
func (s stubChecker) PingGateway(context.Context, time.Duration) error { return s.gatewayErr }

func TestLive(t *testing.T) {
	rr := httptest.NewRecorder()
	health.Handler{}.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestReadyAllDependenciesUp(t *testing.T) {
	h := health.Handler{Checker: stubChecker{}}
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var status map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.Equal(t, map[string]string{"db": "ok", "redis": "ok", "gateway": "ok"}, status)
}

func TestReadyGatewayDown(t *testing.T) {
	h := health.Handler{Checker: stubChecker{gatewayErr: errors.New("dial timeout")}}
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var status map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.Equal(t, "ok", status["db"])
	require.Equal(t, "dial timeout", status["gateway"])
}

func TestReadyNoChecker(t *testing.T) {
	rr := httptest.NewRecorder()
	health.Handler{}.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
