package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker probes the dependencies the service needs to take payments.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
	PingGateway(ctx context.Context, timeout time.Duration) error
}

// Handler exposes liveness and readiness endpoints. Readiness covers the
// order store, the confirmation cache backend, and the payment gateway; a
// totem whose gateway is unreachable cannot open intents and should be taken
// out of rotation.
type Handler struct {
	Checker        Checker
	DBTimeout      time.Duration
	RedisTimeout   time.Duration
	GatewayTimeout time.Duration
}

// Live reports process liveness.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	status := map[string]string{
		"db":      probe(ctx, h.Checker.PingDB, h.DBTimeout, 500*time.Millisecond),
		"redis":   probe(ctx, h.Checker.PingRedis, h.RedisTimeout, 300*time.Millisecond),
		"gateway": probe(ctx, h.Checker.PingGateway, h.GatewayTimeout, time.Second),
	}
	w.Header().Set("Content-Type", "application/json")
	code := http.StatusOK
	for _, v := range status {
		if v != "ok" {
			code = http.StatusServiceUnavailable
			break
		}
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func probe(ctx context.Context, ping func(context.Context, time.Duration) error, timeout, fallback time.Duration) string {
	if timeout <= 0 {
		timeout = fallback
	}
	if err := ping(ctx, timeout); err != nil {
		return err.Error()
	}
	return "ok"
}
