// Package ingest receives gateway push notifications. Two ingress shapes with
// overlapping semantics exist: a webhook JSON body and a legacy
// instant-payment-notification query form. Both are acknowledged immediately;
// the gateway's delivery guarantee depends on a fast synchronous 200, so the
// payment lookup and cache write happen in a detached background step.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/MachinePay/totem-payments/internal/common"
	"github.com/MachinePay/totem-payments/internal/confirm"
	"github.com/MachinePay/totem-payments/internal/gateway"
	"github.com/MachinePay/totem-payments/internal/obs"
)

// Gateway is the subset of the payment gateway the ingestor needs.
type Gateway interface {
	GetPayment(ctx context.Context, paymentID string) (gateway.Payment, error)
}

// Ingestor normalises gateway notifications into confirmation records.
type Ingestor struct {
	Gateway       Gateway
	Confirmations confirm.Store
	Replay        *redis.Client
	ReplayTTL     time.Duration
	LookupTimeout time.Duration
	Logger        zerolog.Logger
}

type webhookBody struct {
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Webhook handles the JSON-body push channel. It always answers 200
// immediately; processing is detached.
func (i *Ingestor) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		common.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	var payload webhookBody
	if err := json.Unmarshal(body, &payload); err != nil || payload.Data.ID == "" {
		i.count("webhook", "malformed")
		common.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if !strings.Contains(strings.ToLower(payload.Action), "payment") {
		i.count("webhook", "skipped")
		common.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	// The webhook body carries no status, so the gateway re-delivers an
	// identical body for every transition of the same payment. The replay key
	// is therefore only latched once a confirmed outcome has been cached; a
	// delivery observed while the payment is still pending must not consume it.
	replayKey := "wh:" + common.Sha256Hex(string(body))
	if i.seen(r.Context(), replayKey) {
		i.count("webhook", "replay")
		common.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	common.JSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	go i.process("webhook", payload.Data.ID, replayKey)
}

// IPN handles the legacy query-parameter push channel. It answers a plain-text
// 200 immediately; processing is detached.
func (i *Ingestor) IPN(w http.ResponseWriter, r *http.Request) {
	topic := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("topic")))
	id := strings.TrimSpace(r.URL.Query().Get("id"))

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))

	if topic != "payment" || id == "" {
		i.count("ipn", "skipped")
		return
	}
	replayKey := fmt.Sprintf("ipn:%s:%s", topic, id)
	if i.seen(r.Context(), replayKey) {
		i.count("ipn", "replay")
		return
	}
	go i.process("ipn", id, replayKey)
}

// Process fetches the payment and, when it is approved or authorized, records
// the amount-keyed confirmation and latches the replay key. Unapproved lookups
// leave the key unset so the delivery of a later transition is processed
// again. Exposed for the detached handlers and tests.
func (i *Ingestor) Process(ctx context.Context, channel, paymentID, replayKey string) {
	payment, err := i.Gateway.GetPayment(ctx, paymentID)
	if err != nil {
		i.count(channel, "lookup_error")
		i.Logger.Warn().Err(err).Str("payment_id", paymentID).Str("channel", channel).Msg("ingest: payment lookup")
		return
	}
	switch strings.ToLower(strings.TrimSpace(payment.Status)) {
	case "approved", "authorized":
	default:
		i.count(channel, "not_approved")
		return
	}
	rec := confirm.Record{
		PaymentID:   payment.ID,
		AmountCents: payment.Amount,
		Status:      payment.Status,
		ConfirmedAt: time.Now().UnixMilli(),
	}
	if err := i.Confirmations.Put(ctx, payment.Amount, rec); err != nil {
		i.count(channel, "store_error")
		i.Logger.Error().Err(err).Str("payment_id", paymentID).Msg("ingest: store confirmation")
		return
	}
	i.markSeen(ctx, replayKey)
	i.count(channel, "confirmed")
	i.Logger.Info().
		Str("payment_id", payment.ID).
		Int64("amount", payment.Amount).
		Str("channel", channel).
		Msg("payment confirmation cached")
}

func (i *Ingestor) process(channel, paymentID, replayKey string) {
	timeout := i.LookupTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	// detached from the request: the ack has already been written
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	i.Process(ctx, channel, paymentID, replayKey)
}

// seen reports whether the notification already produced a cached confirmation
// within the replay TTL. Without Redis every delivery is treated as fresh.
func (i *Ingestor) seen(ctx context.Context, key string) bool {
	if i.Replay == nil || i.ReplayTTL <= 0 {
		return false
	}
	n, err := i.Replay.Exists(ctx, key).Result()
	if err != nil {
		i.Logger.Warn().Err(err).Msg("ingest: replay store")
		return false
	}
	return n > 0
}

// markSeen latches the replay key. Concurrent deliveries of the same
// notification may both reach this point; the confirmation Put is an
// amount-keyed overwrite, so the double write is harmless.
func (i *Ingestor) markSeen(ctx context.Context, key string) {
	if i.Replay == nil || i.ReplayTTL <= 0 || key == "" {
		return
	}
	if err := i.Replay.SetNX(ctx, key, "1", i.ReplayTTL).Err(); err != nil {
		i.Logger.Warn().Err(err).Msg("ingest: replay store")
	}
}

func (i *Ingestor) count(channel, result string) {
	if obs.NotificationsTotal != nil {
		obs.NotificationsTotal.WithLabelValues(channel, result).Inc()
	}
}
