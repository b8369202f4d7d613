// Package resolve implements the per-poll decision procedure that answers
// "did this terminal payment actually go through?". No single gateway signal
// is reliable on its own, so resolution is a fixed fallback ladder over the
// confirmation cache, the intent detail, and an amount-based payment search.
package resolve

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MachinePay/totem-payments/internal/confirm"
	"github.com/MachinePay/totem-payments/internal/gateway"
	"github.com/MachinePay/totem-payments/internal/obs"
)

// Status is the client-visible outcome of one status poll.
type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusCanceled Status = "canceled"
)

// Resolution is the outcome of one poll. PaymentID may be empty on approval
// when the gateway never surfaced the payment's identity.
type Resolution struct {
	Status    Status
	PaymentID string
}

// Gateway is the subset of the payment gateway the resolver needs.
type Gateway interface {
	GetIntent(ctx context.Context, intentID string) (gateway.Intent, error)
	DeleteIntent(ctx context.Context, intentID string) error
	SearchPayments(ctx context.Context, window time.Duration, statuses ...string) ([]gateway.Payment, error)
}

// Sweeper clears resolved intents off the terminal device.
type Sweeper interface {
	AggressiveSweep(ctx context.Context, intentID string)
}

// Resolver runs the resolution ladder. Every step that can fail degrades to
// pending instead of propagating: a transient failure must never fail a poll
// outright, the client's bounded poll budget decides final failure.
type Resolver struct {
	Gateway       Gateway
	Confirmations confirm.Store
	Sweeper       Sweeper
	SearchWindow  time.Duration
	Logger        zerolog.Logger
}

// Resolve answers one status poll for the intent. Strategy order is fixed;
// the first match wins.
func (r *Resolver) Resolve(ctx context.Context, intentID string) Resolution {
	ctx, span := otel.Tracer("resolve.Resolver").Start(ctx, "Resolver.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("intent.id", intentID))

	strategy, res := r.resolve(ctx, intentID)
	span.SetAttributes(
		attribute.String("resolution.strategy", strategy),
		attribute.String("resolution.status", string(res.Status)),
	)
	if obs.ResolutionTotal != nil {
		obs.ResolutionTotal.WithLabelValues(strategy, string(res.Status)).Inc()
	}
	return res
}

func (r *Resolver) resolve(ctx context.Context, intentID string) (string, Resolution) {
	intent, err := r.Gateway.GetIntent(ctx, intentID)
	if err != nil {
		r.Logger.Warn().Err(err).Str("intent_id", intentID).Msg("resolve: fetch intent")
		return "fetch_error", Resolution{Status: StatusPending}
	}

	// Notification arrived first: consume the amount-keyed confirmation.
	rec, ok, err := r.Confirmations.TakeIfPresent(ctx, intent.Amount)
	if err != nil {
		r.Logger.Warn().Err(err).Int64("amount", intent.Amount).Msg("resolve: confirmation lookup")
	} else if ok {
		r.sweep(ctx, intentID)
		return "cache", Resolution{Status: StatusApproved, PaymentID: rec.PaymentID}
	}

	// Gateway attached the payment directly to the intent.
	if intent.Payment != nil && intent.Payment.ID != "" {
		r.sweep(ctx, intentID)
		return "direct", Resolution{Status: StatusApproved, PaymentID: intent.Payment.ID}
	}

	// Finished on the device but the payment's identity never surfaced.
	if intent.State.Approved() {
		r.sweep(ctx, intentID)
		return "terminal_state", Resolution{Status: StatusApproved}
	}

	// Amount-based search. Last resort for approval because amount equality
	// is not unique; the first match wins.
	if res, matched := r.searchByAmount(ctx, intent.Amount); matched {
		r.sweep(ctx, intentID)
		return "amount_search", res
	}

	if intent.State == gateway.StateCanceled || intent.State == gateway.StateError {
		// single non-retried delete; outcome does not change the answer
		if err := r.Gateway.DeleteIntent(ctx, intentID); err != nil {
			r.Logger.Warn().Err(err).Str("intent_id", intentID).Msg("resolve: delete canceled intent")
		}
		return "canceled_state", Resolution{Status: StatusCanceled}
	}

	return "none", Resolution{Status: StatusPending}
}

func (r *Resolver) searchByAmount(ctx context.Context, amountCents int64) (Resolution, bool) {
	window := r.SearchWindow
	if window <= 0 {
		window = 30 * time.Minute
	}
	payments, err := r.Gateway.SearchPayments(ctx, window, "approved", "authorized")
	if err != nil {
		r.Logger.Warn().Err(err).Msg("resolve: payment search")
		return Resolution{}, false
	}
	for _, p := range payments {
		if p.Amount == amountCents {
			return Resolution{Status: StatusApproved, PaymentID: p.ID}, true
		}
	}
	return Resolution{}, false
}

func (r *Resolver) sweep(ctx context.Context, intentID string) {
	if r.Sweeper != nil {
		r.Sweeper.AggressiveSweep(ctx, intentID)
	}
}
