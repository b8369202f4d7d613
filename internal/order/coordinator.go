package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MachinePay/totem-payments/internal/gateway"
	"github.com/MachinePay/totem-payments/internal/resilience"
	"github.com/MachinePay/totem-payments/internal/resolve"
)

// Kind is the payment method used on the terminal.
type Kind string

const (
	KindCard Kind = "CARD"
	KindPix  Kind = "PIX"
)

// ParseKind normalises a client-provided method string.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "CARD":
		return KindCard, nil
	case "PIX":
		return KindPix, nil
	default:
		return "", fmt.Errorf("order: unknown payment method %q", raw)
	}
}

// Outcome statuses surfaced to the polling client. Timeout is distinct from
// canceled: it means the attempt budget ran out while the gateway still
// reported pending.
const (
	OutcomeApproved = "approved"
	OutcomePending  = "pending"
	OutcomeCanceled = "canceled"
	OutcomeTimeout  = "timeout"
)

// Outcome is the answer to one status poll.
type Outcome struct {
	Status    string `json:"status"`
	PaymentID string `json:"paymentId,omitempty"`
}

// ErrFinalizeFailed wraps a failure to record an approved payment on the
// order. Inventory is already committed at that point, so the caller must
// retry rather than treat the payment as unresolved.
var ErrFinalizeFailed = errors.New("order: finalize after approval failed")

// pollState tracks one in-flight payment attempt.
type pollState struct {
	intentID  string
	orderID   string
	kind      Kind
	token     *CancelToken
	startedAt time.Time

	mu       sync.Mutex
	attempts int
}

func (p *pollState) nextAttempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	return p.attempts
}

// Gateway is the subset of the payment gateway the coordinator needs.
type Gateway interface {
	CreateIntent(ctx context.Context, deviceID string, amountCents int64, description string) (gateway.Intent, error)
	DeleteIntent(ctx context.Context, intentID string) error
}

// Resolver answers a single status poll.
type Resolver interface {
	Resolve(ctx context.Context, intentID string) resolve.Resolution
}

// Coordinator owns the order payment lifecycle: intent creation, poll
// accounting, cancellation, and the final paid transition. It is the only
// component aware of orders.
type Coordinator struct {
	Orders   Store
	Gateway  Gateway
	Resolver Resolver
	DeviceID string
	Budget   resilience.Policy
	Logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pollState
}

// Begin creates a payment intent for the order total and registers the poll
// state. The order must already exist and still be pending.
func (c *Coordinator) Begin(ctx context.Context, orderID string, kind Kind, amountCents int64, description string) (string, error) {
	ord, err := c.Orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	if ord.PaymentStatus == PaymentStatusPaid {
		return "", fmt.Errorf("order: %s is already paid", orderID)
	}
	if amountCents <= 0 {
		amountCents = ord.TotalCents
	}
	if amountCents != ord.TotalCents {
		return "", fmt.Errorf("order: amount mismatch: got %d expected %d", amountCents, ord.TotalCents)
	}

	intent, err := c.Gateway.CreateIntent(ctx, c.DeviceID, amountCents, description)
	if err != nil {
		return "", fmt.Errorf("order: create intent: %w", err)
	}

	c.mu.Lock()
	if c.pending == nil {
		c.pending = make(map[string]*pollState)
	}
	c.pending[intent.ID] = &pollState{
		intentID:  intent.ID,
		orderID:   orderID,
		kind:      kind,
		token:     NewCancelToken(),
		startedAt: time.Now(),
	}
	c.mu.Unlock()

	c.Logger.Info().
		Str("intent_id", intent.ID).
		Str("order_id", orderID).
		Str("kind", string(kind)).
		Int64("amount", amountCents).
		Msg("payment attempt started")
	return intent.ID, nil
}

// Status answers one client poll for the intent. It counts against the poll
// budget; once the budget is exhausted the outcome is timeout, which is final.
func (c *Coordinator) Status(ctx context.Context, intentID string) (Outcome, error) {
	state := c.lookup(intentID)
	if state == nil {
		// no local state (e.g. process restarted mid-attempt): resolve
		// without budget accounting, the order transition is lost anyway
		res := c.Resolver.Resolve(ctx, intentID)
		return Outcome{Status: string(res.Status), PaymentID: res.PaymentID}, nil
	}

	if state.token.Canceled() {
		c.unregister(intentID)
		return Outcome{Status: OutcomeCanceled}, nil
	}
	maxAttempts := c.Budget.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 60
	}
	if state.nextAttempt() > maxAttempts {
		c.unregister(intentID)
		c.Logger.Warn().
			Str("intent_id", intentID).
			Str("order_id", state.orderID).
			Dur("elapsed", time.Since(state.startedAt)).
			Msg("poll budget exhausted")
		return Outcome{Status: OutcomeTimeout}, nil
	}

	res := c.Resolver.Resolve(ctx, intentID)
	switch res.Status {
	case resolve.StatusApproved:
		if err := c.Orders.MarkPaid(ctx, state.orderID, res.PaymentID); err != nil {
			// inventory is committed; losing the paid transition would
			// under-report revenue, so surface and let the client retry
			return Outcome{}, fmt.Errorf("%w: %w", ErrFinalizeFailed, err)
		}
		c.unregister(intentID)
		c.Logger.Info().
			Str("intent_id", intentID).
			Str("order_id", state.orderID).
			Str("payment_id", res.PaymentID).
			Msg("order paid")
		return Outcome{Status: OutcomeApproved, PaymentID: res.PaymentID}, nil
	case resolve.StatusCanceled:
		c.unregister(intentID)
		return Outcome{Status: OutcomeCanceled}, nil
	default:
		return Outcome{Status: OutcomePending}, nil
	}
}

// Cancel requests cooperative cancellation of the attempt and deletes the
// active intent once. Repeat cancels succeed without issuing further deletes.
// Cancellation always succeeds locally regardless of the remote delete.
func (c *Coordinator) Cancel(ctx context.Context, intentID string) bool {
	state := c.lookup(intentID)
	if state == nil {
		// attempt already resolved or never known; still try the delete
		if err := c.Gateway.DeleteIntent(ctx, intentID); err != nil {
			c.Logger.Warn().Err(err).Str("intent_id", intentID).Msg("cancel: delete unknown intent")
		}
		return true
	}
	if state.token.Cancel() {
		if err := c.Gateway.DeleteIntent(ctx, intentID); err != nil {
			c.Logger.Warn().Err(err).Str("intent_id", intentID).Msg("cancel: delete intent")
		}
		c.Logger.Info().
			Str("intent_id", intentID).
			Str("order_id", state.orderID).
			Msg("payment attempt canceled")
	}
	return true
}

// Await drives the poll loop server-side: request, sleep, request, bounded by
// the budget. The cancellation token is checked before and after every
// inter-poll delay; an in-flight resolution is never interrupted.
func (c *Coordinator) Await(ctx context.Context, intentID string) (Outcome, error) {
	interval := c.Budget.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	for {
		state := c.lookup(intentID)
		if state != nil && state.token.Canceled() {
			c.unregister(intentID)
			return Outcome{Status: OutcomeCanceled}, nil
		}

		out, err := c.Status(ctx, intentID)
		if err != nil {
			return Outcome{}, err
		}
		if out.Status != OutcomePending {
			return out, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{}, ctx.Err()
		case <-timer.C:
		}
		if state != nil && state.token.Canceled() {
			c.unregister(intentID)
			return Outcome{Status: OutcomeCanceled}, nil
		}
	}
}

func (c *Coordinator) lookup(intentID string) *pollState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[intentID]
}

func (c *Coordinator) unregister(intentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, intentID)
}
