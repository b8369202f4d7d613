package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrOrderNotFound is returned when no order exists for the id.
var ErrOrderNotFound = errors.New("order: not found")

// Item is one line of an order.
type Item struct {
	Name      string `json:"name"`
	Qty       int    `json:"qty"`
	UnitCents int64  `json:"unitCents"`
}

// Order is created before the payment attempt begins, so inventory effects
// apply immediately. It is marked paid only after resolution succeeds; a
// timeout or cancellation leaves it pending with no compensating restock.
type Order struct {
	ID            string    `json:"id"`
	Items         []Item    `json:"items"`
	TotalCents    int64     `json:"totalCents"`
	PaymentStatus string    `json:"paymentStatus"`
	PaymentID     string    `json:"paymentId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
)

// Store persists orders. The gateway and this table are the system of record;
// everything else in the reconciliation engine is a hint.
type Store interface {
	Create(ctx context.Context, items []Item, totalCents int64) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	MarkPaid(ctx context.Context, id, paymentID string) error
}

// PGStore is the Postgres-backed Store.
type PGStore struct {
	Pool *pgxpool.Pool
}

// EnsureSchema creates the orders table when it does not exist yet.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS orders (
    id UUID PRIMARY KEY,
    items JSONB NOT NULL DEFAULT '[]',
    total_cents BIGINT NOT NULL,
    payment_status TEXT NOT NULL DEFAULT 'pending',
    payment_id TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("order: ensure schema: %w", err)
	}
	return nil
}

// Create inserts a new pending order.
func (s *PGStore) Create(ctx context.Context, items []Item, totalCents int64) (Order, error) {
	if items == nil {
		items = []Item{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return Order{}, fmt.Errorf("order: encode items: %w", err)
	}
	id := uuid.NewString()
	var createdAt time.Time
	err = s.Pool.QueryRow(ctx, `
INSERT INTO orders (id, items, total_cents, payment_status)
VALUES ($1, $2, $3, $4)
RETURNING created_at`, id, encoded, totalCents, PaymentStatusPending).Scan(&createdAt)
	if err != nil {
		return Order{}, fmt.Errorf("order: insert: %w", err)
	}
	return Order{
		ID:            id,
		Items:         items,
		TotalCents:    totalCents,
		PaymentStatus: PaymentStatusPending,
		CreatedAt:     createdAt,
	}, nil
}

// Get fetches an order by id.
func (s *PGStore) Get(ctx context.Context, id string) (Order, error) {
	var (
		o       Order
		encoded []byte
		payID   *string
	)
	err := s.Pool.QueryRow(ctx, `
SELECT id, items, total_cents, payment_status, payment_id, created_at
FROM orders WHERE id = $1`, id).
		Scan(&o.ID, &encoded, &o.TotalCents, &o.PaymentStatus, &payID, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("order: fetch: %w", err)
	}
	if err := json.Unmarshal(encoded, &o.Items); err != nil {
		return Order{}, fmt.Errorf("order: decode items: %w", err)
	}
	if payID != nil {
		o.PaymentID = *payID
	}
	return o, nil
}

// MarkPaid records the resolved payment on the order. The transition only goes
// pending -> paid; marking an already-paid order again is a no-op.
func (s *PGStore) MarkPaid(ctx context.Context, id, paymentID string) error {
	tag, err := s.Pool.Exec(ctx, `
UPDATE orders SET payment_status = $2, payment_id = $3
WHERE id = $1 AND payment_status <> $2`, id, PaymentStatusPaid, paymentID)
	if err != nil {
		return fmt.Errorf("order: mark paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// already paid or missing; distinguish for the caller
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
