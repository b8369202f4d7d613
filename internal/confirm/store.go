// Package confirm holds the short-lived, amount-keyed store that bridges
// asynchronous gateway push notifications to later poll-based lookups.
//
// Records are keyed by amount in minor currency units because the push
// notification does not reliably carry the originating intent id. Two
// concurrent transactions with the same amount are therefore ambiguous: the
// first consumer wins and the other falls through to the remaining resolution
// strategies. This imprecision is inherited from the upstream notification
// contract and is deliberate.
package confirm

import (
	"context"
	"time"
)

// Record is a confirmed payment as reported by a gateway notification.
type Record struct {
	PaymentID   string `json:"paymentId"`
	AmountCents int64  `json:"amountCents"`
	Status      string `json:"status"`
	ConfirmedAt int64  `json:"confirmedAtEpochMs"`
}

// Age returns how long ago the record was confirmed.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.ConfirmedAt))
}

// Store maps an amount to at most one confirmation record. A later Put for the
// same amount overwrites; TakeIfPresent consumes atomically so a confirmation
// is observed by exactly one poller.
type Store interface {
	Put(ctx context.Context, amountCents int64, rec Record) error
	TakeIfPresent(ctx context.Context, amountCents int64) (Record, bool, error)
	EvictOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
}
