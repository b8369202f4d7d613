package order

import "sync"

// CancelToken carries a cooperative cancellation request into the poll loop.
// The flag is only observed at loop boundaries; an in-flight gateway call is
// allowed to finish before the token takes effect.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken constructs an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel requests cancellation. It is idempotent; only the first call reports
// true.
func (t *CancelToken) Cancel() bool {
	first := false
	t.once.Do(func() {
		first = true
		close(t.done)
	})
	return first
}

// Canceled reports whether cancellation was requested.
func (t *CancelToken) Canceled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
