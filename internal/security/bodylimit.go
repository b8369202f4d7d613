package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/MachinePay/totem-payments/internal/common"
)

// MaxBody rejects request payloads larger than limit bytes with HTTP 413.
// The body is buffered so downstream handlers can re-read it; gateway
// notifications are hashed over the raw payload for replay detection.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit <= 0 || r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > limit {
				common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", nil)
				return
			}

			buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
			if err != nil && !errors.Is(err, io.EOF) {
				common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable request body", nil)
				return
			}
			_ = r.Body.Close()
			if int64(len(buf)) > limit {
				common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", nil)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(buf))
			r.ContentLength = int64(len(buf))
			next.ServeHTTP(w, r)
		})
	}
}
