// Package security holds HTTP hardening middleware for the checkout API.
package security

import (
	"bytes"
	"io"
	"net/http"

	"github.com/noah-isme/toko-checkout/internal/common"
)

// BodyLimit caps request payloads. The webhook route buffers the body so the
// handler can decode it after the size check.
type BodyLimit struct {
	Max int64
}

// Middleware rejects requests exceeding Max with 413 PAYLOAD_TOO_LARGE.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			tooLarge(w)
			return
		}
		buf, err := io.ReadAll(io.LimitReader(r.Body, b.Max+1))
		_ = r.Body.Close()
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "could not read request body", nil)
			return
		}
		if int64(len(buf)) > b.Max {
			tooLarge(w)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

func tooLarge(w http.ResponseWriter) {
	common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", nil)
}
