package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
)

type contextKey string

// RequestIDKey is the context key under which the request ID is stored.
const RequestIDKey contextKey = "request_id"

const requestIDHeader = "X-Request-ID"

// RequestID ensures every request carries an X-Request-ID. An ID
// supplied by the caller is kept so traces stay continuous across
// hops; otherwise a fresh UUID v4 is minted. The ID is mirrored onto
// the response header, the request header, and the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid4()
		}
		w.Header().Set(requestIDHeader, id)
		r.Header.Set(requestIDHeader, id)

		ctx := context.WithValue(r.Context(), RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request ID stored in ctx, or "" when absent.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// uuid4 builds a random version 4 UUID from crypto/rand, formatting
// the canonical 8-4-4-4-12 string by hand to stay off fmt.Sprintf.
func uuid4() string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	raw[6] = raw[6]&0x0f | 0x40
	raw[8] = raw[8]&0x3f | 0x80

	out := make([]byte, 36)
	hex.Encode(out[:8], raw[:4])
	hex.Encode(out[9:13], raw[4:6])
	hex.Encode(out[14:18], raw[6:8])
	hex.Encode(out[19:23], raw[8:10])
	hex.Encode(out[24:], raw[10:])
	for _, i := range []int{8, 13, 18, 23} {
		out[i] = '-'
	}
	return string(out)
}
