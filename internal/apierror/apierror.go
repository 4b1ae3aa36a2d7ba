// Package apierror provides a centralized error response format for the
// guardpost HTTP surfaces. All handlers use WriteJSON to produce
// consistent, machine-readable error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Error codes. These form a public API contract: clients can program
// against these stable codes. Do not rename or remove existing codes.
const (
	NotFound              ErrorCode = "GUARDPOST_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "GUARDPOST_METHOD_NOT_ALLOWED"
	CircuitOpen           ErrorCode = "GUARDPOST_CIRCUIT_OPEN"
	Overloaded            ErrorCode = "GUARDPOST_OVERLOADED"
	Forbidden             ErrorCode = "GUARDPOST_FORBIDDEN"
	AuthMissingToken      ErrorCode = "GUARDPOST_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "GUARDPOST_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "GUARDPOST_AUTH_INSUFFICIENT_SCOPE"
	InvalidRequest        ErrorCode = "GUARDPOST_INVALID_REQUEST"
	InternalError         ErrorCode = "GUARDPOST_INTERNAL_ERROR"
	BodyTooLarge          ErrorCode = "GUARDPOST_BODY_TOO_LARGE"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preOverloaded       = mustMarshal(http.StatusServiceUnavailable, Overloaded, "server is shedding load, retry later")
	preCircuitOpen      = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, "circuit breaker open")
	preNotFound         = mustMarshal(http.StatusNotFound, NotFound, "no such resource")
	preAuthMissingToken = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no
// allocation). When request_id is available (from X-Request-ID header),
// it is included in the response. The request parameter may be nil for
// contexts where the request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Fast path: use pre-serialized body for common errors when there is
	// no request ID to include (avoids allocation).
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == Overloaded && status == http.StatusServiceUnavailable && message == "server is shedding load, retry later":
		return preOverloaded
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == "circuit breaker open":
		return preCircuitOpen
	case code == NotFound && status == http.StatusNotFound && message == "no such resource":
		return preNotFound
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	}
	return nil
}
