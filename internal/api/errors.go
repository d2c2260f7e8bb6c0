package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// Kinds raised by the HTTP layer itself
const (
	KindUnauthenticated types.ErrorKind = "unauthenticated"
	KindRateLimited     types.ErrorKind = "rate_limited"
	KindNotFound        types.ErrorKind = "not_found"
)

// Retry hints for retryable kinds without a computed delay
const (
	embeddingRetryAfter = 5 * time.Second
	timeoutRetryAfter   = time.Second
)

// ErrorBody is the error envelope payload
type ErrorBody struct {
	Kind      types.ErrorKind `json:"kind"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id,omitempty"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// statusFor maps an error kind onto an HTTP status
func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindEmbeddingUnavailable:
		return http.StatusServiceUnavailable
	case types.KindSearchTimeout, types.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// retryAfter returns the Retry-After hint for a status, or 0 for none
func retryAfter(status int) time.Duration {
	switch status {
	case http.StatusServiceUnavailable:
		return embeddingRetryAfter
	case http.StatusGatewayTimeout:
		return timeoutRetryAfter
	default:
		return 0
	}
}

func writeError(w http.ResponseWriter, kind types.ErrorKind, message, requestID string, wait time.Duration) {
	status := statusFor(kind)
	if wait <= 0 {
		wait = retryAfter(status)
	}
	if wait > 0 {
		secs := int(math.Ceil(wait.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	writeJSON(w, status, errorEnvelope{Error: ErrorBody{Kind: kind, Message: message, RequestID: requestID}})
}

// writeSearchError reports a search failure using only the caller-safe message
func writeSearchError(w http.ResponseWriter, err error, requestID string) {
	writeError(w, types.KindOf(err), types.PublicMessage(err), requestID, 0)
}
