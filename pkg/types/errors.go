package types

import (
	"context"
	"errors"
	"fmt"
)

// Domain errors for type validation
var (
	ErrInvalidChunkID = errors.New("invalid chunk ID")
	ErrInvalidRank    = errors.New("rank must be >= 1")
	ErrEmptyContent   = errors.New("content cannot be empty")
	ErrNotFound       = errors.New("not found")
)

// Search errors. Each maps to exactly one ErrorKind.
var (
	// ErrInvalidInput covers empty/too-long queries, malformed filters and negative weights.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidFilter is an InvalidInput raised while decoding or compiling filters.
	ErrInvalidFilter = fmt.Errorf("%w: invalid filter", ErrInvalidInput)
	// ErrInvalidWeight is an InvalidInput raised while decoding or compiling weights.
	ErrInvalidWeight = fmt.Errorf("%w: invalid weight", ErrInvalidInput)

	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
	ErrDimensionMismatch    = errors.New("embedding dimension mismatch")
	ErrSearchTimeout        = errors.New("search backend timeout")
	ErrTimeout              = errors.New("deadline exceeded")

	// ErrCacheDegraded is logged internally and never returned to callers.
	ErrCacheDegraded = errors.New("cache degraded")
)

// ErrorKind is the stable, machine-readable error classification.
type ErrorKind string

const (
	KindInvalidInput         ErrorKind = "invalid_input"
	KindEmbeddingUnavailable ErrorKind = "embedding_unavailable"
	KindDimensionMismatch    ErrorKind = "dimension_mismatch"
	KindSearchTimeout        ErrorKind = "search_timeout"
	KindTimeout              ErrorKind = "timeout"
	KindInternal             ErrorKind = "internal"
)

// KindOf classifies err. It returns "" for a nil error.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrDimensionMismatch):
		return KindDimensionMismatch
	case errors.Is(err, ErrEmbeddingUnavailable):
		return KindEmbeddingUnavailable
	case errors.Is(err, ErrSearchTimeout):
		return KindSearchTimeout
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTimeout
	default:
		return KindInternal
	}
}

// Retryable reports whether the caller may resubmit the same request.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindEmbeddingUnavailable, KindSearchTimeout, KindTimeout:
		return true
	default:
		return false
	}
}

// PublicMessage returns a caller-safe message for err.
// Validation messages are ours and safe to echo; everything else gets a fixed text.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case "":
		return ""
	case KindInvalidInput:
		return err.Error()
	case KindEmbeddingUnavailable:
		return "embedding service is temporarily unavailable, retry later"
	case KindDimensionMismatch:
		return "search index is misconfigured, operators have been notified"
	case KindSearchTimeout:
		return "search backend timed out, retry with a relaxed deadline"
	case KindTimeout:
		return "request deadline exceeded"
	default:
		return "internal error"
	}
}
