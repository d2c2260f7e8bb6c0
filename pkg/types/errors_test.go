package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"invalid input", ErrInvalidInput, KindInvalidInput},
		{"invalid filter wraps invalid input", fmt.Errorf("min_priority: %w", ErrInvalidFilter), KindInvalidInput},
		{"invalid weight wraps invalid input", ErrInvalidWeight, KindInvalidInput},
		{"embedding unavailable", fmt.Errorf("after 3 attempts: %w", ErrEmbeddingUnavailable), KindEmbeddingUnavailable},
		{"dimension mismatch", ErrDimensionMismatch, KindDimensionMismatch},
		{"search timeout", ErrSearchTimeout, KindSearchTimeout},
		{"timeout", ErrTimeout, KindTimeout},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"context canceled", context.Canceled, KindTimeout},
		{"unknown", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := map[ErrorKind]bool{
		KindInvalidInput:         false,
		KindEmbeddingUnavailable: true,
		KindDimensionMismatch:    false,
		KindSearchTimeout:        true,
		KindTimeout:              true,
		KindInternal:             false,
	}
	for kind, want := range retryable {
		if got := kind.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", kind, got, want)
		}
	}
}

func TestPublicMessageHidesInternals(t *testing.T) {
	err := fmt.Errorf("query failed: SELECT secret FROM chunks: %w", ErrSearchTimeout)
	msg := PublicMessage(err)
	if msg == err.Error() {
		t.Fatalf("public message leaked internal text: %q", msg)
	}

	internal := errors.New("sql: database is locked")
	if PublicMessage(internal) != "internal error" {
		t.Errorf("unexpected message %q", PublicMessage(internal))
	}

	invalid := fmt.Errorf("%w: query must be between 2 and 500 characters", ErrInvalidInput)
	if PublicMessage(invalid) != invalid.Error() {
		t.Errorf("validation messages should be echoed, got %q", PublicMessage(invalid))
	}
}
