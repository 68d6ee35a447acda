package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"confirmed revert", fmt.Errorf("purchase: %w", ErrReverted), false},
		{"missing package", ErrPackageNotFound, false},
		{"inactive package", ErrPackageInactive, false},
		{"bad recipient", ErrInvalidRecipient, false},
		{"rpc revert message", errors.New("execution reverted: PM: package not active"), false},
		{"invalid signature", errors.New("invalid signature values"), false},
		{"intrinsic gas", errors.New("intrinsic gas too low"), false},
		{"confirmation timeout", fmt.Errorf("%w: 0xabc", ErrConfirmTimeout), true},
		{"context deadline", context.DeadlineExceeded, true},
		{"nonce conflict", errors.New("nonce too low: next nonce 42, tx nonce 40"), true},
		{"underpriced replacement", errors.New("replacement transaction underpriced"), true},
		{"underpriced", errors.New("transaction underpriced"), true},
		{"already known", errors.New("already known"), true},
		{"network refused", errors.New("dial tcp 10.0.0.1:8545: connection refused"), true},
		{"rate limited", errors.New("429 too many requests"), true},
		{"unknown error defaults to retryable", errors.New("something unexpected"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestIsRetryable_RevertWinsOverNetworkNoise(t *testing.T) {
	// A wrapped revert stays non-retryable even when the transport layer
	// adds otherwise-retryable wording around it.
	err := errors.New("eof while reading response: execution reverted")
	assert.False(t, IsRetryable(err))
}
