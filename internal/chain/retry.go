package chain

import (
	"context"
	"errors"
	"strings"
)

// Transient submission failures that a later attempt can clear. Matched on
// message text because geth surfaces them as opaque rpc errors.
var retryableFragments = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"transaction underpriced",
	"already known",
	"connection refused",
	"connection reset",
	"i/o timeout",
	"eof",
	"too many requests",
	"502",
	"503",
}

var nonRetryableFragments = []string{
	"execution reverted",
	"invalid signature",
	"invalid sender",
	"gas required exceeds allowance",
	"intrinsic gas too low",
}

// IsRetryable classifies a chain error: network faults, nonce conflicts and
// underpriced gas can succeed on a later attempt; confirmed reverts and
// validation failures never will.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrReverted) ||
		errors.Is(err, ErrPackageNotFound) ||
		errors.Is(err, ErrPackageInactive) ||
		errors.Is(err, ErrInvalidRecipient) {
		return false
	}
	if errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range nonRetryableFragments {
		if strings.Contains(msg, fragment) {
			return false
		}
	}
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	// Unknown failures are treated as transient so the recovery engine's
	// bounded retry loop gets a chance before the permanent-failure ceiling.
	return true
}
