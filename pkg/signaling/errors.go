package signaling

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRemoteUnreachable is a relay failure that may succeed on retry.
	ErrRemoteUnreachable = errors.New("remote unreachable")

	// ErrRelayRejected is a relay failure that is fatal to the attempt.
	ErrRelayRejected = errors.New("relay rejected signal")
)

// retryableMarkers are substrings of relay error text that indicate a
// transient condition.
var retryableMarkers = []string{
	"unreachable",
	"offline",
	"timeout",
	"timed out",
	"unavailable",
	"not connected",
}

// ResultError maps a relay Result to nil, ErrRemoteUnreachable or
// ErrRelayRejected.
func ResultError(r Result) error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return ErrRelayRejected
	}

	msg := strings.ToLower(r.Error)
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %s", ErrRemoteUnreachable, r.Error)
		}
	}
	return fmt.Errorf("%w: %s", ErrRelayRejected, r.Error)
}

// IsRetryable reports whether err is a transient relay failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnreachable)
}
