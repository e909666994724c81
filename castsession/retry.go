package castsession

import (
	"time"

	"go2tv.app/castlink/castprotocol"
)

// RetryPolicy decides whether a failed join is tried again.
type RetryPolicy struct {
	// MaxStartAttempts caps retries of start failures with a transient code.
	// The join deadline normally ends an attempt well before it is reached.
	MaxStartAttempts int
	// MaxEndedBeforeStart caps retries of sessions that ended before they
	// ever started.
	MaxEndedBeforeStart int
	// BaseBackoff and MaxBackoff shape the delay before a retry. A zero
	// BaseBackoff retries on the next loop turn.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy returns the stock budgets.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxStartAttempts:    100,
		MaxEndedBeforeStart: 10,
	}
}

// IsTransient reports whether code means the receiver is likely not ready yet.
func IsTransient(code castprotocol.StatusCode) bool {
	return code == castprotocol.StatusNetworkError || code == castprotocol.StatusTimeout
}

// ShouldRetry reports whether a start failure with code gets another try.
func (p RetryPolicy) ShouldRetry(code castprotocol.StatusCode, attemptsUsed, maxAttempts int) bool {
	if attemptsUsed >= maxAttempts {
		return false
	}
	return IsTransient(code)
}

// ShouldRetryEndedBeforeStart applies the ended-before-start budget.
func (p RetryPolicy) ShouldRetryEndedBeforeStart(attemptsUsed int) bool {
	return attemptsUsed < p.MaxEndedBeforeStart
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseBackoff <= 0 {
		return 0
	}
	backoff := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if p.MaxBackoff > 0 && backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}
