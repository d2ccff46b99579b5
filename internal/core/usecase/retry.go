package usecase

import (
	"time"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 60 * time.Second
)

// RetryPolicy decides whether a failed run is retried. Its only input is the
// number of retries spent since upload or the last reprocess: retry n waits
// BaseDelay * 2^n.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

type RetryDecision struct {
	Retry bool
	After time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultRetryBaseDelay,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	out := p
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = DefaultRetryBaseDelay
	}
	return out
}

func (p RetryPolicy) Decide(failure *domain.Failure, retries int) RetryDecision {
	if failure == nil || !failure.Retryable {
		return RetryDecision{}
	}
	retries = max(retries, 0)
	if retries >= p.MaxRetries {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, After: p.Backoff(retries)}
}

// Backoff returns BaseDelay * 2^n.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return p.BaseDelay * time.Duration(int64(1)<<uint(n))
}

// MaxBackoff is the longest delay the policy can produce.
func (p RetryPolicy) MaxBackoff() time.Duration {
	if p.MaxRetries <= 0 {
		return 0
	}
	return p.Backoff(p.MaxRetries - 1)
}
