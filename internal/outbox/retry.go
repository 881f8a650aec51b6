package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds automatic retries of failed entries. After MaxAttempts
// failures an entry is dead: it stays failed and only an operator Retry
// requeues it.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy matches the default sync configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 8, Initial: 5 * time.Second, Max: 10 * time.Minute}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// Delay returns the wait before the attempt following the given failure
// count: Initial after the first failure, doubling up to Max.
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.Max,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < failures; i++ {
		d = b.NextBackOff()
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}
