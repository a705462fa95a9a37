package syncqueue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides when a failed item is attempted again and when it is
// given up on.
type RetryPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// MaxRetries moves an item to the dead-letter list once its retry count
	// reaches this value. Zero keeps retrying forever.
	MaxRetries int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     time.Second,
		MaxInterval:         5 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// Delay returns the wait before attempt number retryCount+1.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 || p.InitialInterval <= 0 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < retryCount && i < 64; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p RetryPolicy) exhausted(retryCount int) bool {
	return p.MaxRetries > 0 && retryCount >= p.MaxRetries
}
