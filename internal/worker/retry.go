package worker

import (
	"math"
	"math/rand/v2"
	"time"

	"fluentsync/internal/models"
)

// RetryPolicy defines exponential backoff parameters with additive jitter.
type RetryPolicy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64
	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultRetryPolicy returns the 5 retries, 1s base, 30s cap, 30% jitter policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  models.DefaultMaxRetries,
		BaseDelay:   models.DefaultBaseDelay,
		MaxDelay:    models.DefaultMaxDelay,
		JitterRatio: models.DefaultJitterRatio,
	}
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxRetries <= 0 {
		r.MaxRetries = models.DefaultMaxRetries
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = models.DefaultBaseDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = models.DefaultMaxDelay
	}
	if r.JitterRatio < 0 {
		r.JitterRatio = 0
	}
	if r.Rand == nil {
		r.Rand = rand.Float64
	}
	return r
}

// Backoff returns min(base*2^retries, max) without jitter.
func (r RetryPolicy) Backoff(retries int) time.Duration {
	r = r.withDefaults()
	if retries < 0 {
		retries = 0
	}
	d := r.BaseDelay
	for i := 0; i < retries && d < r.MaxDelay; i++ {
		d *= 2
	}
	if d > r.MaxDelay {
		d = r.MaxDelay
	}
	return d
}

// Delay returns the wait before an attempt of an item that has already been
// retried the given number of times. The jitter is whole milliseconds in
// [0, JitterRatio*backoff) and is only ever added.
func (r RetryPolicy) Delay(retries int) time.Duration {
	r = r.withDefaults()
	d := r.Backoff(retries)

	f := r.Rand()
	if f < 0 || f >= 1 {
		f = 0
	}
	jitterMs := math.Floor(float64(d.Milliseconds()) * r.JitterRatio * f)
	return d + time.Duration(jitterMs)*time.Millisecond
}
