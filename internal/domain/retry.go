package domain

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxRetryWait caps the exponential retry delay.
const maxRetryWait = time.Hour

// Decision is the retry policy outcome for a single failure.
type Decision struct {
	Retry     bool
	Wait      time.Duration
	Exhausted bool
}

// Policy decides whether a failed job is retried automatically. Values come
// from the live settings snapshot, so a running engine picks up changes
// without restart.
type Policy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Decide evaluates a failure for the given job. A failure signal for a job
// that is no longer in an active stage is discarded: pause and stop must
// never pull a job into the retry workflow.
func (p Policy) Decide(j *Job) Decision {
	if !j.Status.Active() {
		return Decision{}
	}
	if j.RetryCount >= p.MaxRetries {
		return Decision{Exhausted: true}
	}
	return Decision{Retry: true, Wait: p.wait(j.RetryCount)}
}

// wait returns the delay before retry number attempt+1, doubling from the
// configured base delay.
func (p Policy) wait(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.RetryDelay
	b.MaxInterval = maxRetryWait
	b.MaxElapsedTime = 0
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
