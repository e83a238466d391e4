package provider

import (
	"context"
	"time"
)

// RetryPolicy bounds retries of read calls. Delays start at BaseDelay and
// double up to MaxDelay.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is used when a client is built without one.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:  4,
	BaseDelay: 250 * time.Millisecond,
	MaxDelay:  4 * time.Second,
}

func (policy RetryPolicy) normalized() RetryPolicy {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.BaseDelay < 0 {
		policy.BaseDelay = 0
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return policy
}

// delay returns the wait before the given retry (1-based).
func (policy RetryPolicy) delay(retry int) time.Duration {
	delay := policy.BaseDelay
	for index := 1; index < retry; index++ {
		delay *= 2
		if delay >= policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	if delay > policy.MaxDelay {
		return policy.MaxDelay
	}
	return delay
}

// retryAmbiguous calls fn until it returns a definitive outcome, the attempts
// run out or ctx is done.
func retryAmbiguous(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) Outcome) Outcome {
	policy = policy.normalized()
	var outcome Outcome
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		outcome = fn(ctx)
		if outcome.Kind != OutcomeAmbiguous || attempt == policy.Attempts {
			return outcome
		}
		timer := time.NewTimer(policy.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Ambiguous(ctx.Err().Error())
		case <-timer.C:
		}
	}
	return outcome
}
