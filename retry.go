package bridge

import (
	"context"
	"time"
)

const (
	DefaultLookupAttempts = 3
	DefaultLookupDelay    = 500 * time.Millisecond
	DefaultSyncAttempts   = 3
	DefaultSyncDelay      = time.Second
)

// RetryPolicy retries an operation a fixed number of times with a fixed
// delay between attempts. Terminal errors (signature, validation, malformed
// token) and not found results are returned immediately.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Sleep    Sleeper
	// Retryable overrides the default classification when set
	Retryable func(error) bool
}

// NewRetryPolicy returns a fixed delay policy using a context aware sleeper
func NewRetryPolicy(attempts int, delay time.Duration) RetryPolicy {
	return RetryPolicy{
		Attempts: attempts,
		Delay:    delay,
		Sleep:    contextSleep,
	}
}

// Do runs fn until it succeeds, fails with a non retryable error, or the
// attempts are exhausted. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	sleep := p.Sleep
	if sleep == nil {
		sleep = contextSleep
	}

	retryable := p.Retryable
	if retryable == nil {
		retryable = defaultRetryable
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		if !retryable(err) || attempt == attempts {
			return err
		}

		if serr := sleep(ctx, p.Delay); serr != nil {
			return err
		}
	}
	return err
}

func defaultRetryable(err error) bool {
	if err == nil || isTerminal(err) {
		return false
	}
	if IsNotFound(err) || IsNotLinked(err) || IsAlreadyLinked(err) || IsSessionInvalid(err) {
		return false
	}
	return true
}
