package proc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/go-pkgz/lgr"

	"podpub/internal/app/podpub/podcast"
)

// RetryPolicy bounds retries of transient storage errors
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration // zero means no cap
}

// Default retry policies. The feed is the single pointer clients trust, so it gets more patience.
var (
	DefaultAudioRetry = RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
	DefaultFeedRetry  = RetryPolicy{Attempts: 6, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
)

// backOff makes the wait schedule of the policy: base, base*2, base*4, ... capped by MaxDelay,
// stopping after Attempts-1 retries
func (r RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = r.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(r.attempts()-1))
}

func (r RetryPolicy) attempts() int {
	if r.Attempts <= 0 {
		return 1
	}
	return r.Attempts
}

// retry calls fn until it succeeds, fails with a non-transient error or the attempts run out
func retry(ctx context.Context, policy RetryPolicy, op string, fn func() error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err != nil && !podcast.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		log.Printf("[WARN] %s failed, attempt %d/%d, retry in %v, %v", op, attempt, policy.attempts(), delay, err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy.backOff(), ctx), notify)
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
