package reconciler

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/user/go-argo-reconciler/internal/syncerr"
)

// RetryPolicy bounds the retries of a single target call.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first one.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Factor multiplies the delay after each failed attempt. Values below 1
	// are treated as 2.
	Factor float64
	// Jitter adds up to Jitter*delay of random extra wait.
	Jitter float64
}

// DefaultRetryPolicy is used when a Config leaves the policy empty.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	Factor:      2,
	Jitter:      0.1,
}

// retryState is the explicit state of one retried operation: how many
// attempts failed and when the next one becomes eligible.
type retryState struct {
	Attempt      int
	NextEligible time.Time

	limit   int
	cap     time.Duration
	backoff wait.Backoff
}

func newRetryState(p RetryPolicy) *retryState {
	factor := p.Factor
	if factor < 1 {
		factor = 2
	}
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	return &retryState{
		limit: limit,
		cap:   p.MaxDelay,
		backoff: wait.Backoff{
			Duration: p.BaseDelay,
			Factor:   factor,
			Jitter:   p.Jitter,
			Steps:    math.MaxInt32,
			Cap:      p.MaxDelay,
		},
	}
}

// fail records a failed attempt at now. It returns the delay before the next
// attempt, or false when the attempt limit is exhausted.
func (s *retryState) fail(now time.Time) (time.Duration, bool) {
	s.Attempt++
	if s.Attempt >= s.limit {
		return 0, false
	}
	delay := s.backoff.Step()
	if s.cap > 0 && delay > s.cap {
		delay = s.cap
	}
	s.NextEligible = now.Add(delay)
	return delay, true
}

// retry runs op until it succeeds, fails with a non-retryable error, or the
// attempt limit is reached. op receives the number of failed attempts so far.
func (r *Reconciler) retry(ctx context.Context, log logrus.FieldLogger, what string, op func(attempt int) error) error {
	state := newRetryState(r.cfg.Retry)
	for {
		err := op(state.Attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !syncerr.IsRetryable(err) {
			return err
		}
		delay, ok := state.fail(r.clock.Now())
		if !ok {
			log.WithError(err).Warnf("Giving up on %s after %d attempts", what, state.Attempt)
			return err
		}
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": state.Attempt,
			"delay":   delay.String(),
		}).Infof("Retrying %s", what)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// call runs fn under the per-call deadline.
func (r *Reconciler) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.cfg.OperationTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
	defer cancel()
	return fn(callCtx)
}

func (r *Reconciler) sleepClock(ctx context.Context, d time.Duration) error {
	timer := r.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}
