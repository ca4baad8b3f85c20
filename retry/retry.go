// Package retry implements the generic retry wrapper every capability
// invocation runs under: an attempt loop with exponential, linear, or
// fixed backoff, optional uniform [0.5, 1.5] multiplicative jitter, and an
// error classifier that decides which failures are worth retrying.
package retry

import (
	"context"
	"time"

	"github.com/flowloom/engine/core"
	"github.com/flowloom/engine/workflow"
)

// Op is the fallible operation the retry executor wraps. attempt is
// 1-based.
type Op func(ctx context.Context, attempt int) (interface{}, error)

// Classifier maps an arbitrary error from a capability invocation into this
// engine's closed error-kind enumeration. Do uses DefaultClassifier
// (classify.go) when given nil, which the engine always passes; capability
// adapters classify their own failures by returning a *core.FrameworkError.
type Classifier func(err error) core.ErrorKind

// Result is what Do returns: either a successful value, or the terminal
// classified failure plus how many attempts were made.
type Result struct {
	Value    interface{}
	Err      *core.FrameworkError
	Attempts int
}

// Do runs op under policy, retrying on retryable classified errors up to
// policy.MaxAttempts, sleeping delay(strategy, n) with optional jitter
// between attempts via clock. classify turns a raw error into a kind; if
// classify is nil, DefaultClassifier is used.
func Do(ctx context.Context, clock core.Clock, policy workflow.RetryPolicy, classify Classifier, op Op) Result {
	if classify == nil {
		classify = DefaultClassifier
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr *core.FrameworkError
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Err: core.NewFrameworkError("retry.Do", core.KindCancelled, "", "context cancelled before attempt", err), Attempts: attempt - 1}
		}

		val, err := op(ctx, attempt)
		if err == nil {
			return Result{Value: val, Attempts: attempt}
		}

		kind := classify(err)
		fe := core.NewFrameworkError("retry.Do", kind, "", err.Error(), err)
		lastErr = fe

		if !kind.Retryable() || attempt == policy.MaxAttempts {
			return Result{Err: fe, Attempts: attempt}
		}

		d := Delay(policy, attempt)
		if policy.Jitter {
			d = jitter(clock, d)
		}
		if err := clock.Sleep(ctx, d); err != nil {
			return Result{Err: core.NewFrameworkError("retry.Do", core.KindCancelled, "", "cancelled while waiting to retry", err), Attempts: attempt}
		}
	}
	return Result{Err: lastErr, Attempts: policy.MaxAttempts}
}

// Delay computes the unjittered delay before attempt n+1 (n is the attempt
// number that just failed, 1-based), clamped to [0, max_delay].
func Delay(policy workflow.RetryPolicy, n int) time.Duration {
	initial := time.Duration(policy.InitialDelayMs) * time.Millisecond
	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond

	var d time.Duration
	switch policy.Strategy {
	case workflow.BackoffExponential:
		mult := policy.BackoffMultiplier
		if mult <= 0 {
			mult = 2.0
		}
		d = initial
		for i := 1; i < n; i++ {
			d = time.Duration(float64(d) * mult)
			if maxDelay > 0 && d > maxDelay {
				d = maxDelay
				break
			}
		}
	case workflow.BackoffLinear:
		d = initial * time.Duration(n)
	default: // fixed
		d = initial
	}

	if d < 0 {
		d = 0
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}

// jitter multiplies d by a uniformly sampled factor in [0.5, 1.5], using
// the injected Clock's Uniform so tests can pin the factor
// deterministically.
func jitter(clock core.Clock, d time.Duration) time.Duration {
	factor := clock.Uniform(0.5, 1.5)
	return time.Duration(float64(d) * factor)
}
