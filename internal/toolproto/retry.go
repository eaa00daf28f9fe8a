package toolproto

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/anumate/controlplane/internal/metrics"
)

// RetryPolicy is exponential backoff with full jitter, the same shape
// the orchestrator applies to every tool invocation: delay doubles each
// attempt up to MaxDelay, and the actual sleep is chosen uniformly
// between zero and that ceiling so retrying callers don't all wake up
// in lockstep.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the backoff window for the given attempt (1-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Invoke calls invoker.Invoke, retrying transient failures up to
// MaxAttempts with jittered backoff. Semantic and unauthorized failures
// are never retried — the caller must reissue a token or escalate.
func (p RetryPolicy) Invoke(ctx context.Context, invoker Invoker, action string, parameters map[string]any, token string) (map[string]any, error) {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err := invoker.Invoke(ctx, action, parameters, token)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var invokeErr *InvokeError
		if !errors.As(err, &invokeErr) || !invokeErr.Retryable() {
			return nil, err
		}
		if attempt == p.MaxAttempts {
			break
		}
		metrics.RecordToolRetry(action)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return nil, lastErr
}
