package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/neboloop/glance/internal/agent/ai"
	"github.com/neboloop/glance/internal/events"
)

// complete calls the provider, retrying transient failures with linear
// backoff. Both the call and the backoff sleep give way to ctx.
func (r *Runner) complete(ctx context.Context, req *ai.ChatRequest, sink events.Sink) (*ai.ChatResponse, error) {
	retries := max(0, r.cfg.Runner.TransientRetries)
	step := r.cfg.Runner.RetryBackoff
	if step <= 0 {
		step = time.Second
	}

	var resp *ai.ChatResponse
	attempt := 0
	err := retry.Do(ctx, retry.WithMaxRetries(uint64(retries), linearBackoff(step)), func(ctx context.Context) error {
		attempt++
		var err error
		resp, err = r.callProvider(ctx, req)
		if err == nil || ctx.Err() != nil || !ai.IsTransient(err) {
			return err
		}
		if attempt <= retries {
			r.metrics.ModelRetried(r.provider.ID())
			r.logger.Warn("transient model error, retrying", "attempt", attempt, "error", err)
			sink.Emit(events.StageRetry,
				fmt.Sprintf("Model call failed, retrying in %s (%d/%d)", step*time.Duration(attempt), attempt, retries),
				err.Error())
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// callProvider runs one provider call and returns as soon as ctx is done,
// even if the provider ignores cancellation.
func (r *Runner) callProvider(ctx context.Context, req *ai.ChatRequest) (*ai.ChatResponse, error) {
	type outcome struct {
		resp *ai.ChatResponse
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		resp, err := r.provider.Complete(ctx, req)
		done <- outcome{resp, err}
	}()

	select {
	case <-ctx.Done():
		r.metrics.ModelCalled(r.provider.ID(), "cancelled", time.Since(start))
		return nil, ctx.Err()
	case out := <-done:
		status := "success"
		if out.err != nil {
			status = string(ai.Classify(out.err))
		}
		r.metrics.ModelCalled(r.provider.ID(), status, time.Since(start))
		if out.err != nil {
			return nil, out.err
		}
		if out.resp == nil {
			return &ai.ChatResponse{}, nil
		}
		return out.resp, nil
	}
}

// linearBackoff waits step, 2*step, 3*step and so on.
func linearBackoff(step time.Duration) retry.Backoff {
	var n time.Duration
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return n * step, false
	})
}
