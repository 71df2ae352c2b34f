package recovery

import (
	"context"

	"github.com/commcore/bus/internal/clock"
)

// runProcedure executes proc's steps in order. A step failing without
// ContinueOnFailure stops the run and triggers rollback of every step that
// succeeded so far, in reverse order; a step with ContinueOnFailure records
// the failure and moves on. Returns the step results and whether the
// overall run succeeded.
func runProcedure(ctx context.Context, clk clock.Clock, proc Procedure) ([]StepResult, bool) {
	results := make([]StepResult, 0, len(proc.Steps))
	completed := make([]int, 0, len(proc.Steps)) // indices of steps that ran their Action at least once successfully, for rollback

	overallOK := true
	for i, step := range proc.Steps {
		res := runStep(ctx, clk, step)
		results = append(results, res)
		if res.Succeeded {
			completed = append(completed, i)
			continue
		}
		if step.ContinueOnFailure {
			continue
		}
		overallOK = false
		break
	}

	if !overallOK {
		for i := len(completed) - 1; i >= 0; i-- {
			step := proc.Steps[completed[i]]
			if step.Rollback != nil {
				_ = step.Rollback(ctx)
			}
		}
	}
	return results, overallOK
}

func runStep(ctx context.Context, clk clock.Clock, step Step) StepResult {
	res := StepResult{Name: step.Name, StartedAt: clk.Now()}
	attempts := step.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		stepCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		lastErr = step.Action(stepCtx)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			res.Succeeded = true
			break
		}
		if attempt < attempts && step.Retry.Delay > 0 {
			timer := clk.NewTimer(step.Retry.Delay)
			select {
			case <-timer.C():
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
				attempt = attempts // stop retrying
			}
		}
	}
	res.Err = lastErr
	res.EndedAt = clk.Now()
	return res
}
