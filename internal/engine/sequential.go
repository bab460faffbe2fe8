package engine

import (
	"context"
	"fmt"
)

// runSequential chains steps: step i's output becomes step i+1's input,
// with the execution input feeding step 0. The first step error breaks the
// chain and fails the run; results produced so far are preserved, never
// rolled back. Cancellation is checked at step boundaries, and a cancel
// landing while a model call is in flight ends the run cancelled, not
// failed.
func (r *runner) runSequential(ctx context.Context, exec *Execution, sink *resultSink, startStep int) (string, error) {
	input := exec.Input
	if startStep > 0 && len(exec.Results) >= startStep {
		// Resumed run: chain from the last seeded output.
		input = exec.Results[startStep-1].Output
	}

	for i := startStep; i < len(exec.Steps); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		res := r.executeStep(ctx, exec, i, input)
		sink.put(context.WithoutCancel(ctx), res)
		if res.Status == ResultError {
			// A cancelled run surfaces here as an aborted provider call;
			// report the cancellation, not a step failure.
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("step %d (%s) failed: %s", i, res.Role, res.Error)
		}
		input = res.Output
	}
	return input, nil
}
