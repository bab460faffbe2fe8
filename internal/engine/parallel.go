package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// runParallel fans every step out concurrently against the same original
// input and waits for all of them. Branches are independent workstreams: a
// single branch error marks that step but does not fail the run. The run
// fails only when every branch errors (nothing was produced) and is
// cancelled when the context fires before the fan-in completes.
func (r *runner) runParallel(ctx context.Context, exec *Execution, sink *resultSink, startStep int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var wg sync.WaitGroup
	for i := startStep; i < len(exec.Steps); i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res := r.executeStep(ctx, exec, idx, exec.Input)
			sink.put(context.WithoutCancel(ctx), res)
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return mergeOutputs(exec.Results)
}

// mergeOutputs concatenates successful branch outputs in step-index order,
// labelled by role, so the final output is reproducible across runs with
// identical inputs.
func mergeOutputs(results []AgentResult) (string, error) {
	var b strings.Builder
	ok := 0
	for _, res := range results {
		if res.Status != ResultOK {
			continue
		}
		ok++
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", res.Role, res.Output)
	}
	if ok == 0 {
		return "", errors.New("all parallel steps failed")
	}
	return b.String(), nil
}
