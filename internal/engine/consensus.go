package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// runConsensus fans candidate steps out like parallel, then aggregates:
// a designated judge step (when configured) picks or synthesizes the best
// answer from the candidates; absent a judge, the longest non-error
// candidate wins. The length heuristic is a deliberate, documented policy,
// kept simple on purpose. Every candidate remains in the trace for audit.
func (r *runner) runConsensus(ctx context.Context, exec *Execution, sink *resultSink, startStep int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	judgeIdx := -1
	for i := startStep; i < len(exec.Steps); i++ {
		if exec.Steps[i].Judge {
			judgeIdx = i
			break
		}
	}

	// Candidates are collected straight from the fan-out, not from
	// exec.Results: the sink flushes in step-index order, so a judge at a
	// lower index than a candidate holds the watermark and that candidate
	// would not be visible yet. Seeded results from a resumed run count as
	// candidates too.
	candidates := make([]*AgentResult, len(exec.Steps))
	for i := 0; i < startStep && i < len(exec.Results); i++ {
		seeded := exec.Results[i]
		candidates[i] = &seeded
	}

	var wg sync.WaitGroup
	for i := startStep; i < len(exec.Steps); i++ {
		if i == judgeIdx {
			continue
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res := r.executeStep(ctx, exec, idx, exec.Input)
			candidates[idx] = res
			sink.put(context.WithoutCancel(ctx), res)
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if judgeIdx >= 0 {
		res := r.executeStep(ctx, exec, judgeIdx, judgePrompt(exec.Input, candidates, judgeIdx))
		sink.put(context.WithoutCancel(ctx), res)
		if res.Status == ResultOK {
			return res.Output, nil
		}
		// A judge aborted by cancellation must not fall through to the
		// candidate fallback.
		if err := ctx.Err(); err != nil {
			return "", err
		}
		r.logger.WarnContext(ctx, "judge step failed, falling back to longest candidate",
			slog.String("execution_id", exec.ID.String()),
			slog.Int("step_index", judgeIdx),
			slog.String("error", res.Error),
		)
	}

	return longestCandidate(candidates, judgeIdx)
}

// judgePrompt lays out every successful candidate for the judge step.
func judgePrompt(input string, candidates []*AgentResult, judgeIdx int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original task:\n%s\n\nCandidate answers:\n", input)
	for _, res := range candidates {
		if res == nil || res.Status != ResultOK || res.StepIndex == judgeIdx {
			continue
		}
		fmt.Fprintf(&b, "\n--- Candidate %d (%s) ---\n%s\n", res.StepIndex+1, res.Role, res.Output)
	}
	b.WriteString("\nReview the candidates and produce the single best final answer. Select the strongest one or synthesize them if that yields a better result.")
	return b.String()
}

// longestCandidate returns the longest non-error candidate output,
// skipping the judge's own result.
func longestCandidate(candidates []*AgentResult, judgeIdx int) (string, error) {
	best := ""
	for _, res := range candidates {
		if res == nil || res.Status != ResultOK || res.StepIndex == judgeIdx {
			continue
		}
		if len(res.Output) > len(best) {
			best = res.Output
		}
	}
	if best == "" {
		return "", errors.New("no consensus candidate produced output")
	}
	return best, nil
}
