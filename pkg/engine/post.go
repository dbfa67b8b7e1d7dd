package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/architect-io/runflow/pkg/engine/step"
	"github.com/architect-io/runflow/pkg/environ"
	"github.com/architect-io/runflow/pkg/errors"
	"github.com/architect-io/runflow/pkg/events"
	"github.com/architect-io/runflow/pkg/pipeline"
)

// Dispatcher runs post-action blocks against a finalized status. Cleanup is
// best-effort and total: a failing block is recorded and the next block
// still runs, and no block failure ever changes the pipeline result.
type Dispatcher struct {
	Runner step.Runner
	Sink   events.Sink
}

// Dispatch runs, in declared order, every block tagged always plus the
// blocks whose condition matches the final status. It returns the non-fatal
// failures it collected.
func (d *Dispatcher) Dispatch(ctx context.Context, status Status, actions []pipeline.PostAction, scope *environ.Scope, pipelineName, runID string) []error {
	matched := pipeline.ConditionFailure
	if status == StatusSucceeded {
		matched = pipeline.ConditionSuccess
	}

	var errs []error
	for _, pa := range actions {
		if pa.Condition != pipeline.ConditionAlways && pa.Condition != matched {
			continue
		}
		if err := d.runBlock(ctx, pa, scope, pipelineName, runID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// runBlock executes one post-action block. The first failing step fails the
// block and aborts its remaining steps; the failure is returned, not
// propagated.
func (d *Dispatcher) runBlock(ctx context.Context, pa pipeline.PostAction, scope *environ.Scope, pipelineName, runID string) error {
	name := pa.Name
	if name == "" {
		name = string(pa.Condition)
	}

	var blockErr error
	for i, stp := range pa.Steps {
		out, err := d.Runner.Run(ctx, stp, scope)
		if err != nil {
			blockErr = errors.PostActionFailure(name, err)
			break
		}
		if !out.Effective(stp.ContinueOnError) {
			blockErr = errors.PostActionFailure(name, fmt.Errorf("step %d exited with code %d", i+1, out.ExitCode))
			break
		}
	}

	status := StatusSucceeded
	message := ""
	if blockErr != nil {
		status = StatusFailed
		message = blockErr.Error()
	}
	d.Sink.Emit(events.Event{
		Kind:     events.PostActionCompleted,
		Time:     time.Now(),
		Pipeline: pipelineName,
		RunID:    runID,
		Step:     name,
		Status:   string(status),
		Message:  message,
	})

	return blockErr
}
