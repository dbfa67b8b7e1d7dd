package engine

import (
	"time"

	"github.com/architect-io/runflow/pkg/engine/step"
	"github.com/architect-io/runflow/pkg/pipeline"
)

// Status tracks the execution state of a stage or pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// StepResult records one step execution inside a leaf stage.
type StepResult struct {
	Name    string
	Outcome *step.Outcome

	// ContinueOnError is the policy the step declared.
	ContinueOnError bool

	// Effective is the policy-adjusted verdict: true when the step counts
	// as success even if the real exit code was non-zero.
	Effective bool
}

// StageResult records the execution of one stage. It is created when the
// stage begins and immutable once the stage completes.
type StageResult struct {
	Name string
	Path string
	Kind pipeline.StageKind

	Status Status

	// TimedOut marks a failure caused by run-level cancellation.
	TimedOut bool

	StartedAt time.Time
	EndedAt   time.Time

	Steps    []StepResult
	Children []*StageResult

	// Err is the propagated failure cause, nil for succeeded and skipped
	// stages.
	Err error

	// PostErrors collects non-fatal failures from the stage's post-actions.
	PostErrors []error
}

// Duration returns how long the stage ran.
func (r *StageResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Result is the root of a completed pipeline run.
type Result struct {
	RunID    string
	Pipeline string
	Status   Status

	StartedAt time.Time
	EndedAt   time.Time

	Stages []*StageResult

	// PostErrors collects non-fatal failures from pipeline-level
	// post-actions. They never change Status.
	PostErrors []error
}

// Duration returns how long the run took, excluding post-actions.
func (r *Result) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// FirstFailure returns the first stage, in declared order, whose effective
// failure caused the pipeline to fail, along with its failing step when the
// failure came from a step. Both are nil for non-failed runs.
func (r *Result) FirstFailure() (*StageResult, *StepResult) {
	if r.Status != StatusFailed {
		return nil, nil
	}
	for _, sr := range r.Stages {
		if stage := firstFailedStage(sr); stage != nil {
			return stage, failingStep(stage)
		}
	}
	return nil, nil
}

// firstFailedStage walks declared order and descends into the first failed
// child, so composites report the leaf (or aborted stage) that failed first.
func firstFailedStage(sr *StageResult) *StageResult {
	if sr.Status != StatusFailed {
		return nil
	}
	for _, child := range sr.Children {
		if inner := firstFailedStage(child); inner != nil {
			return inner
		}
	}
	return sr
}

func failingStep(sr *StageResult) *StepResult {
	for i := range sr.Steps {
		if !sr.Steps[i].Effective {
			return &sr.Steps[i]
		}
	}
	return nil
}
