// Package engine walks a pipeline's stage tree and drives it to a final
// status: leaf stages run their steps in order, sequential composites skip
// the remainder after a failure, parallel composites fan out and join on all
// children before aggregating.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/architect-io/runflow/pkg/engine/step"
	"github.com/architect-io/runflow/pkg/environ"
	"github.com/architect-io/runflow/pkg/errors"
	"github.com/architect-io/runflow/pkg/events"
	"github.com/architect-io/runflow/pkg/pipeline"
	"github.com/architect-io/runflow/pkg/secrets"
)

const defaultParallelism = 10

// Engine executes pipelines.
type Engine struct {
	runner   step.Runner
	creds    *secrets.Manager
	redactor *secrets.Redactor
	sink     events.Sink
}

// New creates an engine. Nil arguments get working defaults: an ExecRunner
// in the current directory, an env-backed credential manager, a fresh
// redactor, and a no-op event sink.
func New(runner step.Runner, creds *secrets.Manager, red *secrets.Redactor, sink events.Sink) *Engine {
	if red == nil {
		red = secrets.NewRedactor()
	}
	if runner == nil {
		runner = step.NewExecRunner("", red)
	}
	if creds == nil {
		creds = secrets.DefaultManager()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Engine{runner: runner, creds: creds, redactor: red, sink: sink}
}

// RunOptions configures a single pipeline run.
type RunOptions struct {
	// Env seeds the root environment scope.
	Env map[string]string

	// Timeout bounds the whole run. Zero means no deadline. On expiry,
	// running stages fail as timed out, unstarted stages are skipped, and
	// always-post-actions still run.
	Timeout time.Duration

	// Parallelism caps concurrently executing leaf stages.
	Parallelism int
}

// Run executes the pipeline and returns its result. The returned error is
// reserved for invalid input; execution failures are reported through the
// result status.
func (e *Engine) Run(ctx context.Context, p *pipeline.Pipeline, opts RunOptions) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	par := opts.Parallelism
	if par <= 0 {
		par = defaultParallelism
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	res := &Result{
		RunID:     uuid.NewString(),
		Pipeline:  p.Name,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	r := &run{
		engine:   e,
		pipeline: p.Name,
		runID:    res.RunID,
		sem:      make(chan struct{}, par),
	}

	root := environ.NewScope(opts.Env).Derive(p.Env)

	r.emit(events.Event{Kind: events.PipelineStarted})

	// The root behaves as a sequential composite over the top-level stages.
	failed := false
	for _, st := range p.Stages {
		if failed || runCtx.Err() != nil {
			res.Stages = append(res.Stages, r.markSkipped(st, st.Name))
			continue
		}
		sr := r.stage(runCtx, st, st.Name, root)
		res.Stages = append(res.Stages, sr)
		if sr.Status == StatusFailed {
			failed = true
		}
	}

	res.EndedAt = time.Now()
	if failed || runCtx.Err() != nil {
		res.Status = StatusFailed
	} else {
		res.Status = StatusSucceeded
	}

	r.emit(events.Event{
		Kind:     events.PipelineCompleted,
		Status:   string(res.Status),
		Duration: res.Duration(),
	})

	// Post-actions run after the result is finalized, even when the run
	// context already expired.
	d := &Dispatcher{Runner: e.runner, Sink: e.sink}
	res.PostErrors = d.Dispatch(context.WithoutCancel(ctx), res.Status, p.Post, root, r.pipeline, r.runID)

	return res, nil
}

// run carries per-run state shared by the stage walk.
type run struct {
	engine   *Engine
	pipeline string
	runID    string
	sem      chan struct{}
}

func (r *run) emit(ev events.Event) {
	ev.Time = time.Now()
	ev.Pipeline = r.pipeline
	ev.RunID = r.runID
	r.engine.sink.Emit(ev)
}

// stage executes one stage and its post-actions, returning its result. path
// is the slash-separated stage path from the root.
func (r *run) stage(ctx context.Context, st *pipeline.Stage, path string, parent *environ.Scope) *StageResult {
	sr := &StageResult{
		Name:      st.Name,
		Path:      path,
		Kind:      st.Kind,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	r.emit(events.Event{Kind: events.StageStarted, Stage: path})

	// Each stage derives its own scope, so parallel siblings never observe
	// each other's variables.
	base := parent.Derive(st.Env)
	scope := base

	var releases []func()
	aborted := false
	for _, ref := range st.Credentials {
		child, release, err := r.engine.creds.Bind(ctx, ref.ID, ref.Vars, scope, r.engine.redactor)
		if err != nil {
			sr.Status = StatusFailed
			sr.Err = errors.StageAborted(st.Name, err)
			aborted = true
			break
		}
		scope = child
		releases = append(releases, release)
	}

	if !aborted {
		switch st.Kind {
		case pipeline.StageLeaf:
			r.leaf(ctx, st, sr, scope)
		case pipeline.StageSequential:
			r.sequential(ctx, st, sr, path, scope)
		case pipeline.StageParallel:
			r.parallel(ctx, st, sr, path, scope)
		}
	}

	// Credential scopes end with the stage; innermost binds release first.
	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}

	sr.EndedAt = time.Now()

	// Per-stage post-actions run once the stage is terminal, whatever its
	// outcome, and before control returns to the parent. They run without
	// the credential bindings and survive run cancellation.
	if len(st.Post) > 0 && sr.Status != StatusSkipped {
		d := &Dispatcher{Runner: r.engine.runner, Sink: r.engine.sink}
		for _, pa := range st.Post {
			if err := d.runBlock(context.WithoutCancel(ctx), pa, base, r.pipeline, r.runID); err != nil {
				sr.PostErrors = append(sr.PostErrors, err)
			}
		}
	}

	r.emit(events.Event{
		Kind:     events.StageCompleted,
		Stage:    path,
		Status:   string(sr.Status),
		Duration: sr.Duration(),
	})
	return sr
}

func (r *run) leaf(ctx context.Context, st *pipeline.Stage, sr *StageResult, scope *environ.Scope) {
	// Leaf execution is the unit of concurrency: the semaphore bounds how
	// many leaves run steps at once. Composites never hold a slot, so
	// nested parallel stages can't starve the pool.
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		// Never started.
		sr.Status = StatusSkipped
		return
	}

	for i, stp := range st.Steps {
		if ctx.Err() != nil {
			if i == 0 {
				sr.Status = StatusSkipped
				return
			}
			sr.Status = StatusFailed
			sr.TimedOut = true
			sr.Err = errors.TimeoutError("stage " + sr.Path)
			return
		}

		name := st.StepName(i)
		out, err := r.engine.runner.Run(ctx, stp, scope)
		if err != nil {
			sr.Steps = append(sr.Steps, StepResult{Name: name, ContinueOnError: stp.ContinueOnError})
			sr.Status = StatusFailed
			sr.Err = errors.StageAborted(st.Name, err)
			r.emit(events.Event{Kind: events.StepCompleted, Stage: sr.Path, Step: name, Status: string(StatusFailed), Message: err.Error()})
			return
		}

		effective := out.Effective(stp.ContinueOnError)
		sr.Steps = append(sr.Steps, StepResult{
			Name:            name,
			Outcome:         out,
			ContinueOnError: stp.ContinueOnError,
			Effective:       effective,
		})

		status := StatusSucceeded
		if !effective {
			status = StatusFailed
		}
		r.emit(events.Event{
			Kind:     events.StepCompleted,
			Stage:    sr.Path,
			Step:     name,
			Status:   string(status),
			ExitCode: out.ExitCode,
			Duration: out.Duration,
		})

		if !effective {
			sr.Status = StatusFailed
			if out.TimedOut {
				sr.TimedOut = true
				sr.Err = errors.TimeoutError("stage " + sr.Path)
			} else {
				sr.Err = errors.StepFailure(st.Name, name, out.ExitCode)
			}
			return
		}
	}

	sr.Status = StatusSucceeded
}

func (r *run) sequential(ctx context.Context, st *pipeline.Stage, sr *StageResult, path string, scope *environ.Scope) {
	failed := false
	for _, child := range st.Children {
		if failed || ctx.Err() != nil {
			sr.Children = append(sr.Children, r.markSkipped(child, path+"/"+child.Name))
			continue
		}
		cr := r.stage(ctx, child, path+"/"+child.Name, scope)
		sr.Children = append(sr.Children, cr)
		if cr.Status == StatusFailed {
			failed = true
		}
	}
	r.aggregate(ctx, sr)
}

func (r *run) parallel(ctx context.Context, st *pipeline.Stage, sr *StageResult, path string, scope *environ.Scope) {
	results := make([]*StageResult, len(st.Children))

	var wg sync.WaitGroup
	for i, child := range st.Children {
		wg.Add(1)
		go func(i int, child *pipeline.Stage) {
			defer wg.Done()
			// Independently derived scopes keep parallel siblings race-free.
			results[i] = r.stage(ctx, child, path+"/"+child.Name, scope)
		}(i, child)
	}
	// Full join: a failing sibling never short-circuits the others, so
	// parallel test/scan stages all report.
	wg.Wait()

	sr.Children = results
	r.aggregate(ctx, sr)
}

// aggregate computes a composite's status from its children.
func (r *run) aggregate(ctx context.Context, sr *StageResult) {
	failed := false
	for _, child := range sr.Children {
		if child.Status == StatusFailed {
			failed = true
			if sr.Err == nil {
				sr.Err = errors.StageAborted(sr.Name, child.Err)
			}
		}
		if child.TimedOut {
			sr.TimedOut = true
		}
	}
	if failed {
		sr.Status = StatusFailed
		return
	}
	if ctx.Err() != nil {
		// Cancelled mid-walk without a failed child: nothing ran at all
		// means the composite never effectively started.
		if allSkipped(sr.Children) {
			sr.Status = StatusSkipped
			return
		}
		sr.Status = StatusFailed
		sr.TimedOut = true
		sr.Err = errors.TimeoutError("stage " + sr.Path)
		return
	}
	sr.Status = StatusSucceeded
}

func allSkipped(children []*StageResult) bool {
	for _, c := range children {
		if c.Status != StatusSkipped {
			return false
		}
	}
	return true
}

// markSkipped records a stage (and its descendants) that never started.
func (r *run) markSkipped(st *pipeline.Stage, path string) *StageResult {
	now := time.Now()
	sr := &StageResult{
		Name:      st.Name,
		Path:      path,
		Kind:      st.Kind,
		Status:    StatusSkipped,
		StartedAt: now,
		EndedAt:   now,
	}
	for _, child := range st.Children {
		sr.Children = append(sr.Children, r.markSkipped(child, path+"/"+child.Name))
	}
	r.emit(events.Event{Kind: events.StageCompleted, Stage: path, Status: string(StatusSkipped)})
	return sr
}
