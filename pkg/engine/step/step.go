// Package step runs individual pipeline commands as OS processes.
package step

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/architect-io/runflow/pkg/environ"
	"github.com/architect-io/runflow/pkg/pipeline"
	"github.com/architect-io/runflow/pkg/secrets"
)

// Outcome is the result of one step execution. The real exit code is always
// recorded, even when the step's soft-fail policy absorbs the failure.
type Outcome struct {
	ExitCode int
	Duration time.Duration

	// Output is the captured, redacted combined stdout/stderr. Empty unless
	// the step enables capture.
	Output string

	// TimedOut is set when the step was interrupted by cancellation or a
	// run-level deadline.
	TimedOut bool
}

// Effective reports whether the outcome counts as success under the step's
// failure policy. Timeouts are never absorbed by continueOnError.
func (o *Outcome) Effective(continueOnError bool) bool {
	if o.TimedOut {
		return false
	}
	return o.ExitCode == 0 || continueOnError
}

// Runner executes a single step within a scope. A non-nil error indicates an
// infrastructure failure (the process could not be started); command
// failures are reported through the outcome's exit code.
type Runner interface {
	Run(ctx context.Context, st pipeline.Step, scope *environ.Scope) (*Outcome, error)
}

// ExecRunner runs steps via os/exec. Shell command strings run under
// "sh -c"; explicit argument vectors spawn directly.
type ExecRunner struct {
	// WorkDir is the working directory for every step. All stages share it;
	// serializing stages that write the same paths is the pipeline author's
	// responsibility.
	WorkDir string

	// Redactor masks registered secrets in captured and streamed output.
	Redactor *secrets.Redactor

	// Output receives streamed process output for steps that don't capture.
	// Nil discards it.
	Output io.Writer
}

// NewExecRunner creates a runner executing in workDir.
func NewExecRunner(workDir string, red *secrets.Redactor) *ExecRunner {
	if red == nil {
		red = secrets.NewRedactor()
	}
	return &ExecRunner{WorkDir: workDir, Redactor: red}
}

// Run executes the step with the scope materialized as its environment.
func (r *ExecRunner) Run(ctx context.Context, st pipeline.Step, scope *environ.Scope) (*Outcome, error) {
	start := time.Now()

	var cmd *exec.Cmd
	if len(st.Args) > 0 {
		argv := make([]string, len(st.Args))
		for i, a := range st.Args {
			v, err := scope.Interpolate(a)
			if err != nil {
				return nil, fmt.Errorf("failed to interpolate argument %q: %w", a, err)
			}
			argv[i] = v
		}
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	} else {
		line, err := scope.Interpolate(st.Command)
		if err != nil {
			return nil, fmt.Errorf("failed to interpolate command %q: %w", st.Command, err)
		}
		cmd = exec.CommandContext(ctx, "sh", "-c", line)
	}

	cmd.Dir = r.WorkDir
	cmd.Env = materializeEnv(scope)

	var buf bytes.Buffer
	if st.CaptureOutput {
		cmd.Stdout = &buf
		cmd.Stderr = &buf
	} else {
		out := r.Output
		if out == nil {
			out = io.Discard
		}
		out = r.Redactor.Wrap(out)
		cmd.Stdout = out
		cmd.Stderr = out
	}

	err := cmd.Run()

	outcome := &Outcome{Duration: time.Since(start)}
	if st.CaptureOutput {
		outcome.Output = r.Redactor.Redact(buf.String())
	}

	if ctx.Err() != nil {
		outcome.TimedOut = true
		outcome.ExitCode = -1
		return outcome, nil
	}

	switch e := err.(type) {
	case nil:
		outcome.ExitCode = 0
	case *exec.ExitError:
		outcome.ExitCode = e.ExitCode()
	default:
		return nil, fmt.Errorf("failed to start step: %w", err)
	}

	return outcome, nil
}

// materializeEnv flattens the scope over the process environment. Scope
// values are interpolated lazily, at materialization time, so a stage-local
// value can reference variables from enclosing scopes.
func materializeEnv(scope *environ.Scope) []string {
	flat := scope.Flatten()

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		v, err := scope.Interpolate(flat[k])
		if err != nil {
			// Strict-mode failures fall back to the raw value; the command
			// line interpolation already surfaced the error to the caller.
			v = flat[k]
		}
		env = append(env, k+"="+v)
	}
	return env
}
