// Package pipeline defines the stage tree consumed by the execution engine.
package pipeline

import (
	"fmt"

	"github.com/architect-io/runflow/pkg/errors"
)

// StageKind identifies how a stage's work is organized.
type StageKind string

const (
	// StageLeaf runs an ordered list of steps.
	StageLeaf StageKind = "leaf"

	// StageSequential runs child stages in declared order, skipping the
	// remainder after the first failure.
	StageSequential StageKind = "sequential"

	// StageParallel runs child stages concurrently and joins on all of them.
	StageParallel StageKind = "parallel"
)

// Condition selects when a post-action block runs.
type Condition string

const (
	ConditionAlways  Condition = "always"
	ConditionSuccess Condition = "success"
	ConditionFailure Condition = "failure"
)

// Step is one external command invocation.
type Step struct {
	// Name identifies the step in results and events. Optional; steps
	// without a name report by position.
	Name string `yaml:"name,omitempty"`

	// Command is a shell command line, run via "sh -c" after interpolation.
	Command string `yaml:"command,omitempty"`

	// Args is an explicit argument vector, used instead of Command when set.
	Args []string `yaml:"args,omitempty"`

	// ContinueOnError records but does not propagate a non-zero exit.
	ContinueOnError bool `yaml:"continueOnError,omitempty"`

	// CaptureOutput buffers combined stdout/stderr on the step outcome.
	CaptureOutput bool `yaml:"captureOutput,omitempty"`
}

// CredentialRef requests a credential binding for the duration of a stage.
type CredentialRef struct {
	// ID of the credential in the credential store.
	ID string `yaml:"id"`

	// Vars maps secret components (e.g. "username") to environment variable
	// names visible inside the stage.
	Vars map[string]string `yaml:"vars"`
}

// PostAction is a block of steps run after a stage or pipeline completes.
type PostAction struct {
	Name      string    `yaml:"name,omitempty"`
	Condition Condition `yaml:"condition,omitempty"`
	Steps     []Step    `yaml:"steps"`
}

// Stage is a named unit of pipeline work: either a leaf with steps or a
// composite with children.
type Stage struct {
	Name string    `yaml:"name"`
	Kind StageKind `yaml:"kind,omitempty"`

	// Steps are only valid on leaf stages.
	Steps []Step `yaml:"steps,omitempty"`

	// Children are only valid on composite stages.
	Children []*Stage `yaml:"stages,omitempty"`

	// Env holds stage-local variables layered over the parent scope.
	Env map[string]string `yaml:"env,omitempty"`

	// Credentials are bound into the stage's scope for its duration.
	Credentials []CredentialRef `yaml:"credentials,omitempty"`

	// Post blocks run after the stage reaches a terminal state, regardless
	// of its outcome.
	Post []PostAction `yaml:"post,omitempty"`
}

// Pipeline is the root of a stage tree. It is immutable once a run starts.
type Pipeline struct {
	Name   string            `yaml:"name"`
	Env    map[string]string `yaml:"env,omitempty"`
	Stages []*Stage          `yaml:"stages"`

	// Post blocks run once the whole pipeline completes, selected by
	// condition against the final status.
	Post []PostAction `yaml:"post,omitempty"`
}

// Validate checks the structural invariants of the stage tree.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return errors.ValidationError("pipeline name is required", nil)
	}
	if len(p.Stages) == 0 {
		return errors.ValidationError("pipeline has no stages", map[string]interface{}{
			"pipeline": p.Name,
		})
	}
	if err := validateSiblings(p.Stages, p.Name); err != nil {
		return err
	}
	for _, pa := range p.Post {
		if err := validatePostAction(pa, p.Name, false); err != nil {
			return err
		}
	}
	return nil
}

func validateSiblings(stages []*Stage, parent string) error {
	seen := make(map[string]bool, len(stages))
	for _, st := range stages {
		if st.Name == "" {
			return errors.ValidationError("stage name is required", map[string]interface{}{
				"parent": parent,
			})
		}
		if seen[st.Name] {
			return errors.ValidationError(fmt.Sprintf("duplicate stage name %q", st.Name), map[string]interface{}{
				"parent": parent,
			})
		}
		seen[st.Name] = true
		if err := st.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stage) validate() error {
	switch s.Kind {
	case StageLeaf:
		if len(s.Children) > 0 {
			return errors.ValidationError(fmt.Sprintf("leaf stage %q has child stages", s.Name), nil)
		}
		if len(s.Steps) == 0 {
			return errors.ValidationError(fmt.Sprintf("leaf stage %q has no steps", s.Name), nil)
		}
		for i, step := range s.Steps {
			if err := validateStep(step, s.Name, i); err != nil {
				return err
			}
		}
	case StageSequential, StageParallel:
		if len(s.Steps) > 0 {
			return errors.ValidationError(fmt.Sprintf("composite stage %q has direct steps", s.Name), nil)
		}
		if len(s.Children) == 0 {
			return errors.ValidationError(fmt.Sprintf("composite stage %q has no child stages", s.Name), nil)
		}
		if err := validateSiblings(s.Children, s.Name); err != nil {
			return err
		}
	default:
		return errors.ValidationError(fmt.Sprintf("stage %q has unknown kind %q", s.Name, s.Kind), nil)
	}

	for _, ref := range s.Credentials {
		if ref.ID == "" {
			return errors.ValidationError(fmt.Sprintf("stage %q has a credential reference without an id", s.Name), nil)
		}
		if len(ref.Vars) == 0 {
			return errors.ValidationError(fmt.Sprintf("credential %q in stage %q maps no variables", ref.ID, s.Name), nil)
		}
	}
	for _, pa := range s.Post {
		if err := validatePostAction(pa, s.Name, true); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step, stage string, index int) error {
	if step.Command == "" && len(step.Args) == 0 {
		return errors.ValidationError("step has neither a command nor args", map[string]interface{}{
			"stage": stage,
			"step":  index,
		})
	}
	if step.Command != "" && len(step.Args) > 0 {
		return errors.ValidationError("step sets both a command and args", map[string]interface{}{
			"stage": stage,
			"step":  index,
		})
	}
	return nil
}

func validatePostAction(pa PostAction, owner string, stageLevel bool) error {
	switch pa.Condition {
	case ConditionAlways:
	case ConditionSuccess, ConditionFailure:
		// Stage-level post blocks mirror per-stage `always` cleanup; outcome
		// conditions only exist at pipeline level.
		if stageLevel {
			return errors.ValidationError(fmt.Sprintf("stage %q post-action uses condition %q; stage post-actions always run", owner, pa.Condition), nil)
		}
	default:
		return errors.ValidationError(fmt.Sprintf("post-action in %q has unknown condition %q", owner, pa.Condition), nil)
	}
	if len(pa.Steps) == 0 {
		return errors.ValidationError(fmt.Sprintf("post-action in %q has no steps", owner), nil)
	}
	for i, step := range pa.Steps {
		if err := validateStep(step, owner, i); err != nil {
			return err
		}
	}
	return nil
}

// StepName returns the display name of the step at index i.
func (s *Stage) StepName(i int) string {
	if i < len(s.Steps) && s.Steps[i].Name != "" {
		return s.Steps[i].Name
	}
	return fmt.Sprintf("step-%d", i+1)
}
