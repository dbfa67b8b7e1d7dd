package pipeline

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/architect-io/runflow/pkg/errors"
)

// Load decodes a YAML pipeline definition, applies kind defaults, and
// validates the resulting tree.
func Load(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(errors.ErrCodeParse, "invalid pipeline definition", err)
	}
	applyDefaults(&p)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadFile reads and decodes a pipeline definition from path.
func LoadFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ParseError(path, err)
	}
	p, err := Load(data)
	if err != nil {
		if e, ok := err.(*errors.Error); ok {
			return nil, e.WithDetail("file", path)
		}
		return nil, err
	}
	return p, nil
}

func applyDefaults(p *Pipeline) {
	for _, st := range p.Stages {
		defaultKind(st)
	}
	for i := range p.Post {
		if p.Post[i].Condition == "" {
			p.Post[i].Condition = ConditionAlways
		}
	}
}

// defaultKind infers the stage kind when the definition omits it: stages
// with steps are leaves, stages with children are sequential composites.
func defaultKind(st *Stage) {
	if st.Kind == "" {
		if len(st.Children) > 0 {
			st.Kind = StageSequential
		} else {
			st.Kind = StageLeaf
		}
	}
	for _, child := range st.Children {
		defaultKind(child)
	}
	for i := range st.Post {
		if st.Post[i].Condition == "" {
			st.Post[i].Condition = ConditionAlways
		}
	}
}
