package ast

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML decodes a step mapping into the tagged union using the
// "step" discriminator key.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var probe struct {
		Step string `yaml:"step"`
	}
	if err := node.Decode(&probe); err != nil {
		return err
	}

	switch StepKind(probe.Step) {
	case StepValidate:
		v := &ValidateStep{}
		if err := node.Decode(v); err != nil {
			return err
		}
		s.Kind, s.Validate = StepValidate, v
	case StepWrite:
		w := &WriteStep{}
		if err := node.Decode(w); err != nil {
			return err
		}
		if w.Kind == "" {
			return fmt.Errorf("write step missing kind (insert|update|delete)")
		}
		switch w.Kind {
		case WriteInsert, WriteUpdate, WriteDelete:
		default:
			return fmt.Errorf("write step has unknown kind %q", w.Kind)
		}
		s.Kind, s.Write = StepWrite, w
	case StepConditional:
		c := &ConditionalStep{}
		if err := node.Decode(c); err != nil {
			return err
		}
		s.Kind, s.Conditional = StepConditional, c
	case StepLoop:
		l := &LoopStep{}
		if err := node.Decode(l); err != nil {
			return err
		}
		s.Kind, s.Loop = StepLoop, l
	case StepCall:
		c := &CallStep{}
		if err := node.Decode(c); err != nil {
			return err
		}
		s.Kind, s.Call = StepCall, c
	case StepNotify:
		n := &NotifyStep{}
		if err := node.Decode(n); err != nil {
			return err
		}
		s.Kind, s.Notify = StepNotify, n
	case StepRefresh:
		r := &RefreshStep{}
		if err := node.Decode(r); err != nil {
			return err
		}
		if r.Scope == "" {
			r.Scope = RefreshSelf
		}
		switch r.Scope {
		case RefreshSelf, RefreshRelated, RefreshPropagate, RefreshBatch:
		default:
			return fmt.Errorf("refresh step has unknown scope %q", r.Scope)
		}
		s.Kind, s.Refresh = StepRefresh, r
	case "":
		return fmt.Errorf("step mapping missing 'step' discriminator")
	default:
		return fmt.Errorf("unknown step kind %q", probe.Step)
	}
	return nil
}

// DecodeActionSpec parses a single ActionSpec document
func DecodeActionSpec(data []byte) (*ActionSpec, error) {
	spec := &ActionSpec{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("decode action spec: %w", err)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("action spec missing name")
	}
	if spec.Entity == "" {
		return nil, fmt.Errorf("action '%s' missing target entity", spec.Name)
	}
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("action '%s' has no steps", spec.Name)
	}
	return spec, nil
}

// LoadActionSpec reads and parses an ActionSpec file
func LoadActionSpec(path string) (*ActionSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read action spec: %w", err)
	}
	return DecodeActionSpec(data)
}
