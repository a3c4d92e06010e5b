package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"gopkg.in/yaml.v3"
)

// RuleSpec is the nested authoring form of a rule, used by rule files and
// tests. ToRule converts it into the arena representation.
type RuleSpec struct {
	ID           int64            `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name"`
	FactType     FactType         `json:"factType" yaml:"factType"`
	Priority     int              `json:"priority" yaml:"priority"`
	Active       *bool            `json:"active,omitempty" yaml:"active,omitempty"`
	Version      int              `json:"version,omitempty" yaml:"version,omitempty"`
	ParentRuleID *int64           `json:"parentRuleId,omitempty" yaml:"parentRuleId,omitempty"`
	When         NodeSpec         `json:"when" yaml:"when"`
	ThenGroup    GroupType        `json:"thenGroup,omitempty" yaml:"thenGroup,omitempty"`
	Then         []OutputNodeSpec `json:"then" yaml:"then"`
}

// RuleFile is the YAML document read by DecodeRuleFile
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// DecodeRuleFile reads a YAML rule file and converts every entry. Unknown
// keys are rejected.
func DecodeRuleFile(r io.Reader) ([]*DecisionRule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f RuleFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode rule file: %w", err)
	}

	out := make([]*DecisionRule, 0, len(f.Rules))
	for i, spec := range f.Rules {
		r, err := spec.ToRule()
		if err != nil {
			return nil, fmt.Errorf("rules[%d] %q: %w", i, spec.Name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// NodeSpec is either a group (And or Or set) or a condition leaf
type NodeSpec struct {
	And   []NodeSpec `json:"and,omitempty" yaml:"and,omitempty"`
	Or    []NodeSpec `json:"or,omitempty" yaml:"or,omitempty"`
	Field string     `json:"field,omitempty" yaml:"field,omitempty"`
	Op    Operator   `json:"op,omitempty" yaml:"op,omitempty"`
	Type  ValueType  `json:"type,omitempty" yaml:"type,omitempty"`
	Value any        `json:"value,omitempty" yaml:"value,omitempty"`
}

// OutputNodeSpec is either an output group or an output leaf
type OutputNodeSpec struct {
	Output `yaml:",inline"`
	And    []OutputNodeSpec `json:"and,omitempty" yaml:"and,omitempty"`
	Or     []OutputNodeSpec `json:"or,omitempty" yaml:"or,omitempty"`
}

func (n NodeSpec) group() (GroupType, []NodeSpec, bool) {
	switch {
	case n.And != nil:
		return GroupAnd, n.And, true
	case n.Or != nil:
		return GroupOr, n.Or, true
	}
	return "", nil, false
}

func (n OutputNodeSpec) group() (GroupType, []OutputNodeSpec, bool) {
	switch {
	case n.And != nil:
		return GroupAnd, n.And, true
	case n.Or != nil:
		return GroupOr, n.Or, true
	}
	return "", nil, false
}

// ToRule builds a DecisionRule. Node ids are assigned in pre-order starting at 1.
func (s RuleSpec) ToRule() (*DecisionRule, error) {
	r := &DecisionRule{
		ID:           s.ID,
		Name:         s.Name,
		FactType:     s.FactType,
		Priority:     s.Priority,
		Active:       s.Active == nil || *s.Active,
		Version:      s.Version,
		ParentRuleID: s.ParentRuleID,
		IsLatest:     true,
	}
	if r.Version == 0 {
		r.Version = 1
	}

	var nextID int64
	id := func() int64 { nextID++; return nextID }

	rootGroup, children, ok := s.When.group()
	if !ok {
		rootGroup = GroupAnd
		children = nil
		if s.When.Field != "" {
			children = []NodeSpec{s.When}
		}
	}
	r.Conditions = NewTree[Condition](id(), rootGroup)
	if err := addConditions(&r.Conditions, r.Conditions.Root, children, id); err != nil {
		return nil, fmt.Errorf("rule %d: %w", s.ID, err)
	}

	thenGroup := s.ThenGroup
	if thenGroup == "" {
		thenGroup = GroupAnd
	}
	nextID = 0
	r.Outputs = NewTree[Output](id(), thenGroup)
	addOutputs(&r.Outputs, r.Outputs.Root, s.Then, id)

	return r, nil
}

func addConditions(t *ConditionTree, parent int, specs []NodeSpec, id func() int64) error {
	for _, spec := range specs {
		if g, children, ok := spec.group(); ok {
			if spec.Field != "" {
				return fmt.Errorf("node mixes a group with field %q", spec.Field)
			}
			idx := t.AddGroup(parent, id(), g)
			if err := addConditions(t, idx, children, id); err != nil {
				return err
			}
			continue
		}
		value, err := spec.toValue()
		if err != nil {
			return fmt.Errorf("condition on %s: %w", spec.Field, err)
		}
		t.AddLeaf(parent, id(), Condition{Field: spec.Field, Operator: spec.Op, Value: value})
	}
	return nil
}

func addOutputs(t *OutputTree, parent int, specs []OutputNodeSpec, id func() int64) {
	for _, spec := range specs {
		if g, children, ok := spec.group(); ok {
			idx := t.AddGroup(parent, id(), g)
			addOutputs(t, idx, children, id)
			continue
		}
		t.AddLeaf(parent, id(), spec.Output)
	}
}

func (n NodeSpec) toValue() (Value, error) {
	if n.Type == "" || n.Value == nil {
		return Value{Type: n.Type}, nil
	}
	v := Value{Type: n.Type}
	switch n.Type {
	case ValueString, ValueEnum:
		s, ok := n.Value.(string)
		if !ok {
			return v, fmt.Errorf("%s value must be a string, got %T", n.Type, n.Value)
		}
		v.Text = &s
	case ValueInt, ValueLong:
		f, ok := toFloat(n.Value)
		if !ok || f != math.Trunc(f) {
			return v, fmt.Errorf("%s value must be an integer, got %v", n.Type, n.Value)
		}
		i := int64(f)
		v.Number = &i
	case ValueDecimal:
		f, ok := toFloat(n.Value)
		if !ok {
			return v, fmt.Errorf("DECIMAL value must be a number, got %T", n.Value)
		}
		v.Decimal = &f
	case ValueBoolean:
		b, ok := n.Value.(bool)
		if !ok {
			return v, fmt.Errorf("BOOLEAN value must be a bool, got %T", n.Value)
		}
		v.Bool = &b
	case ValueDate:
		var t time.Time
		switch d := n.Value.(type) {
		case time.Time:
			t = d.UTC()
		case string:
			parsed, err := ParseDate(d)
			if err != nil {
				return v, err
			}
			t = parsed
		default:
			return v, fmt.Errorf("DATE value must be a date string, got %T", n.Value)
		}
		v.Date = &t
	case ValueArray, ValueJSON:
		raw, err := json.Marshal(n.Value)
		if err != nil {
			return v, fmt.Errorf("encode %s value: %w", n.Type, err)
		}
		v.JSON = raw
	default:
		return v, fmt.Errorf("unknown value type %q", n.Type)
	}
	return v, nil
}

func toFloat(x any) (float64, bool) {
	switch n := x.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
