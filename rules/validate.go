package rules

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// ValidationError rejects a rule before any build starts
type ValidationError struct {
	RuleID int64
	NodeID int64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rule %d node %d: %s", e.RuleID, e.NodeID, e.Reason)
}

// Validate checks both trees of a rule against the schema of its fact type.
// Valid rules are safe to hand to the compiler.
func Validate(r *DecisionRule, schema *Schema) error {
	if schema == nil {
		return &ValidationError{RuleID: r.ID, Reason: fmt.Sprintf("no schema registered for fact type %q", r.FactType)}
	}
	if r.FactType != schema.FactType {
		return &ValidationError{RuleID: r.ID, Reason: fmt.Sprintf("rule fact type %q does not match schema %q", r.FactType, schema.FactType)}
	}

	err := r.Conditions.Walk(func(_ int, n *Node[Condition]) error {
		if n.Kind != KindLeaf {
			return nil
		}
		if err := ValidateCondition(n.Leaf, schema); err != nil {
			return &ValidationError{RuleID: r.ID, NodeID: n.ID, Reason: err.Error()}
		}
		return nil
	})
	if err != nil {
		return asValidationError(r.ID, "condition tree", err)
	}

	err = r.Outputs.Walk(nil)
	if err != nil {
		return asValidationError(r.ID, "output tree", err)
	}
	return nil
}

func asValidationError(ruleID int64, tree string, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	var te *TreeError
	if errors.As(err, &te) {
		return &ValidationError{RuleID: ruleID, NodeID: te.NodeID, Reason: tree + ": " + te.Reason}
	}
	return &ValidationError{RuleID: ruleID, Reason: tree + ": " + err.Error()}
}

// ValidateCondition checks one leaf: the path resolves, the operator is known
// and accepts the value type, and the value agrees with the field's kind
func ValidateCondition(c Condition, schema *Schema) error {
	path, err := schema.Resolve(c.Field)
	if err != nil {
		return fmt.Errorf("unresolvable field path: %w", err)
	}

	switch c.Operator {
	case OpIsNull, OpIsNotNull:
		// any value slot is ignored
		return nil
	}

	if err := c.Value.checkSlot(); err != nil {
		return err
	}
	if (c.Value.Text != nil && !utf8.ValidString(*c.Value.Text)) || !utf8.Valid(c.Value.JSON) {
		return fmt.Errorf("%s value is not valid UTF-8", c.Value.Type)
	}

	kind := path.Kind
	switch c.Operator {
	case OpEquals, OpNotEquals:
		if !scalarMatchesKind(c.Value.Type, kind) {
			return mismatch(c, kind)
		}

	case OpGT, OpGTE, OpLT, OpLTE:
		if !kind.Numeric() && kind != KindDateTime {
			return fmt.Errorf("operator %s requires a numeric or datetime field, %s is %s", c.Operator, c.Field, kind)
		}
		if !scalarMatchesKind(c.Value.Type, kind) {
			return mismatch(c, kind)
		}

	case OpIn, OpNotIn, OpBetween:
		if c.Value.Type != ValueArray && c.Value.Type != ValueJSON {
			return fmt.Errorf("operator %s requires an ARRAY value, got %s", c.Operator, c.Value.Type)
		}
		elems, err := c.Value.Elements()
		if err != nil {
			return err
		}
		if c.Operator == OpBetween {
			if len(elems) != 2 {
				return fmt.Errorf("operator BETWEEN requires exactly 2 array elements, got %d", len(elems))
			}
			if !kind.Numeric() && kind != KindDateTime {
				return fmt.Errorf("operator BETWEEN requires a numeric or datetime field, %s is %s", c.Field, kind)
			}
		}
		for _, e := range elems {
			if _, err := CoerceElement(kind, e); err != nil {
				return err
			}
		}

	case OpStrContains, OpStrStartsWith, OpStrEndsWith, OpMatches:
		if kind != KindString {
			return fmt.Errorf("operator %s requires a string field, %s is %s", c.Operator, c.Field, kind)
		}
		if c.Value.Type != ValueString && c.Value.Type != ValueEnum {
			return mismatch(c, kind)
		}
		if c.Operator == OpMatches {
			if _, err := regexp.Compile(*c.Value.Text); err != nil {
				return fmt.Errorf("invalid MATCHES pattern: %w", err)
			}
		}

	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	return nil
}

func mismatch(c Condition, kind FieldKind) error {
	return fmt.Errorf("operator %s cannot compare %s field %s with a %s value", c.Operator, kind, c.Field, c.Value.Type)
}
