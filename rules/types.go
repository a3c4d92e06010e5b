package rules

import (
	"encoding/json"
	"time"
)

// FactType identifies the kind of business object a rule applies to
type FactType string

const (
	FactTypeDeclaration FactType = "Declaration"
	FactTypeCargoReport FactType = "CargoReport"
)

// GroupType is the logical operator of a condition or output group
type GroupType string

const (
	GroupAnd GroupType = "AND"
	GroupOr  GroupType = "OR"
)

// Operator is the comparison applied by a condition leaf
type Operator string

const (
	OpEquals        Operator = "EQUALS"
	OpNotEquals     Operator = "NOT_EQUALS"
	OpGT            Operator = "GT"
	OpGTE           Operator = "GTE"
	OpLT            Operator = "LT"
	OpLTE           Operator = "LTE"
	OpIn            Operator = "IN"
	OpNotIn         Operator = "NOT_IN"
	OpBetween       Operator = "BETWEEN"
	OpStrContains   Operator = "STR_CONTAINS"
	OpStrStartsWith Operator = "STR_STARTS_WITH"
	OpStrEndsWith   Operator = "STR_ENDS_WITH"
	OpMatches       Operator = "MATCHES"
	OpIsNull        Operator = "IS_NULL"
	OpIsNotNull     Operator = "IS_NOT_NULL"
)

// ValueType tags which slot of a Value is populated
type ValueType string

const (
	ValueString  ValueType = "STRING"
	ValueInt     ValueType = "INT"
	ValueLong    ValueType = "LONG"
	ValueDecimal ValueType = "DECIMAL"
	ValueDate    ValueType = "DATE"
	ValueBoolean ValueType = "BOOLEAN"
	ValueEnum    ValueType = "ENUM"
	ValueArray   ValueType = "ARRAY"
	ValueJSON    ValueType = "JSON"
)

// Value is a tagged union: exactly one slot is set, selected by Type.
// STRING and ENUM use Text, INT and LONG use Number, ARRAY and JSON use JSON.
type Value struct {
	Type    ValueType
	Text    *string
	Number  *int64
	Decimal *float64
	Bool    *bool
	Date    *time.Time
	JSON    json.RawMessage
}

// populated counts the slots that carry data
func (v Value) populated() int {
	n := 0
	if v.Text != nil {
		n++
	}
	if v.Number != nil {
		n++
	}
	if v.Decimal != nil {
		n++
	}
	if v.Bool != nil {
		n++
	}
	if v.Date != nil {
		n++
	}
	if len(v.JSON) > 0 {
		n++
	}
	return n
}

// IsZero reports whether no slot is populated
func (v Value) IsZero() bool {
	return v.populated() == 0
}

// Condition is a leaf predicate over one field path of the fact graph
type Condition struct {
	Field    string
	Operator Operator
	Value    Value
}

// Output is the static action record emitted when the owning rule matches
type Output struct {
	Action       string   `json:"action,omitempty" yaml:"action"`
	Result       string   `json:"result,omitempty" yaml:"result"`
	Score        *float64 `json:"score,omitempty" yaml:"score"`
	Flag         string   `json:"flag,omitempty" yaml:"flag"`
	DocumentType string   `json:"documentType,omitempty" yaml:"documentType"`
	DocumentID   string   `json:"documentId,omitempty" yaml:"documentId"`
	Description  string   `json:"description,omitempty" yaml:"description"`
}

// ConditionTree and OutputTree are the two trees every rule owns
type (
	ConditionTree = Tree[Condition]
	OutputTree    = Tree[Output]
)

// DecisionRule is one version of a user-authored rule
type DecisionRule struct {
	ID           int64
	Name         string
	FactType     FactType
	Priority     int
	Active       bool
	Version      int
	ParentRuleID *int64
	IsLatest     bool
	Conditions   ConditionTree
	Outputs      OutputTree
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LineageID is the id shared by every version of the same rule
func (r *DecisionRule) LineageID() int64 {
	if r.ParentRuleID != nil {
		return *r.ParentRuleID
	}
	return r.ID
}
