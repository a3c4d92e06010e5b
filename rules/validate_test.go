package rules

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func declaration(t *testing.T) *Schema {
	t.Helper()
	s, ok := DefaultRegistry().Lookup(FactTypeDeclaration)
	if !ok {
		t.Fatal("Declaration schema is not registered")
	}
	return s
}

// TestValidateCondition verifies operator, path and value-type checks
func TestValidateCondition(t *testing.T) {
	schema := declaration(t)
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		cond    Condition
		wantErr string
	}{
		{"string equals", Condition{"declaration.officeId", OpEquals, StringValue("ABC")}, ""},
		{"enum equals", Condition{"declaration.typeCode", OpEquals, EnumValue("IM")}, ""},
		{"integer greater than", Condition{"declaration.packageQuantity", OpGT, IntValue(5)}, ""},
		{"decimal compared with long", Condition{"declaration.invoiceAmount", OpGTE, LongValue(100)}, ""},
		{"datetime before", Condition{"declaration.submissionDateTime", OpLT, DateValue(date)}, ""},
		{"nested collection", Condition{"declaration.governmentAgencyGoodsItems.hsId", OpStrStartsWith, StringValue("8471")}, ""},
		{"in list", Condition{"declaration.consignorCountryId", OpIn, ArrayValue("CN", "HK")}, ""},
		{"between", Condition{"declaration.totalGrossMassMeasure", OpBetween, ArrayValue(10, 20)}, ""},
		{"is null ignores value", Condition{"declaration.ucr", OpIsNull, Value{Type: ValueDecimal}}, ""},
		{"matches", Condition{"declaration.declarantName", OpMatches, StringValue("ACME.*")}, ""},
		{"multibyte text", Condition{"declaration.declarantName", OpStrContains, StringValue("Zürich")}, ""},

		{"unknown root", Condition{"cargo.officeId", OpEquals, StringValue("A")}, "unresolvable field path"},
		{"unknown field", Condition{"declaration.nope", OpEquals, StringValue("A")}, "unresolvable field path"},
		{"unknown relation", Condition{"declaration.items.hsId", OpEquals, StringValue("A")}, "unresolvable field path"},
		{"string vs number", Condition{"declaration.officeId", OpEquals, IntValue(1)}, "cannot compare"},
		{"ordering on string", Condition{"declaration.officeId", OpGT, StringValue("A")}, "numeric or datetime"},
		{"substring on number", Condition{"declaration.invoiceAmount", OpStrContains, StringValue("1")}, "requires a string field"},
		{"in without array", Condition{"declaration.officeId", OpIn, StringValue("A")}, "requires an ARRAY value"},
		{"between with three bounds", Condition{"declaration.invoiceAmount", OpBetween, ArrayValue(1, 2, 3)}, "exactly 2"},
		{"in with wrong element", Condition{"declaration.invoiceAmount", OpIn, ArrayValue("x")}, "does not match field type"},
		{"bad regex", Condition{"declaration.officeId", OpMatches, StringValue("(")}, "invalid MATCHES pattern"},
		{"unknown operator", Condition{"declaration.officeId", "LIKE", StringValue("A")}, "unknown operator"},
		{"invalid utf-8 text", Condition{"declaration.officeId", OpEquals, StringValue("A\xffB")}, "not valid UTF-8"},
		{"invalid utf-8 pattern", Condition{"declaration.officeId", OpMatches, StringValue("\xc3")}, "not valid UTF-8"},
		{"invalid utf-8 array element", Condition{"declaration.officeId", OpIn, Value{Type: ValueArray, JSON: []byte("[\"\xff\"]")}}, "not valid UTF-8"},
		{"int overflow", Condition{"declaration.packageQuantity", OpEquals, IntValue(1 << 40)}, "overflows 32 bits"},
		{"two slots", Condition{"declaration.officeId", OpEquals, func() Value {
			v := StringValue("A")
			n := int64(1)
			v.Number = &n
			return v
		}()}, "exactly one slot"},
		{"wrong slot", Condition{"declaration.officeId", OpEquals, func() Value {
			s := "A"
			return Value{Type: ValueInt, Text: &s}
		}()}, "wrong slot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCondition(tt.cond, schema)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateCondition() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateCondition() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestValidateRule verifies rule-level failures carry the rule and node ids
func TestValidateRule(t *testing.T) {
	schema := declaration(t)

	valid, err := RuleSpec{
		ID:       7,
		FactType: FactTypeDeclaration,
		When: NodeSpec{And: []NodeSpec{
			{Field: "declaration.officeId", Op: OpEquals, Type: ValueString, Value: "A"},
			{Field: "declaration.nope", Op: OpIsNotNull},
		}},
	}.ToRule()
	if err != nil {
		t.Fatalf("ToRule() failed: %v", err)
	}

	err = Validate(valid, schema)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Validate() error = %v, want *ValidationError", err)
	}
	if ve.RuleID != 7 || ve.NodeID != 3 {
		t.Errorf("ValidationError = rule %d node %d, want rule 7 node 3", ve.RuleID, ve.NodeID)
	}

	foreign := &DecisionRule{ID: 8, FactType: FactTypeCargoReport, Conditions: NewTree[Condition](1, GroupAnd), Outputs: NewTree[Output](1, GroupAnd)}
	if err := Validate(foreign, schema); !errors.As(err, &ve) || ve.RuleID != 8 {
		t.Errorf("Validate() on a foreign fact type = %v", err)
	}
	if err := Validate(foreign, nil); !errors.As(err, &ve) {
		t.Errorf("Validate() without a schema = %v", err)
	}

	broken := &DecisionRule{ID: 9, FactType: FactTypeDeclaration, Conditions: NewTree[Condition](1, GroupAnd), Outputs: NewTree[Output](1, GroupAnd)}
	broken.Outputs.AddLeaf(broken.Outputs.Root, 2, Output{Action: "FLAG"})
	broken.Outputs.Nodes[1].Children = []int{0}
	err = Validate(broken, schema)
	if !errors.As(err, &ve) || ve.NodeID != 2 || !strings.Contains(ve.Reason, "output tree") {
		t.Errorf("Validate() on a broken output tree = %v", err)
	}
}
