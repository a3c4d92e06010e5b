package compiler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/liamcoop/riskrules/rules"
)

// renderLeaf renders one condition as a null-safe CEL predicate. Each
// collection hop on the path becomes an exists() over that collection, so an
// absent or empty collection yields false rather than an error.
func renderLeaf(schema *rules.Schema, c rules.Condition) (string, error) {
	path, err := schema.Resolve(c.Field)
	if err != nil {
		return "", err
	}

	type hop struct{ coll, iter string }
	base := schema.Root
	hops := make([]hop, 0, len(path.Collections))
	for i, seg := range path.Collections {
		h := hop{coll: base + "." + seg.Name, iter: "i" + strconv.Itoa(i+1)}
		hops = append(hops, h)
		base = h.iter
	}

	pred, err := predicate(base+"."+path.Field, path.Kind, c)
	if err != nil {
		return "", err
	}
	for i := len(hops) - 1; i >= 0; i-- {
		h := hops[i]
		pred = fmt.Sprintf("(%s && %s.exists(%s, %s))", present(h.coll), h.coll, h.iter, pred)
	}
	return pred, nil
}

func present(field string) string {
	return fmt.Sprintf("(has(%s) && %s != null)", field, field)
}

// predicate renders the operator template for a single field access
func predicate(field string, kind rules.FieldKind, c rules.Condition) (string, error) {
	switch c.Operator {
	case rules.OpIsNull:
		return "!" + present(field), nil
	case rules.OpIsNotNull:
		return present(field), nil
	}

	switch c.Operator {
	case rules.OpEquals, rules.OpNotEquals, rules.OpGT, rules.OpGTE, rules.OpLT, rules.OpLTE:
		lit, err := scalarLiteral(kind, c.Value)
		if err != nil {
			return "", err
		}
		if c.Operator == rules.OpNotEquals {
			return fmt.Sprintf("(!%s || %s != %s)", present(field), field, lit), nil
		}
		return fmt.Sprintf("(%s && %s %s %s)", present(field), field, comparators[c.Operator], lit), nil

	case rules.OpIn, rules.OpNotIn, rules.OpBetween:
		elems, err := listLiterals(kind, c.Value)
		if err != nil {
			return "", err
		}
		switch c.Operator {
		case rules.OpIn:
			return fmt.Sprintf("(%s && %s in [%s])", present(field), field, strings.Join(elems, ", ")), nil
		case rules.OpNotIn:
			return fmt.Sprintf("(!%s || !(%s in [%s]))", present(field), field, strings.Join(elems, ", ")), nil
		}
		if len(elems) != 2 {
			return "", fmt.Errorf("BETWEEN requires exactly 2 bounds, got %d", len(elems))
		}
		return fmt.Sprintf("(%s && %s >= %s && %s <= %s)", present(field), field, elems[0], field, elems[1]), nil

	case rules.OpStrContains, rules.OpStrStartsWith, rules.OpStrEndsWith, rules.OpMatches:
		if kind != rules.KindString {
			return "", fmt.Errorf("operator %s requires a string field", c.Operator)
		}
		if c.Value.Text == nil {
			return "", fmt.Errorf("operator %s requires a text value", c.Operator)
		}
		arg := *c.Value.Text
		if c.Operator == rules.OpMatches {
			arg = "^(?:" + arg + ")$"
		}
		return fmt.Sprintf("(%s && %s.%s(%s))", present(field), field, stringFuncs[c.Operator], strconv.Quote(arg)), nil
	}
	return "", fmt.Errorf("unknown operator %q", c.Operator)
}

var comparators = map[rules.Operator]string{
	rules.OpEquals: "==",
	rules.OpGT:     ">",
	rules.OpGTE:    ">=",
	rules.OpLT:     "<",
	rules.OpLTE:    "<=",
}

var stringFuncs = map[rules.Operator]string{
	rules.OpStrContains:   "contains",
	rules.OpStrStartsWith: "startsWith",
	rules.OpStrEndsWith:   "endsWith",
	rules.OpMatches:       "matches",
}

func scalarLiteral(kind rules.FieldKind, v rules.Value) (string, error) {
	x, err := v.Scalar()
	if err != nil {
		return "", err
	}
	return literal(kind, x)
}

func listLiterals(kind rules.FieldKind, v rules.Value) ([]string, error) {
	elems, err := v.Elements()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(elems))
	for _, e := range elems {
		x, err := rules.CoerceElement(kind, e)
		if err != nil {
			return nil, err
		}
		lit, err := literal(kind, x)
		if err != nil {
			return nil, err
		}
		out = append(out, lit)
	}
	return out, nil
}

// literal renders a Go value as a CEL literal of the type facts of the given
// kind are normalized to
func literal(kind rules.FieldKind, x any) (string, error) {
	switch v := x.(type) {
	case string:
		if kind == rules.KindString {
			return strconv.Quote(v), nil
		}
	case float64:
		if kind.Numeric() {
			return doubleLiteral(v), nil
		}
	case bool:
		if kind == rules.KindBoolean {
			return strconv.FormatBool(v), nil
		}
	case time.Time:
		if kind == rules.KindDateTime {
			return fmt.Sprintf("timestamp(%q)", v.UTC().Format(time.RFC3339Nano)), nil
		}
	}
	return "", fmt.Errorf("value %v (%T) does not match field type %s", x, x, kind)
}

func doubleLiteral(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
