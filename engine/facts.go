package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/liamcoop/riskrules/rules"
)

// Fact is one business object to evaluate: the root entity of Type with its
// nested collections, as decoded from JSON
type Fact struct {
	Type rules.FactType `json:"type"`
	Data map[string]any `json:"data"`
}

// normalizeFact copies data into the shape the compiled guards expect.
// Declared scalar fields are converted to float64, string, bool or
// time.Time, missing fields become nil, collections become lists of maps and
// undeclared keys are dropped.
func normalizeFact(schema *rules.Schema, data map[string]any) (map[string]any, error) {
	if data == nil {
		return nil, &ExecutionError{Kind: KindInvalidFact, FactType: schema.FactType, Message: "fact has no data"}
	}
	id, ok := data[schema.IDField]
	if !ok || id == nil || isBlank(id) {
		return nil, &ExecutionError{
			Kind:     KindMissingIdentifier,
			FactType: schema.FactType,
			Message:  fmt.Sprintf("fact is missing required identifier %s.%s", schema.Root, schema.IDField),
		}
	}

	out, err := normalizeEntity(schema.Root, schema.Entity, data)
	if err != nil {
		return nil, &ExecutionError{Kind: KindInvalidFact, FactType: schema.FactType, Message: err.Error()}
	}
	return out, nil
}

func isBlank(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func normalizeEntity(path string, e *rules.Entity, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(e.Fields)+len(e.Relations))
	for name, kind := range e.Fields {
		raw, ok := data[name]
		if !ok || raw == nil {
			out[name] = nil
			continue
		}
		v, err := normalizeScalar(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", path, name, err)
		}
		out[name] = v
	}

	for name, child := range e.Relations {
		raw, ok := data[name]
		if !ok || raw == nil {
			out[name] = []any{}
			continue
		}
		elems, err := asList(raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", path, name, err)
		}
		list := make([]any, 0, len(elems))
		for i, elem := range elems {
			m, ok := elem.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s.%s[%d]: expected an object, got %T", path, name, i, elem)
			}
			n, err := normalizeEntity(fmt.Sprintf("%s.%s[%d]", path, name, i), child, m)
			if err != nil {
				return nil, err
			}
			list = append(list, n)
		}
		out[name] = list
	}
	return out, nil
}

func asList(raw any) ([]any, error) {
	switch v := raw.(type) {
	case []any:
		return v, nil
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", raw)
}

func normalizeScalar(kind rules.FieldKind, raw any) (any, error) {
	switch kind {
	case rules.KindString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case json.Number:
			return v.String(), nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		}

	case rules.KindInteger, rules.KindDecimal:
		f, ok := toFloat(raw)
		if !ok {
			break
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number must be finite")
		}
		if kind == rules.KindInteger && f != math.Trunc(f) {
			return nil, fmt.Errorf("expected an integer, got %v", f)
		}
		return f, nil

	case rules.KindBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, nil
			}
		}

	case rules.KindDateTime:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			return rules.ParseDate(v)
		}
	}
	return nil, fmt.Errorf("cannot use %v (%T) as %s", raw, raw, kind)
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
