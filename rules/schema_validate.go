package rules

import (
	"fmt"
	"regexp"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateSchema checks that every name in the schema can be rendered into
// rule source as a plain identifier
func ValidateSchema(s *Schema) error {
	if s == nil || s.Entity == nil {
		return fmt.Errorf("schema must declare a root entity")
	}
	if s.FactType == "" {
		return fmt.Errorf("schema must declare a fact type")
	}
	if err := validateIdentifier(s.Root); err != nil {
		return fmt.Errorf("invalid root variable %q: %w", s.Root, err)
	}
	if kind, ok := s.Entity.Fields[s.IDField]; !ok || kind != KindString {
		return fmt.Errorf("identifier field %q must be a string field of %s", s.IDField, s.Entity.Name)
	}
	return validateEntity(s.Entity, map[*Entity]bool{})
}

func validateEntity(e *Entity, seen map[*Entity]bool) error {
	if seen[e] {
		return fmt.Errorf("entity %q is reachable through a relation cycle", e.Name)
	}
	seen[e] = true
	defer delete(seen, e)

	if len(e.Fields) == 0 {
		return fmt.Errorf("entity %q must contain at least one field", e.Name)
	}

	for name, kind := range e.Fields {
		if err := validateIdentifier(name); err != nil {
			return fmt.Errorf("invalid field name %q in entity %q: %w", name, e.Name, err)
		}
		if !isValidFieldKind(kind) {
			return fmt.Errorf("field %q in entity %q has invalid type %q", name, e.Name, kind)
		}
	}

	for name, child := range e.Relations {
		if err := validateIdentifier(name); err != nil {
			return fmt.Errorf("invalid relation name %q in entity %q: %w", name, e.Name, err)
		}
		if _, clash := e.Fields[name]; clash {
			return fmt.Errorf("relation %q in entity %q shadows a field", name, e.Name)
		}
		if err := validateEntity(child, seen); err != nil {
			return err
		}
	}
	return nil
}

// validateIdentifier rejects names that cannot appear unquoted in CEL source
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$")
	}
	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

func isValidFieldKind(kind FieldKind) bool {
	switch kind {
	case KindString, KindInteger, KindDecimal, KindBoolean, KindDateTime:
		return true
	}
	return false
}

// isReservedKeyword lists CEL literals and reserved words
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		"true":      true,
		"false":     true,
		"null":      true,
		"in":        true,
		"as":        true,
		"break":     true,
		"const":     true,
		"continue":  true,
		"else":      true,
		"for":       true,
		"function":  true,
		"if":        true,
		"import":    true,
		"let":       true,
		"loop":      true,
		"package":   true,
		"namespace": true,
		"return":    true,
		"var":       true,
		"void":      true,
		"while":     true,
	}
	return reservedKeywords[name]
}
