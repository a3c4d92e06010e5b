package rules

import (
	"fmt"
	"sort"
	"strings"
)

// FieldKind is the scalar type of a fact field
type FieldKind string

const (
	KindString   FieldKind = "string"
	KindInteger  FieldKind = "integer"
	KindDecimal  FieldKind = "decimal"
	KindBoolean  FieldKind = "boolean"
	KindDateTime FieldKind = "datetime"
)

// Numeric reports whether the kind compares as a number
func (k FieldKind) Numeric() bool {
	return k == KindInteger || k == KindDecimal
}

// Entity describes one node type of a fact graph: scalar fields plus
// one-to-many relations to child entities
type Entity struct {
	Name      string
	Fields    map[string]FieldKind
	Relations map[string]*Entity
}

// Schema is the statically declared shape of one business-object type
type Schema struct {
	FactType FactType
	// Root is the variable name the fact graph is bound to in rule source
	Root string
	// IDField is the top-level identifier every fact must carry
	IDField string
	Entity  *Entity
}

// Segment is one hop of a resolved field path
type Segment struct {
	Name   string
	Entity *Entity
}

// ResolvedPath is a field path split into the collection hops it crosses and
// the terminal scalar field
type ResolvedPath struct {
	Collections []Segment
	Field       string
	Kind        FieldKind
}

// Resolve maps a dot path such as
// "declaration.governmentAgencyGoodsItems.hsId" onto the schema
func (s *Schema) Resolve(path string) (*ResolvedPath, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 || parts[0] != s.Root {
		return nil, fmt.Errorf("field path %q must start with %q", path, s.Root+".")
	}

	entity := s.Entity
	resolved := &ResolvedPath{}
	for i, part := range parts[1:] {
		last := i == len(parts)-2
		if last {
			kind, ok := entity.Fields[part]
			if !ok {
				return nil, fmt.Errorf("field path %q: %s has no field %q", path, entity.Name, part)
			}
			resolved.Field = part
			resolved.Kind = kind
			return resolved, nil
		}
		child, ok := entity.Relations[part]
		if !ok {
			return nil, fmt.Errorf("field path %q: %s has no relation %q", path, entity.Name, part)
		}
		resolved.Collections = append(resolved.Collections, Segment{Name: part, Entity: child})
		entity = child
	}
	return nil, fmt.Errorf("field path %q is empty", path)
}

// FieldInfo describes one addressable field for rule-authoring pickers
type FieldInfo struct {
	Path       string    `json:"path"`
	Label      string    `json:"label"`
	Kind       FieldKind `json:"type"`
	Collection bool      `json:"collection"`
}

// Fields lists every addressable field path in stable order
func (s *Schema) Fields() []FieldInfo {
	var out []FieldInfo
	var visit func(prefix, label string, e *Entity, inCollection bool)
	visit = func(prefix, label string, e *Entity, inCollection bool) {
		names := make([]string, 0, len(e.Fields))
		for name := range e.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			l := humanize(name)
			if label != "" {
				l = label + " - " + l
			}
			out = append(out, FieldInfo{
				Path:       prefix + "." + name,
				Label:      l,
				Kind:       e.Fields[name],
				Collection: inCollection,
			})
		}

		rels := make([]string, 0, len(e.Relations))
		for name := range e.Relations {
			rels = append(rels, name)
		}
		sort.Strings(rels)
		for _, name := range rels {
			l := humanize(name)
			if label != "" {
				l = label + " - " + l
			}
			visit(prefix+"."+name, l, e.Relations[name], true)
		}
	}
	visit(s.Root, "", s.Entity, false)
	return out
}

// humanize turns camelCase into "Camel Case"
func humanize(name string) string {
	var b strings.Builder
	for i, r := range name {
		if i == 0 {
			b.WriteString(strings.ToUpper(string(r)))
			continue
		}
		if r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Registry holds the schema of every supported business-object type
type Registry struct {
	schemas map[FactType]*Schema
	order   []FactType
}

// NewRegistry builds a registry and validates every schema in it
func NewRegistry(schemas ...*Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[FactType]*Schema)}
	for _, s := range schemas {
		if _, dup := r.schemas[s.FactType]; dup {
			return nil, fmt.Errorf("duplicate schema for fact type %s", s.FactType)
		}
		if err := ValidateSchema(s); err != nil {
			return nil, fmt.Errorf("invalid schema for fact type %s: %w", s.FactType, err)
		}
		r.schemas[s.FactType] = s
		r.order = append(r.order, s.FactType)
	}
	return r, nil
}

// Lookup returns the schema for a fact type
func (r *Registry) Lookup(ft FactType) (*Schema, bool) {
	s, ok := r.schemas[ft]
	return s, ok
}

// ParseFactType matches a fact type name case-insensitively
func (r *Registry) ParseFactType(name string) (FactType, bool) {
	for _, ft := range r.order {
		if strings.EqualFold(string(ft), name) {
			return ft, true
		}
	}
	return "", false
}

// FactTypes returns the registered types in declaration order
func (r *Registry) FactTypes() []FactType {
	return append([]FactType(nil), r.order...)
}

var defaultRegistry *Registry

func init() {
	reg, err := NewRegistry(declarationSchema(), cargoReportSchema())
	if err != nil {
		panic(err)
	}
	defaultRegistry = reg
}

// DefaultRegistry returns the built-in WCO declaration and cargo report schemas
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func declarationSchema() *Schema {
	goodsItem := &Entity{
		Name: "GovernmentAgencyGoodsItem",
		Fields: map[string]FieldKind{
			"sequenceNumeric":        KindInteger,
			"hsId":                   KindString,
			"description":            KindString,
			"originCountryId":        KindString,
			"netWeightMeasure":       KindDecimal,
			"grossWeightMeasure":     KindDecimal,
			"quantityQuantity":       KindDecimal,
			"quantityUnitCode":       KindString,
			"invoiceLineNumberId":    KindString,
			"unitPriceAmount":        KindDecimal,
			"statisticalValueAmount": KindDecimal,
			"customsValueAmount":     KindDecimal,
			"procedureCode":          KindString,
			"previousProcedureCode":  KindString,
			"preferenceCode":         KindString,
			"valuationMethodCode":    KindString,
			"dutyRate":               KindDecimal,
			"dutyAmount":             KindDecimal,
		},
	}
	return &Schema{
		FactType: FactTypeDeclaration,
		Root:     "declaration",
		IDField:  "declarationId",
		Entity: &Entity{
			Name: "Declaration",
			Fields: map[string]FieldKind{
				"functionCode":            KindString,
				"typeCode":                KindString,
				"officeId":                KindString,
				"declarationId":           KindString,
				"submissionDateTime":      KindDateTime,
				"ucr":                     KindString,
				"declarantId":             KindString,
				"declarantName":           KindString,
				"declarantCountryId":      KindString,
				"consignorId":             KindString,
				"consignorName":           KindString,
				"consignorCountryId":      KindString,
				"consigneeId":             KindString,
				"consigneeName":           KindString,
				"consigneeCountryId":      KindString,
				"importerId":              KindString,
				"importerName":            KindString,
				"importerCountryId":       KindString,
				"countryOfExportId":       KindString,
				"countryOfImportId":       KindString,
				"countryOfDestinationId":  KindString,
				"incotermCode":            KindString,
				"invoiceId":               KindString,
				"invoiceIssueDateTime":    KindDateTime,
				"invoiceCurrencyCode":     KindString,
				"invoiceAmount":           KindDecimal,
				"transportMeansModeCode":  KindString,
				"transportMeansId":        KindString,
				"transportMeansJourneyId": KindString,
				"loadingLocationId":       KindString,
				"unloadingLocationId":     KindString,
				"locationOfGoodsId":       KindString,
				"warehouseId":             KindString,
				"packageQuantity":         KindInteger,
				"marksNumbersId":          KindString,
				"totalGrossMassMeasure":   KindDecimal,
				"totalNetMassMeasure":     KindDecimal,
				"totalFreightAmount":      KindDecimal,
				"totalInsuranceAmount":    KindDecimal,
				"otherChargesAmount":      KindDecimal,
				"previousDocumentIds":     KindString,
			},
			Relations: map[string]*Entity{
				"governmentAgencyGoodsItems": goodsItem,
			},
		},
	}
}

func cargoReportSchema() *Schema {
	item := &Entity{
		Name: "ConsignmentItem",
		Fields: map[string]FieldKind{
			"sequenceNumeric":    KindInteger,
			"goodsDescription":   KindString,
			"hsId":               KindString,
			"originCountryId":    KindString,
			"quantityQuantity":   KindDecimal,
			"quantityUnitCode":   KindString,
			"netWeightMeasure":   KindDecimal,
			"grossWeightMeasure": KindDecimal,
		},
	}
	consignment := &Entity{
		Name: "Consignment",
		Fields: map[string]FieldKind{
			"transportContractDocumentId": KindString,
			"ucr":                         KindString,
			"consignorId":                 KindString,
			"consignorName":               KindString,
			"consignorCountryId":          KindString,
			"consigneeId":                 KindString,
			"consigneeName":               KindString,
			"consigneeCountryId":          KindString,
			"notifyPartyId":               KindString,
			"notifyPartyName":             KindString,
			"notifyPartyCountryId":        KindString,
			"marksNumbersId":              KindString,
			"packageQuantity":             KindInteger,
			"packageTypeCode":             KindString,
			"grossMassMeasure":            KindDecimal,
			"loadingLocationId":           KindString,
			"unloadingLocationId":         KindString,
		},
		Relations: map[string]*Entity{
			"consignmentItems": item,
		},
	}
	equipment := &Entity{
		Name: "TransportEquipment",
		Fields: map[string]FieldKind{
			"equipmentId":       KindString,
			"equipmentTypeCode": KindString,
			"sealId":            KindString,
			"grossMassMeasure":  KindDecimal,
		},
	}
	return &Schema{
		FactType: FactTypeCargoReport,
		Root:     "cargoReport",
		IDField:  "reportId",
		Entity: &Entity{
			Name: "CargoReport",
			Fields: map[string]FieldKind{
				"functionCode":               KindString,
				"typeCode":                   KindString,
				"officeId":                   KindString,
				"reportId":                   KindString,
				"submissionDateTime":         KindDateTime,
				"transportMeansModeCode":     KindString,
				"transportMeansId":           KindString,
				"transportMeansJourneyId":    KindString,
				"loadingLocationId":          KindString,
				"unloadingLocationId":        KindString,
				"estimatedDepartureDateTime": KindDateTime,
				"estimatedArrivalDateTime":   KindDateTime,
				"carrierId":                  KindString,
				"carrierName":                KindString,
				"carrierCountryId":           KindString,
				"masterTransportDocumentId":  KindString,
			},
			Relations: map[string]*Entity{
				"transportEquipment": equipment,
				"consignments":       consignment,
			},
		},
	}
}
