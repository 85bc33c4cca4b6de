package jsonbase

import "fmt"

// FieldKind is a loose type hint for schema validation.
// It mirrors the JSON type system rather than Go's.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindObject FieldKind = "object"
	KindArray  FieldKind = "array"
)

// Schema describes the required fields, type hints, and default values for
// one collection. Collections without a registered schema accept anything.
type Schema struct {
	Required []string
	Types    map[string]FieldKind
	Defaults map[string]interface{}
}

// SchemaRegistry holds one explicit schema table, built at construction.
// It is read-only after NewDB returns, so lookups need no locking.
type SchemaRegistry struct {
	schemas map[string]Schema
}

// NewSchemaRegistry creates a registry from a full schema map
func NewSchemaRegistry(schemas map[string]Schema) *SchemaRegistry {
	table := make(map[string]Schema, len(schemas))
	for name, s := range schemas {
		table[name] = s
	}
	return &SchemaRegistry{schemas: table}
}

// Schema returns the schema registered for a collection
func (sr *SchemaRegistry) Schema(collection string) (Schema, bool) {
	s, ok := sr.schemas[collection]
	return s, ok
}

// Validate checks a record against the collection's schema.
// It runs before any network call; a failure is fatal to the operation.
func (sr *SchemaRegistry) Validate(collection string, record Record) error {
	schema, ok := sr.schemas[collection]
	if !ok {
		return nil
	}

	for _, field := range schema.Required {
		v, present := record[field]
		if !present || v == nil {
			return WithContext(ErrSchemaValidation, map[string]interface{}{
				"collection": collection,
				"field":      field,
				"reason":     "required field missing",
			})
		}
	}

	for field, kind := range schema.Types {
		v, present := record[field]
		if !present || v == nil {
			continue
		}
		if !kindMatches(kind, v) {
			return WithContext(ErrSchemaValidation, map[string]interface{}{
				"collection": collection,
				"field":      field,
				"reason":     fmt.Sprintf("expected %s, got %T", kind, v),
			})
		}
	}

	return nil
}

// ApplyDefaults merges schema defaults under caller-supplied values.
// The caller always wins on conflicting keys. The input is not modified.
func (sr *SchemaRegistry) ApplyDefaults(collection string, partial Record) Record {
	out := partial.Clone()
	schema, ok := sr.schemas[collection]
	if !ok {
		return out
	}

	for field, value := range schema.Defaults {
		if _, present := out[field]; !present {
			out[field] = value
		}
	}
	return out
}

// kindMatches checks a decoded JSON value against a type hint.
// Numbers cover every numeric representation callers hand us, since
// json.Unmarshal produces float64 but Go callers pass native ints.
func kindMatches(kind FieldKind, v interface{}) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindObject:
		_, ok := v.(map[string]interface{})
		return ok
	case KindArray:
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}
