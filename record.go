package jsonbase

// FieldID and FieldUID are the two generated keys every record carries.
// FieldID is a decimal string unique within its collection; FieldUID is a
// globally unique UUIDv7. FindByID accepts either.
const (
	FieldID        = "id"
	FieldUID       = "uid"
	FieldUpdatedAt = "updated_at"
)

// Record is one entry in a collection. Domain fields are open key-value
// pairs; the generated keys are always present after Insert.
type Record map[string]interface{}

// ID returns the collection-scoped decimal id, or "" if unset
func (r Record) ID() string {
	s, _ := r[FieldID].(string)
	return s
}

// UID returns the global surrogate key, or "" if unset
func (r Record) UID() string {
	s, _ := r[FieldUID].(string)
	return s
}

// Matches reports whether key equals the record's id or uid
func (r Record) Matches(key string) bool {
	if key == "" {
		return false
	}
	return r.ID() == key || r.UID() == key
}

// Clone returns a shallow copy of the record.
// Callers own the copy; nested values are shared.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// merge overlays partial onto the record in place; partial wins on conflicts
func (r Record) merge(partial Record) {
	for k, v := range partial {
		r[k] = v
	}
}

// matchesFilters reports exact-match equality over every supplied field
func (r Record) matchesFilters(filters map[string]interface{}) bool {
	for k, want := range filters {
		got, ok := r[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// cloneRecords copies a snapshot so callers and cache never alias one slice
func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
