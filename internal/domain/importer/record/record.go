// Package record defines the flat row representation shared by every stage
// of the import pipeline, plus the canonical field vocabulary.
package record

import (
	"encoding/json"
	"sort"
)

// Canonical field keys. Spreadsheet headers are mapped onto these before
// validation; the store layer only ever sees canonical keys.
const (
	FieldRUT              = "rut"
	FieldFullName         = "full_name"
	FieldAmount           = "amount"
	FieldDueDate          = "due_date"
	FieldCounterpartyName = "counterparty_name"
	FieldContactEmail     = "contact_email"
	FieldContactPhone     = "contact_phone"
	FieldReference        = "reference"
	FieldCategory         = "category"
	FieldInterestRate     = "interest_rate"
	FieldDescription      = "description"
)

// RequiredFields must be present and valid for a row to be written.
func RequiredFields() []string {
	return []string{FieldRUT, FieldFullName, FieldAmount, FieldDueDate, FieldCounterpartyName}
}

// OptionalFields are written when present but never block a row.
func OptionalFields() []string {
	return []string{FieldContactEmail, FieldContactPhone, FieldReference, FieldCategory, FieldInterestRate, FieldDescription}
}

// KnownFields is the full canonical vocabulary in schema order.
func KnownFields() []string {
	return append(RequiredFields(), OptionalFields()...)
}

// FlatRecord is one input row: an insertion-ordered string map plus the
// bookkeeping the pipeline attaches as the row moves through stages.
type FlatRecord struct {
	keys   []string
	values map[string]string

	// Row is the 1-based source row index (header excluded).
	Row int
	// Generated describes fields that were auto-created rather than read
	// from the file (e.g. by the AI correction stage).
	Generated []string
	// Valid and Errors are filled in by the validator.
	Valid  bool
	Errors []string
}

// New returns an empty FlatRecord.
func New() *FlatRecord {
	return &FlatRecord{values: make(map[string]string)}
}

// FromPairs builds a record with the given key order.
func FromPairs(keys []string, values map[string]string) *FlatRecord {
	r := New()
	for _, k := range keys {
		r.Set(k, values[k])
	}
	return r
}

// Set stores a value, appending the key to the order on first write.
func (r *FlatRecord) Set(key, value string) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns the value for key and whether it was present.
func (r *FlatRecord) Get(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Value returns the value for key, or "" when absent.
func (r *FlatRecord) Value(key string) string {
	return r.values[key]
}

// Has reports whether key is present with a non-empty value.
func (r *FlatRecord) Has(key string) bool {
	return r.values[key] != ""
}

// Keys returns the insertion-ordered keys.
func (r *FlatRecord) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of stored fields.
func (r *FlatRecord) Len() int {
	return len(r.keys)
}

// Clone returns a deep copy, bookkeeping included.
func (r *FlatRecord) Clone() *FlatRecord {
	c := &FlatRecord{
		keys:   make([]string, len(r.keys)),
		values: make(map[string]string, len(r.values)),
		Row:    r.Row,
		Valid:  r.Valid,
	}
	copy(c.keys, r.keys)
	for k, v := range r.values {
		c.values[k] = v
	}
	c.Generated = append(c.Generated, r.Generated...)
	c.Errors = append(c.Errors, r.Errors...)
	return c
}

// Map returns a plain map copy of the fields.
func (r *FlatRecord) Map() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// MarshalJSON emits the fields as a JSON object in insertion order.
func (r *FlatRecord) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range r.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}

// FromMap builds a record from an unordered map, placing known canonical
// fields first in schema order and any extras after them alphabetically.
func FromMap(values map[string]string) *FlatRecord {
	r := New()
	seen := make(map[string]bool, len(values))
	for _, k := range KnownFields() {
		if v, ok := values[k]; ok {
			r.Set(k, v)
			seen[k] = true
		}
	}
	var extras []string
	for k := range values {
		if !seen[k] {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		r.Set(k, values[k])
	}
	return r
}
