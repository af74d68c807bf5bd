// Package model defines the data types shared across the sync engine: records,
// pending operations, errors, delta tokens and table definitions.
package model

import "time"

// Record is a dynamic property bag keyed by column name. Every record carries
// a required "id" and a handful of reserved system fields.
type Record map[string]interface{}

// Reserved system field names.
const (
	FieldID        = "id"
	FieldVersion   = "version"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldDeleted   = "deleted"
)

var systemFields = map[string]bool{
	FieldID:        true,
	FieldVersion:   true,
	FieldCreatedAt: true,
	FieldUpdatedAt: true,
	FieldDeleted:   true,
}

// IsSystemField reports whether name is one of the reserved record fields.
func IsSystemField(name string) bool { return systemFields[name] }

// ID returns the record's id, or "" if absent or not a string.
func (r Record) ID() string {
	v, _ := r[FieldID].(string)
	return v
}

// Version returns the record's opaque concurrency token, or "" if absent.
func (r Record) Version() string {
	v, _ := r[FieldVersion].(string)
	return v
}

// Deleted reports the record's soft-delete flag.
func (r Record) Deleted() bool {
	v, _ := r[FieldDeleted].(bool)
	return v
}

// UpdatedAt parses the record's updatedAt system field, returning the zero
// time if absent or unparsable.
func (r Record) UpdatedAt() time.Time {
	switch v := r[FieldUpdatedAt].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// StripSystemFields returns a copy of the record with reserved fields removed,
// as required before sending an item to the remote table.
func (r Record) StripSystemFields() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if !IsSystemField(k) {
			out[k] = v
		}
	}
	return out
}

// WithSystemFieldsFrom returns a copy of r with the system fields of src
// overlaid on top, used to re-attach server-assigned version/timestamps to a
// payload that had them stripped.
func (r Record) WithSystemFieldsFrom(src Record) Record {
	out := r.Clone()
	for k, v := range src {
		if IsSystemField(k) {
			out[k] = v
		}
	}
	return out
}
