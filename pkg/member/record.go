// Package member turns batch results into flat member records.
package member

import (
	"errors"
	"fmt"
)

// Primary column names, always first in a record.
const (
	FieldEmailAddress = "email_address"
	FieldStatus       = "status"
)

// ErrNoPayload indicates an extraction held no usable result file.
var ErrNoPayload = errors.New("no payload in batch result")

// Schema fixes the column layout of exported members: the primary fields
// followed by an ordered list of merge field tags.
type Schema struct {
	MergeFields []string
}

// NewSchema returns a schema with the given merge field tags.
func NewSchema(mergeFields []string) Schema {
	return Schema{MergeFields: append([]string(nil), mergeFields...)}
}

// Header returns the column names.
func (s Schema) Header() []string {
	h := make([]string, 0, 2+len(s.MergeFields))
	h = append(h, FieldEmailAddress, FieldStatus)
	return append(h, s.MergeFields...)
}

// Field is one merge field value.
type Field struct {
	Tag   string
	Value string
}

// Record is a flattened member.
type Record struct {
	EmailAddress string
	Status       string
	MergeFields  []Field
}

// Row returns the record's values in column order.
func (r Record) Row() []string {
	row := make([]string, 0, 2+len(r.MergeFields))
	row = append(row, r.EmailAddress, r.Status)
	for _, f := range r.MergeFields {
		row = append(row, f.Value)
	}
	return row
}

// Value returns the value of merge field tag.
func (r Record) Value(tag string) (string, bool) {
	for _, f := range r.MergeFields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}

// MissingFieldError reports a member lacking a required field.
type MissingFieldError struct {
	EmailAddress string
	Field        string
}

func (e *MissingFieldError) Error() string {
	if e.EmailAddress == "" {
		return fmt.Sprintf("member is missing required field %s", e.Field)
	}
	return fmt.Sprintf("member %s is missing required field %s", e.EmailAddress, e.Field)
}
