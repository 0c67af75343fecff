// Package schema describes a Dataset's column layout and the compatibility
// checks the Registry and Acceleration Backends need before they can trust
// an existing AcceleratedTable to match a new Dataset definition.
package schema

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// Column is one field of a Dataset's schema.
type Column struct {
	Name     string
	Type     arrow.DataType
	Nullable bool
}

// Schema is an ordered list of columns plus the subset that forms the
// primary key. PrimaryKey may be empty; when non-empty every name in it
// must also appear in Columns.
type Schema struct {
	Columns    []Column
	PrimaryKey []string
}

// ArrowSchema projects Schema into the arrow.Schema every RecordBatch in
// this Dataset's pipeline must conform to.
func (s Schema) ArrowSchema() *arrow.Schema {
	fields := make([]arrow.Field, len(s.Columns))
	for i, c := range s.Columns {
		fields[i] = arrow.Field{Name: c.Name, Type: c.Type, Nullable: c.Nullable}
	}
	return arrow.NewSchema(fields, nil)
}

// ColumnIndex returns the position of name in Columns, or -1.
func (s Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// IsPrimaryKey reports whether name is part of the primary key.
func (s Schema) IsPrimaryKey(name string) bool {
	for _, pk := range s.PrimaryKey {
		if pk == name {
			return true
		}
	}
	return false
}

// CompatibleWith reports whether an AcceleratedTable already carrying schema
// `existing` can keep serving a Dataset whose definition now says `s`,
// without a create_or_replace. Nullable-tightening is forbidden: a column
// that was nullable cannot become non-nullable in place. A primary key
// change is never compatible (see DESIGN.md).
func (s Schema) CompatibleWith(existing Schema) error {
	if !stringSliceEqual(s.PrimaryKey, existing.PrimaryKey) {
		return fmt.Errorf("schema: primary key changed from %v to %v", existing.PrimaryKey, s.PrimaryKey)
	}
	existingByName := make(map[string]Column, len(existing.Columns))
	for _, c := range existing.Columns {
		existingByName[c.Name] = c
	}
	for _, c := range s.Columns {
		old, ok := existingByName[c.Name]
		if !ok {
			continue // new column: compatible, handled as an append migration
		}
		if !arrow.TypeEqual(old.Type, c.Type) {
			return fmt.Errorf("schema: column %q type changed from %s to %s", c.Name, old.Type, c.Type)
		}
		if old.Nullable && !c.Nullable {
			return fmt.Errorf("schema: column %q nullable-tightened (nullable -> required)", c.Name)
		}
	}
	return nil
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
