package row

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrSchemaMismatch is returned when a Row does not conform to a Schema.
var ErrSchemaMismatch = errors.New("schema mismatch")

// Column is a named and typed position of a Schema.
type Column struct {
	Name     string `yaml:"name" json:"name"`
	Kind     Kind   `yaml:"kind" json:"kind"`
	Nullable bool   `yaml:"nullable,omitempty" json:"nullable,omitempty"`
}

// Schema is the ordered list of output Columns of a node.
type Schema []Column

// Check returns ErrSchemaMismatch (with context) if the Row has the wrong
// arity, a Value of the wrong Kind, or a NULL in a non-nullable Column.
func (s Schema) Check(r Row) error {
	if len(r) != len(s) {
		return errors.Wrapf(ErrSchemaMismatch, "row %v has arity %d (expected %d)", r, len(r), len(s))
	}
	for i, col := range s {
		if r[i].IsNull() {
			if !col.Nullable {
				return errors.Wrapf(ErrSchemaMismatch, "column %q is not nullable", col.Name)
			}
		} else if r[i].Kind() != col.Kind {
			return errors.Wrapf(ErrSchemaMismatch, "column %q expected %v (got %v)",
				col.Name, col.Kind, r[i].Kind())
		}
	}
	return nil
}

// Equal is true if the Schemas have identical Columns.
func (s Schema) Equal(o Schema) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Index returns the position of the named Column, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Project returns the Schema of the given column positions.
func (s Schema) Project(cols []int) Schema {
	var out = make(Schema, len(cols))
	for i, c := range cols {
		out[i] = s[c]
	}
	return out
}

// Names returns the Column names of the Schema.
func (s Schema) Names() []string {
	var out = make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// DecodeJSON decodes a JSON array of scalars into a Row of the Schema. The
// decoded Row is checked against the Schema.
func (s Schema) DecodeJSON(raw []byte) (Row, error) {
	var vals []json.RawMessage
	if err := json.Unmarshal(raw, &vals); err != nil {
		return nil, errors.Wrapf(ErrSchemaMismatch, "decoding row: %s", err)
	} else if len(vals) != len(s) {
		return nil, errors.Wrapf(ErrSchemaMismatch, "row has arity %d (expected %d)", len(vals), len(s))
	}
	var out = make(Row, len(vals))
	for i, v := range vals {
		var err error
		if out[i], err = FromJSON(v, s[i].Kind); err != nil {
			return nil, errors.Wrapf(ErrSchemaMismatch, "column %q: %s", s[i].Name, err)
		}
	}
	return out, s.Check(out)
}
