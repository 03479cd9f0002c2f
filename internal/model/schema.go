package model

import (
	"fmt"
	"strings"
)

// Schema is the ordered list of column names shared by the CSV header and every row.
type Schema []string

// Row holds one record's values in schema order.
type Row []any

func (s Schema) Header() string {
	return strings.Join(s, ",")
}

func (s Schema) Clone() Schema {
	return append(Schema(nil), s...)
}

// Check verifies positional correspondence only; values themselves are not inspected.
func (s Schema) Check(row Row) error {
	if len(row) != len(s) {
		return fmt.Errorf("row has %d values, schema has %d columns", len(row), len(s))
	}
	return nil
}

// Equal reports whether two schemas name the same columns in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}
