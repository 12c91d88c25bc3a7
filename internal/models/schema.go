package models

import (
	"fmt"
	"strings"
)

// Schema is an ordered list of column names. Models only see positions, so
// two schemas are compatible only when they match name for name.
type Schema []string

func (s Schema) Index(name string) int {
	for i, col := range s {
		if col == name {
			return i
		}
	}
	return -1
}

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

// Check reports the first positional difference between s and got.
func (s Schema) Check(got Schema) error {
	if len(s) != len(got) {
		return fmt.Errorf("%w: want %d columns, got %d", ErrSchemaMismatch, len(s), len(got))
	}
	for i := range s {
		if s[i] != got[i] {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrSchemaMismatch, i, got[i], s[i])
		}
	}
	return nil
}

func (s Schema) Clone() Schema {
	return append(Schema(nil), s...)
}

func (s Schema) String() string {
	return strings.Join(s, ",")
}
