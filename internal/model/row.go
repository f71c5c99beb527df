package model

import (
	"sort"
	"strconv"
)

// Row is one record of a table snapshot: column name to stringified value.
// A nil value, or a column absent from the map, is SQL NULL.
type Row map[string]*string

// NewRow builds a Row from alternating column/value pairs. It exists mostly
// for tests and fixtures.
func NewRow(pairs ...string) Row {
	r := make(Row, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		r.Set(pairs[i], pairs[i+1])
	}
	return r
}

// Get returns the value of col and whether it is non-NULL.
func (r Row) Get(col string) (string, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}

// String returns the value of col, or "" when NULL.
func (r Row) String(col string) string {
	s, _ := r.Get(col)
	return s
}

// Int parses col as a base-10 integer. ok is false for NULL or unparseable values.
func (r Row) Int(col string) (int64, bool) {
	s, ok := r.Get(col)
	if !ok || s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Bool reports whether col holds a truthy value ("1", "t", "true").
func (r Row) Bool(col string) bool {
	switch r.String(col) {
	case "1", "t", "true", "TRUE", "True":
		return true
	}
	return false
}

// IsNull reports whether col is NULL or absent.
func (r Row) IsNull(col string) bool {
	_, ok := r.Get(col)
	return !ok
}

// Set stores a non-NULL value.
func (r Row) Set(col, v string) {
	r[col] = &v
}

// SetInt stores an integer value.
func (r Row) SetInt(col string, v int64) {
	r.Set(col, strconv.FormatInt(v, 10))
}

// SetBool stores a boolean as "1" or "0".
func (r Row) SetBool(col string, v bool) {
	if v {
		r.Set(col, "1")
		return
	}
	r.Set(col, "0")
}

// SetNull marks col as NULL while keeping the column present.
func (r Row) SetNull(col string) {
	r[col] = nil
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	c := make(Row, len(r))
	for k, v := range r {
		if v == nil {
			c[k] = nil
			continue
		}
		s := *v
		c[k] = &s
	}
	return c
}

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Equal reports whether two rows hold the same columns and values.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for k, v := range r {
		ov, ok := o[k]
		if !ok {
			return false
		}
		if (v == nil) != (ov == nil) {
			return false
		}
		if v != nil && *v != *ov {
			return false
		}
	}
	return true
}
