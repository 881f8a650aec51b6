package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Row is one record of a mirrored table: column name to scalar or JSON value.
type Row map[string]any

// Clone returns a shallow copy of the row. A nil row clones to nil.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with every column of patch applied on top.
func (r Row) Merge(patch Row) Row {
	out := make(Row, len(r)+len(patch))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
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

// Without returns a copy of the row with the named columns removed.
func (r Row) Without(columns ...string) Row {
	out := r.Clone()
	for _, c := range columns {
		delete(out, c)
	}
	return out
}

// Has reports whether the column is present and not null.
func (r Row) Has(column string) bool {
	v, ok := r[column]
	return ok && v != nil
}

// String returns the column as text. Missing and null columns return "".
func (r Row) String(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	if k, err := KeyString(v); err == nil {
		return k
	}
	return fmt.Sprint(v)
}

// Encode serializes the row as JSON. A nil row encodes to "null".
func Encode(r Row) (string, error) {
	if r == nil {
		return "null", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode row: %w", err)
	}
	return string(b), nil
}

// maxExactFloat is the largest integer magnitude float64 holds exactly.
const maxExactFloat = 1 << 53

// Decode parses a JSON object into a Row. "null" and "" decode to nil.
// Numbers decode to float64, except integers too large for a float64 to
// hold exactly, which stay json.Number.
func Decode(s string) (Row, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return nil, nil
	}
	v, err := DecodeValue([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("failed to decode row: not a JSON object")
	}
	return Row(obj), nil
}

// DecodeValue parses any JSON value with the number rules of Decode.
func DecodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return settleNumbers(v), nil
}

func settleNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil && (n > maxExactFloat || n < -maxExactFloat) {
			return t
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = settleNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = settleNumbers(e)
		}
		return t
	default:
		return v
	}
}

// Normalize round-trips the row through JSON so that values compare the way
// they will after being stored and read back (numbers become float64 unless
// too large to be exact, times become RFC 3339 strings).
func Normalize(r Row) (Row, error) {
	s, err := Encode(r)
	if err != nil {
		return nil, err
	}
	return Decode(s)
}

// Canonical returns the deterministic JSON encoding of the row (sorted keys,
// normalized values), used for checksums.
func Canonical(r Row) ([]byte, error) {
	n, err := Normalize(r)
	if err != nil {
		return nil, err
	}
	// encoding/json sorts map keys.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(n); err != nil {
		return nil, fmt.Errorf("failed to encode row: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
