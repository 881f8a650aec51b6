package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ToInt64 converts a column value to int64.
// Supports every integer width, float32/float64, json.Number and numeric strings.
// Unsupported values convert to 0.
func ToInt64(v any) int64 {
	switch i := v.(type) {
	case int64:
		return i
	case int:
		return int64(i)
	case int32:
		return int64(i)
	case int16:
		return int64(i)
	case int8:
		return int64(i)
	case uint:
		return int64(i)
	case uint64:
		return int64(i)
	case uint32:
		return int64(i)
	case uint16:
		return int64(i)
	case uint8:
		return int64(i)
	case float64:
		return int64(i)
	case float32:
		return int64(i)
	case json.Number:
		if n, err := i.Int64(); err == nil {
			return n
		}
		if f, err := i.Float64(); err == nil {
			return int64(f)
		}
		return 0
	case string:
		n, err := strconv.ParseInt(i, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// ToFloat64 converts a column value to float64. Numeric strings are parsed;
// unsupported values convert to 0.
func ToFloat64(v any) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case float32:
		return float64(f)
	case json.Number:
		n, _ := f.Float64()
		return n
	case string:
		n, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0
		}
		return n
	case []byte:
		return ToFloat64(string(f))
	default:
		return float64(ToInt64(v))
	}
}

// KeyString renders a primary key value in the canonical text form used by
// the local mirror and the outbox. Integral floats (as produced by JSON
// decoding) render without a fractional part so that 7, int64(7), 7.0 and
// "7" all address the same row.
func KeyString(v any) (string, error) {
	switch k := v.(type) {
	case nil:
		return "", fmt.Errorf("key is null")
	case string:
		if k == "" {
			return "", fmt.Errorf("key is empty")
		}
		return k, nil
	case []byte:
		if len(k) == 0 {
			return "", fmt.Errorf("key is empty")
		}
		return string(k), nil
	case json.Number:
		return k.String(), nil
	case float64:
		if k != math.Trunc(k) || math.IsInf(k, 0) || math.IsNaN(k) {
			return "", fmt.Errorf("key %v is not integral", k)
		}
		return strconv.FormatInt(int64(k), 10), nil
	case float32:
		return KeyString(float64(k))
	case bool:
		return "", fmt.Errorf("key of type bool is not supported")
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return strconv.FormatInt(ToInt64(k), 10), nil
	case fmt.Stringer:
		return KeyString(k.String())
	default:
		return "", fmt.Errorf("key of type %T is not supported", v)
	}
}
