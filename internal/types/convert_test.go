package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToInt64(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected int64
	}{
		{name: "int64", input: int64(42), expected: 42},
		{name: "int", input: int(100), expected: 100},
		{name: "int8", input: int8(-128), expected: -128},
		{name: "uint32", input: uint32(2000), expected: 2000},
		{name: "float64 truncates", input: float64(42.9), expected: 42},
		{name: "float32", input: float32(100.0), expected: 100},
		{name: "json.Number integer", input: json.Number("77"), expected: 77},
		{name: "json.Number decimal", input: json.Number("7.5"), expected: 7},
		{name: "numeric string", input: "15", expected: 15},
		{name: "non-numeric string", input: "abc", expected: 0},
		{name: "nil", input: nil, expected: 0},
		{name: "bool", input: true, expected: 0},
		{name: "slice", input: []int{1, 2}, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ToInt64(tt.input))
		})
	}
}

func TestToFloat64(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected float64
	}{
		{name: "float64", input: 12.5, expected: 12.5},
		{name: "int", input: 3, expected: 3},
		{name: "string", input: "19.99", expected: 19.99},
		{name: "bytes", input: []byte("2.25"), expected: 2.25},
		{name: "json.Number", input: json.Number("1.5"), expected: 1.5},
		{name: "garbage", input: "x", expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, ToFloat64(tt.input), 1e-9)
		})
	}
}

func TestKeyString(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
		wantErr  bool
	}{
		{name: "string", input: "c1", expected: "c1"},
		{name: "bytes", input: []byte("p1"), expected: "p1"},
		{name: "int", input: 7, expected: "7"},
		{name: "int64", input: int64(7), expected: "7"},
		{name: "uint8", input: uint8(7), expected: "7"},
		{name: "integral float", input: 7.0, expected: "7"},
		{name: "json.Number", input: json.Number("7"), expected: "7"},
		{name: "fractional float", input: 7.5, wantErr: true},
		{name: "nil", input: nil, wantErr: true},
		{name: "empty string", input: "", wantErr: true},
		{name: "bool", input: true, wantErr: true},
		{name: "map", input: map[string]any{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := KeyString(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
