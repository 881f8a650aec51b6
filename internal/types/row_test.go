package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRow_CloneIsIndependent(t *testing.T) {
	r := Row{"id": "c1", "name": "Ana"}
	c := r.Clone()
	c["name"] = "Bia"

	assert.Equal(t, "Ana", r["name"])
	assert.Equal(t, "Bia", c["name"])
	assert.Nil(t, Row(nil).Clone())
}

func TestRow_Merge(t *testing.T) {
	r := Row{"id": "s1", "name": "X", "city": "Lisbon"}
	m := r.Merge(Row{"name": "Y"})

	assert.Equal(t, Row{"id": "s1", "name": "Y", "city": "Lisbon"}, m)
	assert.Equal(t, "X", r["name"], "merge must not modify the receiver")
}

func TestRow_Accessors(t *testing.T) {
	r := Row{"id": 12.0, "code": "A-1", "empty": nil, "raw": []byte("b")}

	assert.Equal(t, []string{"code", "empty", "id", "raw"}, r.Columns())
	assert.True(t, r.Has("code"))
	assert.False(t, r.Has("empty"))
	assert.False(t, r.Has("missing"))
	assert.Equal(t, "12", r.String("id"))
	assert.Equal(t, "b", r.String("raw"))
	assert.Equal(t, "", r.String("missing"))
	assert.Equal(t, Row{"code": "A-1", "raw": []byte("b")}, r.Without("id", "empty"))
}

func TestEncodeDecode(t *testing.T) {
	s, err := Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", s)

	r, err := Decode("null")
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = Decode(`{"id":"c1","total":10}`)
	require.NoError(t, err)
	assert.Equal(t, Row{"id": "c1", "total": 10.0}, r)

	_, err = Decode(`[1,2]`)
	assert.Error(t, err)
	_, err = Decode(`{"id":"c1"} {}`)
	assert.Error(t, err)
}

func TestDecode_LargeIntegersStayExact(t *testing.T) {
	r, err := Decode(`{"id":9007199254740993,"price":1.5,"qty":3,"meta":{"ref":-9223372036854775807},"ids":[9007199254740993,2]}`)
	require.NoError(t, err)

	assert.Equal(t, json.Number("9007199254740993"), r["id"])
	assert.Equal(t, 1.5, r["price"])
	assert.Equal(t, 3.0, r["qty"])
	assert.Equal(t, map[string]any{"ref": json.Number("-9223372036854775807")}, r["meta"])
	assert.Equal(t, []any{json.Number("9007199254740993"), 2.0}, r["ids"])

	key, err := KeyString(r["id"])
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", key)

	s, err := Encode(r)
	require.NoError(t, err)
	assert.Contains(t, s, `"id":9007199254740993`)
}

func TestNormalize(t *testing.T) {
	n, err := Normalize(Row{"qty": 3, "tags": []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, Row{"qty": 3.0, "tags": []any{"a"}}, n)
}

func TestCanonical_Deterministic(t *testing.T) {
	a, err := Canonical(Row{"b": 1, "a": "<x>"})
	require.NoError(t, err)
	b, err := Canonical(Row{"a": "<x>", "b": 1.0})
	require.NoError(t, err)

	assert.Equal(t, `{"a":"<x>","b":1}`, string(a))
	assert.Equal(t, a, b)
}

func TestParseOperation(t *testing.T) {
	tests := []struct {
		input    string
		expected Operation
		wantErr  bool
	}{
		{input: "insert", expected: OpInsert},
		{input: "UPDATE", expected: OpUpdate},
		{input: " Delete ", expected: OpDelete},
		{input: "upsert", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			op, err := ParseOperation(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, op)
			assert.True(t, op.Valid())
		})
	}
}
