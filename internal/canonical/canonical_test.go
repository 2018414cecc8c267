package canonical

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_KeyOrderIndependent(t *testing.T) {
	a, err := Canonicalize(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	b, err := Canonicalize(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":1,"b":2}`, a)
}

func TestCanonicalize_NestedSorting(t *testing.T) {
	out, err := Canonicalize(map[string]any{
		"z": map[string]any{"b": true, "a": false},
		"a": []any{3, 1, 2},
	})
	require.NoError(t, err)
	// Array order must be preserved, object keys sorted at every level.
	assert.Equal(t, `{"a":[3,1,2],"z":{"a":false,"b":true}}`, out)
}

func TestCanonicalize_NumberNormalization(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"integer float", float64(5), "5"},
		{"negative zero", math.Copysign(0, -1), "0"},
		{"trailing zeros trimmed", 1.50000, "1.5"},
		{"eight fraction digits max", 0.123456789, "0.12345679"},
		{"nan is null", math.NaN(), "null"},
		{"positive infinity is null", math.Inf(1), "null"},
		{"plain int", 42, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Canonicalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestCanonicalize_LargeIntegersVerbatim(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		// 2^53+1 is the first integer float64 cannot represent.
		{"beyond float53", json.Number("9007199254740993"), "9007199254740993"},
		{"negative beyond float53", json.Number("-9007199254740993"), "-9007199254740993"},
		{"uint64 max", json.Number("18446744073709551615"), "18446744073709551615"},
		{"negative zero literal", json.Number("-0"), "0"},
		{"integral exponent via float path", json.Number("1e3"), "1000"},
		{"fraction via float path", json.Number("1.50"), "1.5"},
		{"garbage is null", json.Number("nope"), "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Canonicalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	// The same literal survives a decode round trip inside a document.
	out, err := Canonicalize(json.RawMessage(`{"id":9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, `{"id":9007199254740993}`, out)
}

func TestCanonicalize_Strings(t *testing.T) {
	out, err := Canonicalize(map[string]any{"k": "line\nbreak\t\"quote\""})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"line\nbreak\t\"quote\""}`, out)
}

func TestCanonicalize_StructsMatchMaps(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	fromStruct, err := Canonicalize(payload{Name: "x", Count: 3})
	require.NoError(t, err)
	fromMap, err := Canonicalize(map[string]any{"count": 3, "name": "x"})
	require.NoError(t, err)
	assert.Equal(t, fromMap, fromStruct)
}

func TestSHA256Hex_StableAndWellFormed(t *testing.T) {
	b := []byte("hello")
	first := SHA256Hex(b)
	second := SHA256Hex(b)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
	for _, c := range first {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'))
	}
	// Known vector.
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", first)
}

func TestSHA256Hex_EmptyInput(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Hex(nil))
}

func TestHashCanonical(t *testing.T) {
	h1, err := HashCanonical(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := HashCanonical(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}
