package canon_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veristage/internal/canon"
)

func TestCanonicalSortsKeysRecursively(t *testing.T) {
	v := map[string]any{
		"zeta": 1,
		"alpha": map[string]any{
			"b": []any{"x", "y"},
			"a": nil,
		},
	}
	out, err := canon.Canonical(v)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":null,"b":["x","y"]},"zeta":1}`, string(out))
}

func TestCanonicalNormalizesNumbers(t *testing.T) {
	out, err := canon.Canonical(map[string]any{"a": 1.0, "b": 0.5, "c": 10.50})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":0.5,"c":10.5}`, string(out))
}

func TestCanonicalPreservesSequenceOrder(t *testing.T) {
	out, err := canon.Canonical([]any{"c", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, `["c","a","b"]`, string(out))
}

func TestCanonicalRejectsNonFiniteNumbers(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := canon.Canonical(map[string]any{"x": bad})
		assert.Error(t, err)
	}
}

func TestCanonicalIdempotent(t *testing.T) {
	v := map[string]any{
		"b": []any{1.0, map[string]any{"y": "…", "x": true}},
		"a": "text with \"quotes\" and <html>",
	}
	first, err := canon.Canonical(v)
	require.NoError(t, err)

	var parsed any
	require.NoError(t, json.Unmarshal(first, &parsed))
	second, err := canon.Canonical(parsed)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHashIsStable(t *testing.T) {
	a := map[string]any{"k1": "v1", "k2": []any{1, 2, 3}}
	b := map[string]any{"k2": []any{1, 2, 3}, "k1": "v1"}
	ha, err := canon.Hash(a)
	require.NoError(t, err)
	hb, err := canon.Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		canon.HashBytes(nil))
}
