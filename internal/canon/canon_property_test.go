//go:build property

package canon_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"veristage/internal/canon"
)

func genJSONValue(depth int) gopter.Gen {
	leaf := gen.OneGenOf(
		gen.AlphaString().Map(func(s string) any { return s }),
		gen.Int64Range(-1_000_000, 1_000_000).Map(func(n int64) any { return n }),
		gen.Float64Range(-1e6, 1e6).Map(func(f float64) any { return f }),
		gen.Bool().Map(func(b bool) any { return b }),
	)
	if depth <= 0 {
		return leaf
	}
	return gen.OneGenOf(
		leaf,
		gen.SliceOfN(3, genJSONValue(depth-1)).Map(func(s []any) any { return s }),
		gen.MapOf(gen.AlphaString(), genJSONValue(depth-1)).Map(func(m map[string]any) any { return m }),
	)
}

func TestCanonicalProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("parse then re-canonicalize is a fixed point", prop.ForAll(
		func(v any) bool {
			first, err := canon.Canonical(v)
			if err != nil {
				return false
			}
			var parsed any
			if err := json.Unmarshal(first, &parsed); err != nil {
				return false
			}
			second, err := canon.Canonical(parsed)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		genJSONValue(3),
	))

	properties.Property("hash is deterministic", prop.ForAll(
		func(v any) bool {
			h1, err1 := canon.Hash(v)
			h2, err2 := canon.Hash(v)
			return err1 == nil && err2 == nil && h1 == h2 && len(h1) == 64
		},
		genJSONValue(3),
	))

	properties.TestingRun(t)
}
