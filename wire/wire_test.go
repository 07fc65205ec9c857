package wire

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringifyScalars(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"string", "hello", "hello"},
		{"int", 42, "42"},
		{"int64", int64(-7), "-7"},
		{"float", 0.85, "0.85"},
		{"bool", true, "true"},
		{"nil", nil, "null"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Stringify(tc.in))
		})
	}
}

func TestStringifyDict(t *testing.T) {
	s := Stringify(map[string]any{"a": 1})
	assert.JSONEq(t, `{"a":1}`, s)
}

func TestParseDictStrictJSON(t *testing.T) {
	d, err := ParseDict(`{"verdict": "Covered", "limit": 5000.5, "count": 3, "ok": true, "none": null}`)
	require.NoError(t, err)
	assert.Equal(t, "Covered", d["verdict"])
	assert.Equal(t, 5000.5, d["limit"])
	assert.Equal(t, int64(3), d["count"])
	assert.Equal(t, true, d["ok"])
	assert.Nil(t, d["none"])
}

func TestParseDictSingleQuoted(t *testing.T) {
	d, err := ParseDict(`{'policyholder': 'John Doe', 'is_active': True, 'post_hospital_limit': 5000.0}`)
	require.NoError(t, err)
	assert.Equal(t, "John Doe", d["policyholder"])
	assert.Equal(t, true, d["is_active"])
	assert.Equal(t, 5000.0, d["post_hospital_limit"])
}

func TestParseDictEscapedQuotes(t *testing.T) {
	d, err := ParseDict(`{\'summary\': \'All good\'}`)
	require.NoError(t, err)
	assert.Equal(t, "All good", d["summary"])
}

func TestParseDictNested(t *testing.T) {
	d, err := ParseDict(`{'extracted': {'total_billed': 1500.5, 'procedures': ['a', 'b']}, 'flag': False, 'missing': None}`)
	require.NoError(t, err)
	inner, ok := d["extracted"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1500.5, inner["total_billed"])
	assert.Equal(t, []any{"a", "b"}, inner["procedures"])
	assert.Equal(t, false, d["flag"])
	assert.Nil(t, d["missing"])
}

func TestParseDictRejectsNonDicts(t *testing.T) {
	for _, in := range []string{"", "   ", "[1, 2]", `"just a string"`, "42", "not parseable at all"} {
		_, err := ParseDict(in)
		assert.ErrorIs(t, err, ErrNotDict, "input %q", in)
	}
}

// TestParseDictInvertsStringify verifies that the robust parser is a left
// inverse of stringification for dictionaries of strings, integers,
// floats, booleans, nulls, and nested dicts/lists of the same.
func TestParseDictInvertsStringify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	scalar := gen.OneGenOf(
		asAny(gen.AlphaString()),
		asAny(gen.Int64()),
		asAny(gen.Float64Range(-1e9, 1e9)),
		asAny(gen.Bool()),
	)
	dict := gen.MapOf(gen.Identifier(), gen.OneGenOf(
		scalar,
		asAny(gen.SliceOf(scalar).Map(func(s []any) []any { return anySlice(s) })),
		asAny(gen.MapOf(gen.Identifier(), scalar)),
	))

	properties.Property("ParseDict(Stringify(d)) == d", prop.ForAll(
		func(d map[string]any) bool {
			parsed, err := ParseDict(Stringify(d))
			if err != nil {
				return false
			}
			return valuesEqual(d, parsed)
		},
		dict,
	))

	properties.TestingRun(t)
}

// asAny rewrites a generator's result type to any so that generators of
// different concrete types can be combined. Mapping with a func that
// returns interface{} does not work: gopter's Map mistakes such a mapper
// for a *GenResult-returning one and panics on the type assertion.
// Like an ordinary type-changing Map, the derived generator drops the
// sieve and shrinker; keeping the typed sieve would panic when SliceOf
// or MapOf applies it to elements of a different concrete type.
func asAny(g gopter.Gen) gopter.Gen {
	return g.Map(func(r *gopter.GenResult) *gopter.GenResult {
		return &gopter.GenResult{
			Labels:     r.Labels,
			Shrinker:   gopter.NoShrinker,
			ResultType: reflect.TypeOf((*any)(nil)).Elem(),
			Result:     r.Result,
		}
	})
}

func anySlice(s []any) []any {
	if s == nil {
		return []any{}
	}
	return s
}

// valuesEqual compares decoded values, treating integral floats and
// integers as equal since JSON does not distinguish them.
func valuesEqual(a, b any) bool {
	switch x := a.(type) {
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !valuesEqual(v, w) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valuesEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case int64:
		return numEqual(float64(x), b)
	case float64:
		return numEqual(x, b)
	default:
		return a == b
	}
}

func numEqual(f float64, b any) bool {
	switch y := b.(type) {
	case int64:
		return f == float64(y)
	case float64:
		return f == y
	default:
		return false
	}
}
