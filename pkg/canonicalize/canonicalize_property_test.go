//go:build property
// +build property

// Package canonicalize_test contains property-based tests for JCS
// determinism and hash stability.
package canonicalize_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/helios-ops/helios/core/pkg/canonicalize"
)

// TestJCSDeterminism verifies canonicalization is deterministic.
// Property: JCS(obj) == JCS(obj) for any obj
func TestJCSDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("JCS is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			first, err1 := canonicalize.JCS(obj)
			second, err2 := canonicalize.JCS(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(first) == string(second)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestJCSRoundTrip verifies canonical output is valid JSON carrying the same
// data. Property: Unmarshal(JCS(obj)) == obj
func TestJCSRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("JCS output round-trips through JSON", prop.ForAll(
		func(key, value string) bool {
			if key == "" {
				return true
			}
			obj := map[string]any{key: value}

			data, err := canonicalize.JCS(obj)
			if err != nil {
				return false
			}
			var decoded map[string]any
			if err := json.Unmarshal(data, &decoded); err != nil {
				return false
			}
			return decoded[key] == value
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestCanonicalHashShape verifies the hash is always 64 lowercase hex chars.
func TestCanonicalHashShape(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("CanonicalHash is 64 hex characters", prop.ForAll(
		func(key, value string) bool {
			hash, err := canonicalize.CanonicalHash(map[string]any{key: value})
			if err != nil {
				return false
			}
			if len(hash) != 64 {
				return false
			}
			for _, c := range hash {
				if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
