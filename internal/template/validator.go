// Package template validates verification templates in two phases:
// structural schema conformance, then the cross-field runtime rules that
// plain structure cannot express. Validation always returns the complete
// violation list so an author can fix a template in one pass.
package template

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"veristage/internal/domain"
)

//go:embed template.schema.json
var schemaJSON string

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("template.schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("template.schema.json")
}

// WeightTolerance is the allowed deviation of a weight sum from 1.0.
const WeightTolerance = 1e-6

// Violation is one failed validation rule.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) String() string { return v.Rule + ": " + v.Message }

// Validate runs both phases and returns every violation found. An empty
// result means the template is valid. datasetHashes may be nil before
// commitment; the dataset linkage rule is then skipped and re-checked at
// commit time with the real hash map.
func Validate(t domain.Template, datasetHashes map[string]string) []Violation {
	violations := structural(t)
	violations = append(violations, runtimeRules(t, datasetHashes)...)
	return violations
}

// structural is phase one: schema conformance of the serialized template.
func structural(t domain.Template) []Violation {
	raw, err := json.Marshal(t)
	if err != nil {
		return []Violation{{Rule: "structure", Message: err.Error()}}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return []Violation{{Rule: "structure", Message: err.Error()}}
	}
	err = schema.Validate(v)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Violation{{Rule: "structure", Message: err.Error()}}
	}
	var out []Violation
	for _, leaf := range leafCauses(ve) {
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			loc = "template"
		}
		out = append(out, Violation{
			Rule:    "structure",
			Message: fmt.Sprintf("%s: %s", loc, leaf.Message),
		})
	}
	return out
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}

// runtimeRules is phase two. Rules are checked in declaration order and
// all of them run regardless of earlier failures. The final rule of the
// design, that every hash routes through the canonical serializer, is
// enforced by construction: canon is the only hashing entry point in
// this codebase.
func runtimeRules(t domain.Template, datasetHashes map[string]string) []Violation {
	var out []Violation
	out = append(out, weightKeysDeclared(t.Criteria)...)
	out = append(out, weightsSumToOne(t.Criteria)...)
	out = append(out, stepPinsPresent(t)...)
	out = append(out, chainPinsPresent(t)...)
	out = append(out, humanStepsLinked(t)...)
	out = append(out, mockAdapterForbidden(t)...)
	out = append(out, executionDatasetHashed(t, datasetHashes)...)
	return out
}

func weightKeysDeclared(c domain.Criteria) []Violation {
	declared := make(map[string]bool, len(c.IDs))
	for _, id := range c.IDs {
		declared[id] = true
	}
	var out []Violation
	for key := range c.Weights {
		if !declared[key] {
			out = append(out, Violation{
				Rule:    "weight_key_undeclared",
				Message: fmt.Sprintf("weight key %q is not a declared criterion id", key),
			})
		}
	}
	return out
}

func weightsSumToOne(c domain.Criteria) []Violation {
	if len(c.Weights) == 0 {
		return nil
	}
	sum := 0.0
	for _, w := range c.Weights {
		sum += w
	}
	if math.Abs(sum-1.0) > WeightTolerance {
		return []Violation{{
			Rule:    "weights_sum",
			Message: fmt.Sprintf("weights sum to %g, expected 1.0 within %g", sum, WeightTolerance),
		}}
	}
	return nil
}

func stepPinsPresent(t domain.Template) []Violation {
	var out []Violation
	for _, step := range t.ResolutionSteps {
		if step.Kind != "construct" || step.ConstructID == "" {
			continue
		}
		pin, ok := t.VersionPins[step.ConstructID]
		if !ok {
			out = append(out, Violation{
				Rule:    "step_pin_missing",
				Message: fmt.Sprintf("resolution step %q references construct %q without a version pin", step.ID, step.ConstructID),
			})
			continue
		}
		if _, err := semver.NewVersion(pin); err != nil {
			out = append(out, Violation{
				Rule:    "pin_not_semver",
				Message: fmt.Sprintf("pin for construct %q is not a valid version: %q", step.ConstructID, pin),
			})
		}
	}
	return out
}

func chainPinsPresent(t domain.Template) []Violation {
	var out []Violation
	for _, id := range t.InvocationChain {
		pin, ok := t.VersionPins[id]
		if !ok {
			out = append(out, Violation{
				Rule:    "chain_pin_missing",
				Message: fmt.Sprintf("invocation chain construct %q has no version pin", id),
			})
			continue
		}
		if _, err := semver.NewVersion(pin); err != nil {
			out = append(out, Violation{
				Rule:    "pin_not_semver",
				Message: fmt.Sprintf("pin for construct %q is not a valid version: %q", id, pin),
			})
		}
	}
	return out
}

func humanStepsLinked(t domain.Template) []Violation {
	kinds := make(map[string]string, len(t.ResolutionSteps))
	for _, step := range t.ResolutionSteps {
		kinds[step.ID] = step.Kind
	}
	var out []Violation
	for _, id := range t.HumanStepIDs {
		kind, ok := kinds[id]
		if !ok {
			out = append(out, Violation{
				Rule:    "human_step_unmatched",
				Message: fmt.Sprintf("human step id %q does not match any resolution step", id),
			})
			continue
		}
		if kind != "human" {
			out = append(out, Violation{
				Rule:    "human_step_unmatched",
				Message: fmt.Sprintf("human step id %q matches a step of kind %q, expected human", id, kind),
			})
		}
	}
	return out
}

func mockAdapterForbidden(t domain.Template) []Violation {
	if t.Certifying && t.Construct.Adapter == "mock" {
		return []Violation{{
			Rule:    "mock_adapter_forbidden",
			Message: "a mock adapter cannot be used for a certificate-generating run",
		}}
	}
	return nil
}

func executionDatasetHashed(t domain.Template, datasetHashes map[string]string) []Violation {
	if datasetHashes == nil {
		return nil
	}
	if t.ExecutionDataset == "" {
		if t.ExecutionMode == "replay" {
			return []Violation{{
				Rule:    "execution_dataset_missing",
				Message: "replay execution requires an execution_dataset",
			}}
		}
		return nil
	}
	if _, ok := datasetHashes[t.ExecutionDataset]; !ok {
		return []Violation{{
			Rule:    "execution_dataset_unhashed",
			Message: fmt.Sprintf("execution dataset %q is not present in the dataset hash map", t.ExecutionDataset),
		}}
	}
	return nil
}
