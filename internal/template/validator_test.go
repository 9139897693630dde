package template_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"veristage/internal/domain"
	"veristage/internal/template"
)

func validTemplate() domain.Template {
	return domain.Template{
		ID:            "tpl-1",
		Family:        "oracle-accuracy",
		ExecutionMode: "replay",
		Criteria: domain.Criteria{
			IDs:     []string{"accuracy", "latency", "calibration"},
			Weights: map[string]float64{"accuracy": 0.4, "latency": 0.4, "calibration": 0.2},
		},
		Construct:        domain.ConstructRef{ID: "oracle-x", Version: "1.2.0", Adapter: "http", Endpoint: "http://localhost:9000"},
		Datasets:         []domain.DatasetRef{{ID: "ds-main"}},
		ExecutionDataset: "ds-main",
		VersionPins:      map[string]string{"oracle-x": "1.2.0", "judge": "0.3.1"},
		InvocationChain:  []string{"oracle-x"},
		ResolutionSteps: []domain.ResolutionStep{
			{ID: "s1", Kind: "construct", ConstructID: "oracle-x"},
			{ID: "s2", Kind: "compute", Compute: "composite"},
			{ID: "s3", Kind: "human", EscalationPath: "s2"},
			{ID: "s4", Kind: "aggregate"},
		},
		HumanStepIDs: []string{"s3"},
		Certifying:   true,
	}
}

func rules(vs []template.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Rule)
	}
	return out
}

func TestValidTemplatePasses(t *testing.T) {
	vs := template.Validate(validTemplate(), map[string]string{"ds-main": "abc"})
	assert.Empty(t, vs)
}

func TestStructuralViolations(t *testing.T) {
	tmpl := validTemplate()
	tmpl.ID = ""
	tmpl.ExecutionMode = "live"
	tmpl.Criteria.IDs = nil
	vs := template.Validate(tmpl, nil)
	assert.NotEmpty(t, vs)
	for _, v := range vs {
		assert.Equal(t, "structure", v.Rule)
	}
	assert.GreaterOrEqual(t, len(vs), 3, "all structural problems reported at once")
}

func TestWeightKeyMustBeDeclared(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Criteria.Weights = map[string]float64{"accuracy": 0.5, "robustness": 0.5}
	vs := template.Validate(tmpl, nil)
	assert.Contains(t, rules(vs), "weight_key_undeclared")
}

func TestWeightsMustSumToOne(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Criteria.Weights = map[string]float64{"accuracy": 0.5, "latency": 0.4}
	vs := template.Validate(tmpl, nil)
	assert.Contains(t, rules(vs), "weights_sum")

	// within tolerance
	tmpl.Criteria.Weights = map[string]float64{"accuracy": 0.5, "latency": 0.5 + 5e-7}
	vs = template.Validate(tmpl, nil)
	assert.NotContains(t, rules(vs), "weights_sum")

	// empty means equal-weight fallback, not a violation
	tmpl.Criteria.Weights = nil
	vs = template.Validate(tmpl, nil)
	assert.Empty(t, vs)
}

func TestStepConstructNeedsPin(t *testing.T) {
	tmpl := validTemplate()
	tmpl.ResolutionSteps = append(tmpl.ResolutionSteps, domain.ResolutionStep{ID: "s5", Kind: "construct", ConstructID: "unpinned"})
	vs := template.Validate(tmpl, nil)
	assert.Contains(t, rules(vs), "step_pin_missing")
}

func TestChainConstructNeedsPin(t *testing.T) {
	tmpl := validTemplate()
	tmpl.InvocationChain = append(tmpl.InvocationChain, "helper")
	vs := template.Validate(tmpl, nil)
	assert.Contains(t, rules(vs), "chain_pin_missing")
}

func TestPinMustBeSemver(t *testing.T) {
	tmpl := validTemplate()
	tmpl.VersionPins["oracle-x"] = "latest"
	vs := template.Validate(tmpl, nil)
	assert.Contains(t, rules(vs), "pin_not_semver")
}

func TestHumanStepLinkage(t *testing.T) {
	tmpl := validTemplate()
	tmpl.HumanStepIDs = []string{"nope"}
	vs := template.Validate(tmpl, nil)
	assert.Contains(t, rules(vs), "human_step_unmatched")

	tmpl.HumanStepIDs = []string{"s2"} // exists but is a compute step
	vs = template.Validate(tmpl, nil)
	assert.Contains(t, rules(vs), "human_step_unmatched")
}

func TestMockAdapterRejectedForCertifyingRuns(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Construct.Adapter = "mock"
	vs := template.Validate(tmpl, nil)
	assert.Contains(t, rules(vs), "mock_adapter_forbidden")

	tmpl.Certifying = false
	vs = template.Validate(tmpl, nil)
	assert.NotContains(t, rules(vs), "mock_adapter_forbidden")
}

func TestExecutionDatasetMustBeHashed(t *testing.T) {
	tmpl := validTemplate()
	vs := template.Validate(tmpl, map[string]string{"other": "abc"})
	assert.Contains(t, rules(vs), "execution_dataset_unhashed")

	// rule is deferred when no hash map is supplied yet
	vs = template.Validate(tmpl, nil)
	assert.NotContains(t, rules(vs), "execution_dataset_unhashed")
}

func TestAllViolationsReportedTogether(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Criteria.Weights = map[string]float64{"accuracy": 0.4, "bogus": 0.4}
	tmpl.InvocationChain = append(tmpl.InvocationChain, "helper")
	tmpl.Construct.Adapter = "mock"
	vs := template.Validate(tmpl, map[string]string{"other": "x"})
	got := rules(vs)
	for _, want := range []string{"weight_key_undeclared", "weights_sum", "chain_pin_missing", "mock_adapter_forbidden", "execution_dataset_unhashed"} {
		assert.Contains(t, got, want)
	}
}
