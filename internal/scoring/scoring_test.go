package scoring_test

import (
	"math"
	"testing"

	"veristage/internal/domain"
	"veristage/internal/scoring"
)

func TestCompositeWeighted(t *testing.T) {
	c := domain.Criteria{
		IDs:     []string{"a", "b", "c"},
		Weights: map[string]float64{"a": 0.4, "b": 0.4, "c": 0.2},
	}
	got := scoring.Composite(map[string]float64{"a": 1.0, "b": 0.5, "c": 0.0}, c)
	want := 0.4*1.0 + 0.4*0.5
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("composite = %f, want %f", got, want)
	}
}

func TestCompositeEqualWeightFallback(t *testing.T) {
	c := domain.Criteria{IDs: []string{"a", "b"}}
	got := scoring.Composite(map[string]float64{"a": 1.0, "b": 0.0}, c)
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("composite = %f, want 0.5", got)
	}
}

func TestMissingCriterionScoresZero(t *testing.T) {
	c := domain.Criteria{
		IDs:     []string{"a", "b"},
		Weights: map[string]float64{"a": 0.5, "b": 0.5},
	}
	got := scoring.Composite(map[string]float64{"a": 1.0}, c)
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("missing criterion must degrade composite, got %f", got)
	}
}

func TestNormalizeClamps(t *testing.T) {
	norm := scoring.Normalize(map[string]float64{"a": 1.7, "b": -0.3}, []string{"a", "b", "c"})
	if norm["a"] != 1.0 || norm["b"] != 0.0 || norm["c"] != 0.0 {
		t.Fatalf("normalize = %v", norm)
	}
}

func TestCompositeEmptyCriteria(t *testing.T) {
	if got := scoring.Composite(nil, domain.Criteria{}); got != 0.0 {
		t.Fatalf("composite of empty criteria = %f", got)
	}
}
