package tier_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"veristage/internal/tier"
)

func fullEvidence() tier.Evidence {
	return tier.Evidence{
		ReplayCount:        100,
		HasFullPins:        true,
		HasPublishedScores: true,
		HasVerifiableHash:  true,
		FailureRate:        0.0,
	}
}

func TestFailureRateCapWinsOverPerfectScores(t *testing.T) {
	ev := fullEvidence()
	ev.ReplayCount = 100
	ev.FailureRate = 0.25
	assert.Equal(t, tier.Unverified, tier.Assign(ev))
}

func TestFailureRateExactlyAtCapIsNotCapped(t *testing.T) {
	ev := fullEvidence()
	ev.FailureRate = 0.20
	assert.Equal(t, tier.Backtested, tier.Assign(ev))
}

func TestReplayCountBoundary(t *testing.T) {
	ev := fullEvidence()
	ev.ReplayCount = 49
	assert.Equal(t, tier.Unverified, tier.Assign(ev))
	ev.ReplayCount = 50
	assert.Equal(t, tier.Backtested, tier.Assign(ev))
}

func TestMissingEvidenceForcesUnverified(t *testing.T) {
	for _, mutate := range []func(*tier.Evidence){
		func(ev *tier.Evidence) { ev.HasFullPins = false },
		func(ev *tier.Evidence) { ev.HasPublishedScores = false },
		func(ev *tier.Evidence) { ev.HasVerifiableHash = false },
		func(ev *tier.Evidence) { ev.HasDisputes = true },
	} {
		ev := fullEvidence()
		mutate(&ev)
		assert.Equal(t, tier.Unverified, tier.Assign(ev))
	}
}

func TestProvenNeedsConsecutiveQualifyingMonths(t *testing.T) {
	ev := fullEvidence()
	ev.History = []tier.MonthRecord{
		{Month: "2026-05", Qualifying: true},
		{Month: "2026-06", Qualifying: true},
		{Month: "2026-07", Qualifying: true},
	}
	assert.Equal(t, tier.Proven, tier.Assign(ev))

	// a gap resets the streak
	ev.History = []tier.MonthRecord{
		{Month: "2026-04", Qualifying: true},
		{Month: "2026-05", Qualifying: true},
		{Month: "2026-06", Qualifying: false},
		{Month: "2026-07", Qualifying: true},
	}
	assert.Equal(t, tier.Backtested, tier.Assign(ev))
}

func TestExpiry(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Nil(t, tier.ExpiresAt(tier.Unverified, issued))

	exp := tier.ExpiresAt(tier.Backtested, issued)
	if assert.NotNil(t, exp) {
		assert.Equal(t, issued.AddDate(0, 0, 90), *exp)
	}
	exp = tier.ExpiresAt(tier.Proven, issued)
	if assert.NotNil(t, exp) {
		assert.Equal(t, issued.AddDate(0, 0, 180), *exp)
	}
}

func TestConstraintYieldingGate(t *testing.T) {
	assert.Equal(t, "full", tier.ResolveReviewLevel(tier.Unverified, "skip"))
	assert.Equal(t, "skip", tier.ResolveReviewLevel(tier.Backtested, "skip"))
	assert.Equal(t, "skip", tier.ResolveReviewLevel(tier.Proven, "skip"))
	assert.Equal(t, "full", tier.ResolveReviewLevel(tier.Unverified, "full"))
	assert.Equal(t, "light", tier.ResolveReviewLevel(tier.Unverified, "light"))
}
