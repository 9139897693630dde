// Package tier assigns the verification tier from accumulated evidence
// quality. Assignment is a pure function checked in a fixed rule order;
// a tier is recomputed from scratch on every issuance, never carried
// forward.
package tier

import (
	"time"
)

type Tier string

const (
	Unverified Tier = "UNVERIFIED"
	Backtested Tier = "BACKTESTED"
	Proven     Tier = "PROVEN"
)

const (
	// FailureRateCap is the maximum tolerated TIMEOUT+ERROR ratio.
	FailureRateCap = 0.20
	// BacktestedMinReplays is the minimum successful replay count for any
	// tier above UNVERIFIED.
	BacktestedMinReplays = 50
	// ProvenConsecutiveMonths is the qualifying history length for PROVEN.
	ProvenConsecutiveMonths = 3
	// BacktestedValidityDays and ProvenValidityDays bound certificate life.
	BacktestedValidityDays = 90
	ProvenValidityDays     = 180
)

// MonthRecord is one month of evidence history.
type MonthRecord struct {
	Month      string `json:"month"`
	Qualifying bool   `json:"qualifying"`
}

// Evidence is the full input to tier assignment.
type Evidence struct {
	ReplayCount        int
	HasFullPins        bool
	HasPublishedScores bool
	HasVerifiableHash  bool
	HasDisputes        bool
	FailureRate        float64
	History            []MonthRecord
}

// Assign applies the rules in order; the first match wins.
func Assign(ev Evidence) Tier {
	if ev.FailureRate > FailureRateCap {
		return Unverified
	}
	if ev.ReplayCount < BacktestedMinReplays {
		return Unverified
	}
	if !ev.HasFullPins || !ev.HasPublishedScores || !ev.HasVerifiableHash {
		return Unverified
	}
	if ev.HasDisputes {
		return Unverified
	}
	if consecutiveQualifying(ev.History) >= ProvenConsecutiveMonths {
		return Proven
	}
	return Backtested
}

// consecutiveQualifying counts the qualifying streak ending at the most
// recent record.
func consecutiveQualifying(history []MonthRecord) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].Qualifying {
			break
		}
		n++
	}
	return n
}

// ExpiresAt returns the expiry for a tier issued at the given time.
// UNVERIFIED never expires; there is nothing to expire.
func ExpiresAt(t Tier, issued time.Time) *time.Time {
	var d time.Duration
	switch t {
	case Backtested:
		d = BacktestedValidityDays * 24 * time.Hour
	case Proven:
		d = ProvenValidityDays * 24 * time.Hour
	default:
		return nil
	}
	exp := issued.Add(d)
	return &exp
}

// ResolveReviewLevel applies the constraint yielding gate: an UNVERIFIED
// construct can never be granted a reduced-scrutiny review path, so a
// declared "skip" preference resolves to "full". Every other combination
// is honored unchanged.
func ResolveReviewLevel(t Tier, declared string) string {
	if t == Unverified && declared == "skip" {
		return "full"
	}
	return declared
}
