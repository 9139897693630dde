package lifecycle_test

import (
	"errors"
	"testing"

	"veristage/internal/lifecycle"
)

func TestEveryStateHasExactlyOneSuccessorExceptTerminal(t *testing.T) {
	states := lifecycle.States()
	if len(states) != 6 {
		t.Fatalf("expected 6 states, got %d", len(states))
	}
	for i, s := range states {
		next, ok := lifecycle.Successor(s)
		if i == len(states)-1 {
			if ok {
				t.Fatalf("terminal state %s has successor %s", s, next)
			}
			continue
		}
		if !ok {
			t.Fatalf("state %s has no successor", s)
		}
		if next != states[i+1] {
			t.Fatalf("state %s successor %s, want %s", s, next, states[i+1])
		}
	}
}

func TestTransitionTotality(t *testing.T) {
	states := lifecycle.States()
	valid := 0
	for _, from := range states {
		for _, to := range states {
			err := lifecycle.Transition(from, to)
			next, ok := lifecycle.Successor(from)
			if ok && to == next {
				if err != nil {
					t.Fatalf("transition %s -> %s should succeed: %v", from, to, err)
				}
				valid++
				continue
			}
			if err == nil {
				t.Fatalf("transition %s -> %s should fail", from, to)
			}
			if !errors.Is(err, lifecycle.ErrInvalidTransition) {
				t.Fatalf("transition %s -> %s: unexpected error %v", from, to, err)
			}
		}
	}
	if valid != 5 {
		t.Fatalf("expected 5 valid transitions, got %d", valid)
	}
}

func TestUnknownStatesRejected(t *testing.T) {
	if err := lifecycle.Transition("DRAFT", "BOGUS"); err == nil {
		t.Fatal("expected error for unknown target")
	}
	if err := lifecycle.Transition("", lifecycle.Committed); err == nil {
		t.Fatal("expected error for unknown current state")
	}
}

func TestArchivedIsTerminal(t *testing.T) {
	if !lifecycle.IsTerminal(lifecycle.Archived) {
		t.Fatal("ARCHIVED must be terminal")
	}
	for _, s := range lifecycle.States()[:5] {
		if lifecycle.IsTerminal(s) {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
