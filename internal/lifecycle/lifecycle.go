// Package lifecycle implements the irreversible theatre state machine.
// The progression is a strict total order with no branching and no
// back-edges; once a theatre is COMMITTED nothing may rewrite its
// committed parameters, and the state machine is the gate enforcing that.
package lifecycle

import (
	"errors"
	"fmt"
)

type State string

const (
	Draft     State = "DRAFT"
	Committed State = "COMMITTED"
	Active    State = "ACTIVE"
	Settling  State = "SETTLING"
	Resolved  State = "RESOLVED"
	Archived  State = "ARCHIVED"
)

var ErrInvalidTransition = errors.New("invalid theatre state transition")

// States returns all states in lifecycle order.
func States() []State {
	return []State{Draft, Committed, Active, Settling, Resolved, Archived}
}

// Successor returns the single next state, or false for the terminal state.
func Successor(s State) (State, bool) {
	switch s {
	case Draft:
		return Committed, true
	case Committed:
		return Active, true
	case Active:
		return Settling, true
	case Settling:
		return Resolved, true
	case Resolved:
		return Archived, true
	case Archived:
		return "", false
	}
	return "", false
}

// IsTerminal reports whether s has no successor.
func IsTerminal(s State) bool {
	_, ok := Successor(s)
	return !ok
}

// Valid reports whether s is a known state.
func Valid(s State) bool {
	switch s {
	case Draft, Committed, Active, Settling, Resolved, Archived:
		return true
	}
	return false
}

// Transition checks that target is the declared successor of cur. It
// never mutates anything; callers apply the move only on a nil error.
func Transition(cur, target State) error {
	if !Valid(cur) || !Valid(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, target)
	}
	next, ok := Successor(cur)
	if !ok || next != target {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, target)
	}
	return nil
}
