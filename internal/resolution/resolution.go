// Package resolution runs the committed step program of a theatre:
// construct calls, pure computation, human review, and aggregation,
// strictly in the order declared at commitment time. Order is part of
// the commitment and is never rearranged at runtime.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"veristage/internal/construct"
	"veristage/internal/domain"
)

var (
	// ErrPinMissing means a construct step resolved to no version pin in
	// the commitment. Validation catches this too; the check repeats at
	// execution time.
	ErrPinMissing = errors.New("construct referenced by step has no version pin")
	// ErrUnknownStep means an escalation path or resume target names a
	// step id that does not exist in the program.
	ErrUnknownStep = errors.New("unknown resolution step")
	// ErrEscalationLoop means an escalation path led back to a step that
	// already ran.
	ErrEscalationLoop = errors.New("escalation path revisits an executed step")
	// ErrNotPending means a human resolution arrived for a step that is
	// not currently waiting on one.
	ErrNotPending = errors.New("step is not pending human resolution")
)

// Status of a finished (or parked) program.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	// StatusPending means a human step has halted automatic progression.
	// The program does not time out on its own; it waits for
	// ResolveHuman and another Run call.
	StatusPending Status = "PENDING"
	StatusFailed  Status = "FAILED"
)

// StepResult records one executed step.
type StepResult struct {
	StepID      string `json:"step_id"`
	Kind        string `json:"kind"`
	Status      Status `json:"status"`
	Output      any    `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// State is the resumable execution state of one program run. It is
// plain data so the engine can persist it across a human-review pause.
type State struct {
	TheatreID   string            `json:"theatre_id"`
	Cursor      int               `json:"cursor"`
	Visited     map[string]bool   `json:"visited"`
	Outputs     map[string]any    `json:"outputs"`
	Results     []StepResult      `json:"results"`
	PendingStep *string           `json:"pending_step,omitempty"`
	Decisions   map[string]any    `json:"decisions,omitempty"`
}

// NewState starts a program at its first step.
func NewState(theatreID string) *State {
	return &State{
		TheatreID: theatreID,
		Visited:   map[string]bool{},
		Outputs:   map[string]any{},
		Decisions: map[string]any{},
	}
}

// ComputeFunc is a pure computation step. It sees the outputs of every
// step executed so far, keyed by step id.
type ComputeFunc func(ctx context.Context, outputs map[string]any) (any, error)

// Sequencer executes one program. InvokeConstruct is supplied by the
// engine and already carries adapter selection and invocation policy.
type Sequencer struct {
	Steps           []domain.ResolutionStep
	Pins            map[string]string
	InvokeConstruct func(ctx context.Context, constructID, version string, stepID string) construct.Response
	Compute         map[string]ComputeFunc
	Aggregate       func(outputs map[string]any) (any, error)
	Logf            func(format string, args ...any)
	Now             func() time.Time
}

func (s Sequencer) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (s Sequencer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Sequencer) indexOf(stepID string) (int, bool) {
	for i, step := range s.Steps {
		if step.ID == stepID {
			return i, true
		}
	}
	return 0, false
}

// Run drives the program from the state's cursor until it completes,
// fails, or parks on a human step. Calling Run again after ResolveHuman
// continues from where it halted.
func (s Sequencer) Run(ctx context.Context, st *State) (Status, error) {
	if st.PendingStep != nil {
		return StatusPending, nil
	}
	for st.Cursor < len(s.Steps) {
		step := s.Steps[st.Cursor]
		if st.Visited[step.ID] {
			return StatusFailed, fmt.Errorf("%w: %s", ErrEscalationLoop, step.ID)
		}
		st.Visited[step.ID] = true

		output, pending, err := s.execute(ctx, step, st)
		if pending {
			st.PendingStep = &step.ID
			st.Results = append(st.Results, StepResult{StepID: step.ID, Kind: step.Kind, Status: StatusPending})
			return StatusPending, nil
		}
		if err != nil {
			st.Results = append(st.Results, StepResult{
				StepID: step.ID, Kind: step.Kind, Status: StatusFailed,
				Error: err.Error(), CompletedAt: s.now().UTC().Format(time.RFC3339),
			})
			if step.EscalationPath == "" {
				return StatusFailed, fmt.Errorf("step %s: %w", step.ID, err)
			}
			next, ok := s.indexOf(step.EscalationPath)
			if !ok {
				return StatusFailed, fmt.Errorf("step %s escalation: %w: %s", step.ID, ErrUnknownStep, step.EscalationPath)
			}
			s.logf("step %s failed, escalating to %s: %v", step.ID, step.EscalationPath, err)
			st.Cursor = next
			continue
		}
		st.Outputs[step.ID] = output
		st.Results = append(st.Results, StepResult{
			StepID: step.ID, Kind: step.Kind, Status: StatusCompleted,
			Output: output, CompletedAt: s.now().UTC().Format(time.RFC3339),
		})
		st.Cursor++
	}
	return StatusCompleted, nil
}

// execute runs one step. The bool result means the step parked pending
// human resolution.
func (s Sequencer) execute(ctx context.Context, step domain.ResolutionStep, st *State) (any, bool, error) {
	switch step.Kind {
	case "construct":
		pin, ok := s.Pins[step.ConstructID]
		if !ok {
			// validated at commit time, checked again here
			return nil, false, fmt.Errorf("%w: %s", ErrPinMissing, step.ConstructID)
		}
		resp := s.InvokeConstruct(ctx, step.ConstructID, pin, step.ID)
		if resp.Status != construct.StatusSuccess {
			return nil, false, fmt.Errorf("construct %s returned %s: %s", step.ConstructID, resp.Status, resp.ErrorDetail)
		}
		return resp.Output, false, nil
	case "compute":
		fn, ok := s.Compute[step.Compute]
		if !ok {
			return nil, false, fmt.Errorf("no compute function registered for %q", step.Compute)
		}
		out, err := fn(ctx, st.Outputs)
		return out, false, err
	case "human":
		if decision, ok := st.Decisions[step.ID]; ok {
			return decision, false, nil
		}
		return nil, true, nil
	case "aggregate":
		if s.Aggregate == nil {
			return nil, false, fmt.Errorf("no aggregate function configured")
		}
		out, err := s.Aggregate(st.Outputs)
		return out, false, err
	default:
		return nil, false, fmt.Errorf("%w: kind %q", ErrUnknownStep, step.Kind)
	}
}

// ResolveHuman records an external decision for the parked step. The
// caller then invokes Run again to continue the program.
func (s Sequencer) ResolveHuman(st *State, stepID string, decision any) error {
	if st.PendingStep == nil || *st.PendingStep != stepID {
		return fmt.Errorf("%w: %s", ErrNotPending, stepID)
	}
	st.Decisions[stepID] = decision
	st.PendingStep = nil
	// the step re-executes and picks the decision up
	delete(st.Visited, stepID)
	if len(st.Results) > 0 && st.Results[len(st.Results)-1].StepID == stepID {
		st.Results = st.Results[:len(st.Results)-1]
	}
	return nil
}
