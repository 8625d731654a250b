package form

import pii "github.com/hannes/kiji-detect/pii/detectors"

// Phase is the lifecycle position of a form's current submission.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePending
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePending:
		return "pending"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is a tagged submission state. Results are only set when the phase is
// PhaseSucceeded, and Message only when it is PhaseFailed; use the
// constructors below instead of building a State by hand.
type State struct {
	phase   Phase
	results []pii.Finding
	message string
}

func Idle() State { return State{phase: PhaseIdle} }

func Pending() State { return State{phase: PhasePending} }

// Succeeded returns a state holding results. A nil slice is stored as an
// empty, present list.
func Succeeded(results []pii.Finding) State {
	if results == nil {
		results = []pii.Finding{}
	}
	return State{phase: PhaseSucceeded, results: results}
}

func Failed(message string) State { return State{phase: PhaseFailed, message: message} }

func (s State) Phase() Phase { return s.phase }

// Results returns the result list and whether one is present.
func (s State) Results() ([]pii.Finding, bool) {
	if s.phase != PhaseSucceeded {
		return nil, false
	}
	return s.results, true
}

// Message returns the user-facing error message, or "" outside PhaseFailed.
func (s State) Message() string {
	if s.phase != PhaseFailed {
		return ""
	}
	return s.message
}

func (s State) IsPending() bool { return s.phase == PhasePending }
