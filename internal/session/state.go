package session

import (
	"fmt"

	"github.com/lowaak/wristlink/internal/protocol"
)

// Phase is where the session state machine currently sits.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseActive
	PhaseSampling
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseActive:
		return "SessionActive"
	case PhaseSampling:
		return "Sampling"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is an immutable snapshot of the tracked session.
type State struct {
	Name  string
	Phase Phase
	// Sample is the exercise log / set being sampled; only meaningful while
	// Phase == PhaseSampling.
	Sample protocol.SampleRequest
}

// Idle returns the state of a process with no session.
func Idle() State {
	return State{Name: protocol.NoSession, Phase: PhaseIdle}
}

func (s State) Active() bool {
	return s.Phase != PhaseIdle
}

// IsAnalysing is true while a sample is in flight.
func (s State) IsAnalysing() bool {
	return s.Phase == PhaseSampling
}

// Start names the session. A running session is renamed in place and an
// in-flight sample is kept.
func (s State) Start(name string) State {
	s.Name = name
	if s.Phase == PhaseIdle {
		s.Phase = PhaseActive
	}
	return s
}

// End returns to Idle from any phase.
func (s State) End() State {
	return Idle()
}

// BeginSampling records req as the sample in flight, replacing any earlier one.
// It is a no-op while Idle.
func (s State) BeginSampling(req protocol.SampleRequest) State {
	if s.Phase == PhaseIdle {
		return s
	}
	s.Phase = PhaseSampling
	s.Sample = req
	return s
}

// FinishSampling returns to SessionActive.
func (s State) FinishSampling() State {
	if s.Phase != PhaseSampling {
		return s
	}
	s.Phase = PhaseActive
	s.Sample = protocol.SampleRequest{}
	return s
}

func (s State) String() string {
	if s.Phase == PhaseSampling {
		return fmt.Sprintf("%s(%q, %s#%d)", s.Phase, s.Name, s.Sample.ExerciseLogID, s.Sample.SetIndex)
	}
	return fmt.Sprintf("%s(%q)", s.Phase, s.Name)
}
