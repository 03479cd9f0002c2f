package delivery

import (
	"fmt"
	"time"
)

// State is the orchestrator's position in a run.
type State string

const (
	StateIdle        State = "idle"
	StateIngesting   State = "ingesting"
	StateMerging     State = "merging"
	StateUploading   State = "uploading"
	StateChecking    State = "checking"
	StateTestSending State = "test_sending"
	StateReserving   State = "reserving"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

var terminalStates = map[State]bool{
	StateDone:   true,
	StateFailed: true,
}

// idle → [ingesting] → merging → uploading → checking → [test_sending] → reserving → done
// Every non-terminal state may fail.
var validTransitions = map[State]map[State]bool{
	StateIdle: {
		StateIngesting: true,
		StateMerging:   true,
		StateFailed:    true,
	},
	StateIngesting: {
		StateMerging: true,
		StateFailed:  true,
	},
	StateMerging: {
		StateUploading: true,
		StateFailed:    true,
	},
	StateUploading: {
		StateChecking: true,
		StateFailed:   true,
	},
	StateChecking: {
		StateTestSending: true,
		StateReserving:   true,
		StateFailed:      true,
	},
	StateTestSending: {
		StateReserving: true,
		StateFailed:    true,
	},
	StateReserving: {
		StateDone:   true,
		StateFailed: true,
	},
}

func IsTerminal(s State) bool {
	return terminalStates[s]
}

func ValidateTransition(from, to State) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal state %q", from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}

// Transition records one state change of a run.
type Transition struct {
	From State     `yaml:"from"`
	To   State     `yaml:"to"`
	At   time.Time `yaml:"at"`
}

// StepError is a run failure together with the step it happened in.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
