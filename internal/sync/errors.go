package sync

import (
	"errors"
	"fmt"
)

// ErrRunInProgress is returned when another sync run holds the guard.
var ErrRunInProgress = errors.New("sync: run already in progress")

// State is the orchestrator's position in the pipeline.
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateDetecting  State = "detecting"
	StateExtracting State = "extracting"
	StateParsing    State = "parsing"
	StateLoading    State = "loading"
	StateRecording  State = "recording"
	StateFailed     State = "failed"
)

// StepError records which step of a run failed.
type StepError struct {
	Step State
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the step recorded in err, or "" when err carries none.
func FailedStep(err error) State {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}
