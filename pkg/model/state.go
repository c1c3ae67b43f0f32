package model

// DispatchState represents the lifecycle state of a scheduler.
type DispatchState string

const (
	DispatchInitialized DispatchState = "INITIALIZED"
	DispatchDispatching DispatchState = "DISPATCHING"
	DispatchDraining    DispatchState = "DRAINING"
	DispatchDone        DispatchState = "DONE"
)

// String returns the string representation of the dispatch state.
func (s DispatchState) String() string {
	return string(s)
}

// IsTerminal returns true if the scheduler is in a final state.
func (s DispatchState) IsTerminal() bool {
	return s == DispatchDone
}

// ValidDispatchTransitions defines the allowed scheduler state transitions.
var ValidDispatchTransitions = map[DispatchState][]DispatchState{
	DispatchInitialized: {DispatchDispatching, DispatchDone},
	DispatchDispatching: {DispatchDraining},
	DispatchDraining:    {DispatchDone},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s DispatchState) CanTransitionTo(next DispatchState) bool {
	for _, allowed := range ValidDispatchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WorkerStatus is the liveness status recorded for a worker process.
type WorkerStatus string

const (
	WorkerRunning WorkerStatus = "running"
	WorkerFailed  WorkerStatus = "failed"
)

// UnitStatus summarizes the work queue bookkeeping of a run.
type UnitStatus struct {
	Finished    []string            `json:"finished"`
	Unfinished  []string            `json:"unfinished"`
	Allocations map[string][]string `json:"allocations"`
	Errors      map[string]string   `json:"errors,omitempty"`
}
