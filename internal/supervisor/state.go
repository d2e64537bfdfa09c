package supervisor

// transitions lists the legal moves of the lifecycle state machine.
var transitions = map[Status][]Status{
	StatusIdle:     {StatusStarting},
	StatusStopped:  {StatusStarting},
	StatusCrashed:  {StatusStarting, StatusStopped},
	StatusStarting: {StatusRunning, StatusCrashed, StatusStopping},
	StatusRunning:  {StatusStopping, StatusCrashed, StatusStopped},
	StatusStopping: {StatusStopped, StatusCrashed},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// active reports whether a status requires an active run.
func (s Status) active() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// Outcome is how a run ended, as seen by the restart engine.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeInterrupted:
		return "interrupted"
	}
	return "unknown"
}
