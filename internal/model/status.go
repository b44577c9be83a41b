package model

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusPromoted Status = "promoted"
	StatusReverted Status = "reverted"
)

var transitions = map[Status][]Status{
	StatusRunning: {StatusPaused, StatusPromoted, StatusReverted},
	StatusPaused:  {StatusRunning},
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusPromoted || s == StatusReverted
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusPromoted, StatusReverted:
		return true
	}
	return false
}
