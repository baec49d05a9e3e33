package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted:  true,
	StatusFailed:     true,
	StatusDeadLetter: true,
}

// Request lifecycle: pending ↔ in_progress → terminal. A requeued request
// goes back to pending; dead_letter is reached either from pending (admission
// overflow) or from in_progress (retry budget exhausted).
var validRequestTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusDeadLetter: true,
	},
	StatusInProgress: {
		StatusPending:    true, // requeue after a transient failure
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusDeadLetter: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidateRequestTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validRequestTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid request transition: %q → %q", from, to)
	}
	return nil
}
