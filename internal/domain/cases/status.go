package cases

import (
	"fmt"

	"github.com/diagnoseai/diagnoseai/internal/platform/apperr"
)

// Status is the lifecycle state of a case.
type Status string

const (
	StatusCreated     Status = "created"
	StatusProcessing  Status = "processing"
	StatusDraftReady  Status = "draft_ready"
	StatusAIFailed    Status = "ai_failed"
	StatusDraftEdited Status = "draft_edited"
	StatusCompleted   Status = "completed"
)

// Statuses in display order.
var Statuses = []Status{
	StatusCreated, StatusProcessing, StatusDraftReady, StatusAIFailed, StatusDraftEdited, StatusCompleted,
}

// ParseStatus accepts the six states plus the older spellings "pending" and
// "uploaded", which both mean created.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending", "uploaded":
		return StatusCreated, nil
	}
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown case status %q", s)
}

var transitions = map[Status][]Status{
	StatusCreated:     {StatusProcessing, StatusDraftReady, StatusAIFailed},
	StatusProcessing:  {StatusDraftReady, StatusAIFailed},
	StatusDraftReady:  {StatusDraftEdited, StatusCompleted},
	StatusDraftEdited: {StatusDraftEdited, StatusCompleted},
	StatusCompleted:   nil,
	StatusAIFailed:    nil,
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// AwaitingGeneration is true for cases persisted but not yet resolved by the
// generator.
func (s Status) AwaitingGeneration() bool {
	return s == StatusCreated || s == StatusProcessing
}

func (s Status) Label() string {
	switch s {
	case StatusCreated:
		return "Uploaded"
	case StatusProcessing:
		return "Processing"
	case StatusDraftReady:
		return "Draft Ready"
	case StatusAIFailed:
		return "AI Failed"
	case StatusDraftEdited:
		return "Draft Edited"
	case StatusCompleted:
		return "Completed"
	}
	return string(s)
}

// ValidateTransition returns a StateError when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if from.CanTransitionTo(to) {
		return nil
	}
	if from == StatusCompleted {
		return apperr.State("report is already finalized")
	}
	return apperr.State("case cannot move from %s to %s", from, to)
}
