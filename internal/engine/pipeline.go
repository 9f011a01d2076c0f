package engine

import (
	"strings"
	"time"

	"workflowmgr/internal/domain"
	"workflowmgr/internal/engine/auth"
)

// Pipeline is the fixed board order. The first stage is the only initial
// state and the last one is terminal.
var Pipeline = []domain.Status{
	domain.StatusReport,
	domain.StatusInReflexion,
	domain.StatusInProgress,
	domain.StatusDone,
}

// NextStatus returns the immediate successor of cur, or false when cur is
// terminal or unknown.
func NextStatus(cur domain.Status) (domain.Status, bool) {
	for i, s := range Pipeline {
		if s == cur && i+1 < len(Pipeline) {
			return Pipeline[i+1], true
		}
	}
	return "", false
}

// KnownStatus reports whether s is a pipeline stage.
func KnownStatus(s domain.Status) bool {
	for _, p := range Pipeline {
		if p == s {
			return true
		}
	}
	return false
}

// NewTaskInput carries the caller-provided task fields.
type NewTaskInput struct {
	ID          string
	WorkflowID  string
	Title       string
	Description string
	AssignedTo  string
	CreatorID   string
}

// NewTask builds a task in the initial stage with a one-entry history.
func NewTask(in NewTaskInput, role domain.Role, now time.Time) (domain.Task, error) {
	if err := auth.Require(role, auth.ActionEditTasks); err != nil {
		return domain.Task{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Task{}, domain.ValidationError{Field: "title", Reason: "is required"}
	}
	if in.WorkflowID == "" {
		return domain.Task{}, domain.ValidationError{Field: "workflow_id", Reason: "is required"}
	}
	assignee := strings.TrimSpace(in.AssignedTo)
	if assignee == "" {
		assignee = in.CreatorID
	}
	now = now.UTC()
	initial := Pipeline[0]
	return domain.Task{
		ID:          in.ID,
		WorkflowID:  in.WorkflowID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Status:      initial,
		AssignedTo:  assignee,
		Comments:    []domain.Comment{},
		History:     []domain.StatusEvent{{Status: initial, Timestamp: now}},
		CreatedAt:   now,
	}, nil
}

// AdvanceStatus moves t exactly one stage forward and appends the new stage
// to its history. t itself is not modified.
func AdvanceStatus(t domain.Task, role domain.Role, now time.Time) (domain.Task, error) {
	if err := auth.Require(role, auth.ActionEditTasks); err != nil {
		return t, err
	}
	next, ok := NextStatus(t.Status)
	if !ok {
		return t, domain.ErrTerminalState
	}
	history := make([]domain.StatusEvent, len(t.History), len(t.History)+1)
	copy(history, t.History)
	t.History = append(history, domain.StatusEvent{Status: next, Timestamp: now.UTC()})
	t.Status = next
	return t, nil
}
