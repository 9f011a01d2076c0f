package repo

import (
	"context"
	"errors"

	"workflowmgr/internal/domain"
)

const collTasks = "tasks"

func decodeTask(d Document) (domain.Task, error) {
	var t domain.Task
	if err := d.Decode(&t); err != nil {
		return t, err
	}
	t.ID = d.ID
	if t.Comments == nil {
		t.Comments = []domain.Comment{}
	}
	if t.History == nil {
		t.History = []domain.StatusEvent{}
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	if t.ID == "" {
		return errors.New("id required")
	}
	if t.WorkflowID == "" {
		return errors.New("workflow_id required")
	}
	return r.Insert(ctx, collTasks, t.ID, t, t.CreatedAt)
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	d, err := r.Get(ctx, collTasks, id)
	if err != nil {
		return domain.Task{}, err
	}
	return decodeTask(d)
}

// ListTasks returns the tasks of a workflow in creation order.
func (r Repo) ListTasks(ctx context.Context, workflowID string) ([]domain.Task, error) {
	docs, err := r.Query(ctx, collTasks, []Filter{Eq("workflowId", workflowID)}, OrderCreatedAsc)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0, len(docs))
	for _, d := range docs {
		t, err := decodeTask(d)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// UpdateTask applies ops atomically and returns the stored result.
func (r Repo) UpdateTask(ctx context.Context, id string, ops ...Op) (domain.Task, error) {
	d, err := r.Update(ctx, collTasks, id, ops...)
	if err != nil {
		return domain.Task{}, err
	}
	return decodeTask(d)
}
