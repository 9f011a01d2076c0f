package repo

import (
	"context"
	"errors"

	"workflowmgr/internal/domain"
)

const collWorkflows = "workflows"

func decodeWorkflow(d Document) (domain.Workflow, error) {
	var w domain.Workflow
	if err := d.Decode(&w); err != nil {
		return w, err
	}
	w.ID = d.ID
	if w.Members == nil {
		w.Members = []domain.Member{}
	}
	return w, nil
}

func (r Repo) InsertWorkflow(ctx context.Context, w domain.Workflow) error {
	if w.ID == "" {
		return errors.New("id required")
	}
	if w.Members == nil {
		w.Members = []domain.Member{}
	}
	return r.Insert(ctx, collWorkflows, w.ID, w, w.CreatedAt)
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	d, err := r.Get(ctx, collWorkflows, id)
	if err != nil {
		return domain.Workflow{}, err
	}
	return decodeWorkflow(d)
}

// ListWorkflowsForUser returns the workflows uid owns or belongs to, newest first.
func (r Repo) ListWorkflowsForUser(ctx context.Context, uid string) ([]domain.Workflow, error) {
	docs, err := r.queryDocuments(ctx, collWorkflows,
		`SELECT id, data, created_at, updated_at FROM documents
		 WHERE collection=? AND (json_extract(data, '$.ownerId') = ?
		   OR EXISTS (SELECT 1 FROM json_each(data, '$.members') WHERE json_extract(json_each.value, '$.uid') = ?))
		 ORDER BY created_at DESC, rowid DESC`,
		collWorkflows, uid, uid)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Workflow, 0, len(docs))
	for _, d := range docs {
		w, err := decodeWorkflow(d)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// UpdateWorkflow applies ops atomically and returns the stored result.
func (r Repo) UpdateWorkflow(ctx context.Context, id string, ops ...Op) (domain.Workflow, error) {
	d, err := r.Update(ctx, collWorkflows, id, ops...)
	if err != nil {
		return domain.Workflow{}, err
	}
	return decodeWorkflow(d)
}
