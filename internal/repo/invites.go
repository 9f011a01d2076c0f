package repo

import (
	"context"
	"errors"

	"workflowmgr/internal/domain"
)

const collInvites = "invites"

func decodeInvite(d Document) (domain.Invite, error) {
	var inv domain.Invite
	if err := d.Decode(&inv); err != nil {
		return inv, err
	}
	inv.Token = d.ID
	return inv, nil
}

func (r Repo) InsertInvite(ctx context.Context, inv domain.Invite) error {
	if inv.Token == "" {
		return errors.New("token required")
	}
	return r.Insert(ctx, collInvites, inv.Token, inv, inv.CreatedAt)
}

func (r Repo) GetInvite(ctx context.Context, token string) (domain.Invite, error) {
	d, err := r.Get(ctx, collInvites, token)
	if err != nil {
		return domain.Invite{}, err
	}
	return decodeInvite(d)
}

// RedeemInvite consumes an invite and applies the op returned by admit to the
// invite's workflow in one transaction. When admit refuses, the invite is
// still consumed and admit's error is returned with the workflow untouched.
// Store failures leave both documents as they were. The returned invite is
// zero when the token does not exist.
func (r Repo) RedeemInvite(ctx context.Context, token string, admit func(domain.Invite, domain.Workflow) (Op, error)) (domain.Invite, domain.Workflow, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Invite{}, domain.Workflow{}, err
	}
	defer tx.Rollback()
	d, err := getDocument(ctx, tx, collInvites, token)
	if err != nil {
		return domain.Invite{}, domain.Workflow{}, err
	}
	inv, err := decodeInvite(d)
	if err != nil {
		return domain.Invite{}, domain.Workflow{}, err
	}
	wd, err := getDocument(ctx, tx, collWorkflows, inv.WorkflowID)
	if err != nil {
		return inv, domain.Workflow{}, err
	}
	w, err := decodeWorkflow(wd)
	if err != nil {
		return inv, domain.Workflow{}, err
	}
	op, admitErr := admit(inv, w)
	if admitErr == nil {
		wd, err = r.updateDocument(ctx, tx, collWorkflows, inv.WorkflowID, op)
		if err != nil {
			return inv, w, err
		}
		if w, err = decodeWorkflow(wd); err != nil {
			return inv, domain.Workflow{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection=? AND id=?`, collInvites, token); err != nil {
		return inv, w, err
	}
	if err := tx.Commit(); err != nil {
		return inv, w, err
	}
	return inv, w, admitErr
}

func (r Repo) DeleteInvite(ctx context.Context, token string) error {
	return r.Delete(ctx, collInvites, token)
}

// ListInvites returns the pending invites of a workflow.
func (r Repo) ListInvites(ctx context.Context, workflowID string) ([]domain.Invite, error) {
	docs, err := r.Query(ctx, collInvites, []Filter{Eq("workflowId", workflowID)}, OrderCreatedAsc)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Invite, 0, len(docs))
	for _, d := range docs {
		inv, err := decodeInvite(d)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}
