package repo

import (
	"context"
	"errors"
	"strings"

	"workflowmgr/internal/domain"
)

const collUsers = "users"

func decodeProfile(d Document) (domain.Profile, error) {
	var p domain.Profile
	if err := d.Decode(&p); err != nil {
		return p, err
	}
	p.ID = d.ID
	return p, nil
}

// PutProfile stores the profile for a registered user.
func (r Repo) PutProfile(ctx context.Context, p domain.Profile) error {
	if p.ID == "" {
		return errors.New("id required")
	}
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	return r.Insert(ctx, collUsers, p.ID, p, p.CreatedAt)
}

func (r Repo) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	d, err := r.Get(ctx, collUsers, id)
	if err != nil {
		return domain.Profile{}, err
	}
	return decodeProfile(d)
}

// FindProfileByEmail looks an address up case-insensitively. The oldest
// profile wins if several share the address.
func (r Repo) FindProfileByEmail(ctx context.Context, email string) (domain.Profile, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	docs, err := r.Query(ctx, collUsers, []Filter{Eq("email", email)}, OrderCreatedAsc)
	if err != nil {
		return domain.Profile{}, err
	}
	if len(docs) == 0 {
		return domain.Profile{}, ErrNotFound
	}
	return decodeProfile(docs[0])
}

func (r Repo) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	docs, err := r.Query(ctx, collUsers, nil, OrderCreatedAsc)
	if err != nil {
		return nil, err
	}
	profiles := make([]domain.Profile, 0, len(docs))
	for _, d := range docs {
		p, err := decodeProfile(d)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}
