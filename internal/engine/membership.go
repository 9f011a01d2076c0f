package engine

import (
	"net/url"
	"strings"
	"time"

	"workflowmgr/internal/domain"
	"workflowmgr/internal/engine/auth"
)

// NewWorkflow builds a workflow owned by ownerID. Any member entry for the
// owner and any duplicate uid are dropped so ownership stays derived.
func NewWorkflow(id, name, ownerID string, members []domain.Member, now time.Time) (domain.Workflow, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Workflow{}, domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if ownerID == "" {
		return domain.Workflow{}, domain.ErrUnauthenticated
	}
	w := domain.Workflow{
		ID:        id,
		Name:      name,
		OwnerID:   ownerID,
		Members:   []domain.Member{},
		CreatedAt: now.UTC(),
	}
	for _, m := range members {
		if m.UID == ownerID || !m.Role.Assignable() {
			continue
		}
		if _, dup := w.Member(m.UID); dup {
			continue
		}
		w.Members = append(w.Members, m)
	}
	return w, nil
}

// NormalizeEmail trims and lower-cases an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CheckInvite validates an invitation request against w before any lookup.
// It returns the normalized address.
func CheckInvite(w domain.Workflow, email string, role domain.Role, inviterRole domain.Role) (string, error) {
	if err := auth.Require(inviterRole, auth.ActionManageMembers); err != nil {
		return "", err
	}
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return "", domain.ValidationError{Field: "email", Reason: "must be an email address"}
	}
	if !role.Assignable() {
		return "", domain.ValidationError{Field: "role", Reason: "must be project_manager, developer or viewer"}
	}
	return email, nil
}

// AddMember appends m unless its uid is the owner or already present.
func AddMember(w domain.Workflow, m domain.Member) (domain.Workflow, error) {
	if m.UID == "" {
		return w, domain.ValidationError{Field: "uid", Reason: "is required"}
	}
	if !m.Role.Assignable() {
		return w, domain.ValidationError{Field: "role", Reason: "must be project_manager, developer or viewer"}
	}
	if m.UID == w.OwnerID {
		return w, domain.ErrAlreadyMember
	}
	if _, ok := w.Member(m.UID); ok {
		return w, domain.ErrAlreadyMember
	}
	members := make([]domain.Member, len(w.Members), len(w.Members)+1)
	copy(members, w.Members)
	w.Members = append(members, m)
	return w, nil
}

// MemberFromProfile builds the member entry for an existing account.
func MemberFromProfile(p domain.Profile, role domain.Role, now time.Time) domain.Member {
	name := p.Name
	if name == "" {
		name = p.Email
	}
	return domain.Member{UID: p.ID, Email: p.Email, Name: name, Role: role, AddedAt: now.UTC()}
}

// ChangeMemberRole replaces targetUID's role in place, keeping position and AddedAt.
func ChangeMemberRole(w domain.Workflow, targetUID string, newRole, requesterRole domain.Role) (domain.Workflow, error) {
	if err := auth.Require(requesterRole, auth.ActionManageMembers); err != nil {
		return w, err
	}
	idx, err := targetIndex(w, targetUID)
	if err != nil {
		return w, err
	}
	if !newRole.Assignable() {
		return w, domain.ValidationError{Field: "role", Reason: "must be project_manager, developer or viewer"}
	}
	members := make([]domain.Member, len(w.Members))
	copy(members, w.Members)
	members[idx].Role = newRole
	w.Members = members
	return w, nil
}

// RemoveMember drops targetUID from the member sequence.
func RemoveMember(w domain.Workflow, targetUID string, requesterRole domain.Role) (domain.Workflow, error) {
	if err := auth.Require(requesterRole, auth.ActionManageMembers); err != nil {
		return w, err
	}
	idx, err := targetIndex(w, targetUID)
	if err != nil {
		return w, err
	}
	members := make([]domain.Member, 0, len(w.Members)-1)
	members = append(members, w.Members[:idx]...)
	members = append(members, w.Members[idx+1:]...)
	w.Members = members
	return w, nil
}

func targetIndex(w domain.Workflow, uid string) (int, error) {
	if uid == "" || uid == w.OwnerID {
		return -1, domain.ErrInvalidTarget
	}
	for i, m := range w.Members {
		if m.UID == uid {
			return i, nil
		}
	}
	return -1, domain.ErrInvalidTarget
}

// InviteLink renders <origin>/register?invite=<token>&workflowId=<id>&role=<role>.
func InviteLink(origin, token, workflowID string, role domain.Role) string {
	return strings.TrimRight(origin, "/") + "/register?invite=" + url.QueryEscape(token) +
		"&workflowId=" + url.QueryEscape(workflowID) +
		"&role=" + url.QueryEscape(string(role))
}
