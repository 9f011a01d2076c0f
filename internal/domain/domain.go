package domain

import "time"

type Role string

const (
	RoleOwner          Role = "owner"
	RoleProjectManager Role = "project_manager"
	RoleDeveloper      Role = "developer"
	RoleViewer         Role = "viewer"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleProjectManager, RoleDeveloper, RoleViewer:
		return true
	}
	return false
}

// Assignable reports whether r may be stored on a Member. Ownership is
// derived from Workflow.OwnerID and never assigned.
func (r Role) Assignable() bool {
	return r.Valid() && r != RoleOwner
}

type Status string

const (
	StatusReport      Status = "report"
	StatusInReflexion Status = "in_reflexion"
	StatusInProgress  Status = "in_progress"
	StatusDone        Status = "done"
)

// User is the identity handle returned by the identity provider.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

// Session is a signed-in user plus the bearer token that identifies it.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      User      `json:"user"`
}

// Profile mirrors a registered user into the users collection.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	Members   []Member  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// Member finds the member entry for uid.
func (w Workflow) Member(uid string) (Member, bool) {
	for _, m := range w.Members {
		if m.UID == uid {
			return m, true
		}
	}
	return Member{}, false
}

type Member struct {
	UID     string    `json:"uid"`
	Email   string    `json:"email"`
	Name    string    `json:"name"`
	Role    Role      `json:"role"`
	AddedAt time.Time `json:"addedAt"`
}

type Task struct {
	ID          string        `json:"id"`
	WorkflowID  string        `json:"workflowId"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Status      Status        `json:"status"`
	AssignedTo  string        `json:"assignedTo"`
	Comments    []Comment     `json:"comments"`
	History     []StatusEvent `json:"history"`
	CreatedAt   time.Time     `json:"createdAt"`
}

type Comment struct {
	UID       string    `json:"uid"`
	UserName  string    `json:"userName"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type StatusEvent struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Invite is a deferred membership grant for an address without an account.
// Token doubles as the document id.
type Invite struct {
	Token      string    `json:"id"`
	WorkflowID string    `json:"workflowId"`
	Email      string    `json:"email"`
	Role       Role      `json:"role"`
	InvitedBy  string    `json:"invitedBy"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Credential is the stored login for a user. PasswordHash is a bcrypt digest.
type Credential struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
