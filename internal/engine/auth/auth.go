package auth

import (
	"fmt"

	"workflowmgr/internal/domain"
)

// Action names a gated mutation.
type Action string

const (
	ActionManageMembers Action = "manage members"
	ActionEditTasks     Action = "create or advance tasks"
)

// ForbiddenError indicates the resolved role lacks the permission for an action.
type ForbiddenError struct {
	Action Action
	Role   domain.Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s cannot %s", e.Role, e.Action)
}

func (e ForbiddenError) Is(target error) bool { return target == domain.ErrPermissionDenied }

// ResolveRole derives userID's role within w. Ownership comes only from
// OwnerID; anyone else without a valid member entry is a viewer.
func ResolveRole(w domain.Workflow, userID string) domain.Role {
	if userID == "" {
		return domain.RoleViewer
	}
	if userID == w.OwnerID {
		return domain.RoleOwner
	}
	m, ok := w.Member(userID)
	if !ok || !m.Role.Assignable() {
		return domain.RoleViewer
	}
	return m.Role
}

func CanManageMembers(role domain.Role) bool {
	return role == domain.RoleOwner || role == domain.RoleProjectManager
}

func CanCreateOrAdvanceTasks(role domain.Role) bool {
	return role == domain.RoleOwner || role == domain.RoleProjectManager || role == domain.RoleDeveloper
}

// Require returns a ForbiddenError when role may not perform action.
func Require(role domain.Role, action Action) error {
	var ok bool
	switch action {
	case ActionManageMembers:
		ok = CanManageMembers(role)
	case ActionEditTasks:
		ok = CanCreateOrAdvanceTasks(role)
	}
	if !ok {
		return ForbiddenError{Action: action, Role: role}
	}
	return nil
}

// Permissions lists what role may do, for presentation.
type Permissions struct {
	ManageMembers bool `json:"manage_members"`
	EditTasks     bool `json:"edit_tasks"`
	Comment       bool `json:"comment"`
}

func PermissionsFor(role domain.Role) Permissions {
	return Permissions{
		ManageMembers: CanManageMembers(role),
		EditTasks:     CanCreateOrAdvanceTasks(role),
		Comment:       true,
	}
}
