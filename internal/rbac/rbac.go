package rbac

type Role string
type Action string

const (
	RoleViewer     Role = "viewer"
	RoleEditor     Role = "editor"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

const (
	ActionRead        Action = "read"
	ActionChat        Action = "chat"
	ActionEdit        Action = "edit"
	ActionModerate    Action = "moderate"
	ActionForceUnlock Action = "force_unlock"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleSuperadmin:
		return true
	case RoleAdmin:
		return action != ActionForceUnlock
	case RoleEditor:
		return action == ActionRead || action == ActionChat || action == ActionEdit
	case RoleViewer:
		return action == ActionRead || action == ActionChat
	default:
		return false
	}
}

// Elevated roles see every floor plan and are trusted to hold the server's
// view of a saved graph without an echo.
func Elevated(role Role) bool {
	return role == RoleAdmin || role == RoleSuperadmin
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin, RoleSuperadmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
