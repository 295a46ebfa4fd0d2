package governor

// Role is a membership role within a workspace or project context.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = ""
)

// Permission names granted by roles.
type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermDelete Permission = "delete"
	PermManage Permission = "manage"
	PermInvite Permission = "invite"
)

// rolePermissions is the fixed grant set per role. Owners hold everything,
// editors read/write, viewers read only.
var rolePermissions = map[Role]map[Permission]bool{
	RoleOwner: {
		PermRead: true, PermWrite: true, PermDelete: true,
		PermManage: true, PermInvite: true,
	},
	RoleEditor: {
		PermRead: true, PermWrite: true,
	},
	RoleViewer: {
		PermRead: true,
	},
}

// requiredPermission maps a command action to the permission it needs.
// Unknown actions require manage, the most restrictive useful default.
func requiredPermission(action string) Permission {
	switch action {
	case "read", "list":
		return PermRead
	case "create", "update":
		return PermWrite
	case "delete":
		return PermDelete
	case "invite":
		return PermInvite
	default:
		return PermManage
	}
}

// Allowed is the pure permission matrix: does role permit action?
// It holds no state, so the same input always yields the same answer.
func Allowed(action string, role Role) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	return perms[requiredPermission(action)]
}
