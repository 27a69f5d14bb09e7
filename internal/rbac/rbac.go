package rbac

type Permission string

const (
	PermReadProject    Permission = "read:project"
	PermWriteProject   Permission = "write:project"
	PermDeleteProject  Permission = "delete:project"
	PermPublishProject Permission = "publish:project"
	PermManageSettings Permission = "manage:settings"
	PermManageMembers  Permission = "manage:members"
	PermViewAnalytics  Permission = "view:analytics"
	PermManageBilling  Permission = "manage:billing"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
	IsSystem    bool         `json:"isSystem"`
}

var allPermissions = []Permission{
	PermReadProject,
	PermWriteProject,
	PermDeleteProject,
	PermPublishProject,
	PermManageSettings,
	PermManageMembers,
	PermViewAnalytics,
	PermManageBilling,
}

// Roles are stored with explicit permission sets. HasPermission never infers
// one role's grants from another's.
var systemRoles = []Role{
	{
		ID:          RoleOwner,
		Name:        "Owner",
		Description: "Full access including billing and ownership",
		Permissions: allPermissions,
		IsSystem:    true,
	},
	{
		ID:          RoleAdmin,
		Name:        "Admin",
		Description: "Manage projects, settings and members",
		Permissions: []Permission{
			PermReadProject,
			PermWriteProject,
			PermDeleteProject,
			PermPublishProject,
			PermManageSettings,
			PermManageMembers,
			PermViewAnalytics,
		},
		IsSystem: true,
	},
	{
		ID:          RoleEditor,
		Name:        "Editor",
		Description: "Edit and publish projects",
		Permissions: []Permission{
			PermReadProject,
			PermWriteProject,
			PermPublishProject,
			PermViewAnalytics,
		},
		IsSystem: true,
	},
	{
		ID:          RoleViewer,
		Name:        "Viewer",
		Description: "Read-only access",
		Permissions: []Permission{PermReadProject},
		IsSystem:    true,
	},
}

var rolesByID = func() map[string]Role {
	index := make(map[string]Role, len(systemRoles))
	for _, role := range systemRoles {
		index[role.ID] = role
	}
	return index
}()

// Permissions returns a copy of the permission catalog.
func Permissions() []Permission {
	out := make([]Permission, len(allPermissions))
	copy(out, allPermissions)
	return out
}

// Roles returns copies of the system roles in owner, admin, editor, viewer order.
func Roles() []Role {
	out := make([]Role, 0, len(systemRoles))
	for _, role := range systemRoles {
		out = append(out, cloneRole(role))
	}
	return out
}

func GetRole(id string) (Role, bool) {
	role, ok := rolesByID[id]
	if !ok {
		return Role{}, false
	}
	return cloneRole(role), true
}

// RolePermissions returns the permission set for a role id. Unknown roles
// have no permissions.
func RolePermissions(id string) []Permission {
	role, ok := GetRole(id)
	if !ok {
		return []Permission{}
	}
	return role.Permissions
}

func HasPermission(role Role, permission Permission) bool {
	for _, granted := range role.Permissions {
		if granted == permission {
			return true
		}
	}
	return false
}

// Can reports whether the role grants permission. Unknown roles grant
// nothing.
func Can(roleID string, permission Permission) bool {
	role, ok := rolesByID[roleID]
	if !ok {
		return false
	}
	return HasPermission(role, permission)
}

func IsValidRole(id string) bool {
	_, ok := rolesByID[id]
	return ok
}

func IsValidPermission(permission Permission) bool {
	for _, known := range allPermissions {
		if known == permission {
			return true
		}
	}
	return false
}

func cloneRole(role Role) Role {
	perms := make([]Permission, len(role.Permissions))
	copy(perms, role.Permissions)
	role.Permissions = perms
	return role
}
