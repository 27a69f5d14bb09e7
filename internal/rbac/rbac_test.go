package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCan(t *testing.T) {
	cases := []struct {
		name       string
		role       string
		permission Permission
		allow      bool
	}{
		{name: "viewer read", role: RoleViewer, permission: PermReadProject, allow: true},
		{name: "viewer write", role: RoleViewer, permission: PermWriteProject, allow: false},
		{name: "viewer billing", role: RoleViewer, permission: PermManageBilling, allow: false},
		{name: "editor publish", role: RoleEditor, permission: PermPublishProject, allow: true},
		{name: "editor delete", role: RoleEditor, permission: PermDeleteProject, allow: false},
		{name: "admin members", role: RoleAdmin, permission: PermManageMembers, allow: true},
		{name: "admin billing", role: RoleAdmin, permission: PermManageBilling, allow: false},
		{name: "owner billing", role: RoleOwner, permission: PermManageBilling, allow: true},
		{name: "unknown role", role: "guest", permission: PermReadProject, allow: false},
		{name: "empty role", role: "", permission: PermReadProject, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.allow, Can(tc.role, tc.permission))
		})
	}
}

func TestHasPermissionUsesStoredSetOnly(t *testing.T) {
	custom := Role{ID: "billing-only", Permissions: []Permission{PermManageBilling}}

	assert.True(t, HasPermission(custom, PermManageBilling))
	assert.False(t, HasPermission(custom, PermReadProject), "no implicit read grant")
}

func TestRolesAreCopies(t *testing.T) {
	roles := Roles()
	require.Len(t, roles, 4)
	assert.Equal(t, []string{RoleOwner, RoleAdmin, RoleEditor, RoleViewer},
		[]string{roles[0].ID, roles[1].ID, roles[2].ID, roles[3].ID})

	roles[3].Permissions[0] = PermManageBilling
	assert.False(t, Can(RoleViewer, PermManageBilling))

	perms := Permissions()
	perms[0] = "tampered"
	assert.True(t, IsValidPermission(PermReadProject))
	assert.False(t, IsValidPermission("tampered"))
}

func TestSystemRolesAreNested(t *testing.T) {
	order := []string{RoleViewer, RoleEditor, RoleAdmin, RoleOwner}
	for i := 1; i < len(order); i++ {
		lower := RolePermissions(order[i-1])
		for _, p := range lower {
			assert.Truef(t, Can(order[i], p), "%s should hold %s", order[i], p)
		}
	}
	for _, role := range Roles() {
		assert.True(t, role.IsSystem)
	}
}

func TestUnknownRoleFailsClosed(t *testing.T) {
	assert.Empty(t, RolePermissions("nope"))
	_, ok := GetRole("nope")
	assert.False(t, ok)
	assert.False(t, IsValidRole("nope"))
}
