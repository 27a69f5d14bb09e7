package teams

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tandem/api/internal/rbac"
	"tandem/api/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	repo := store.NewMemoryStore()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	return NewService(repo, zap.NewNop(), WithClock(func() time.Time { return now })), repo
}

func createTeam(t *testing.T, svc *Service) store.Team {
	t.Helper()
	team, err := svc.CreateTeam(context.Background(), "Core", "owner-1", "Owner@Example.com")
	require.NoError(t, err)
	return team
}

func TestCreateTeamSeedsOwner(t *testing.T) {
	svc, repo := newTestService(t)
	team := createTeam(t, svc)

	require.Len(t, team.Members, 1)
	owner := team.Members[0]
	assert.Equal(t, "owner-1", owner.ID)
	assert.Equal(t, "owner@example.com", owner.Email)
	assert.Equal(t, rbac.RoleOwner, owner.Role)
	assert.Equal(t, store.MemberActive, owner.Status)
	require.NotNil(t, owner.JoinedAt)
	assert.Equal(t, DefaultMaxMembers, team.Settings.MaxMembers)
	assert.False(t, team.Settings.AllowMemberInvites)

	stored, err := repo.GetTeam(context.Background(), team.ID)
	require.NoError(t, err)
	assert.Equal(t, team.Name, stored.Name)
}

func TestCreateTeamValidates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for _, tc := range []struct{ name, owner, email string }{
		{"", "u", "a@b.c"},
		{"n", "", "a@b.c"},
		{"n", "u", "nope"},
		{"n", "u", "@b.c"},
	} {
		_, err := svc.CreateTeam(ctx, tc.name, tc.owner, tc.email)
		assert.True(t, errors.Is(err, ErrInvalidInput), "%+v: %v", tc, err)
	}
}

func TestInviteMember(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	team := createTeam(t, svc)

	member, err := svc.InviteMember(ctx, team.ID, "Dev@Example.com", rbac.RoleEditor)
	require.NoError(t, err)
	assert.Equal(t, store.MemberPending, member.Status)
	assert.Equal(t, "dev@example.com", member.Email)
	assert.Nil(t, member.JoinedAt)

	_, err = svc.InviteMember(ctx, team.ID, "DEV@example.com", rbac.RoleViewer)
	assert.True(t, errors.Is(err, ErrDuplicateMember))

	_, err = svc.InviteMember(ctx, team.ID, "x@example.com", rbac.RoleOwner)
	assert.True(t, errors.Is(err, ErrInvalidRole))

	_, err = svc.InviteMember(ctx, team.ID, "x@example.com", "superuser")
	assert.True(t, errors.Is(err, ErrInvalidRole))

	_, err = svc.InviteMember(ctx, "missing", "x@example.com", rbac.RoleViewer)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestInviteMemberRespectsCapacity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	team := createTeam(t, svc)

	_, err := svc.UpdateSettings(ctx, team.ID, store.TeamSettings{MaxMembers: 2})
	require.NoError(t, err)

	_, err = svc.InviteMember(ctx, team.ID, "a@example.com", rbac.RoleViewer)
	require.NoError(t, err)
	_, err = svc.InviteMember(ctx, team.ID, "b@example.com", rbac.RoleViewer)
	assert.True(t, errors.Is(err, ErrTeamFull))

	got, err := svc.GetTeam(ctx, team.ID)
	require.NoError(t, err)
	assert.Len(t, got.Members, 2)
}

func TestAcceptInvite(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	team := createTeam(t, svc)

	_, err := svc.InviteMember(ctx, team.ID, "dev@example.com", rbac.RoleEditor)
	require.NoError(t, err)

	updated, err := svc.AcceptInvite(ctx, team.ID, "DEV@example.com", "user-9")
	require.NoError(t, err)
	role, ok := MemberRole(updated, "user-9")
	require.True(t, ok)
	assert.Equal(t, rbac.RoleEditor, role)

	_, err = svc.AcceptInvite(ctx, team.ID, "dev@example.com", "user-9")
	assert.True(t, errors.Is(err, ErrNotPending))

	_, err = svc.AcceptInvite(ctx, team.ID, "who@example.com", "user-10")
	assert.True(t, errors.Is(err, ErrMemberNotFound))

	_, err = svc.InviteMember(ctx, team.ID, "second@example.com", rbac.RoleViewer)
	require.NoError(t, err)
	_, err = svc.AcceptInvite(ctx, team.ID, "second@example.com", "owner-1")
	assert.True(t, errors.Is(err, ErrDuplicateMember))
}

func TestUpdateMemberRoleOwnerIsImmutable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	team := createTeam(t, svc)
	_, err := svc.InviteMember(ctx, team.ID, "dev@example.com", rbac.RoleEditor)
	require.NoError(t, err)

	_, err = svc.UpdateMemberRole(ctx, team.ID, "owner-1", rbac.RoleAdmin)
	assert.True(t, errors.Is(err, ErrOwnerImmutable))

	got, err := svc.GetTeam(ctx, team.ID)
	require.NoError(t, err)
	assert.Len(t, got.Members, 2)
	assert.Equal(t, rbac.RoleOwner, got.Members[0].Role)

	memberID := got.Members[1].ID
	_, err = svc.UpdateMemberRole(ctx, team.ID, memberID, rbac.RoleOwner)
	assert.True(t, errors.Is(err, ErrOwnerImmutable))

	updated, err := svc.UpdateMemberRole(ctx, team.ID, memberID, rbac.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleAdmin, updated.Members[1].Role)

	_, err = svc.UpdateMemberRole(ctx, team.ID, memberID, "root")
	assert.True(t, errors.Is(err, ErrInvalidRole))
	_, err = svc.UpdateMemberRole(ctx, team.ID, "ghost", rbac.RoleViewer)
	assert.True(t, errors.Is(err, ErrMemberNotFound))
}

func TestSetMemberStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	team := createTeam(t, svc)
	_, err := svc.InviteMember(ctx, team.ID, "dev@example.com", rbac.RoleEditor)
	require.NoError(t, err)

	_, err = svc.SetMemberStatus(ctx, team.ID, "owner-1", store.MemberSuspended)
	assert.True(t, errors.Is(err, ErrOwnerImmutable))

	got, err := svc.GetTeam(ctx, team.ID)
	require.NoError(t, err)
	pendingID := got.Members[1].ID
	_, err = svc.SetMemberStatus(ctx, team.ID, pendingID, store.MemberActive)
	assert.True(t, errors.Is(err, ErrInvalidStatus))

	_, err = svc.AcceptInvite(ctx, team.ID, "dev@example.com", "dev")
	require.NoError(t, err)

	suspended, err := svc.SetMemberStatus(ctx, team.ID, "dev", store.MemberSuspended)
	require.NoError(t, err)
	_, ok := MemberRole(suspended, "dev")
	assert.False(t, ok, "suspended members carry no role")

	_, err = svc.SetMemberStatus(ctx, team.ID, "dev", store.MemberPending)
	assert.True(t, errors.Is(err, ErrInvalidStatus))
}

func TestRemoveMember(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	team := createTeam(t, svc)
	member, err := svc.InviteMember(ctx, team.ID, "dev@example.com", rbac.RoleViewer)
	require.NoError(t, err)

	_, err = svc.RemoveMember(ctx, team.ID, "owner-1")
	assert.True(t, errors.Is(err, ErrOwnerImmutable))

	updated, err := svc.RemoveMember(ctx, team.ID, member.ID)
	require.NoError(t, err)
	assert.Len(t, updated.Members, 1)

	_, err = svc.RemoveMember(ctx, team.ID, member.ID)
	assert.True(t, errors.Is(err, ErrMemberNotFound))
}

func TestUpdateSettings(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	team := createTeam(t, svc)
	_, err := svc.InviteMember(ctx, team.ID, "dev@example.com", rbac.RoleViewer)
	require.NoError(t, err)

	_, err = svc.UpdateSettings(ctx, team.ID, store.TeamSettings{MaxMembers: 1})
	assert.True(t, errors.Is(err, ErrTeamFull))
	_, err = svc.UpdateSettings(ctx, team.ID, store.TeamSettings{MaxMembers: 0})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	updated, err := svc.UpdateSettings(ctx, team.ID, store.TeamSettings{
		AllowMemberInvites: true,
		MaxMembers:         5,
		BillingEmail:       " billing@example.com ",
	})
	require.NoError(t, err)
	assert.True(t, updated.Settings.AllowMemberInvites)
	assert.Equal(t, "billing@example.com", updated.Settings.BillingEmail)
}

func TestGetUserTeams(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	first := createTeam(t, svc)
	second, err := svc.CreateTeam(ctx, "Other", "owner-2", "other@example.com")
	require.NoError(t, err)
	_, err = svc.InviteMember(ctx, second.ID, "owner@example.com", rbac.RoleViewer)
	require.NoError(t, err)

	byID, err := svc.GetUserTeams(ctx, "owner-1", "")
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, first.ID, byID[0].ID)

	byEmail, err := svc.GetUserTeams(ctx, "owner-1", "OWNER@example.com")
	require.NoError(t, err)
	assert.Len(t, byEmail, 2)

	none, err := svc.GetUserTeams(ctx, "stranger", "stranger@example.com")
	require.NoError(t, err)
	assert.Empty(t, none)
}
