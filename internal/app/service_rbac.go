package app

import (
	"context"

	"go.uber.org/zap"

	"tandem/api/internal/rbac"
	"tandem/api/internal/store"
	"tandem/api/internal/teams"
)

const (
	permRead           = rbac.PermReadProject
	permWrite          = rbac.PermWriteProject
	permPublish        = rbac.PermPublishProject
	permManageMembers  = rbac.PermManageMembers
	permManageSettings = rbac.PermManageSettings
	permManageBilling  = rbac.PermManageBilling
)

// authorizeWorkspace checks the role carried in the identity token. Project
// routes and rooms are governed by it.
func (s *Service) authorizeWorkspace(session Session, permission rbac.Permission) error {
	if rbac.Can(session.Role, permission) {
		return nil
	}
	s.logger.Info("permission denied",
		zap.String("user_id", session.UserID),
		zap.String("role", session.Role),
		zap.String("permission", string(permission)),
	)
	return errForbidden
}

// authorizeTeam checks the caller's role on the team itself. Pending and
// suspended members hold no role.
func (s *Service) authorizeTeam(ctx context.Context, session Session, teamID string, permission rbac.Permission) (store.Team, error) {
	team, err := s.teams.GetTeam(ctx, teamID)
	if err != nil {
		return store.Team{}, err
	}
	role, ok := teams.MemberRole(team, session.UserID)
	if !ok || !rbac.Can(role, permission) {
		s.logger.Info("team permission denied",
			zap.String("team_id", teamID),
			zap.String("user_id", session.UserID),
			zap.String("permission", string(permission)),
		)
		return store.Team{}, errForbidden
	}
	return team, nil
}

// authorizeInvite admits member managers, or any active member when the
// team allows member invites.
func (s *Service) authorizeInvite(team store.Team, session Session) error {
	role, ok := teams.MemberRole(team, session.UserID)
	if !ok {
		return errForbidden
	}
	if rbac.Can(role, permManageMembers) || team.Settings.AllowMemberInvites {
		return nil
	}
	return errForbidden
}
