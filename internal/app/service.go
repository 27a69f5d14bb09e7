package app

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"tandem/api/internal/auth"
	"tandem/api/internal/realtime"
	"tandem/api/internal/store"
	"tandem/api/internal/teams"
	"tandem/api/internal/versions"
)

// Pinger reports whether the backing repository is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Inviter delivers invitation mail to pending members.
type Inviter interface {
	IsConfigured() bool
	SendInvite(to, teamName, teamID, inviter, role string) error
}

type Deps struct {
	JWTSecret   []byte
	Repository  Pinger
	Teams       *teams.Service
	Versions    *versions.Store
	Coordinator *realtime.Coordinator
	Invites     Inviter
	Logger      *zap.Logger
}

// Service is the HTTP-facing facade. It resolves sessions and applies
// authorization before handing off to the domain services.
type Service struct {
	secret   []byte
	repo     Pinger
	teams    *teams.Service
	versions *versions.Store
	coord    *realtime.Coordinator
	invites  Inviter
	logger   *zap.Logger
}

type Session struct {
	UserID   string
	UserName string
	Email    string
	Avatar   string
	// Role is the workspace role from the identity token.
	Role string
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		secret:   deps.JWTSecret,
		repo:     deps.Repository,
		teams:    deps.Teams,
		versions: deps.Versions,
		coord:    deps.Coordinator,
		invites:  deps.Invites,
		logger:   logger,
	}
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:   claims.UserID(),
		UserName: claims.Name,
		Email:    strings.ToLower(strings.TrimSpace(claims.Email)),
		Avatar:   claims.Avatar,
		Role:     claims.Role,
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	return s.repo.Ping(ctx)
}

func (s *Service) RoomState(session Session, roomID string) (realtime.RoomState, error) {
	if err := s.authorizeWorkspace(session, permRead); err != nil {
		return realtime.RoomState{}, err
	}
	state, ok := s.coord.State(roomID)
	if !ok {
		return realtime.RoomState{}, store.ErrNotFound
	}
	return state, nil
}

func (s *Service) CreateTeam(ctx context.Context, session Session, name string) (store.Team, error) {
	return s.teams.CreateTeam(ctx, name, session.UserID, session.Email)
}

func (s *Service) ListTeams(ctx context.Context, session Session) ([]store.Team, error) {
	return s.teams.GetUserTeams(ctx, session.UserID, session.Email)
}

// GetTeam is visible to active members and to anyone holding an invite.
func (s *Service) GetTeam(ctx context.Context, session Session, teamID string) (store.Team, error) {
	team, err := s.teams.GetTeam(ctx, teamID)
	if err != nil {
		return store.Team{}, err
	}
	if _, ok := teams.MemberRole(team, session.UserID); ok {
		return team, nil
	}
	if session.Email != "" {
		for _, member := range team.Members {
			if member.Status == store.MemberPending && member.Email == session.Email {
				return team, nil
			}
		}
	}
	return store.Team{}, errForbidden
}

func (s *Service) InviteMember(ctx context.Context, session Session, teamID, email, role string) (store.Member, error) {
	team, err := s.teams.GetTeam(ctx, teamID)
	if err != nil {
		return store.Member{}, err
	}
	if err := s.authorizeInvite(team, session); err != nil {
		return store.Member{}, err
	}
	member, err := s.teams.InviteMember(ctx, teamID, email, role)
	if err != nil {
		return store.Member{}, err
	}
	s.logger.Info("member invited",
		zap.String("team_id", teamID),
		zap.String("member_id", member.ID),
		zap.String("invited_by", session.UserID),
	)
	s.sendInvite(team, member, session)
	return member, nil
}

// sendInvite is best effort. The invite stands even if mail fails.
func (s *Service) sendInvite(team store.Team, member store.Member, session Session) {
	if s.invites == nil || !s.invites.IsConfigured() {
		return
	}
	inviter := session.UserName
	if inviter == "" {
		inviter = session.UserID
	}
	if err := s.invites.SendInvite(member.Email, team.Name, team.ID, inviter, member.Role); err != nil {
		s.logger.Warn("send invite email",
			zap.String("team_id", team.ID),
			zap.String("member_id", member.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) AcceptInvite(ctx context.Context, session Session, teamID string) (store.Team, error) {
	if session.Email == "" {
		return store.Team{}, domainError(http.StatusBadRequest, "EMAIL_REQUIRED", "Identity has no email to match an invite", nil)
	}
	return s.teams.AcceptInvite(ctx, teamID, session.Email, session.UserID)
}

func (s *Service) UpdateMemberRole(ctx context.Context, session Session, teamID, memberID, role string) (store.Team, error) {
	if _, err := s.authorizeTeam(ctx, session, teamID, permManageMembers); err != nil {
		return store.Team{}, err
	}
	return s.teams.UpdateMemberRole(ctx, teamID, memberID, role)
}

func (s *Service) SetMemberStatus(ctx context.Context, session Session, teamID, memberID string, status store.MemberStatus) (store.Team, error) {
	if _, err := s.authorizeTeam(ctx, session, teamID, permManageMembers); err != nil {
		return store.Team{}, err
	}
	return s.teams.SetMemberStatus(ctx, teamID, memberID, status)
}

// RemoveMember lets managers remove anyone but the owner, and lets members
// remove themselves.
func (s *Service) RemoveMember(ctx context.Context, session Session, teamID, memberID string) (store.Team, error) {
	if memberID != session.UserID {
		if _, err := s.authorizeTeam(ctx, session, teamID, permManageMembers); err != nil {
			return store.Team{}, err
		}
	}
	return s.teams.RemoveMember(ctx, teamID, memberID)
}

func (s *Service) UpdateSettings(ctx context.Context, session Session, teamID string, settings store.TeamSettings) (store.Team, error) {
	team, err := s.authorizeTeam(ctx, session, teamID, permManageSettings)
	if err != nil {
		return store.Team{}, err
	}
	if strings.TrimSpace(settings.BillingEmail) != team.Settings.BillingEmail {
		if _, err := s.authorizeTeam(ctx, session, teamID, permManageBilling); err != nil {
			return store.Team{}, err
		}
	}
	return s.teams.UpdateSettings(ctx, teamID, settings)
}

func (s *Service) ListVersions(ctx context.Context, session Session, projectID string) ([]store.VersionRecord, error) {
	if err := s.authorizeWorkspace(session, permRead); err != nil {
		return nil, err
	}
	return s.versions.GetVersions(ctx, projectID)
}

func (s *Service) GetVersion(ctx context.Context, session Session, projectID, versionID string) (store.VersionRecord, error) {
	if err := s.authorizeWorkspace(session, permRead); err != nil {
		return store.VersionRecord{}, err
	}
	return s.versions.GetVersion(ctx, projectID, versionID)
}

type CreateVersionInput struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Changes     *store.ChangeSummary `json:"changes"`
	Snapshot    map[string]string    `json:"snapshot"`
}

func (s *Service) CreateVersion(ctx context.Context, session Session, projectID string, in CreateVersionInput) (store.VersionRecord, error) {
	if err := s.authorizeWorkspace(session, permWrite); err != nil {
		return store.VersionRecord{}, err
	}
	return s.versions.CreateVersion(ctx, versions.CreateInput{
		ProjectID:   projectID,
		Name:        in.Name,
		Description: in.Description,
		CreatedBy:   session.UserID,
		Changes:     in.Changes,
		Snapshot:    in.Snapshot,
	})
}

func (s *Service) CompareVersions(ctx context.Context, session Session, projectID, fromID, toID string) (versions.Comparison, error) {
	if err := s.authorizeWorkspace(session, permRead); err != nil {
		return versions.Comparison{}, err
	}
	if strings.TrimSpace(fromID) == "" || strings.TrimSpace(toID) == "" {
		return versions.Comparison{}, domainError(http.StatusBadRequest, "INVALID_INPUT", "from and to are required", nil)
	}
	return s.versions.CompareVersions(ctx, projectID, fromID, toID)
}

func (s *Service) RollbackToVersion(ctx context.Context, session Session, projectID, versionID string) (store.VersionRecord, error) {
	if err := s.authorizeWorkspace(session, permPublish); err != nil {
		return store.VersionRecord{}, err
	}
	record, err := s.versions.RollbackToVersion(ctx, projectID, versionID, session.UserID)
	if err != nil {
		return store.VersionRecord{}, err
	}
	s.logger.Info("project rolled back",
		zap.String("project_id", projectID),
		zap.String("target_version_id", versionID),
		zap.Int("version", record.Version),
		zap.String("actor", session.UserID),
	)
	return record, nil
}

func (s *Service) ArchiveHistory(session Session, projectID string, limit int) ([]store.CommitInfo, error) {
	if err := s.authorizeWorkspace(session, permRead); err != nil {
		return nil, err
	}
	return s.versions.ArchiveHistory(projectID, limit)
}
