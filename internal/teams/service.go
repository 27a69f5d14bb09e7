// Package teams manages teams and their membership.
package teams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tandem/api/internal/rbac"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

const DefaultMaxMembers = 10

var (
	ErrInvalidInput    = errors.New("invalid team input")
	ErrInvalidRole     = errors.New("invalid member role")
	ErrInvalidStatus   = errors.New("invalid member status")
	ErrDuplicateMember = errors.New("member already on team")
	ErrTeamFull        = errors.New("team is at member capacity")
	ErrOwnerImmutable  = errors.New("team owner cannot be changed")
	ErrMemberNotFound  = errors.New("member not found")
	ErrNotPending      = errors.New("invite is not pending")
)

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service mutates teams on a copy and saves once, so a rejected operation
// leaves the stored team unchanged.
type Service struct {
	repo   store.TeamRepository
	logger *zap.Logger
	now    func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewService(repo store.TeamRepository, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:   repo,
		logger: logger.Named("teams"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreateTeam(ctx context.Context, name, ownerID, ownerEmail string) (store.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Team{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(ownerID) == "" {
		return store.Team{}, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	email, err := normalizeEmail(ownerEmail)
	if err != nil {
		return store.Team{}, err
	}

	now := s.now().UTC()
	joined := now
	team := store.Team{
		ID:      util.NewID("team"),
		Name:    name,
		OwnerID: ownerID,
		Members: []store.Member{{
			ID:        ownerID,
			Email:     email,
			Role:      rbac.RoleOwner,
			InvitedAt: now,
			JoinedAt:  &joined,
			Status:    store.MemberActive,
		}},
		Settings: store.TeamSettings{
			AllowMemberInvites: false,
			MaxMembers:         DefaultMaxMembers,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.SaveTeam(ctx, team); err != nil {
		return store.Team{}, fmt.Errorf("save team: %w", err)
	}
	s.logger.Info("team created", zap.String("team_id", team.ID), zap.String("owner_id", ownerID))
	return team, nil
}

func (s *Service) GetTeam(ctx context.Context, teamID string) (store.Team, error) {
	return s.repo.GetTeam(ctx, teamID)
}

func (s *Service) InviteMember(ctx context.Context, teamID, email, role string) (store.Member, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return store.Member{}, err
	}
	if !rbac.IsValidRole(role) || role == rbac.RoleOwner {
		return store.Member{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	var invited store.Member
	_, err = s.mutate(ctx, teamID, func(team *store.Team, now time.Time) error {
		if findByEmail(team, email) >= 0 {
			return ErrDuplicateMember
		}
		if len(team.Members) >= maxMembers(team.Settings) {
			return ErrTeamFull
		}
		invited = store.Member{
			ID:        util.NewID("mem"),
			Email:     email,
			Role:      role,
			InvitedAt: now,
			Status:    store.MemberPending,
		}
		team.Members = append(team.Members, invited)
		return nil
	})
	if err != nil {
		return store.Member{}, err
	}
	return invited, nil
}

// AcceptInvite activates the pending invite for email and rebinds the member
// id to the accepting user.
func (s *Service) AcceptInvite(ctx context.Context, teamID, email, userID string) (store.Team, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return store.Team{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return store.Team{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return s.mutate(ctx, teamID, func(team *store.Team, now time.Time) error {
		i := findByEmail(team, email)
		if i < 0 {
			return ErrMemberNotFound
		}
		if team.Members[i].Status != store.MemberPending {
			return ErrNotPending
		}
		if j := findByID(team, userID); j >= 0 && j != i {
			return ErrDuplicateMember
		}
		joined := now
		team.Members[i].ID = userID
		team.Members[i].Status = store.MemberActive
		team.Members[i].JoinedAt = &joined
		return nil
	})
}

func (s *Service) UpdateMemberRole(ctx context.Context, teamID, memberID, role string) (store.Team, error) {
	if !rbac.IsValidRole(role) {
		return store.Team{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return s.mutate(ctx, teamID, func(team *store.Team, _ time.Time) error {
		i := findByID(team, memberID)
		if i < 0 {
			return ErrMemberNotFound
		}
		current := team.Members[i].Role
		if current == rbac.RoleOwner && role != rbac.RoleOwner {
			return ErrOwnerImmutable
		}
		if role == rbac.RoleOwner && current != rbac.RoleOwner {
			return ErrOwnerImmutable
		}
		team.Members[i].Role = role
		return nil
	})
}

// SetMemberStatus switches a joined member between active and suspended.
func (s *Service) SetMemberStatus(ctx context.Context, teamID, memberID string, status store.MemberStatus) (store.Team, error) {
	if status != store.MemberActive && status != store.MemberSuspended {
		return store.Team{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.mutate(ctx, teamID, func(team *store.Team, _ time.Time) error {
		i := findByID(team, memberID)
		if i < 0 {
			return ErrMemberNotFound
		}
		if team.Members[i].Role == rbac.RoleOwner {
			return ErrOwnerImmutable
		}
		if team.Members[i].Status == store.MemberPending {
			return fmt.Errorf("%w: invite not accepted yet", ErrInvalidStatus)
		}
		team.Members[i].Status = status
		return nil
	})
}

func (s *Service) RemoveMember(ctx context.Context, teamID, memberID string) (store.Team, error) {
	return s.mutate(ctx, teamID, func(team *store.Team, _ time.Time) error {
		i := findByID(team, memberID)
		if i < 0 {
			return ErrMemberNotFound
		}
		if team.Members[i].Role == rbac.RoleOwner {
			return ErrOwnerImmutable
		}
		team.Members = append(team.Members[:i], team.Members[i+1:]...)
		return nil
	})
}

func (s *Service) UpdateSettings(ctx context.Context, teamID string, settings store.TeamSettings) (store.Team, error) {
	if settings.MaxMembers <= 0 {
		return store.Team{}, fmt.Errorf("%w: maxMembers must be positive", ErrInvalidInput)
	}
	settings.BillingEmail = strings.TrimSpace(settings.BillingEmail)
	return s.mutate(ctx, teamID, func(team *store.Team, _ time.Time) error {
		if settings.MaxMembers < len(team.Members) {
			return ErrTeamFull
		}
		team.Settings = settings
		return nil
	})
}

// GetUserTeams scans every team for a member matching userID or email.
func (s *Service) GetUserTeams(ctx context.Context, userID, email string) ([]store.Team, error) {
	all, err := s.repo.ListTeams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	email = strings.ToLower(strings.TrimSpace(email))

	out := make([]store.Team, 0)
	for _, team := range all {
		for _, member := range team.Members {
			if (userID != "" && member.ID == userID) || (email != "" && member.Email == email) {
				out = append(out, team)
				break
			}
		}
	}
	return out, nil
}

// MemberRole returns the role of an active member.
func MemberRole(team store.Team, userID string) (string, bool) {
	i := findByID(&team, userID)
	if i < 0 || team.Members[i].Status != store.MemberActive {
		return "", false
	}
	return team.Members[i].Role, true
}

func (s *Service) mutate(ctx context.Context, teamID string, fn func(team *store.Team, now time.Time) error) (store.Team, error) {
	lock := s.teamLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	team, err := s.repo.GetTeam(ctx, teamID)
	if err != nil {
		return store.Team{}, err
	}
	working := team.Clone()
	now := s.now().UTC()
	if err := fn(&working, now); err != nil {
		return store.Team{}, err
	}
	working.UpdatedAt = now
	if err := s.repo.SaveTeam(ctx, working); err != nil {
		return store.Team{}, fmt.Errorf("save team: %w", err)
	}
	return working, nil
}

func (s *Service) teamLock(teamID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[teamID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[teamID] = lock
	}
	return lock
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("%w: invalid email %q", ErrInvalidInput, email)
	}
	return email, nil
}

func findByEmail(team *store.Team, email string) int {
	for i, m := range team.Members {
		if strings.EqualFold(m.Email, email) {
			return i
		}
	}
	return -1
}

func findByID(team *store.Team, id string) int {
	for i, m := range team.Members {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func maxMembers(settings store.TeamSettings) int {
	if settings.MaxMembers <= 0 {
		return DefaultMaxMembers
	}
	return settings.MaxMembers
}
