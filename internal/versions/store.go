// Package versions keeps the append-only version history of projects.
package versions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

var (
	ErrInvalidInput    = errors.New("invalid version input")
	ErrNoSnapshot      = errors.New("version has no snapshot")
	ErrArchiveDisabled = errors.New("version archive is not configured")
)

// Archiver mirrors version snapshots somewhere outside the repository.
type Archiver interface {
	CommitSnapshot(projectID string, version int, snapshot map[string]string, author, message string) (store.CommitInfo, error)
	History(projectID string, limit int) ([]store.CommitInfo, error)
}

type Option func(*Store)

func WithArchiver(a Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	repo     store.VersionRepository
	archiver Archiver
	logger   *zap.Logger
	now      func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewStore(repo store.VersionRepository, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		repo:   repo,
		logger: logger.Named("versions"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateInput struct {
	ProjectID   string
	Name        string
	Description string
	CreatedBy   string
	// Changes is derived from the previous snapshot when nil.
	Changes  *store.ChangeSummary
	Snapshot map[string]string
}

// CreateVersion appends version max+1 (or 1) for the project.
func (s *Store) CreateVersion(ctx context.Context, in CreateInput) (store.VersionRecord, error) {
	if strings.TrimSpace(in.ProjectID) == "" {
		return store.VersionRecord{}, fmt.Errorf("%w: project id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return store.VersionRecord{}, fmt.Errorf("%w: author is required", ErrInvalidInput)
	}

	lock := s.projectLock(in.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	latest, found, err := s.latest(ctx, in.ProjectID)
	if err != nil {
		return store.VersionRecord{}, err
	}

	next := 1
	var previous map[string]string
	if found {
		next = latest.Version + 1
		previous = latest.Snapshot
	}

	var changes store.ChangeSummary
	switch {
	case in.Changes != nil:
		changes = normalizeSummary(*in.Changes)
	case in.Snapshot != nil:
		changes = Summarize(previous, in.Snapshot)
	default:
		changes = normalizeSummary(store.ChangeSummary{})
	}

	record := store.VersionRecord{
		ID:          util.NewID("ver"),
		ProjectID:   in.ProjectID,
		Version:     next,
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		Changes:     changes,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   s.now().UTC(),
		Snapshot:    copySnapshot(in.Snapshot),
	}
	if err := s.repo.AppendVersion(ctx, record); err != nil {
		return store.VersionRecord{}, fmt.Errorf("create version: %w", err)
	}

	s.archive(record)
	return record, nil
}

// GetVersions returns the project's history, newest first.
func (s *Store) GetVersions(ctx context.Context, projectID string) ([]store.VersionRecord, error) {
	items, err := s.repo.ListVersions(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Version > items[j].Version })
	return items, nil
}

func (s *Store) GetVersion(ctx context.Context, projectID, versionID string) (store.VersionRecord, error) {
	return s.repo.GetVersion(ctx, projectID, versionID)
}

func (s *Store) Latest(ctx context.Context, projectID string) (store.VersionRecord, bool, error) {
	return s.latest(ctx, projectID)
}

func (s *Store) CompareVersions(ctx context.Context, projectID, fromID, toID string) (Comparison, error) {
	from, err := s.repo.GetVersion(ctx, projectID, fromID)
	if err != nil {
		return Comparison{}, fmt.Errorf("load version %s: %w", fromID, err)
	}
	to, err := s.repo.GetVersion(ctx, projectID, toID)
	if err != nil {
		return Comparison{}, fmt.Errorf("load version %s: %w", toID, err)
	}
	return Compare(from, to), nil
}

// RollbackToVersion appends a new version carrying the target's snapshot.
// Earlier records are left untouched.
func (s *Store) RollbackToVersion(ctx context.Context, projectID, versionID, actor string) (store.VersionRecord, error) {
	target, err := s.repo.GetVersion(ctx, projectID, versionID)
	if err != nil {
		return store.VersionRecord{}, fmt.Errorf("load rollback target: %w", err)
	}
	if target.Snapshot == nil {
		return store.VersionRecord{}, fmt.Errorf("rollback to version %d: %w", target.Version, ErrNoSnapshot)
	}
	return s.CreateVersion(ctx, CreateInput{
		ProjectID:   projectID,
		Name:        fmt.Sprintf("Rollback to v%d", target.Version),
		Description: fmt.Sprintf("Rollback to version %d", target.Version),
		CreatedBy:   actor,
		Snapshot:    target.Snapshot,
	})
}

func (s *Store) ArchiveHistory(projectID string, limit int) ([]store.CommitInfo, error) {
	if s.archiver == nil {
		return nil, ErrArchiveDisabled
	}
	return s.archiver.History(projectID, limit)
}

func (s *Store) latest(ctx context.Context, projectID string) (store.VersionRecord, bool, error) {
	items, err := s.repo.ListVersions(ctx, projectID)
	if err != nil {
		return store.VersionRecord{}, false, fmt.Errorf("list versions: %w", err)
	}
	if len(items) == 0 {
		return store.VersionRecord{}, false, nil
	}
	best := items[0]
	for _, item := range items[1:] {
		if item.Version > best.Version {
			best = item
		}
	}
	return best, true, nil
}

func (s *Store) archive(record store.VersionRecord) {
	if s.archiver == nil || record.Snapshot == nil {
		return
	}
	message := record.Description
	if record.Name != "" {
		message = record.Name
	}
	if _, err := s.archiver.CommitSnapshot(record.ProjectID, record.Version, record.Snapshot, record.CreatedBy, message); err != nil {
		s.logger.Error("archive version snapshot",
			zap.String("project_id", record.ProjectID),
			zap.Int("version", record.Version),
			zap.Error(err),
		)
	}
}

func (s *Store) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[projectID] = lock
	}
	return lock
}

func copySnapshot(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
