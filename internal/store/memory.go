package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps teams and versions in process memory. It backs tests and
// single-node development runs.
type MemoryStore struct {
	mu       sync.RWMutex
	teams    map[string]Team
	versions map[string][]VersionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		teams:    make(map[string]Team),
		versions: make(map[string][]VersionRecord),
	}
}

func (s *MemoryStore) GetTeam(_ context.Context, id string) (Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	team, ok := s.teams[id]
	if !ok {
		return Team{}, ErrNotFound
	}
	return team.Clone(), nil
}

func (s *MemoryStore) SaveTeam(_ context.Context, team Team) error {
	if team.ID == "" {
		return fmt.Errorf("save team: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[team.ID] = team.Clone()
	return nil
}

func (s *MemoryStore) ListTeams(_ context.Context) ([]Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Team, 0, len(s.teams))
	for _, team := range s.teams {
		out = append(out, team.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) AppendVersion(_ context.Context, record VersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.versions[record.ProjectID] {
		if existing.Version == record.Version || existing.ID == record.ID {
			return fmt.Errorf("append version %d: %w", record.Version, ErrConflict)
		}
	}
	s.versions[record.ProjectID] = append(s.versions[record.ProjectID], record.Clone())
	return nil
}

func (s *MemoryStore) ListVersions(_ context.Context, projectID string) ([]VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.versions[projectID]
	out := make([]VersionRecord, 0, len(records))
	for _, record := range records {
		out = append(out, record.Clone())
	}
	return out, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, projectID, versionID string) (VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, record := range s.versions[projectID] {
		if record.ID == versionID {
			return record.Clone(), nil
		}
	}
	return VersionRecord{}, ErrNotFound
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
