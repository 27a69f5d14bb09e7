package versions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tandem/api/internal/gitrepo"
	"tandem/api/internal/store"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewStore(store.NewMemoryStore(), zap.NewNop(), opts...)
}

func TestCreateVersionNumbersSequentially(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for want := 1; want <= 3; want++ {
		record, err := s.CreateVersion(ctx, CreateInput{ProjectID: "p1", CreatedBy: "u1"})
		require.NoError(t, err)
		assert.Equal(t, want, record.Version)
		assert.NotEmpty(t, record.ID)
	}

	other, err := s.CreateVersion(ctx, CreateInput{ProjectID: "p2", CreatedBy: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, other.Version)

	items, err := s.GetVersions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{items[0].Version, items[1].Version, items[2].Version})
}

func TestCreateVersionValidatesInput(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateVersion(context.Background(), CreateInput{CreatedBy: "u1"})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = s.CreateVersion(context.Background(), CreateInput{ProjectID: "p1"})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestCreateVersionSummarizesAgainstPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.CreateVersion(ctx, CreateInput{
		ProjectID: "p1",
		CreatedBy: "u1",
		Snapshot:  map[string]string{"a.txt": "1", "b.txt": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, first.Changes.Added)

	second, err := s.CreateVersion(ctx, CreateInput{
		ProjectID: "p1",
		CreatedBy: "u1",
		Snapshot:  map[string]string{"a.txt": "2", "c.txt": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "c.txt"}, second.Changes.Files)
	assert.Equal(t, []string{"c.txt"}, second.Changes.Added)
	assert.Equal(t, []string{"a.txt"}, second.Changes.Modified)
	assert.Equal(t, []string{"b.txt"}, second.Changes.Deleted)
}

func TestCreateVersionKeepsExplicitChanges(t *testing.T) {
	s := newTestStore(t)
	record, err := s.CreateVersion(context.Background(), CreateInput{
		ProjectID: "p1",
		CreatedBy: "u1",
		Name:      "  release  ",
		Changes:   &store.ChangeSummary{Files: []string{"x"}, Modified: []string{"x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "release", record.Name)
	assert.Equal(t, []string{"x"}, record.Changes.Modified)
	assert.NotNil(t, record.Changes.Added)
	assert.Nil(t, record.Snapshot)
}

func TestConcurrentCreateVersionHasNoGaps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateVersion(ctx, CreateInput{ProjectID: "p1", CreatedBy: "u1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	items, err := s.GetVersions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, items, 20)
	for i, item := range items {
		assert.Equal(t, 20-i, item.Version)
	}
}

func TestLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, found, err := s.Latest(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, found)

	for i := 0; i < 2; i++ {
		_, err := s.CreateVersion(ctx, CreateInput{ProjectID: "p1", CreatedBy: "u1"})
		require.NoError(t, err)
	}
	latest, found, err := s.Latest(ctx, "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, latest.Version)
}

func TestCompareVersionsWithItself(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	record, err := s.CreateVersion(ctx, CreateInput{
		ProjectID: "p1",
		CreatedBy: "u1",
		Snapshot:  map[string]string{"a": "1", "b": "2"},
	})
	require.NoError(t, err)

	cmp, err := s.CompareVersions(ctx, "p1", record.ID, record.ID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Added)
	assert.Empty(t, cmp.Modified)
	assert.Empty(t, cmp.Deleted)
	assert.Equal(t, 0, cmp.TotalChanges)
}

func TestCompareVersionsMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CompareVersions(context.Background(), "p1", "nope", "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRollbackAppendsNewVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v1, err := s.CreateVersion(ctx, CreateInput{ProjectID: "p1", CreatedBy: "u1", Snapshot: map[string]string{"doc": "one"}})
	require.NoError(t, err)
	_, err = s.CreateVersion(ctx, CreateInput{ProjectID: "p1", CreatedBy: "u1", Snapshot: map[string]string{"doc": "two"}})
	require.NoError(t, err)

	rolled, err := s.RollbackToVersion(ctx, "p1", v1.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, 3, rolled.Version)
	assert.Equal(t, "Rollback to version 1", rolled.Description)
	assert.Equal(t, "u2", rolled.CreatedBy)
	assert.Equal(t, map[string]string{"doc": "one"}, rolled.Snapshot)
	assert.Equal(t, []string{"doc"}, rolled.Changes.Modified)

	items, err := s.GetVersions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "two", items[1].Snapshot["doc"])
}

func TestRollbackNeedsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	v1, err := s.CreateVersion(ctx, CreateInput{ProjectID: "p1", CreatedBy: "u1"})
	require.NoError(t, err)

	_, err = s.RollbackToVersion(ctx, "p1", v1.ID, "u1")
	assert.True(t, errors.Is(err, ErrNoSnapshot))

	_, err = s.RollbackToVersion(ctx, "p1", "missing", "u1")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

type failingArchiver struct{ calls int }

func (f *failingArchiver) CommitSnapshot(string, int, map[string]string, string, string) (store.CommitInfo, error) {
	f.calls++
	return store.CommitInfo{}, errors.New("disk full")
}

func (f *failingArchiver) History(string, int) ([]store.CommitInfo, error) {
	return nil, errors.New("disk full")
}

func TestArchiveFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	archiver := &failingArchiver{}
	s := newTestStore(t, WithArchiver(archiver))

	record, err := s.CreateVersion(ctx, CreateInput{ProjectID: "p1", CreatedBy: "u1", Snapshot: map[string]string{"a": "1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, archiver.calls)

	got, err := s.GetVersion(ctx, "p1", record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.Version, got.Version)

	_, err = s.CreateVersion(ctx, CreateInput{ProjectID: "p1", CreatedBy: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, archiver.calls, "records without snapshot are not archived")
}

func TestArchiveWithGitRepository(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithArchiver(gitrepo.New(t.TempDir())))

	_, err := s.CreateVersion(ctx, CreateInput{ProjectID: "p1", Name: "first", CreatedBy: "u1", Snapshot: map[string]string{"doc": "a"}})
	require.NoError(t, err)
	_, err = s.CreateVersion(ctx, CreateInput{ProjectID: "p1", Description: "second", CreatedBy: "u1", Snapshot: map[string]string{"doc": "b"}})
	require.NoError(t, err)

	history, err := s.ArchiveHistory("p1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "second", history[0].Message)
	assert.Equal(t, []string{"v2"}, history[0].Tags)
	assert.Equal(t, "first", history[1].Message)
}

func TestArchiveHistoryDisabled(t *testing.T) {
	_, err := newTestStore(t).ArchiveHistory("p1", 0)
	assert.True(t, errors.Is(err, ErrArchiveDisabled))
}
