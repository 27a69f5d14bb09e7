package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// openTestDB resets the public schema of TEST_DATABASE_URL and applies all
// migrations. Tests skip when the variable is unset.
func openTestDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn, DefaultPoolOptions)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)

	_, err = ApplyMigrations(ctx, db, migrationsDir, zap.NewNop())
	require.NoError(t, err)
	return db, ctx
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db, ctx := openTestDB(t)

	require.NoError(t, applyDownMigrations(ctx, db, migrationsDir))
	_, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`)
	require.NoError(t, err)

	applied, err := ApplyMigrations(ctx, db, migrationsDir, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, applied, 3)

	applied, err = ApplyMigrations(ctx, db, migrationsDir, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestPostgresStoreTeams(t *testing.T) {
	db, ctx := openTestDB(t)
	s := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	team := sampleTeam("t1", now)
	team.Members = append(team.Members, Member{
		ID:        "u2",
		Email:     "u2@example.com",
		Role:      "viewer",
		InvitedAt: now,
		Status:    MemberPending,
	})
	require.NoError(t, s.SaveTeam(ctx, team))

	got, err := s.GetTeam(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got.Members, 2)
	assert.Equal(t, "owner-t1", got.Members[0].ID)
	assert.Equal(t, MemberPending, got.Members[1].Status)
	assert.Nil(t, got.Members[1].JoinedAt)
	assert.Equal(t, 10, got.Settings.MaxMembers)

	got.Members = got.Members[:1]
	got.Name = "Renamed"
	require.NoError(t, s.SaveTeam(ctx, got))

	again, err := s.GetTeam(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", again.Name)
	assert.Len(t, again.Members, 1)

	teams, err := s.ListTeams(ctx)
	require.NoError(t, err)
	require.Len(t, teams, 1)

	_, err = s.GetTeam(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPostgresStoreVersionsAreAppendOnly(t *testing.T) {
	db, ctx := openTestDB(t)
	s := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	record := VersionRecord{
		ID:        "v1",
		ProjectID: "p1",
		Version:   1,
		Name:      "first",
		Changes:   ChangeSummary{Files: []string{"a.txt"}, Added: []string{"a.txt"}},
		CreatedBy: "u1",
		CreatedAt: now,
		Snapshot:  map[string]string{"a.txt": "hello"},
	}
	require.NoError(t, s.AppendVersion(ctx, record))

	dup := record
	dup.ID = "v1-dup"
	err := s.AppendVersion(ctx, dup)
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

	got, err := s.GetVersion(ctx, "p1", "v1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Snapshot["a.txt"])
	assert.Equal(t, []string{"a.txt"}, got.Changes.Added)

	_, err = db.ExecContext(ctx, `UPDATE project_versions SET name='changed' WHERE id='v1'`)
	assertObjectStateError(t, err)

	_, err = db.ExecContext(ctx, `DELETE FROM project_versions WHERE id='v1'`)
	assertObjectStateError(t, err)

	_, err = s.GetVersion(ctx, "p1", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func assertObjectStateError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr), "expected postgres error, got %T", err)
	assert.Equal(t, "55000", pgErr.Code)
}

func applyDownMigrations(ctx context.Context, db *sql.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.down\.sql$`)
	downs := make([]string, 0)
	for _, entry := range entries {
		if !entry.IsDir() && pattern.MatchString(entry.Name()) {
			downs = append(downs, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))

	for _, path := range downs {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		text := strings.TrimSpace(string(raw))
		if text == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, text); err != nil {
			return err
		}
	}
	return nil
}
