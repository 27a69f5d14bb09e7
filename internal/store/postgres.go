package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetTeam(ctx context.Context, id string) (Team, error) {
	var (
		team     Team
		settings []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, settings, created_at, updated_at
		FROM teams
		WHERE id=$1
	`, id).Scan(&team.ID, &team.Name, &team.OwnerID, &settings, &team.CreatedAt, &team.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Team{}, ErrNotFound
	}
	if err != nil {
		return Team{}, fmt.Errorf("get team: %w", err)
	}
	if err := json.Unmarshal(settings, &team.Settings); err != nil {
		return Team{}, fmt.Errorf("decode team settings: %w", err)
	}

	members, err := s.listMembers(ctx, `WHERE team_id=$1`, id)
	if err != nil {
		return Team{}, err
	}
	team.Members = members[id]
	if team.Members == nil {
		team.Members = []Member{}
	}
	return team, nil
}

// SaveTeam replaces the team row and its member list in one transaction.
func (s *PostgresStore) SaveTeam(ctx context.Context, team Team) error {
	settings, err := json.Marshal(team.Settings)
	if err != nil {
		return fmt.Errorf("encode team settings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save team tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO teams (id, name, owner_id, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			owner_id=EXCLUDED.owner_id,
			settings=EXCLUDED.settings,
			updated_at=EXCLUDED.updated_at
	`, team.ID, team.Name, team.OwnerID, settings, team.CreatedAt, team.UpdatedAt); err != nil {
		return fmt.Errorf("upsert team: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM team_members WHERE team_id=$1`, team.ID); err != nil {
		return fmt.Errorf("clear team members: %w", err)
	}
	for position, member := range team.Members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO team_members (team_id, member_id, email, role, status, invited_at, joined_at, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, team.ID, member.ID, member.Email, member.Role, string(member.Status), member.InvitedAt, member.JoinedAt, position); err != nil {
			return fmt.Errorf("insert team member %s: %w", member.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save team: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTeams(ctx context.Context) ([]Team, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_id, settings, created_at, updated_at
		FROM teams
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	teams := make([]Team, 0)
	for rows.Next() {
		var (
			team     Team
			settings []byte
		)
		if err := rows.Scan(&team.ID, &team.Name, &team.OwnerID, &settings, &team.CreatedAt, &team.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		if err := json.Unmarshal(settings, &team.Settings); err != nil {
			return nil, fmt.Errorf("decode team settings: %w", err)
		}
		teams = append(teams, team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate teams: %w", err)
	}

	members, err := s.listMembers(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range teams {
		teams[i].Members = members[teams[i].ID]
		if teams[i].Members == nil {
			teams[i].Members = []Member{}
		}
	}
	return teams, nil
}

func (s *PostgresStore) listMembers(ctx context.Context, where string, args ...any) (map[string][]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT team_id, member_id, email, role, status, invited_at, joined_at
		FROM team_members `+where+`
		ORDER BY team_id, position ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Member)
	for rows.Next() {
		var (
			teamID   string
			member   Member
			status   string
			joinedAt sql.NullTime
		)
		if err := rows.Scan(&teamID, &member.ID, &member.Email, &member.Role, &status, &member.InvitedAt, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		member.Status = MemberStatus(status)
		if joinedAt.Valid {
			joined := joinedAt.Time
			member.JoinedAt = &joined
		}
		out[teamID] = append(out[teamID], member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate team members: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendVersion(ctx context.Context, record VersionRecord) error {
	changes, err := json.Marshal(record.Changes)
	if err != nil {
		return fmt.Errorf("encode version changes: %w", err)
	}
	var snapshot []byte
	if record.Snapshot != nil {
		snapshot, err = json.Marshal(record.Snapshot)
		if err != nil {
			return fmt.Errorf("encode version snapshot: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO project_versions (id, project_id, version, name, description, changes, created_by, created_at, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID, record.ProjectID, record.Version, record.Name, record.Description, changes, record.CreatedBy, record.CreatedAt, snapshot)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("append version %d: %w", record.Version, ErrConflict)
		}
		return fmt.Errorf("append version: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, projectID string) ([]VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, version, name, description, changes, created_by, created_at, snapshot
		FROM project_versions
		WHERE project_id=$1
		ORDER BY version DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]VersionRecord, 0)
	for rows.Next() {
		record, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, projectID, versionID string) (VersionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, version, name, description, changes, created_by, created_at, snapshot
		FROM project_versions
		WHERE project_id=$1 AND id=$2
	`, projectID, versionID)
	record, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return VersionRecord{}, ErrNotFound
	}
	return record, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (VersionRecord, error) {
	var (
		record   VersionRecord
		changes  []byte
		snapshot []byte
	)
	if err := row.Scan(&record.ID, &record.ProjectID, &record.Version, &record.Name, &record.Description, &changes, &record.CreatedBy, &record.CreatedAt, &snapshot); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VersionRecord{}, err
		}
		return VersionRecord{}, fmt.Errorf("scan version: %w", err)
	}
	if err := json.Unmarshal(changes, &record.Changes); err != nil {
		return VersionRecord{}, fmt.Errorf("decode version changes: %w", err)
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &record.Snapshot); err != nil {
			return VersionRecord{}, fmt.Errorf("decode version snapshot: %w", err)
		}
	}
	return record, nil
}
