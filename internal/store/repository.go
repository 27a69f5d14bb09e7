package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the record does not exist. Read failures are returned
	// as wrapped errors instead, never as ErrNotFound.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a version number is already taken for the project.
	ErrConflict = errors.New("conflict")
)

type TeamRepository interface {
	GetTeam(ctx context.Context, id string) (Team, error)
	SaveTeam(ctx context.Context, team Team) error
	ListTeams(ctx context.Context) ([]Team, error)
}

// VersionRepository stores version records. There is no update or delete.
type VersionRepository interface {
	AppendVersion(ctx context.Context, record VersionRecord) error
	ListVersions(ctx context.Context, projectID string) ([]VersionRecord, error)
	GetVersion(ctx context.Context, projectID, versionID string) (VersionRecord, error)
}
