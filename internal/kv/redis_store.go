// Package kv stores teams and project versions in Redis.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tandem/api/internal/store"
)

const defaultPrefix = "tandem:"

// RedisStore implements store.TeamRepository and store.VersionRepository.
//
// Layout:
//
//	<prefix>team:<id>               JSON encoded team
//	<prefix>teams                   set of team ids
//	<prefix>versions:<project>      hash version number -> JSON record
//	<prefix>version-ids:<project>   hash version id -> version number
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: defaultPrefix}
}

func (s *RedisStore) teamKey(id string) string { return s.prefix + "team:" + id }
func (s *RedisStore) teamsKey() string         { return s.prefix + "teams" }
func (s *RedisStore) versionsKey(projectID string) string {
	return s.prefix + "versions:" + projectID
}
func (s *RedisStore) versionIDsKey(projectID string) string {
	return s.prefix + "version-ids:" + projectID
}

func (s *RedisStore) GetTeam(ctx context.Context, id string) (store.Team, error) {
	raw, err := s.client.Get(ctx, s.teamKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Team{}, store.ErrNotFound
	}
	if err != nil {
		return store.Team{}, fmt.Errorf("get team: %w", err)
	}
	return decodeTeam(raw)
}

func (s *RedisStore) SaveTeam(ctx context.Context, team store.Team) error {
	if team.ID == "" {
		return fmt.Errorf("save team: missing id")
	}
	raw, err := json.Marshal(team)
	if err != nil {
		return fmt.Errorf("marshal team: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.teamKey(team.ID), raw, 0)
	pipe.SAdd(ctx, s.teamsKey(), team.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save team: %w", err)
	}
	return nil
}

func (s *RedisStore) ListTeams(ctx context.Context) ([]store.Team, error) {
	ids, err := s.client.SMembers(ctx, s.teamsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list team ids: %w", err)
	}
	teams := make([]store.Team, 0, len(ids))
	if len(ids) == 0 {
		return teams, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.teamKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load teams: %w", err)
	}
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("team %s is indexed but has no document", ids[i])
		}
		team, err := decodeTeam([]byte(raw))
		if err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	sort.Slice(teams, func(i, j int) bool {
		if teams[i].CreatedAt.Equal(teams[j].CreatedAt) {
			return teams[i].ID < teams[j].ID
		}
		return teams[i].CreatedAt.Before(teams[j].CreatedAt)
	})
	return teams, nil
}

// AppendVersion claims the version id first and then the version number with
// HSETNX. A lost race on the number releases the id claim.
func (s *RedisStore) AppendVersion(ctx context.Context, record store.VersionRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}
	number := strconv.Itoa(record.Version)

	claimed, err := s.client.HSetNX(ctx, s.versionIDsKey(record.ProjectID), record.ID, number).Result()
	if err != nil {
		return fmt.Errorf("claim version id: %w", err)
	}
	if !claimed {
		return fmt.Errorf("append version %d: %w", record.Version, store.ErrConflict)
	}

	stored, err := s.client.HSetNX(ctx, s.versionsKey(record.ProjectID), number, raw).Result()
	if err != nil || !stored {
		_ = s.client.HDel(ctx, s.versionIDsKey(record.ProjectID), record.ID).Err()
		if err != nil {
			return fmt.Errorf("append version: %w", err)
		}
		return fmt.Errorf("append version %d: %w", record.Version, store.ErrConflict)
	}
	return nil
}

func (s *RedisStore) ListVersions(ctx context.Context, projectID string) ([]store.VersionRecord, error) {
	values, err := s.client.HVals(ctx, s.versionsKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	items := make([]store.VersionRecord, 0, len(values))
	for _, raw := range values {
		var record store.VersionRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("unmarshal version: %w", err)
		}
		items = append(items, record)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version > items[j].Version })
	return items, nil
}

func (s *RedisStore) GetVersion(ctx context.Context, projectID, versionID string) (store.VersionRecord, error) {
	number, err := s.client.HGet(ctx, s.versionIDsKey(projectID), versionID).Result()
	if errors.Is(err, redis.Nil) {
		return store.VersionRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.VersionRecord{}, fmt.Errorf("lookup version id: %w", err)
	}

	raw, err := s.client.HGet(ctx, s.versionsKey(projectID), number).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.VersionRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.VersionRecord{}, fmt.Errorf("get version: %w", err)
	}
	var record store.VersionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return store.VersionRecord{}, fmt.Errorf("unmarshal version: %w", err)
	}
	return record, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeTeam(raw []byte) (store.Team, error) {
	var team store.Team
	if err := json.Unmarshal(raw, &team); err != nil {
		return store.Team{}, fmt.Errorf("unmarshal team: %w", err)
	}
	if team.Members == nil {
		team.Members = []store.Member{}
	}
	return team, nil
}
