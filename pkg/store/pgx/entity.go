package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/peerscope/backend/internal/util"
	"github.com/peerscope/backend/pkg/store"
)

const entityColumns = `
	id,
	COALESCE(external_id, ''),
	COALESCE(username, ''),
	COALESCE(name, ''),
	COALESCE(description, ''),
	COALESCE(location, ''),
	followers_count,
	following_count,
	posts_count,
	verified,
	COALESCE(verified_type, ''),
	COALESCE(profile_image_url, ''),
	COALESCE(role, ''),
	COALESCE(topics, '{}'),
	COALESCE(summary, ''),
	is_seed,
	created_at,
	updated_at`

func scanEntity(row pgx.Row) (*store.Entity, error) {
	var e store.Entity
	err := row.Scan(
		&e.ID,
		&e.ExternalID,
		&e.Username,
		&e.Name,
		&e.Description,
		&e.Location,
		&e.FollowersCount,
		&e.FollowingCount,
		&e.PostsCount,
		&e.Verified,
		&e.VerifiedType,
		&e.ProfileImageURL,
		&e.Role,
		&e.Topics,
		&e.Summary,
		&e.IsSeed,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertEntity resolves the target row by external id first, then by
// case-insensitive handle (claiming locally-seeded rows that are still
// pending resolution), and inserts only when neither matches. Mutable
// profile fields are overwritten, never merged.
func (s *Storage) UpsertEntity(ctx context.Context, entity *store.Entity) (int64, bool, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback(ctx)

	name := util.SanitizePostgresText(entity.Name)
	description := util.SanitizePostgresText(entity.Description)
	location := util.SanitizePostgresText(entity.Location)

	const updateSet = `
		external_id = $2,
		username = $3,
		name = $4,
		description = $5,
		location = $6,
		followers_count = $7,
		following_count = $8,
		posts_count = $9,
		verified = $10,
		verified_type = $11,
		profile_image_url = $12,
		updated_at = now()`

	update := func(where string, key any) (int64, bool, error) {
		var id int64
		err := tx.QueryRow(ctx,
			`UPDATE entities SET`+updateSet+` WHERE `+where+` RETURNING id`,
			key,
			entity.ExternalID,
			entity.Username,
			name,
			description,
			location,
			entity.FollowersCount,
			entity.FollowingCount,
			entity.PostsCount,
			entity.Verified,
			entity.VerifiedType,
			entity.ProfileImageURL,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		return id, true, nil
	}

	var id int64
	var matched bool
	if entity.ExternalID != "" {
		id, matched, err = update(`external_id = $1`, entity.ExternalID)
		if err != nil {
			return 0, false, err
		}
	}
	if !matched && entity.Username != "" {
		id, matched, err = update(`lower(username) = lower($1)`, entity.Username)
		if err != nil {
			return 0, false, err
		}
	}

	inserted := false
	if !matched {
		err = tx.QueryRow(ctx, `
			INSERT INTO entities (
				external_id, username, name, description, location,
				followers_count, following_count, posts_count,
				verified, verified_type, profile_image_url, is_seed
			)
			VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id`,
			entity.ExternalID,
			entity.Username,
			name,
			description,
			location,
			entity.FollowersCount,
			entity.FollowingCount,
			entity.PostsCount,
			entity.Verified,
			entity.VerifiedType,
			entity.ProfileImageURL,
			entity.IsSeed,
		).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("insert entity %q: %w", entity.Username, err)
		}
		inserted = true
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, err
	}
	return id, inserted, nil
}

func (s *Storage) FindByExternalID(ctx context.Context, externalID string) (*store.Entity, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT`+entityColumns+` FROM entities WHERE external_id = $1`, externalID)
	entity, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return entity, err
}

func (s *Storage) FindByHandle(ctx context.Context, handle string) (*store.Entity, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT`+entityColumns+` FROM entities WHERE lower(username) = lower($1)`, handle)
	entity, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return entity, err
}

func (s *Storage) KnownHandles(ctx context.Context) (map[string]int64, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT lower(username), id FROM entities WHERE username IS NOT NULL AND username <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	handles := make(map[string]int64)
	for rows.Next() {
		var handle string
		var id int64
		if err := rows.Scan(&handle, &id); err != nil {
			return nil, err
		}
		handles[handle] = id
	}
	return handles, rows.Err()
}

func (s *Storage) SeedEntities(ctx context.Context) ([]store.Entity, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT`+entityColumns+` FROM entities
		 WHERE is_seed AND external_id IS NOT NULL AND external_id <> ''
		 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEntities(rows)
}

func (s *Storage) EntitiesForShard(ctx context.Context, shardIndex, shardTotal, limit int) ([]store.Entity, error) {
	if shardTotal < 1 {
		shardTotal = 1
	}
	query := `SELECT` + entityColumns + ` FROM entities
		WHERE id % $1 = $2 AND external_id IS NOT NULL AND external_id <> ''
		ORDER BY id ASC`
	args := []any{shardTotal, shardIndex}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEntities(rows)
}

func (s *Storage) SaveEntityEmbedding(ctx context.Context, id int64, model string, embedding []float32) error {
	_, err := s.conn.Exec(ctx,
		`UPDATE entities SET embedding = $2, embedding_model = $3, updated_at = now() WHERE id = $1`,
		id, pgvector.NewVector(embedding), model)
	return err
}

func collectEntities(rows pgx.Rows) ([]store.Entity, error) {
	var entities []store.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *entity)
	}
	return entities, rows.Err()
}
