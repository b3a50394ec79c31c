package pgx

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/peerscope/backend/pkg/store"
)

// InsertEdges inserts follows edges in one round trip. Duplicate ordered
// pairs are a no-op; the returned count covers only newly created rows.
func (s *Storage) InsertEdges(ctx context.Context, edges []store.Edge) (int, error) {
	if len(edges) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, edge := range edges {
		batch.Queue(
			`INSERT INTO edges (follower_id, following_id)
			 VALUES ($1, $2)
			 ON CONFLICT (follower_id, following_id) DO NOTHING`,
			edge.FollowerID, edge.FollowingID)
	}

	results := s.conn.SendBatch(ctx, batch)
	defer results.Close()

	created := 0
	for range edges {
		tag, err := results.Exec()
		if err != nil {
			return created, err
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}
