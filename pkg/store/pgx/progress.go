package pgx

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/peerscope/backend/internal/util"
	"github.com/peerscope/backend/pkg/store"
)

// UpsertProgress applies one additive checkpoint update. total_fetched only
// accumulates, cursors keep their stored value unless a new one is supplied,
// and initial_sync_complete never reverts to false.
func (s *Storage) UpsertProgress(ctx context.Context, update store.ProgressUpdate) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO fetch_progress (
			entity_id, shard_index, status, total_fetched,
			newest_post_id, oldest_post_id, resume_cursor,
			last_run_started_at, last_run_finished_at,
			last_error, initial_sync_complete
		)
		VALUES (
			$1, $2, $3, $4,
			NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
			CASE WHEN $8 THEN now() END, CASE WHEN $9 THEN now() END,
			NULLIF($10, ''), $11
		)
		ON CONFLICT (entity_id, shard_index) DO UPDATE SET
			status = EXCLUDED.status,
			total_fetched = fetch_progress.total_fetched + $4,
			newest_post_id = COALESCE(EXCLUDED.newest_post_id, fetch_progress.newest_post_id),
			oldest_post_id = COALESCE(EXCLUDED.oldest_post_id, fetch_progress.oldest_post_id),
			resume_cursor = COALESCE(EXCLUDED.resume_cursor, fetch_progress.resume_cursor),
			last_run_started_at = COALESCE(EXCLUDED.last_run_started_at, fetch_progress.last_run_started_at),
			last_run_finished_at = COALESCE(EXCLUDED.last_run_finished_at, fetch_progress.last_run_finished_at),
			last_error = COALESCE(EXCLUDED.last_error, fetch_progress.last_error),
			initial_sync_complete = fetch_progress.initial_sync_complete OR EXCLUDED.initial_sync_complete,
			updated_at = now()`,
		update.EntityID,
		update.ShardIndex,
		update.Status,
		update.FetchedDelta,
		update.NewestPostID,
		update.OldestPostID,
		update.ResumeCursor,
		update.RunStarted,
		update.RunFinished,
		util.SanitizePostgresText(update.LastError),
		update.InitialSyncComplete)
	return err
}

func (s *Storage) GetProgress(ctx context.Context, entityID int64, shardIndex int) (*store.Progress, error) {
	var p store.Progress
	err := s.conn.QueryRow(ctx, `
		SELECT entity_id, shard_index, status, total_fetched,
			COALESCE(newest_post_id, ''), COALESCE(oldest_post_id, ''),
			COALESCE(resume_cursor, ''),
			last_run_started_at, last_run_finished_at,
			COALESCE(last_error, ''), initial_sync_complete
		FROM fetch_progress
		WHERE entity_id = $1 AND shard_index = $2`,
		entityID, shardIndex,
	).Scan(
		&p.EntityID,
		&p.ShardIndex,
		&p.Status,
		&p.TotalFetched,
		&p.NewestPostID,
		&p.OldestPostID,
		&p.ResumeCursor,
		&p.LastRunStartedAt,
		&p.LastRunFinishedAt,
		&p.LastError,
		&p.InitialSyncComplete,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
