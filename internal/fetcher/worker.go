// Package fetcher pulls post histories for the entities of one shard.
// Entities are partitioned by id modulo the shard total, so concurrently
// running workers never touch the same entity.
package fetcher

import (
	"context"
	"fmt"

	"github.com/peerscope/backend/internal/util"
	"github.com/peerscope/backend/pkg/logger"
	"github.com/peerscope/backend/pkg/ratelimit"
	"github.com/peerscope/backend/pkg/social"
	"github.com/peerscope/backend/pkg/store"
)

// maxStoreRetries bounds retries of idempotent store writes.
const maxStoreRetries = 3

// RunStats counts one worker run.
type RunStats struct {
	Entities  int
	Pages     int
	Posts     int
	Completed int
	Errors    int
}

// Worker fetches post pages for every entity in its shard, checkpointing
// progress after each page so a crashed run resumes without losing counts.
type Worker struct {
	store   store.Store
	client  social.Client
	limiter *ratelimit.Limiter
	cfg     WorkerConfig
}

// NewWorker creates a Worker for one shard.
func NewWorker(st store.Store, client social.Client, limiter *ratelimit.Limiter, cfg WorkerConfig) *Worker {
	return &Worker{
		store:   st,
		client:  client,
		limiter: limiter,
		cfg:     cfg,
	}
}

// Run processes the shard's entities in ascending id order. A failing
// entity is marked errored and skipped; only cancellation aborts the shard.
func (w *Worker) Run(ctx context.Context) (*RunStats, error) {
	entities, err := w.store.EntitiesForShard(ctx, w.cfg.ShardIndex, w.cfg.ShardTotal, w.cfg.MaxEntitiesPerRun)
	if err != nil {
		return nil, fmt.Errorf("load shard %d/%d: %w", w.cfg.ShardIndex, w.cfg.ShardTotal, err)
	}

	logger.Info("[Fetcher] Starting shard run",
		"worker", w.cfg.Name,
		"shard", w.cfg.ShardIndex,
		"shard_total", w.cfg.ShardTotal,
		"entities", len(entities))

	stats := &RunStats{}
	for _, entity := range entities {
		if store.ShardFor(entity.ID, w.cfg.ShardTotal) != w.cfg.ShardIndex {
			logger.Warn("[Fetcher] Entity outside shard, skipping",
				"worker", w.cfg.Name, "entity_id", entity.ID)
			continue
		}
		stats.Entities++
		if err := w.fetchEntity(ctx, entity, stats); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Errors++
			logger.Error("[Fetcher] Entity failed", "worker", w.cfg.Name, "entity_id", entity.ID, "err", err)
			if perr := w.store.UpsertProgress(ctx, store.ProgressUpdate{
				EntityID:    entity.ID,
				ShardIndex:  w.cfg.ShardIndex,
				Status:      store.ProgressError,
				RunFinished: true,
				LastError:   err.Error(),
			}); perr != nil {
				logger.Error("[Fetcher] Recording entity error failed", "entity_id", entity.ID, "err", perr)
			}
		}
	}

	logger.Info("[Fetcher] Shard run complete",
		"worker", w.cfg.Name,
		"entities", stats.Entities,
		"pages", stats.Pages,
		"posts", stats.Posts,
		"completed", stats.Completed,
		"errors", stats.Errors)

	return stats, nil
}

// fetchEntity resumes from the entity's checkpoint: mid-initial-sync it
// continues at the stored pagination cursor; once the history is synced it
// walks from the top and stops at the stored newest post, so already
// committed pages are never re-fetched or re-counted.
func (w *Worker) fetchEntity(ctx context.Context, entity store.Entity, stats *RunStats) error {
	progress, err := w.store.GetProgress(ctx, entity.ID, w.cfg.ShardIndex)
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}

	cursor := ""
	newestKnown := ""
	synced := false
	if progress != nil {
		if progress.InitialSyncComplete {
			synced = true
			newestKnown = progress.NewestPostID
		} else {
			cursor = progress.ResumeCursor
		}
	}

	if err := w.store.UpsertProgress(ctx, store.ProgressUpdate{
		EntityID:   entity.ID,
		ShardIndex: w.cfg.ShardIndex,
		Status:     store.ProgressRunning,
		RunStarted: true,
	}); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	pages, posts := 0, 0
	fromTop := cursor == ""
	historyComplete := false

	for {
		if w.cfg.MaxPagesPerEntity > 0 && pages >= w.cfg.MaxPagesPerEntity {
			break
		}
		if w.cfg.MaxPostsPerEntity > 0 && posts >= w.cfg.MaxPostsPerEntity {
			break
		}

		if err := w.limiter.Acquire(ctx); err != nil {
			return err
		}
		page, err := w.client.GetPosts(ctx, entity.ExternalID, cursor)
		if err != nil {
			return fmt.Errorf("fetch posts page %d: %w", pages, err)
		}
		pages++
		stats.Pages++

		fresh := page.Posts
		reachedKnown := false
		if synced && newestKnown != "" {
			if idx := indexOfPost(page.Posts, newestKnown); idx >= 0 {
				fresh = page.Posts[:idx]
				reachedKnown = true
			}
		}

		if len(fresh) > 0 {
			records := postsToRecords(entity, fresh)
			if _, err := util.RetryWithContext(ctx, maxStoreRetries, func(ctx context.Context) (int, error) {
				return w.store.UpsertPosts(ctx, records)
			}); err != nil {
				return fmt.Errorf("upsert posts page %d: %w", pages, err)
			}
			posts += len(fresh)
			stats.Posts += len(fresh)

			// Pages are newest first, so the first post of a run that began
			// at the top is the newest cursor and the last post of every
			// page advances the oldest cursor. A resumed run starts mid
			// history and must not touch the newest cursor.
			update := store.ProgressUpdate{
				EntityID:     entity.ID,
				ShardIndex:   w.cfg.ShardIndex,
				Status:       store.ProgressRunning,
				FetchedDelta: len(fresh),
			}
			if pages == 1 && fromTop {
				update.NewestPostID = fresh[0].ID
			}
			if !synced {
				update.OldestPostID = fresh[len(fresh)-1].ID
				update.ResumeCursor = page.NextCursor
			}
			if err := util.RetryErr(maxStoreRetries, func() error {
				return w.store.UpsertProgress(ctx, update)
			}); err != nil {
				return fmt.Errorf("checkpoint page %d: %w", pages, err)
			}
		}

		if reachedKnown || page.NextCursor == "" {
			historyComplete = true
			break
		}
		cursor = page.NextCursor
	}

	if historyComplete {
		stats.Completed++
	}
	return w.store.UpsertProgress(ctx, store.ProgressUpdate{
		EntityID:            entity.ID,
		ShardIndex:          w.cfg.ShardIndex,
		Status:              store.ProgressIdle,
		RunFinished:         true,
		InitialSyncComplete: historyComplete,
	})
}

func indexOfPost(posts []social.Post, id string) int {
	for i, post := range posts {
		if post.ID == id {
			return i
		}
	}
	return -1
}

func postsToRecords(entity store.Entity, posts []social.Post) []store.Post {
	records := make([]store.Post, 0, len(posts))
	for _, post := range posts {
		records = append(records, store.Post{
			ExternalID:       post.ID,
			EntityID:         entity.ID,
			AuthorExternalID: post.AuthorID,
			Text:             post.Text,
			Lang:             post.Lang,
			PostedAt:         post.CreatedAt,
			Likes:            post.Metrics.Likes,
			Reposts:          post.Metrics.Reposts,
			Replies:          post.Metrics.Replies,
			Quotes:           post.Metrics.Quotes,
			ConversationID:   post.ConversationID,
			InReplyToUserID:  post.InReplyToUserID,
		})
	}
	return records
}
