// Package embedder turns unembedded posts into vectors in the "posts"
// namespace, batch by batch.
package embedder

import (
	"context"
	"fmt"
	"time"

	"github.com/peerscope/backend/internal/util"
	"github.com/peerscope/backend/pkg/embed"
	"github.com/peerscope/backend/pkg/logger"
	"github.com/peerscope/backend/pkg/store"
	"github.com/peerscope/backend/pkg/vectorindex"
)

// excerptRunes bounds the text excerpt carried in vector metadata.
const excerptRunes = 280

// maxStoreRetries bounds retries of idempotent store writes.
const maxStoreRetries = 3

// Config bounds one embedder run.
type Config struct {
	// BatchSize is the number of posts fetched and embedded per batch.
	BatchSize int
	// MaxBatches caps batches per run; zero drains the backlog.
	MaxBatches int
}

// RunStats counts one embedder run.
type RunStats struct {
	Batches  int
	Embedded int
}

// Worker embeds pending posts. A batch either fully succeeds or marks all
// of its posts failed and stops the run, so a systemic outage surfaces
// instead of hiding behind per-item skips.
type Worker struct {
	store    store.PostStore
	embedder embed.Client
	index    vectorindex.Index
	cfg      Config
}

// NewWorker creates a Worker.
func NewWorker(st store.PostStore, embedder embed.Client, index vectorindex.Index, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Worker{
		store:    st,
		embedder: embedder,
		index:    index,
		cfg:      cfg,
	}
}

// Run drains the unembedded backlog newest first. It returns nil when the
// backlog is empty or the batch cap is reached.
func (w *Worker) Run(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{}
	for {
		if w.cfg.MaxBatches > 0 && stats.Batches >= w.cfg.MaxBatches {
			return stats, nil
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		posts, err := w.store.UnembeddedPosts(ctx, w.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("fetch unembedded posts: %w", err)
		}
		if len(posts) == 0 {
			logger.Info("[Embedder] Backlog drained", "batches", stats.Batches, "embedded", stats.Embedded)
			return stats, nil
		}

		stats.Batches++
		if err := w.embedBatch(ctx, posts); err != nil {
			return stats, err
		}
		stats.Embedded += len(posts)
		logger.Info("[Embedder] Batch embedded", "batch", stats.Batches, "posts", len(posts))
	}
}

func (w *Worker) embedBatch(ctx context.Context, posts []store.PendingPost) error {
	ids := make([]string, len(posts))
	inputs := make([]string, len(posts))
	for i, post := range posts {
		ids[i] = post.ExternalID
		inputs[i] = embed.TruncateTokens(embed.PostText(embed.PostInput{
			Handle:   post.Username,
			EntityID: fmt.Sprintf("%d", post.EntityID),
			PostedAt: post.PostedAt,
			Text:     post.Text,
		}))
	}

	results, err := w.embedder.Embed(ctx, inputs)
	if err == nil && len(results) != len(posts) {
		err = fmt.Errorf("embedding batch returned %d vectors for %d posts", len(results), len(posts))
	}
	if err != nil {
		return w.failBatch(ctx, ids, fmt.Errorf("embed batch: %w", err))
	}

	vectors := make([]vectorindex.Vector, len(posts))
	byID := make(map[string][]float32, len(posts))
	for i, post := range posts {
		byID[post.ExternalID] = results[i]
		vectors[i] = vectorindex.Vector{
			ID:     vectorindex.PostIDPrefix + post.ExternalID,
			Values: results[i],
			Metadata: map[string]any{
				"entity_id": post.EntityID,
				"username":  post.Username,
				"posted_at": post.PostedAt.UTC().Format(time.RFC3339),
				"excerpt":   util.TruncateRunes(post.Text, excerptRunes),
			},
		}
	}

	if err := w.index.Upsert(ctx, vectorindex.NamespacePosts, vectors); err != nil {
		return w.failBatch(ctx, ids, fmt.Errorf("upsert post vectors: %w", err))
	}

	if err := util.RetryErr(maxStoreRetries, func() error {
		return w.store.MarkPostsEmbedded(ctx, ids, w.embedder.Model(), byID)
	}); err != nil {
		return fmt.Errorf("mark posts embedded: %w", err)
	}
	return nil
}

// failBatch records the error on every post of the batch, leaving them
// retryable, and surfaces the original error to stop the run.
func (w *Worker) failBatch(ctx context.Context, ids []string, cause error) error {
	if err := w.store.MarkPostsEmbedFailed(ctx, ids, cause.Error()); err != nil {
		logger.Error("[Embedder] Recording batch failure failed", "err", err)
	}
	return cause
}
