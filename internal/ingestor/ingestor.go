// Package ingestor resolves candidate handles from a collector snapshot
// into local entities, embeds their profiles, and materializes the pending
// follows edges.
package ingestor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/peerscope/backend/internal/artifact"
	"github.com/peerscope/backend/internal/util"
	"github.com/peerscope/backend/pkg/embed"
	"github.com/peerscope/backend/pkg/logger"
	"github.com/peerscope/backend/pkg/ratelimit"
	"github.com/peerscope/backend/pkg/social"
	"github.com/peerscope/backend/pkg/store"
	"github.com/peerscope/backend/pkg/vectorindex"
)

// edgeChunkSize bounds one bulk edge insert.
const edgeChunkSize = 100

// maxStoreRetries bounds retries of idempotent store writes.
const maxStoreRetries = 3

// Config selects which slice of the snapshot's candidates a run processes.
// With Sample set, candidates after the first SampleSkip are shuffled
// uniformly and SampleSize of them are taken; otherwise the sequential
// Start/Limit window applies (Limit zero means the rest).
type Config struct {
	Start      int
	Limit      int
	Sample     bool
	SampleSize int
	SampleSkip int
}

// Summary counts the outcomes of one ingestor run.
type Summary struct {
	Processed int
	Inserted  int
	Updated   int
	Reused    int
	Skipped   int
	Errors    int
	Embedded  int
	Edges     int
}

// handleCache memoizes lowercased handle to local entity id for one run.
// It is seeded from the store's known handles and grows as candidates
// resolve.
type handleCache map[string]int64

// Ingestor turns a snapshot's candidate handles into entity rows and edges.
type Ingestor struct {
	store    store.Store
	client   social.Client
	limiter  *ratelimit.Limiter
	embedder embed.Client
	index    vectorindex.Index
	cfg      Config

	shuffle func(n int, swap func(i, j int))
}

// NewParams carries the Ingestor dependencies.
type NewParams struct {
	Store    store.Store
	Client   social.Client
	Limiter  *ratelimit.Limiter
	Embedder embed.Client
	Index    vectorindex.Index
	Config   Config

	// Shuffle overrides the sampling shuffle, for deterministic tests.
	Shuffle func(n int, swap func(i, j int))
}

// New creates an Ingestor.
func New(params NewParams) *Ingestor {
	return &Ingestor{
		store:    params.Store,
		client:   params.Client,
		limiter:  params.Limiter,
		embedder: params.Embedder,
		index:    params.Index,
		cfg:      params.Config,
		shuffle:  params.Shuffle,
	}
}

// Run resolves the snapshot's candidates sequentially. Per-candidate
// failures are counted and logged; only setup failures and cancellation
// abort the run.
func (i *Ingestor) Run(ctx context.Context, snapshot *artifact.Snapshot) (*Summary, error) {
	known, err := i.store.KnownHandles(ctx)
	if err != nil {
		return nil, fmt.Errorf("load known handles: %w", err)
	}
	cache := make(handleCache, len(known))
	for handle, id := range known {
		cache[strings.ToLower(handle)] = id
	}
	return i.run(ctx, snapshot, cache)
}

func (i *Ingestor) run(ctx context.Context, snapshot *artifact.Snapshot, cache handleCache) (*Summary, error) {
	pending := groupEdges(snapshot.Edges)
	candidates := i.slice(snapshot.Usernames)
	summary := &Summary{}

	logger.Info("[Ingestor] Starting run",
		"run_id", snapshot.RunID,
		"candidates", len(candidates),
		"edge_intents", len(snapshot.Edges))

	for _, handle := range candidates {
		summary.Processed++
		if err := i.processCandidate(ctx, handle, cache, pending, summary); err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			logger.Error("[Ingestor] Candidate failed", "handle", handle, "err", err)
			summary.Errors++
		}
	}

	// Second flush pass: edge intents whose target resolved under a
	// different handle earlier in this run, or was known before the run
	// without ever appearing as a candidate.
	for handle := range pending {
		if id, ok := cache[handle]; ok {
			if err := i.flushEdges(ctx, handle, id, pending, summary); err != nil {
				logger.Error("[Ingestor] Edge flush failed", "handle", handle, "err", err)
				summary.Errors++
			}
		}
	}

	logger.Info("[Ingestor] Run complete",
		"processed", summary.Processed,
		"inserted", summary.Inserted,
		"updated", summary.Updated,
		"reused", summary.Reused,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
		"embedded", summary.Embedded,
		"edges", summary.Edges)

	return summary, nil
}

func (i *Ingestor) processCandidate(ctx context.Context, handle string, cache handleCache, pending map[string][]artifact.EdgeIntent, summary *Summary) error {
	lower := strings.ToLower(handle)

	// Already resolved locally: no external fetch, just flush edges.
	if id, ok := cache[lower]; ok {
		summary.Reused++
		return i.flushEdges(ctx, lower, id, pending, summary)
	}

	if err := i.limiter.Acquire(ctx); err != nil {
		return err
	}
	profile, err := i.client.GetProfileByHandle(ctx, handle)
	if err != nil {
		return err
	}
	if profile == nil {
		logger.Debug("[Ingestor] Handle not found upstream", "handle", handle)
		summary.Skipped++
		return nil
	}

	// Renamed account: the canonical handle may already be known locally.
	canonical := strings.ToLower(profile.Username)
	if canonical != lower {
		if id, ok := cache[canonical]; ok {
			cache[lower] = id
			summary.Reused++
			if err := i.flushEdges(ctx, lower, id, pending, summary); err != nil {
				return err
			}
			return i.flushEdges(ctx, canonical, id, pending, summary)
		}
	}

	entity := entityFromProfile(profile)
	id, inserted, err := i.store.UpsertEntity(ctx, entity)
	if err != nil {
		return fmt.Errorf("upsert entity %q: %w", profile.Username, err)
	}
	if inserted {
		summary.Inserted++
	} else {
		summary.Updated++
		// An updated row may carry externally derived fields the upstream
		// profile does not; they belong in the embedding input.
		if existing, err := i.store.FindByExternalID(ctx, profile.ID); err == nil && existing != nil {
			entity.Role = existing.Role
			entity.Topics = existing.Topics
			entity.Summary = existing.Summary
		}
	}

	i.embedProfile(ctx, id, entity, inserted, summary)

	cache[lower] = id
	cache[canonical] = id
	if err := i.flushEdges(ctx, lower, id, pending, summary); err != nil {
		return err
	}
	return i.flushEdges(ctx, canonical, id, pending, summary)
}

// embedProfile embeds the profile text and upserts the vector. Failures
// here never fail the candidate: the entity row is already saved and the
// next run retries the vector.
func (i *Ingestor) embedProfile(ctx context.Context, entityID int64, entity *store.Entity, inserted bool, summary *Summary) {
	if !inserted {
		exists, err := i.index.Exists(ctx, vectorindex.NamespaceProfiles, entity.ExternalID)
		if err != nil {
			logger.Warn("[Ingestor] Vector existence check failed", "handle", entity.Username, "err", err)
		} else if exists {
			logger.Debug("[Ingestor] Profile vector already indexed", "handle", entity.Username)
			return
		}
	}

	text := embed.ProfileText(embed.ProfileInput{
		Name:        entity.Name,
		Handle:      entity.Username,
		Summary:     entity.Summary,
		Description: entity.Description,
		Topics:      entity.Topics,
		Location:    entity.Location,
	})
	vectors, err := i.embedder.Embed(ctx, []string{text})
	if err != nil || len(vectors) == 0 {
		logger.Error("[Ingestor] Profile embedding failed, entity kept without vector",
			"handle", entity.Username, "err", err)
		return
	}

	if err := i.store.SaveEntityEmbedding(ctx, entityID, i.embedder.Model(), vectors[0]); err != nil {
		logger.Warn("[Ingestor] Saving profile embedding failed", "handle", entity.Username, "err", err)
	}

	err = i.index.Upsert(ctx, vectorindex.NamespaceProfiles, []vectorindex.Vector{{
		ID:     entity.ExternalID,
		Values: vectors[0],
		Metadata: map[string]any{
			"username":      entity.Username,
			"description":   entity.Description,
			"location":      entity.Location,
			"verified_type": entity.VerifiedType,
		},
	}})
	if err != nil {
		logger.Error("[Ingestor] Profile vector upsert failed", "handle", entity.Username, "err", err)
		return
	}
	summary.Embedded++
}

// flushEdges bulk-inserts the pending intents targeting handle in bounded
// chunks and drops them from the pending map.
func (i *Ingestor) flushEdges(ctx context.Context, handle string, targetID int64, pending map[string][]artifact.EdgeIntent, summary *Summary) error {
	intents := pending[handle]
	if len(intents) == 0 {
		return nil
	}

	edges := make([]store.Edge, 0, len(intents))
	for _, intent := range intents {
		if intent.FollowerDBID == targetID {
			continue
		}
		edges = append(edges, store.Edge{
			FollowerID:  intent.FollowerDBID,
			FollowingID: targetID,
		})
	}

	for start := 0; start < len(edges); start += edgeChunkSize {
		chunk := edges[start:min(start+edgeChunkSize, len(edges))]
		inserted, err := util.RetryWithContext(ctx, maxStoreRetries, func(ctx context.Context) (int, error) {
			return i.store.InsertEdges(ctx, chunk)
		})
		if err != nil {
			return fmt.Errorf("insert edges for %q: %w", handle, err)
		}
		summary.Edges += inserted
	}

	delete(pending, handle)
	return nil
}

// slice applies the configured window or sample to the candidate list.
func (i *Ingestor) slice(usernames []string) []string {
	if i.cfg.Sample {
		skip := min(i.cfg.SampleSkip, len(usernames))
		pool := append([]string(nil), usernames[skip:]...)
		shuffle := i.shuffle
		if shuffle == nil {
			shuffle = rand.Shuffle
		}
		shuffle(len(pool), func(a, b int) { pool[a], pool[b] = pool[b], pool[a] })
		return pool[:min(i.cfg.SampleSize, len(pool))]
	}

	start := min(i.cfg.Start, len(usernames))
	window := usernames[start:]
	if i.cfg.Limit > 0 && i.cfg.Limit < len(window) {
		window = window[:i.cfg.Limit]
	}
	return window
}

// groupEdges indexes edge intents by lowercased target handle.
func groupEdges(intents []artifact.EdgeIntent) map[string][]artifact.EdgeIntent {
	grouped := make(map[string][]artifact.EdgeIntent)
	for _, intent := range intents {
		handle := strings.ToLower(intent.FollowingUsername)
		if handle == "" {
			continue
		}
		grouped[handle] = append(grouped[handle], intent)
	}
	return grouped
}

func entityFromProfile(profile *social.Profile) *store.Entity {
	return &store.Entity{
		ExternalID:      profile.ID,
		Username:        profile.Username,
		Name:            profile.Name,
		Description:     profile.Description,
		Location:        profile.Location,
		FollowersCount:  profile.Metrics.Followers,
		FollowingCount:  profile.Metrics.Following,
		PostsCount:      profile.Metrics.Posts,
		Verified:        profile.Verified,
		VerifiedType:    profile.VerifiedType,
		ProfileImageURL: profile.ProfileImageURL,
	}
}
