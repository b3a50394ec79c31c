// Package collector walks the first-degree "following" edges of seed
// entities and produces the batch artifact the ingestor consumes.
package collector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/peerscope/backend/internal/artifact"
	"github.com/peerscope/backend/pkg/logger"
	"github.com/peerscope/backend/pkg/ratelimit"
	"github.com/peerscope/backend/pkg/social"
	"github.com/peerscope/backend/pkg/store"
)

// Config bounds one collector run.
type Config struct {
	// MaxPagesPerSeed caps edge pages fetched per seed; zero means all pages.
	MaxPagesPerSeed int
}

// Collector discovers candidate handles and edge intents from seed
// entities.
type Collector struct {
	entities store.EntityStore
	client   social.Client
	limiter  *ratelimit.Limiter
	cfg      Config
}

// New creates a Collector.
func New(entities store.EntityStore, client social.Client, limiter *ratelimit.Limiter, cfg Config) *Collector {
	return &Collector{
		entities: entities,
		client:   client,
		limiter:  limiter,
		cfg:      cfg,
	}
}

// Run walks every seed's following edges and builds the snapshot. A page
// failure stops pagination for that seed only; partial results are kept.
func (c *Collector) Run(ctx context.Context) (*artifact.Snapshot, error) {
	seeds, err := c.entities.SeedEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("load seed entities: %w", err)
	}
	known, err := c.entities.KnownHandles(ctx)
	if err != nil {
		return nil, fmt.Errorf("load known handles: %w", err)
	}

	snapshot := artifact.NewSnapshot()
	snapshot.Counters.Seeds = len(seeds)

	// lowercased handle -> casing as first seen upstream
	candidates := make(map[string]string)
	edgeSeen := make(map[string]struct{})

	for _, seed := range seeds {
		logger.Info("[Collector] Walking seed", "entity_id", seed.ID, "username", seed.Username)

		cursor := ""
		pages := 0
		for {
			if c.cfg.MaxPagesPerSeed > 0 && pages >= c.cfg.MaxPagesPerSeed {
				break
			}
			if err := c.limiter.Acquire(ctx); err != nil {
				return nil, err
			}

			page, err := c.client.GetFollowing(ctx, seed.ExternalID, cursor)
			if err != nil {
				logger.Error("[Collector] Edge page fetch failed, keeping partial results",
					"entity_id", seed.ID, "page", pages, "err", err)
				snapshot.Counters.FailedSeeds++
				break
			}
			pages++
			snapshot.Counters.Pages++

			for _, target := range page.Targets {
				handle := strings.ToLower(target.Username)
				if handle == "" {
					continue
				}

				edgeKey := fmt.Sprintf("%d|%s", seed.ID, handle)
				if _, dup := edgeSeen[edgeKey]; !dup {
					edgeSeen[edgeKey] = struct{}{}
					snapshot.Edges = append(snapshot.Edges, artifact.EdgeIntent{
						FollowerDBID:       seed.ID,
						FollowerExternalID: seed.ExternalID,
						FollowingUsername:  target.Username,
					})
					snapshot.Counters.EdgesSeen++
				}

				if _, exists := known[handle]; exists {
					continue
				}
				if _, seen := candidates[handle]; !seen {
					candidates[handle] = target.Username
				}
			}

			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
	}

	snapshot.Usernames = sortedCandidates(candidates)
	snapshot.Counters.NewCandidates = len(snapshot.Usernames)

	logger.Info("[Collector] Run complete",
		"run_id", snapshot.RunID,
		"seeds", snapshot.Counters.Seeds,
		"pages", snapshot.Counters.Pages,
		"edges", snapshot.Counters.EdgesSeen,
		"candidates", snapshot.Counters.NewCandidates,
		"failed_seeds", snapshot.Counters.FailedSeeds)

	return snapshot, nil
}

// sortedCandidates orders candidates case-insensitively for stable diffing
// across runs.
func sortedCandidates(candidates map[string]string) []string {
	usernames := make([]string, 0, len(candidates))
	for _, username := range candidates {
		usernames = append(usernames, username)
	}
	sort.Slice(usernames, func(i, j int) bool {
		a, b := strings.ToLower(usernames[i]), strings.ToLower(usernames[j])
		if a != b {
			return a < b
		}
		return usernames[i] < usernames[j]
	})
	return usernames
}
