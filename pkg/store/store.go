// Package store defines the relational persistence contract for the
// ingestion pipeline. The relational database is the system of record for
// entities, edges, posts and fetch progress; the vector index is a derived
// projection rebuildable from the embedding columns kept here.
package store

import (
	"context"
	"time"
)

// Entity is a person profile keyed by its upstream external id. At most one
// row exists per external id; a row may briefly lack an external id only for
// locally-seeded entities pending resolution.
type Entity struct {
	ID              int64
	ExternalID      string
	Username        string
	Name            string
	Description     string
	Location        string
	FollowersCount  int
	FollowingCount  int
	PostsCount      int
	Verified        bool
	VerifiedType    string
	ProfileImageURL string

	// Derived fields computed outside this pipeline, preserved on upsert.
	Role    string
	Topics  []string
	Summary string

	IsSeed    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Edge is a directed follows relationship between two local entities.
type Edge struct {
	FollowerID  int64
	FollowingID int64
}

// Post is one public post owned by exactly one entity. The embedding-status
// tuple (EmbeddedAt, EmbeddingError, EmbeddingVersion) is mutated only by
// the embedding worker; the upsert clears it when the text changed.
type Post struct {
	ExternalID       string
	EntityID         int64
	AuthorExternalID string
	Text             string
	Lang             string
	PostedAt         time.Time
	Likes            int
	Reposts          int
	Replies          int
	Quotes           int
	ConversationID   string
	InReplyToUserID  string
}

// PendingPost is a post awaiting embedding, joined with its author's handle
// for embedding-text construction.
type PendingPost struct {
	ExternalID string
	EntityID   int64
	Username   string
	Text       string
	PostedAt   time.Time
}

// Progress states for one entity within one shard.
const (
	ProgressPending = "pending"
	ProgressRunning = "running"
	ProgressIdle    = "idle"
	ProgressError   = "error"
)

// Progress is the resumable checkpoint for one entity's post history.
// TotalFetched only grows; InitialSyncComplete never reverts to false.
type Progress struct {
	EntityID            int64
	ShardIndex          int
	Status              string
	TotalFetched        int
	NewestPostID        string
	OldestPostID        string
	ResumeCursor        string
	LastRunStartedAt    *time.Time
	LastRunFinishedAt   *time.Time
	LastError           string
	InitialSyncComplete bool
}

// Apply merges one update into the checkpoint the way the store upsert
// does: the total accumulates, cursors keep their stored value unless the
// update carries one, and the sync flag never reverts. Test fakes use it
// to stay faithful to the SQL.
func (p Progress) Apply(update ProgressUpdate) Progress {
	merged := p
	merged.EntityID = update.EntityID
	merged.ShardIndex = update.ShardIndex
	merged.Status = update.Status
	merged.TotalFetched += update.FetchedDelta
	if update.NewestPostID != "" {
		merged.NewestPostID = update.NewestPostID
	}
	if update.OldestPostID != "" {
		merged.OldestPostID = update.OldestPostID
	}
	if update.ResumeCursor != "" {
		merged.ResumeCursor = update.ResumeCursor
	}
	if update.LastError != "" {
		merged.LastError = update.LastError
	}
	if update.RunStarted {
		now := time.Now().UTC()
		merged.LastRunStartedAt = &now
	}
	if update.RunFinished {
		now := time.Now().UTC()
		merged.LastRunFinishedAt = &now
	}
	merged.InitialSyncComplete = merged.InitialSyncComplete || update.InitialSyncComplete
	return merged
}

// PostChanged reports whether a re-fetched post invalidates its stored
// embedding. Only the text participates; engagement deltas never do.
func PostChanged(storedText, fetchedText string) bool {
	return storedText != fetchedText
}

// ProgressUpdate describes one additive progress upsert. FetchedDelta is
// added to the stored total; string fields left empty and false booleans
// keep the stored value.
type ProgressUpdate struct {
	EntityID            int64
	ShardIndex          int
	Status              string
	FetchedDelta        int
	NewestPostID        string
	OldestPostID        string
	ResumeCursor        string
	RunStarted          bool
	RunFinished         bool
	LastError           string
	InitialSyncComplete bool
}

// EntityStore persists person profiles.
type EntityStore interface {
	// UpsertEntity finds the row by external id, then by case-insensitive
	// handle, updates it, or inserts a new one. It reports the local id and
	// whether a new row was created.
	UpsertEntity(ctx context.Context, entity *Entity) (int64, bool, error)
	// FindByExternalID returns nil when no row matches.
	FindByExternalID(ctx context.Context, externalID string) (*Entity, error)
	// FindByHandle matches case-insensitively and returns nil when absent.
	FindByHandle(ctx context.Context, handle string) (*Entity, error)
	// KnownHandles returns every stored handle, lowercased, mapped to its
	// local entity id.
	KnownHandles(ctx context.Context) (map[string]int64, error)
	// SeedEntities returns seed-flagged entities with a resolved external id.
	SeedEntities(ctx context.Context) ([]Entity, error)
	// EntitiesForShard returns entities with id mod shardTotal == shardIndex,
	// ascending by id, capped at limit when limit > 0.
	EntitiesForShard(ctx context.Context, shardIndex, shardTotal, limit int) ([]Entity, error)
	// SaveEntityEmbedding stores the profile vector and the model that
	// produced it alongside the row.
	SaveEntityEmbedding(ctx context.Context, id int64, model string, embedding []float32) error
}

// EdgeStore persists follows edges.
type EdgeStore interface {
	// InsertEdges inserts edges, ignoring duplicates, and reports how many
	// rows were actually created.
	InsertEdges(ctx context.Context, edges []Edge) (int, error)
}

// PostStore persists posts and their embedding status.
type PostStore interface {
	// UpsertPosts inserts or overwrites posts by external post id. A re-upsert
	// with identical text preserves the embedding status; changed text clears
	// it so the post is re-embedded.
	UpsertPosts(ctx context.Context, posts []Post) (int, error)
	// UnembeddedPosts returns posts with no embedding yet, newest first.
	UnembeddedPosts(ctx context.Context, limit int) ([]PendingPost, error)
	// MarkPostsEmbedded records the terminal embedded state plus the vectors.
	MarkPostsEmbedded(ctx context.Context, ids []string, model string, vectors map[string][]float32) error
	// MarkPostsEmbedFailed records the error text, leaving the posts retryable.
	MarkPostsEmbedFailed(ctx context.Context, ids []string, message string) error
}

// ProgressStore persists fetch-progress checkpoints.
type ProgressStore interface {
	UpsertProgress(ctx context.Context, update ProgressUpdate) error
	GetProgress(ctx context.Context, entityID int64, shardIndex int) (*Progress, error)
}

// Store combines every persistence concern of the pipeline.
type Store interface {
	EntityStore
	EdgeStore
	PostStore
	ProgressStore
}

// ShardFor maps an entity id to its shard. Every id lands in exactly one
// shard in [0, shardTotal).
func ShardFor(entityID int64, shardTotal int) int {
	if shardTotal <= 1 {
		return 0
	}
	return int(entityID % int64(shardTotal))
}
