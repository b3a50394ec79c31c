// Package artifact defines the immutable hand-off between the graph
// collector and the graph ingestor: a versioned JSON snapshot of candidate
// handles and edge intents. The storage medium (local file or S3) is
// interchangeable; the JSON shape is the contract.
package artifact

import (
	"context"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Version is the current snapshot schema version.
const Version = 1

// EdgeIntent records one discovered follows edge whose target may not be
// resolved locally yet.
type EdgeIntent struct {
	FollowerDBID       int64  `json:"followerDbId"`
	FollowerExternalID string `json:"followerXUserId"`
	FollowingUsername  string `json:"followingUsername"`
}

// Counters summarize one collector run.
type Counters struct {
	Seeds         int `json:"seeds"`
	Pages         int `json:"pages"`
	EdgesSeen     int `json:"edgesSeen"`
	NewCandidates int `json:"newCandidates"`
	FailedSeeds   int `json:"failedSeeds"`
}

// Snapshot is one collector run's output. Usernames is deduplicated and
// sorted case-insensitively for stable diffing across runs.
type Snapshot struct {
	Version     int          `json:"version"`
	RunID       string       `json:"runId"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Usernames   []string     `json:"usernames"`
	Edges       []EdgeIntent `json:"edges"`
	Counters    Counters     `json:"counters"`
}

// NewSnapshot creates an empty snapshot stamped with a fresh run id.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version:     Version,
		RunID:       gonanoid.Must(12),
		GeneratedAt: time.Now().UTC(),
	}
}

// Store persists and retrieves snapshots. Save returns the reference that
// Load accepts (a path or an object key, depending on the backend).
type Store interface {
	Save(ctx context.Context, snapshot *Snapshot) (string, error)
	Load(ctx context.Context, ref string) (*Snapshot, error)
}
