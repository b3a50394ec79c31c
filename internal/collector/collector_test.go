package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peerscope/backend/pkg/ratelimit"
	"github.com/peerscope/backend/pkg/social"
	"github.com/peerscope/backend/pkg/store"
)

type fakeEntityStore struct {
	seeds   []store.Entity
	handles map[string]int64
}

func (f *fakeEntityStore) UpsertEntity(ctx context.Context, entity *store.Entity) (int64, bool, error) {
	return 0, false, errors.New("not implemented")
}

func (f *fakeEntityStore) FindByExternalID(ctx context.Context, externalID string) (*store.Entity, error) {
	return nil, nil
}

func (f *fakeEntityStore) FindByHandle(ctx context.Context, handle string) (*store.Entity, error) {
	return nil, nil
}

func (f *fakeEntityStore) KnownHandles(ctx context.Context) (map[string]int64, error) {
	return f.handles, nil
}

func (f *fakeEntityStore) SeedEntities(ctx context.Context) ([]store.Entity, error) {
	return f.seeds, nil
}

func (f *fakeEntityStore) EntitiesForShard(ctx context.Context, shardIndex, shardTotal, limit int) ([]store.Entity, error) {
	return nil, nil
}

func (f *fakeEntityStore) SaveEntityEmbedding(ctx context.Context, entityID int64, model string, vector []float32) error {
	return nil
}

type fakeSocialClient struct {
	pages map[string][]*social.EdgePage
	calls map[string]int
	err   error
}

func (f *fakeSocialClient) GetProfileByHandle(ctx context.Context, handle string) (*social.Profile, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSocialClient) GetFollowing(ctx context.Context, userID, cursor string) (*social.EdgePage, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	idx := f.calls[userID]
	f.calls[userID]++
	pages := f.pages[userID]
	if idx >= len(pages) {
		return &social.EdgePage{}, nil
	}
	return pages[idx], nil
}

func (f *fakeSocialClient) GetPosts(ctx context.Context, userID, cursor string) (*social.PostPage, error) {
	return nil, errors.New("not implemented")
}

func TestRunDedupesCandidatesAndEdges(t *testing.T) {
	entities := &fakeEntityStore{
		seeds: []store.Entity{
			{ID: 1, ExternalID: "seed-a", Username: "alice", IsSeed: true},
		},
		handles: map[string]int64{"alice": 1},
	}
	client := &fakeSocialClient{
		pages: map[string][]*social.EdgePage{
			"seed-a": {
				{Targets: []social.EdgeTarget{
					{ID: "b", Username: "bob"},
					{ID: "c", Username: "carol"},
				}, NextCursor: "p2"},
				{Targets: []social.EdgeTarget{
					{ID: "b", Username: "bob"},
				}, NextCursor: "p3"},
				{},
			},
		},
	}

	c := New(entities, client, ratelimit.New(0, 0), Config{})
	snapshot, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"bob", "carol"}
	if len(snapshot.Usernames) != len(want) {
		t.Fatalf("expected %d candidates, got %v", len(want), snapshot.Usernames)
	}
	for i, username := range want {
		if snapshot.Usernames[i] != username {
			t.Fatalf("candidate %d: expected %q, got %q", i, username, snapshot.Usernames[i])
		}
	}

	if len(snapshot.Edges) != 2 {
		t.Fatalf("expected 2 edge intents, got %d", len(snapshot.Edges))
	}
	for _, edge := range snapshot.Edges {
		if edge.FollowerDBID != 1 || edge.FollowerExternalID != "seed-a" {
			t.Fatalf("unexpected edge follower: %+v", edge)
		}
	}
	if snapshot.Edges[0].FollowingUsername != "bob" || snapshot.Edges[1].FollowingUsername != "carol" {
		t.Fatalf("unexpected edge targets: %+v", snapshot.Edges)
	}

	if snapshot.Counters.Seeds != 1 || snapshot.Counters.Pages != 3 ||
		snapshot.Counters.EdgesSeen != 2 || snapshot.Counters.NewCandidates != 2 {
		t.Fatalf("unexpected counters: %+v", snapshot.Counters)
	}
}

func TestRunSkipsKnownHandlesButKeepsEdges(t *testing.T) {
	entities := &fakeEntityStore{
		seeds: []store.Entity{
			{ID: 7, ExternalID: "seed-a", Username: "alice"},
		},
		handles: map[string]int64{"alice": 7, "bob": 9},
	}
	client := &fakeSocialClient{
		pages: map[string][]*social.EdgePage{
			"seed-a": {
				{Targets: []social.EdgeTarget{
					{ID: "b", Username: "Bob"},
					{ID: "c", Username: "carol"},
				}},
			},
		},
	}

	c := New(entities, client, ratelimit.New(0, 0), Config{})
	snapshot, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(snapshot.Usernames) != 1 || snapshot.Usernames[0] != "carol" {
		t.Fatalf("expected only carol as candidate, got %v", snapshot.Usernames)
	}
	if len(snapshot.Edges) != 2 {
		t.Fatalf("known handles should still produce edge intents, got %d", len(snapshot.Edges))
	}
}

func TestRunKeepsPartialResultsOnPageFailure(t *testing.T) {
	entities := &fakeEntityStore{
		seeds: []store.Entity{
			{ID: 1, ExternalID: "seed-a", Username: "alice"},
			{ID: 2, ExternalID: "seed-b", Username: "dora"},
		},
		handles: map[string]int64{"alice": 1, "dora": 2},
	}
	client := &fakeSocialClient{
		pages: map[string][]*social.EdgePage{
			"seed-b": {
				{Targets: []social.EdgeTarget{{ID: "e", Username: "erin"}}},
			},
		},
	}
	// seed-a fails on its first page; second seed must still be walked.
	failing := &failFirstClient{inner: client, failUser: "seed-a"}

	c := New(entities, failing, ratelimit.New(0, 0), Config{})
	snapshot, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if snapshot.Counters.FailedSeeds != 1 {
		t.Fatalf("expected 1 failed seed, got %d", snapshot.Counters.FailedSeeds)
	}
	if len(snapshot.Usernames) != 1 || snapshot.Usernames[0] != "erin" {
		t.Fatalf("expected erin from healthy seed, got %v", snapshot.Usernames)
	}
}

type failFirstClient struct {
	inner    *fakeSocialClient
	failUser string
}

func (f *failFirstClient) GetProfileByHandle(ctx context.Context, handle string) (*social.Profile, error) {
	return f.inner.GetProfileByHandle(ctx, handle)
}

func (f *failFirstClient) GetFollowing(ctx context.Context, userID, cursor string) (*social.EdgePage, error) {
	if userID == f.failUser {
		return nil, errors.New("upstream unavailable")
	}
	return f.inner.GetFollowing(ctx, userID, cursor)
}

func (f *failFirstClient) GetPosts(ctx context.Context, userID, cursor string) (*social.PostPage, error) {
	return f.inner.GetPosts(ctx, userID, cursor)
}

func TestRunRespectsPageCap(t *testing.T) {
	entities := &fakeEntityStore{
		seeds:   []store.Entity{{ID: 1, ExternalID: "seed-a", Username: "alice"}},
		handles: map[string]int64{"alice": 1},
	}
	client := &fakeSocialClient{
		pages: map[string][]*social.EdgePage{
			"seed-a": {
				{Targets: []social.EdgeTarget{{ID: "b", Username: "bob"}}, NextCursor: "p2"},
				{Targets: []social.EdgeTarget{{ID: "c", Username: "carol"}}, NextCursor: "p3"},
				{Targets: []social.EdgeTarget{{ID: "d", Username: "dave"}}},
			},
		},
	}

	c := New(entities, client, ratelimit.New(0, 0), Config{MaxPagesPerSeed: 2})
	snapshot, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if snapshot.Counters.Pages != 2 {
		t.Fatalf("expected 2 pages, got %d", snapshot.Counters.Pages)
	}
	if len(snapshot.Usernames) != 2 {
		t.Fatalf("expected 2 candidates under cap, got %v", snapshot.Usernames)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	entities := &fakeEntityStore{
		seeds:   []store.Entity{{ID: 1, ExternalID: "seed-a", Username: "alice"}},
		handles: map[string]int64{},
	}
	client := &fakeSocialClient{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(entities, client, ratelimit.New(1, time.Hour), Config{})
	if _, err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
