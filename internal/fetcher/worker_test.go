package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/peerscope/backend/pkg/ratelimit"
	"github.com/peerscope/backend/pkg/social"
	"github.com/peerscope/backend/pkg/store"
)

type fakeShardStore struct {
	entities    []store.Entity
	posts       map[string]store.Post
	progress    map[string]store.Progress
	updates     []store.ProgressUpdate
	upsertFails int
}

func progressKey(entityID int64, shardIndex int) string {
	return fmt.Sprintf("%d/%d", entityID, shardIndex)
}

func (f *fakeShardStore) UpsertEntity(ctx context.Context, entity *store.Entity) (int64, bool, error) {
	return 0, false, errors.New("not implemented")
}

func (f *fakeShardStore) FindByExternalID(ctx context.Context, externalID string) (*store.Entity, error) {
	return nil, nil
}

func (f *fakeShardStore) FindByHandle(ctx context.Context, handle string) (*store.Entity, error) {
	return nil, nil
}

func (f *fakeShardStore) KnownHandles(ctx context.Context) (map[string]int64, error) {
	return nil, nil
}

func (f *fakeShardStore) SeedEntities(ctx context.Context) ([]store.Entity, error) {
	return nil, nil
}

// Returns the full list unfiltered; the worker itself owns the shard check.
func (f *fakeShardStore) EntitiesForShard(ctx context.Context, shardIndex, shardTotal, limit int) ([]store.Entity, error) {
	out := f.entities
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeShardStore) SaveEntityEmbedding(ctx context.Context, entityID int64, model string, vector []float32) error {
	return nil
}

func (f *fakeShardStore) InsertEdges(ctx context.Context, edges []store.Edge) (int, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeShardStore) UpsertPosts(ctx context.Context, posts []store.Post) (int, error) {
	if f.upsertFails > 0 {
		f.upsertFails--
		return 0, errors.New("transient upsert failure")
	}
	if f.posts == nil {
		f.posts = make(map[string]store.Post)
	}
	for _, post := range posts {
		f.posts[post.ExternalID] = post
	}
	return len(posts), nil
}

func (f *fakeShardStore) UnembeddedPosts(ctx context.Context, limit int) ([]store.PendingPost, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeShardStore) MarkPostsEmbedded(ctx context.Context, ids []string, model string, vectors map[string][]float32) error {
	return errors.New("not implemented")
}

func (f *fakeShardStore) MarkPostsEmbedFailed(ctx context.Context, ids []string, message string) error {
	return errors.New("not implemented")
}

func (f *fakeShardStore) UpsertProgress(ctx context.Context, update store.ProgressUpdate) error {
	f.updates = append(f.updates, update)
	if f.progress == nil {
		f.progress = make(map[string]store.Progress)
	}
	key := progressKey(update.EntityID, update.ShardIndex)
	f.progress[key] = f.progress[key].Apply(update)
	return nil
}

func (f *fakeShardStore) GetProgress(ctx context.Context, entityID int64, shardIndex int) (*store.Progress, error) {
	p, ok := f.progress[progressKey(entityID, shardIndex)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

type fakePostsClient struct {
	// pages is keyed by user id, then by the request cursor ("" = first page).
	pages map[string]map[string]*social.PostPage
	errs  map[string]error
	calls []string
}

func (f *fakePostsClient) GetProfileByHandle(ctx context.Context, handle string) (*social.Profile, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePostsClient) GetFollowing(ctx context.Context, userID, cursor string) (*social.EdgePage, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePostsClient) GetPosts(ctx context.Context, userID, cursor string) (*social.PostPage, error) {
	if err, ok := f.errs[userID]; ok {
		return nil, err
	}
	f.calls = append(f.calls, userID+"@"+cursor)
	if page, ok := f.pages[userID][cursor]; ok {
		return page, nil
	}
	return &social.PostPage{}, nil
}

func postPage(next string, ids ...string) *social.PostPage {
	page := &social.PostPage{NextCursor: next}
	for _, id := range ids {
		page.Posts = append(page.Posts, social.Post{
			ID:        id,
			Text:      "post " + id,
			CreatedAt: time.Now().UTC(),
		})
	}
	return page
}

func postIDs(prefix string, count int) []string {
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return ids
}

func testConfig(caps func(*WorkerConfig)) WorkerConfig {
	cfg := WorkerConfig{
		Name:       "shard-0",
		ShardIndex: 0,
		ShardTotal: 1,
		RateBudget: 1000,
		RateWindow: Duration(time.Second),
	}
	if caps != nil {
		caps(&cfg)
	}
	return cfg
}

func TestRunCompletesFullHistory(t *testing.T) {
	st := &fakeShardStore{entities: []store.Entity{{ID: 7, ExternalID: "x-7"}}}
	client := &fakePostsClient{pages: map[string]map[string]*social.PostPage{
		"x-7": {
			"":   postPage("p2", "a-0", "a-1", "a-2"),
			"p2": postPage("", "b-0", "b-1"),
		},
	}}
	worker := NewWorker(st, client, ratelimit.New(0, 0), testConfig(nil))

	stats, err := worker.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Entities != 1 || stats.Pages != 2 || stats.Posts != 5 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(st.posts) != 5 {
		t.Fatalf("expected 5 upserted posts, got %d", len(st.posts))
	}

	final := st.progress[progressKey(7, 0)]
	if final.Status != store.ProgressIdle || !final.InitialSyncComplete {
		t.Fatalf("unexpected final progress: %+v", final)
	}
	if final.TotalFetched != 5 || final.NewestPostID != "a-0" || final.OldestPostID != "b-1" {
		t.Fatalf("unexpected checkpoint: %+v", final)
	}
}

func TestRunStopsAtPostCapWithoutCompletingSync(t *testing.T) {
	st := &fakeShardStore{entities: []store.Entity{{ID: 7, ExternalID: "x-7"}}}
	client := &fakePostsClient{pages: map[string]map[string]*social.PostPage{
		"x-7": {"": postPage("p2", postIDs("a", 25)...)},
	}}
	worker := NewWorker(st, client, ratelimit.New(0, 0), testConfig(func(cfg *WorkerConfig) {
		cfg.MaxPostsPerEntity = 25
	}))

	stats, err := worker.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Pages != 1 || stats.Posts != 25 || stats.Completed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected 1 page fetch, got %v", client.calls)
	}

	final := st.progress[progressKey(7, 0)]
	if final.InitialSyncComplete {
		t.Fatalf("cap stop must not mark initial sync complete: %+v", final)
	}
	if final.Status != store.ProgressIdle || final.ResumeCursor != "p2" {
		t.Fatalf("cap stop must leave a resumable checkpoint, got %+v", final)
	}
}

func TestRunResumesMidSyncFromStoredCursor(t *testing.T) {
	st := &fakeShardStore{entities: []store.Entity{{ID: 7, ExternalID: "x-7"}}}
	client := &fakePostsClient{pages: map[string]map[string]*social.PostPage{
		"x-7": {
			"":   postPage("p2", "a-0", "a-1"),
			"p2": postPage("", "b-0"),
		},
	}}
	cfg := testConfig(func(cfg *WorkerConfig) { cfg.MaxPagesPerEntity = 1 })

	// First run stops at the page cap after page one.
	if _, err := NewWorker(st, client, ratelimit.New(0, 0), cfg).Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	// Second run must pick up at the stored cursor, not at page one.
	client.calls = nil
	stats, err := NewWorker(st, client, ratelimit.New(0, 0), cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if len(client.calls) != 1 || client.calls[0] != "x-7@p2" {
		t.Fatalf("expected resume from cursor p2, got %v", client.calls)
	}
	if stats.Posts != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected second-run stats: %+v", stats)
	}

	final := st.progress[progressKey(7, 0)]
	if final.TotalFetched != 3 || !final.InitialSyncComplete {
		t.Fatalf("totals must accumulate without double counting: %+v", final)
	}
	if final.NewestPostID != "a-0" || final.OldestPostID != "b-0" {
		t.Fatalf("unexpected cursors: %+v", final)
	}
}

func TestRunSyncedEntityStopsAtKnownNewestPost(t *testing.T) {
	st := &fakeShardStore{entities: []store.Entity{{ID: 7, ExternalID: "x-7"}}}
	client := &fakePostsClient{pages: map[string]map[string]*social.PostPage{
		"x-7": {"": postPage("p2", "a-0", "a-1")},
	}}
	worker := NewWorker(st, client, ratelimit.New(0, 0), testConfig(nil))

	// Full initial sync, then two new posts appear upstream.
	if _, err := worker.Run(context.Background()); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}
	client.pages["x-7"][""] = postPage("p2", "n-0", "n-1", "a-0", "a-1")
	client.calls = nil

	stats, err := worker.Run(context.Background())
	if err != nil {
		t.Fatalf("incremental run failed: %v", err)
	}

	if len(client.calls) != 1 {
		t.Fatalf("known newest is on page one, no further pages allowed: %v", client.calls)
	}
	if stats.Posts != 2 {
		t.Fatalf("only the 2 new posts may count, got %+v", stats)
	}
	if _, ok := st.posts["n-1"]; !ok {
		t.Fatalf("new posts must be upserted, have %v", st.posts)
	}

	final := st.progress[progressKey(7, 0)]
	if final.TotalFetched != 4 {
		t.Fatalf("re-fetched history must not be re-counted: %+v", final)
	}
	if final.NewestPostID != "n-0" || !final.InitialSyncComplete {
		t.Fatalf("unexpected checkpoint after catch-up: %+v", final)
	}
}

func TestRunSyncedEntityWithNothingNewFetchesOnePage(t *testing.T) {
	st := &fakeShardStore{entities: []store.Entity{{ID: 7, ExternalID: "x-7"}}}
	client := &fakePostsClient{pages: map[string]map[string]*social.PostPage{
		"x-7": {
			"":   postPage("p2", "a-0", "a-1"),
			"p2": postPage("", "b-0"),
		},
	}}
	worker := NewWorker(st, client, ratelimit.New(0, 0), testConfig(nil))

	if _, err := worker.Run(context.Background()); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}
	client.calls = nil

	stats, err := worker.Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if len(client.calls) != 1 || client.calls[0] != "x-7@" {
		t.Fatalf("expected a single top-page fetch, got %v", client.calls)
	}
	if stats.Posts != 0 {
		t.Fatalf("no posts may be re-counted, got %+v", stats)
	}
	if final := st.progress[progressKey(7, 0)]; final.TotalFetched != 3 {
		t.Fatalf("total must not grow on an idle re-run: %+v", final)
	}
}

func TestRunRetriesTransientUpsertFailure(t *testing.T) {
	st := &fakeShardStore{
		entities:    []store.Entity{{ID: 7, ExternalID: "x-7"}},
		upsertFails: 1,
	}
	client := &fakePostsClient{pages: map[string]map[string]*social.PostPage{
		"x-7": {"": postPage("", "a-0")},
	}}
	worker := NewWorker(st, client, ratelimit.New(0, 0), testConfig(nil))

	stats, err := worker.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Errors != 0 || stats.Posts != 1 || len(st.posts) != 1 {
		t.Fatalf("one transient failure must be retried away: %+v posts=%d", stats, len(st.posts))
	}
}

func TestRunRecordsEntityErrorAndContinues(t *testing.T) {
	st := &fakeShardStore{entities: []store.Entity{
		{ID: 1, ExternalID: "x-1"},
		{ID: 2, ExternalID: "x-2"},
	}}
	client := &fakePostsClient{
		pages: map[string]map[string]*social.PostPage{
			"x-2": {"": postPage("", "b-0")},
		},
		errs: map[string]error{"x-1": errors.New("upstream down")},
	}
	worker := NewWorker(st, client, ratelimit.New(0, 0), testConfig(nil))

	stats, err := worker.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Errors != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	failed := st.progress[progressKey(1, 0)]
	if failed.Status != store.ProgressError || !strings.Contains(failed.LastError, "upstream down") {
		t.Fatalf("unexpected error progress: %+v", failed)
	}
	if healthy := st.progress[progressKey(2, 0)]; healthy.Status != store.ProgressIdle {
		t.Fatalf("second entity must still complete, got %+v", healthy)
	}
}

func TestRunOnlyTouchesOwnShard(t *testing.T) {
	// The store hands back all three entities; the worker itself must drop
	// the one outside its shard.
	st := &fakeShardStore{entities: []store.Entity{
		{ID: 1, ExternalID: "x-1"},
		{ID: 2, ExternalID: "x-2"},
		{ID: 3, ExternalID: "x-3"},
	}}
	client := &fakePostsClient{pages: map[string]map[string]*social.PostPage{
		"x-1": {"": postPage("", "a-0")},
		"x-3": {"": postPage("", "c-0")},
	}}
	worker := NewWorker(st, client, ratelimit.New(0, 0), testConfig(func(cfg *WorkerConfig) {
		cfg.ShardIndex = 1
		cfg.ShardTotal = 2
	}))

	stats, err := worker.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Entities != 2 {
		t.Fatalf("shard 1 of 2 owns ids 1 and 3, got %d entities", stats.Entities)
	}
	if _, touched := st.progress[progressKey(2, 1)]; touched {
		t.Fatalf("entity 2 belongs to shard 0, must not be touched")
	}
	for _, update := range st.updates {
		if update.EntityID == 2 {
			t.Fatalf("entity 2 belongs to shard 0, must not be touched")
		}
	}
}
