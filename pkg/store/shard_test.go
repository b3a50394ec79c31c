package store

import "testing"

func TestShardFor_CompletePartition(t *testing.T) {
	const total = 7

	seen := make(map[int64]int)
	for id := int64(0); id < 1000; id++ {
		shard := ShardFor(id, total)
		if shard < 0 || shard >= total {
			t.Fatalf("id %d mapped to shard %d, want [0,%d)", id, shard, total)
		}
		if prev, ok := seen[id]; ok && prev != shard {
			t.Fatalf("id %d mapped to two shards: %d and %d", id, prev, shard)
		}
		seen[id] = shard
	}

	// Union of all shards covers every id exactly once.
	counts := make([]int, total)
	for _, shard := range seen {
		counts[shard]++
	}
	sum := 0
	for _, c := range counts {
		sum += c
	}
	if sum != 1000 {
		t.Fatalf("shards cover %d ids, want 1000", sum)
	}
}

func TestShardFor_Deterministic(t *testing.T) {
	for id := int64(0); id < 100; id++ {
		if ShardFor(id, 4) != ShardFor(id, 4) {
			t.Fatalf("shard assignment for id %d is not deterministic", id)
		}
	}
}

func TestShardFor_SingleShard(t *testing.T) {
	for _, total := range []int{0, 1} {
		if shard := ShardFor(42, total); shard != 0 {
			t.Fatalf("ShardFor(42, %d) = %d, want 0", total, shard)
		}
	}
}
