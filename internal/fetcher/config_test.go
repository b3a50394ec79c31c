package fetcher

import (
	"strings"
	"testing"
	"time"
)

const validConfig = `
workers:
  - name: shard-0
    shardIndex: 0
    shardTotal: 2
    bearerTokenEnv: FETCHER_TOKEN_0
    rateBudget: 900
    rateWindow: 15m
    maxPagesPerEntity: 10
    maxEntitiesPerRun: 200
    maxPostsPerEntity: 1000
  - name: shard-1
    shardIndex: 1
    shardTotal: 2
    bearerTokenEnv: FETCHER_TOKEN_1
    rateBudget: 900
    rateWindow: 15m
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(validConfig))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if len(cfg.Workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(cfg.Workers))
	}

	first := cfg.Workers[0]
	if first.Name != "shard-0" || first.ShardTotal != 2 || first.BearerTokenEnv != "FETCHER_TOKEN_0" {
		t.Fatalf("unexpected first worker: %+v", first)
	}
	if time.Duration(first.RateWindow) != 15*time.Minute {
		t.Fatalf("expected 15m rate window, got %v", first.RateWindow)
	}
	if first.MaxPagesPerEntity != 10 || first.MaxPostsPerEntity != 1000 {
		t.Fatalf("unexpected caps: %+v", first)
	}
	if second := cfg.Workers[1]; second.MaxPagesPerEntity != 0 {
		t.Fatalf("omitted caps must stay zero, got %+v", second)
	}
}

func TestParseConfigRejectsShardOutOfRange(t *testing.T) {
	bad := `
workers:
  - name: shard-2
    shardIndex: 2
    shardTotal: 2
    bearerTokenEnv: FETCHER_TOKEN_2
    rateBudget: 900
    rateWindow: 15m
`
	_, err := ParseConfig([]byte(bad))
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Fatalf("expected shard range error, got %v", err)
	}
}

func TestParseConfigRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no workers", `workers: []`},
		{"missing token env", `
workers:
  - name: shard-0
    shardIndex: 0
    shardTotal: 1
    rateBudget: 900
    rateWindow: 15m
`},
		{"missing rate budget", `
workers:
  - name: shard-0
    shardIndex: 0
    shardTotal: 1
    bearerTokenEnv: FETCHER_TOKEN_0
    rateWindow: 15m
`},
	}
	for _, tc := range cases {
		if _, err := ParseConfig([]byte(tc.yaml)); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
