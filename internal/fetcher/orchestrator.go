package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peerscope/backend/pkg/logger"
)

// Runner is one launchable shard worker.
type Runner interface {
	Run(ctx context.Context) (*RunStats, error)
}

// defaultHeartbeat spaces the orchestrator's progress log lines.
const defaultHeartbeat = 30 * time.Second

// Orchestrator launches every configured worker concurrently and awaits
// all of them. A failing worker never cancels its siblings; every failure
// surfaces after all workers settle.
type Orchestrator struct {
	names     []string
	runners   []Runner
	heartbeat time.Duration
}

// NewOrchestrator creates an empty Orchestrator. A non-positive heartbeat
// falls back to the default.
func NewOrchestrator(heartbeat time.Duration) *Orchestrator {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Orchestrator{heartbeat: heartbeat}
}

// Add registers a named worker.
func (o *Orchestrator) Add(name string, runner Runner) {
	o.names = append(o.names, name)
	o.runners = append(o.runners, runner)
}

// Run awaits every worker and returns their stats by name, joined with
// every worker error.
func (o *Orchestrator) Run(ctx context.Context) (map[string]*RunStats, error) {
	stats := make([]*RunStats, len(o.runners))
	errs := make([]error, len(o.runners))
	var remaining atomic.Int64
	remaining.Store(int64(len(o.runners)))

	done := make(chan struct{})
	go o.beat(&remaining, done)

	var group errgroup.Group
	for i, runner := range o.runners {
		group.Go(func() error {
			defer remaining.Add(-1)
			s, err := runner.Run(ctx)
			stats[i] = s
			if err != nil {
				errs[i] = fmt.Errorf("worker %q: %w", o.names[i], err)
				logger.Error("[Orchestrator] Worker failed", "worker", o.names[i], "err", err)
			}
			return nil
		})
	}
	_ = group.Wait()
	close(done)

	byName := make(map[string]*RunStats, len(o.runners))
	for i, name := range o.names {
		if stats[i] != nil {
			byName[name] = stats[i]
		}
	}
	return byName, errors.Join(errs...)
}

func (o *Orchestrator) beat(remaining *atomic.Int64, done chan struct{}) {
	ticker := time.NewTicker(o.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			logger.Info("[Orchestrator] Workers running", "remaining", remaining.Load())
		}
	}
}
