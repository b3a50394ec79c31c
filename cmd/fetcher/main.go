package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peerscope/backend/internal/db"
	"github.com/peerscope/backend/internal/fetcher"
	"github.com/peerscope/backend/internal/util"
	"github.com/peerscope/backend/pkg/logger"
	"github.com/peerscope/backend/pkg/logger/console"
	"github.com/peerscope/backend/pkg/ratelimit"
	"github.com/peerscope/backend/pkg/social"
	"github.com/peerscope/backend/pkg/store"
	pgxstore "github.com/peerscope/backend/pkg/store/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	}))

	databaseURL := util.MustGetEnv("DATABASE_URL")
	if util.GetEnvBool("RUN_MIGRATIONS", false) {
		if err := db.Migrate(databaseURL); err != nil {
			logger.Fatal("Could not run migrations", "err", err)
		}
	}

	pgConn, err := db.Connect(ctx, databaseURL)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	st := pgxstore.New(pgConn)

	// A config file declares multiple workers for the orchestrator; without
	// one the process runs a single shard straight from the environment.
	if configPath := util.GetEnv("FETCHER_CONFIG"); configPath != "" {
		runOrchestrated(ctx, st, configPath)
		return
	}
	runSingle(ctx, st)
}

func runOrchestrated(ctx context.Context, st store.Store, configPath string) {
	cfg, err := fetcher.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Could not load worker config", "path", configPath, "err", err)
	}

	heartbeat := time.Duration(util.GetEnvInt("HEARTBEAT_SECONDS", 30)) * time.Second
	orchestrator := fetcher.NewOrchestrator(heartbeat)

	for _, workerCfg := range cfg.Workers {
		token := util.MustGetEnv(workerCfg.BearerTokenEnv)
		client := social.NewHTTPClient(social.NewHTTPClientParams{
			BaseURL:     util.MustGetEnv("SOCIAL_API_URL"),
			BearerToken: token,
		})
		limiter := ratelimit.New(workerCfg.RateBudget, time.Duration(workerCfg.RateWindow))
		orchestrator.Add(workerCfg.Name, fetcher.NewWorker(st, client, limiter, workerCfg))
	}

	stats, err := orchestrator.Run(ctx)
	for name, s := range stats {
		logger.Info("Worker finished", "worker", name,
			"entities", s.Entities, "pages", s.Pages, "posts", s.Posts,
			"completed", s.Completed, "errors", s.Errors)
	}
	if err != nil {
		logger.Fatal("One or more workers failed", "err", err)
	}
}

func runSingle(ctx context.Context, st store.Store) {
	cfg := fetcher.WorkerConfig{
		Name:              util.GetEnvString("WORKER_NAME", "fetcher"),
		ShardIndex:        util.GetEnvInt("SHARD_INDEX", 0),
		ShardTotal:        util.GetEnvInt("SHARD_TOTAL", 1),
		RateBudget:        util.GetEnvInt("RATE_BUDGET", 15),
		RateWindow:        fetcher.Duration(time.Duration(util.GetEnvInt("RATE_WINDOW_SECONDS", 900)) * time.Second),
		MaxPagesPerEntity: util.GetEnvInt("MAX_PAGES_PER_ENTITY", 0),
		MaxEntitiesPerRun: util.GetEnvInt("MAX_ENTITIES_PER_RUN", 0),
		MaxPostsPerEntity: util.GetEnvInt("MAX_POSTS_PER_ENTITY", 0),
	}
	if cfg.ShardIndex >= cfg.ShardTotal {
		logger.Fatal("Shard index out of range", "shard", cfg.ShardIndex, "shard_total", cfg.ShardTotal)
	}

	client := social.NewHTTPClient(social.NewHTTPClientParams{
		BaseURL:     util.MustGetEnv("SOCIAL_API_URL"),
		BearerToken: util.MustGetEnv("SOCIAL_API_TOKEN"),
	})
	limiter := ratelimit.New(cfg.RateBudget, time.Duration(cfg.RateWindow))

	stats, err := fetcher.NewWorker(st, client, limiter, cfg).Run(ctx)
	if err != nil {
		logger.Fatal("Worker run failed", "err", err)
	}
	logger.Info("Worker finished",
		"entities", stats.Entities, "pages", stats.Pages, "posts", stats.Posts,
		"completed", stats.Completed, "errors", stats.Errors)
}
