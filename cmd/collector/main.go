package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peerscope/backend/internal/artifact"
	"github.com/peerscope/backend/internal/collector"
	"github.com/peerscope/backend/internal/db"
	"github.com/peerscope/backend/internal/util"
	"github.com/peerscope/backend/pkg/logger"
	"github.com/peerscope/backend/pkg/logger/console"
	"github.com/peerscope/backend/pkg/ratelimit"
	"github.com/peerscope/backend/pkg/social"
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

	client := social.NewHTTPClient(social.NewHTTPClientParams{
		BaseURL:     util.MustGetEnv("SOCIAL_API_URL"),
		BearerToken: util.MustGetEnv("SOCIAL_API_TOKEN"),
		PageSize:    util.GetEnvInt("SOCIAL_API_PAGE_SIZE", 0),
	})
	limiter := ratelimit.New(
		util.GetEnvInt("RATE_BUDGET", 15),
		time.Duration(util.GetEnvInt("RATE_WINDOW_SECONDS", 900))*time.Second,
	)

	artifacts := newArtifactStore(ctx)

	c := collector.New(pgxstore.New(pgConn), client, limiter, collector.Config{
		MaxPagesPerSeed: util.GetEnvInt("MAX_PAGES_PER_SEED", 0),
	})
	snapshot, err := c.Run(ctx)
	if err != nil {
		logger.Fatal("Collector run failed", "err", err)
	}

	ref, err := artifacts.Save(ctx, snapshot)
	if err != nil {
		logger.Fatal("Could not save snapshot", "err", err)
	}
	logger.Info("Snapshot saved", "ref", ref, "run_id", snapshot.RunID)
}

func newArtifactStore(ctx context.Context) artifact.Store {
	if util.GetEnvBool("ARTIFACT_S3", false) {
		store, err := artifact.NewS3Store(ctx, artifact.NewS3StoreParams{
			Region:    util.GetEnv("S3_REGION"),
			Endpoint:  util.GetEnv("S3_ENDPOINT"),
			AccessKey: util.MustGetEnv("S3_ACCESS_KEY"),
			SecretKey: util.MustGetEnv("S3_SECRET_KEY"),
			Bucket:    util.MustGetEnv("S3_BUCKET"),
			Prefix:    util.GetEnvString("S3_PREFIX", "snapshots"),
		})
		if err != nil {
			logger.Fatal("Could not create S3 artifact store", "err", err)
		}
		return store
	}

	store, err := artifact.NewFileStore(util.GetEnvString("ARTIFACT_DIR", "./artifacts"))
	if err != nil {
		logger.Fatal("Could not create artifact directory", "err", err)
	}
	return store
}
