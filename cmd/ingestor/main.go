package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peerscope/backend/internal/artifact"
	"github.com/peerscope/backend/internal/db"
	"github.com/peerscope/backend/internal/ingestor"
	"github.com/peerscope/backend/internal/util"
	"github.com/peerscope/backend/pkg/embed"
	oll "github.com/peerscope/backend/pkg/embed/ollama"
	oai "github.com/peerscope/backend/pkg/embed/openai"
	"github.com/peerscope/backend/pkg/logger"
	"github.com/peerscope/backend/pkg/logger/console"
	"github.com/peerscope/backend/pkg/ratelimit"
	"github.com/peerscope/backend/pkg/social"
	pgxstore "github.com/peerscope/backend/pkg/store/pgx"
	"github.com/peerscope/backend/pkg/vectorindex"
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

	snapshot := loadSnapshot(ctx)

	client := social.NewHTTPClient(social.NewHTTPClientParams{
		BaseURL:     util.MustGetEnv("SOCIAL_API_URL"),
		BearerToken: util.MustGetEnv("SOCIAL_API_TOKEN"),
	})
	limiter := ratelimit.New(
		util.GetEnvInt("RATE_BUDGET", 15),
		time.Duration(util.GetEnvInt("RATE_WINDOW_SECONDS", 900))*time.Second,
	)

	index := vectorindex.NewHTTPIndex(vectorindex.NewHTTPIndexParams{
		BaseURL: util.MustGetEnv("VECTOR_INDEX_URL"),
		APIKey:  util.MustGetEnv("VECTOR_INDEX_KEY"),
	})

	ing := ingestor.New(ingestor.NewParams{
		Store:    pgxstore.New(pgConn),
		Client:   client,
		Limiter:  limiter,
		Embedder: newEmbedClient(),
		Index:    index,
		Config: ingestor.Config{
			Start:      util.GetEnvInt("CANDIDATE_START", 0),
			Limit:      util.GetEnvInt("CANDIDATE_LIMIT", 0),
			Sample:     util.GetEnvBool("CANDIDATE_SAMPLE", false),
			SampleSize: util.GetEnvInt("CANDIDATE_SAMPLE_SIZE", 0),
			SampleSkip: util.GetEnvInt("CANDIDATE_SAMPLE_SKIP", 0),
		},
	})

	summary, err := ing.Run(ctx, snapshot)
	if err != nil {
		logger.Fatal("Ingestor run failed", "err", err)
	}
	logger.Info("Ingestor finished",
		"processed", summary.Processed,
		"inserted", summary.Inserted,
		"updated", summary.Updated,
		"reused", summary.Reused,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
		"embedded", summary.Embedded,
		"edges", summary.Edges)
}

func loadSnapshot(ctx context.Context) *artifact.Snapshot {
	ref := util.MustGetEnv("ARTIFACT_REF")

	var store artifact.Store
	if util.GetEnvBool("ARTIFACT_S3", false) {
		s3Store, err := artifact.NewS3Store(ctx, artifact.NewS3StoreParams{
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
		store = s3Store
	} else {
		fileStore, err := artifact.NewFileStore(util.GetEnvString("ARTIFACT_DIR", "./artifacts"))
		if err != nil {
			logger.Fatal("Could not open artifact directory", "err", err)
		}
		store = fileStore
	}

	snapshot, err := store.Load(ctx, ref)
	if err != nil {
		logger.Fatal("Could not load snapshot", "ref", ref, "err", err)
	}
	return snapshot
}

func newEmbedClient() embed.Client {
	adapter := util.GetEnv("AI_ADAPTER")

	switch adapter {
	case "ollama":
		client, err := oll.NewClient(oll.NewClientParams{
			Model:   util.GetEnv("AI_EMBED_MODEL"),
			BaseURL: util.GetEnv("AI_EMBED_URL"),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		return client
	default:
		return oai.NewClient(oai.NewClientParams{
			Model:   util.GetEnv("AI_EMBED_MODEL"),
			BaseURL: util.GetEnv("AI_EMBED_URL"),
			APIKey:  util.GetEnv("AI_EMBED_KEY"),
		})
	}
}
