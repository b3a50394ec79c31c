package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/peerscope/backend/internal/db"
	"github.com/peerscope/backend/internal/embedder"
	"github.com/peerscope/backend/internal/util"
	"github.com/peerscope/backend/pkg/embed"
	oll "github.com/peerscope/backend/pkg/embed/ollama"
	oai "github.com/peerscope/backend/pkg/embed/openai"
	"github.com/peerscope/backend/pkg/logger"
	"github.com/peerscope/backend/pkg/logger/console"
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

	index := vectorindex.NewHTTPIndex(vectorindex.NewHTTPIndexParams{
		BaseURL: util.MustGetEnv("VECTOR_INDEX_URL"),
		APIKey:  util.MustGetEnv("VECTOR_INDEX_KEY"),
	})

	worker := embedder.NewWorker(pgxstore.New(pgConn), newEmbedClient(), index, embedder.Config{
		BatchSize:  util.GetEnvInt("EMBED_BATCH_SIZE", 50),
		MaxBatches: util.GetEnvInt("EMBED_MAX_BATCHES", 0),
	})

	stats, err := worker.Run(ctx)
	if err != nil {
		// A batch-level failure stops the run non-zero so a scheduler
		// notices the outage instead of looping on a failing service.
		logger.Fatal("Embedder stopped", "batches", stats.Batches, "embedded", stats.Embedded, "err", err)
	}
	logger.Info("Embedder finished", "batches", stats.Batches, "embedded", stats.Embedded)
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
