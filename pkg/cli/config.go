package cli

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/adapter"
	"github.com/nihongo-cloud/kotoba/pkg/embedding"
	"github.com/nihongo-cloud/kotoba/pkg/index"
	"github.com/nihongo-cloud/kotoba/pkg/repository"
	"github.com/nihongo-cloud/kotoba/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Record store
	project     string
	database    string
	recordsFile string

	// Blob storage for index snapshots and session history
	bucket      string
	indexDir    string
	indexPrefix string

	// Gemini
	geminiProject      string
	geminiLocation     string
	generativeModel    string
	embeddingModel     string
	embeddingDimension int64
	embeddingBatchSize int64
	embeddingQPS       float64

	// Conversation log
	convLog           string
	convLogCollection string
	bigqueryDataset   string
	bigqueryTable     string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "records-file",
			Usage:       "YAML file with words, kanjis and sentences, used instead of Firestore",
			Sources:     cli.EnvVars("KOTOBA_RECORDS_FILE"),
			Destination: &cfg.recordsFile,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket holding index snapshots",
			Sources:     cli.EnvVars("KOTOBA_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "index-dir",
			Usage:       "Local directory holding index snapshots, used when no bucket is set",
			Value:       ".kotoba",
			Sources:     cli.EnvVars("KOTOBA_INDEX_DIR"),
			Destination: &cfg.indexDir,
		},
		&cli.StringFlag{
			Name:        "index-prefix",
			Usage:       "Key prefix of index snapshots",
			Value:       index.DefaultPrefix,
			Sources:     cli.EnvVars("KOTOBA_INDEX_PREFIX"),
			Destination: &cfg.indexPrefix,
		},
	}
}

// llmFlags returns flags for Gemini configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "generative-model",
			Usage:       "Gemini model answering questions",
			Value:       adapter.DefaultGenerativeModel,
			Sources:     cli.EnvVars("KOTOBA_GENERATIVE_MODEL"),
			Destination: &cfg.generativeModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model; changing it invalidates every stored embedding",
			Value:       adapter.DefaultEmbeddingModel,
			Sources:     cli.EnvVars("KOTOBA_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dimension",
			Usage:       "Embedding vector dimension",
			Value:       adapter.DefaultEmbeddingDimension,
			Sources:     cli.EnvVars("KOTOBA_EMBEDDING_DIMENSION"),
			Destination: &cfg.embeddingDimension,
		},
		&cli.IntFlag{
			Name:        "embedding-batch-size",
			Usage:       "Texts per embedding request",
			Value:       embedding.DefaultBatchSize,
			Sources:     cli.EnvVars("KOTOBA_EMBEDDING_BATCH_SIZE"),
			Destination: &cfg.embeddingBatchSize,
		},
		&cli.FloatFlag{
			Name:        "embedding-qps",
			Usage:       "Embedding requests per second (0 disables the limit)",
			Value:       embedding.DefaultQPS,
			Sources:     cli.EnvVars("KOTOBA_EMBEDDING_QPS"),
			Destination: &cfg.embeddingQPS,
		},
	}
}

// logFlags returns flags selecting where finished conversation turns are recorded
func logFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "conversation-log",
			Usage:       "Where to record conversation turns: none, firestore or bigquery",
			Value:       "none",
			Sources:     cli.EnvVars("KOTOBA_CONVERSATION_LOG"),
			Destination: &cfg.convLog,
		},
		&cli.StringFlag{
			Name:        "conversation-collection",
			Usage:       "Firestore collection for conversation logs",
			Value:       "conversations",
			Sources:     cli.EnvVars("KOTOBA_CONVERSATION_COLLECTION"),
			Destination: &cfg.convLogCollection,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset for conversation logs",
			Sources:     cli.EnvVars("KOTOBA_BIGQUERY_DATASET"),
			Destination: &cfg.bigqueryDataset,
		},
		&cli.StringFlag{
			Name:        "bigquery-table",
			Usage:       "BigQuery table for conversation logs",
			Value:       "conversations",
			Sources:     cli.EnvVars("KOTOBA_BIGQUERY_TABLE"),
			Destination: &cfg.bigqueryTable,
		},
	}
}

// closer collects cleanup functions of the resources a command opened
type closer []func() error

func (c *closer) add(fn func() error) {
	*c = append(*c, fn)
}

func (c closer) Close(ctx context.Context) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logging.From(ctx).Warn("failed to close resource", "error", err)
		}
	}
}

// newRepository opens the record store. A records file is loaded into memory; otherwise Firestore is used.
// The returned flag reports whether the store is in-memory, where embeddings must be computed in process.
func (cfg *config) newRepository(ctx context.Context, cl *closer) (repository.Repository, bool, error) {
	if cfg.recordsFile != "" {
		repo, err := repository.LoadFile(cfg.recordsFile)
		if err != nil {
			return nil, false, goerr.Wrap(err, "failed to load records file")
		}
		return repo, true, nil
	}

	if cfg.project == "" {
		return nil, false, goerr.New("project is required when no records file is given")
	}
	if cfg.database == "" {
		return nil, false, goerr.New("database is required")
	}

	repo, err := repository.New(ctx, cfg.project, cfg.database)
	if err != nil {
		return nil, false, goerr.Wrap(err, "failed to create repository")
	}
	cl.add(repo.Close)
	return repo, false, nil
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}
	return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation,
		adapter.WithGenerativeModel(cfg.generativeModel),
		adapter.WithEmbeddingModel(cfg.embeddingModel),
		adapter.WithEmbeddingDimension(int(cfg.embeddingDimension)),
	)
}

// newProvider wraps the embedding client with batching, retries and rate limiting
func (cfg *config) newProvider(client embedding.Client) *embedding.Provider {
	return embedding.NewProvider(client,
		embedding.WithModel(cfg.embeddingModel),
		embedding.WithDimension(int(cfg.embeddingDimension)),
		embedding.WithBatchSize(int(cfg.embeddingBatchSize)),
		embedding.WithRateLimit(cfg.embeddingQPS, 1),
	)
}

// newStorage creates the blob storage for index snapshots: a bucket when given, a local directory otherwise
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket != "" {
		storage, err := adapter.NewStorage(ctx, cfg.bucket)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage")
		}
		return storage, nil
	}
	if cfg.indexDir == "" {
		return nil, goerr.New("either bucket or index-dir is required")
	}
	storage, err := adapter.NewFileStorage(cfg.indexDir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create local storage", goerr.V("dir", cfg.indexDir))
	}
	return storage, nil
}

// newIndexCache wires the snapshot store and builder behind a cache
func (cfg *config) newIndexCache(repo repository.Repository, storage adapter.Storage) *index.Cache {
	return index.NewCache(
		index.NewStore(storage, cfg.indexPrefix),
		index.NewBuilder(repo, cfg.embeddingModel, int(cfg.embeddingDimension)),
	)
}

// newConversationLogger creates the sink for finished turns and registers its Close with cl
func (cfg *config) newConversationLogger(ctx context.Context, cl *closer) (adapter.ConversationLogger, error) {
	var (
		logger adapter.ConversationLogger
		err    error
	)

	switch cfg.convLog {
	case "", "none":
		return adapter.NewNopLogger(), nil

	case "firestore":
		if cfg.project == "" {
			return nil, goerr.New("project is required for the firestore conversation log")
		}
		logger, err = adapter.NewFirestoreLogger(ctx, cfg.project, cfg.database, cfg.convLogCollection)

	case "bigquery":
		if cfg.project == "" || cfg.bigqueryDataset == "" {
			return nil, goerr.New("project and bigquery-dataset are required for the bigquery conversation log")
		}
		logger, err = adapter.NewBigQueryLogger(ctx, cfg.project, cfg.bigqueryDataset, cfg.bigqueryTable)

	default:
		return nil, goerr.New("unknown conversation log", goerr.V("conversation-log", cfg.convLog))
	}
	if err != nil {
		return nil, err
	}

	cl.add(logger.Close)
	return logger, nil
}

// syncInMemory embeds every record of an in-memory store so the index can be built from it
func syncInMemory(ctx context.Context, repo repository.Repository, provider *embedding.Provider) error {
	started := time.Now()
	report, err := embedding.NewSyncer(repo, provider).Sync(ctx, embedding.SyncInput{})
	if err != nil {
		return goerr.Wrap(err, "failed to embed records")
	}
	logging.From(ctx).Info("embedded in-memory records",
		"embedded", report.Embedded,
		"failed", report.Failed(),
		"duration", time.Since(started),
	)
	return nil
}
