package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/adapter"
	appconfig "github.com/m-mizutani/hypnos/pkg/config"
	"github.com/m-mizutani/hypnos/pkg/embedding"
	"github.com/m-mizutani/hypnos/pkg/interfaces"
	"github.com/m-mizutani/hypnos/pkg/policy"
	"github.com/m-mizutani/hypnos/pkg/repository"
	"github.com/m-mizutani/hypnos/pkg/scorer"
	"github.com/m-mizutani/hypnos/pkg/sink"
	"github.com/m-mizutani/hypnos/pkg/summarizer"
	"github.com/m-mizutani/hypnos/pkg/usecase/memory"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

const (
	storeFile      = "file"
	storeSQLite    = "sqlite"
	storeFirestore = "firestore"
	storeMemory    = "memory"

	backendNone   = "none"
	backendGemini = "gemini"
	backendOpenAI = "openai"
	backendConcat = "concat"
)

// config holds configuration values
type config struct {
	configPath string
	logLevel   string
	logFormat  string

	// Repository
	store      string
	storePath  string
	project    string
	database   string
	collection string
	policyDir  string

	// Adapters
	summarizer           string
	embedder             string
	geminiProject        string
	geminiLocation       string
	geminiAPIKey         string
	geminiModel          string
	geminiEmbeddingModel string
	openaiAPIKey         string
	openaiBaseURL        string
	openaiModel          string
	openaiEmbeddingModel string

	// Statistics
	statsFile       string
	stateFile       string
	bigqueryProject string
	bigqueryDataset string
	bigqueryTable   string

	bucket string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to YAML or TOML configuration file",
			Sources:     cli.EnvVars("HYPNOS_CONFIG"),
			Destination: &cfg.configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("HYPNOS_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       logging.FormatConsole,
			Sources:     cli.EnvVars("HYPNOS_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "store",
			Aliases:     []string{"s"},
			Usage:       "Memory store backend (file, sqlite, firestore, memory)",
			Value:       storeFile,
			Sources:     cli.EnvVars("HYPNOS_STORE"),
			Destination: &cfg.store,
		},
		&cli.StringFlag{
			Name:        "store-path",
			Usage:       "Path of the file or sqlite store",
			Sources:     cli.EnvVars("HYPNOS_STORE_PATH"),
			Destination: &cfg.storePath,
		},
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
			Name:        "collection",
			Usage:       "Firestore collection of memory records",
			Value:       "memories",
			Sources:     cli.EnvVars("HYPNOS_FIRESTORE_COLLECTION"),
			Destination: &cfg.collection,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego tagging policies",
			Sources:     cli.EnvVars("HYPNOS_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "summarizer",
			Usage:       "Summarization backend (gemini, openai, concat)",
			Value:       backendConcat,
			Sources:     cli.EnvVars("HYPNOS_SUMMARIZER"),
			Destination: &cfg.summarizer,
		},
		&cli.StringFlag{
			Name:        "embedder",
			Usage:       "Embedding backend for recall and similarity (none, gemini, openai)",
			Value:       backendNone,
			Sources:     cli.EnvVars("HYPNOS_EMBEDDER"),
			Destination: &cfg.embedder,
		},
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
			Name:        "gemini-api-key",
			Usage:       "Gemini API key, used instead of Vertex AI when set",
			Sources:     cli.EnvVars("GEMINI_API_KEY"),
			Destination: &cfg.geminiAPIKey,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini generative model",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "gemini-embedding-model",
			Usage:       "Gemini embedding model",
			Sources:     cli.EnvVars("GEMINI_EMBEDDING_MODEL"),
			Destination: &cfg.geminiEmbeddingModel,
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Usage:       "OpenAI API key",
			Sources:     cli.EnvVars("OPENAI_API_KEY"),
			Destination: &cfg.openaiAPIKey,
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Usage:       "Base URL of an OpenAI compatible endpoint",
			Sources:     cli.EnvVars("OPENAI_BASE_URL"),
			Destination: &cfg.openaiBaseURL,
		},
		&cli.StringFlag{
			Name:        "openai-model",
			Usage:       "OpenAI chat model",
			Sources:     cli.EnvVars("OPENAI_MODEL"),
			Destination: &cfg.openaiModel,
		},
		&cli.StringFlag{
			Name:        "openai-embedding-model",
			Usage:       "OpenAI embedding model",
			Sources:     cli.EnvVars("OPENAI_EMBEDDING_MODEL"),
			Destination: &cfg.openaiEmbeddingModel,
		},
	}
}

// statsFlags returns flags for cycle state and statistics destinations
func statsFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "stats-file",
			Usage:       "JSONL file receiving one statistics record per pass",
			Value:       filepath.Join("hypnos", "dream_log.jsonl"),
			Sources:     cli.EnvVars("HYPNOS_STATS_FILE"),
			Destination: &cfg.statsFile,
		},
		&cli.StringFlag{
			Name:        "state-file",
			Usage:       "JSON file holding the cycle state",
			Value:       filepath.Join("hypnos", "dream_stats.json"),
			Sources:     cli.EnvVars("HYPNOS_STATE_FILE"),
			Destination: &cfg.stateFile,
		},
		&cli.StringFlag{
			Name:        "bigquery-project",
			Usage:       "Google Cloud project of the BigQuery dataset, defaults to --project",
			Sources:     cli.EnvVars("HYPNOS_BIGQUERY_PROJECT"),
			Destination: &cfg.bigqueryProject,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset receiving statistics, disabled when empty",
			Sources:     cli.EnvVars("HYPNOS_BIGQUERY_DATASET"),
			Destination: &cfg.bigqueryDataset,
		},
		&cli.StringFlag{
			Name:        "bigquery-table",
			Usage:       "BigQuery table receiving statistics",
			Value:       "cycle_stats",
			Sources:     cli.EnvVars("HYPNOS_BIGQUERY_TABLE"),
			Destination: &cfg.bigqueryTable,
		},
	}
}

func storageFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for backups",
			Sources:     cli.EnvVars("HYPNOS_BACKUP_BUCKET"),
			Destination: &cfg.bucket,
		},
	}
}

// setup installs the logger into ctx and loads the configuration file
func (cfg *config) setup(ctx context.Context) (context.Context, *appconfig.Config, error) {
	logger, err := logging.NewWithFormat(cfg.logLevel, cfg.logFormat, os.Stderr)
	if err != nil {
		return ctx, nil, err
	}
	logging.SetDefault(logger)
	ctx = logging.With(ctx, logger)

	appCfg, err := appconfig.Load(cfg.configPath)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, appCfg, nil
}

// newRepository creates a new repository instance
func (cfg *config) newRepository(ctx context.Context) (interfaces.Repository, error) {
	switch cfg.store {
	case storeFile:
		path := cfg.storePath
		if path == "" {
			path = filepath.Join("hypnos", "memories.jsonl")
		}
		return repository.NewFile(path)

	case storeSQLite:
		path := cfg.storePath
		if path == "" {
			path = filepath.Join("hypnos", "memories.db")
		}
		return repository.NewSQLite(ctx, path)

	case storeFirestore:
		if cfg.project == "" {
			return nil, goerr.New("project is required for firestore store")
		}
		return repository.NewFirestore(ctx, cfg.project, cfg.database, repository.WithCollection(cfg.collection))

	case storeMemory:
		return repository.NewMemory(), nil

	default:
		return nil, goerr.New("unknown store backend", goerr.V("store", cfg.store))
	}
}

// newHost opens procfs. Hosts without it get nil and lose memory and load
// figures.
func (cfg *config) newHost(ctx context.Context) adapter.Host {
	host, err := adapter.NewHost()
	if err != nil {
		logging.From(ctx).Warn("host metrics unavailable", "error", err)
		return nil
	}
	return host
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (adapter.Gemini, error) {
	project := cfg.geminiProject
	if project == "" {
		project = cfg.project
	}

	var opts []adapter.GeminiOption
	if cfg.geminiAPIKey != "" {
		opts = append(opts, adapter.WithGeminiAPIKey(cfg.geminiAPIKey))
	}
	if cfg.geminiModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.geminiModel))
	}
	if cfg.geminiEmbeddingModel != "" {
		opts = append(opts, adapter.WithEmbeddingModel(cfg.geminiEmbeddingModel))
	}

	return adapter.NewGemini(ctx, project, cfg.geminiLocation, opts...)
}

// newOpenAI creates a new OpenAI adapter instance
func (cfg *config) newOpenAI() (adapter.OpenAI, error) {
	var opts []adapter.OpenAIOption
	if cfg.openaiBaseURL != "" {
		opts = append(opts, adapter.WithOpenAIBaseURL(cfg.openaiBaseURL))
	}
	if cfg.openaiModel != "" {
		opts = append(opts, adapter.WithOpenAIChatModel(cfg.openaiModel))
	}
	if cfg.openaiEmbeddingModel != "" {
		opts = append(opts, adapter.WithOpenAIEmbeddingModel(cfg.openaiEmbeddingModel))
	}
	return adapter.NewOpenAI(cfg.openaiAPIKey, opts...)
}

func (cfg *config) newSummarizer(ctx context.Context) (interfaces.Summarizer, error) {
	switch cfg.summarizer {
	case backendConcat:
		return &summarizer.Concat{}, nil
	case backendGemini:
		client, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, err
		}
		return summarizer.NewGemini(client), nil
	case backendOpenAI:
		client, err := cfg.newOpenAI()
		if err != nil {
			return nil, err
		}
		return summarizer.NewOpenAI(client), nil
	default:
		return nil, goerr.New("unknown summarizer", goerr.V("summarizer", cfg.summarizer))
	}
}

// newEmbedder returns nil when no embedding backend is configured
func (cfg *config) newEmbedder(ctx context.Context) (interfaces.Embedder, error) {
	switch cfg.embedder {
	case "", backendNone:
		return nil, nil
	case backendGemini:
		client, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, err
		}
		return embedding.NewGemini(client), nil
	case backendOpenAI:
		client, err := cfg.newOpenAI()
		if err != nil {
			return nil, err
		}
		return embedding.NewOpenAI(client), nil
	default:
		return nil, goerr.New("unknown embedder", goerr.V("embedder", cfg.embedder))
	}
}

// newStorage creates a new Storage adapter instance
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket == "" {
		return nil, goerr.New("bucket is required")
	}

	storage, err := adapter.NewStorage(ctx, cfg.bucket)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

// newSink builds the statistics fan-out. The returned close function releases
// the BigQuery client when one is used.
func (cfg *config) newSink(ctx context.Context) (interfaces.StatsSink, func(), error) {
	sinks := sink.Multi{&sink.Log{}}
	closer := func() {}

	if cfg.statsFile != "" {
		f, err := sink.NewFile(cfg.statsFile)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, f)
	}

	if cfg.bigqueryDataset != "" {
		project := cfg.bigqueryProject
		if project == "" {
			project = cfg.project
		}
		if project == "" {
			return nil, nil, goerr.New("project is required for bigquery statistics")
		}

		client, err := adapter.NewBigQuery(ctx, project)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sink.NewBigQuery(client, cfg.bigqueryDataset, cfg.bigqueryTable))
		closer = func() {
			if err := client.Close(); err != nil {
				logging.From(ctx).Warn("failed to close bigquery client", "error", err)
			}
		}
	}

	return sinks, closer, nil
}

// newMemoryUseCase wires the memory usecase with the optional tagger,
// embedder and backup storage
func (cfg *config) newMemoryUseCase(ctx context.Context, repo interfaces.Repository, appCfg *appconfig.Config) (*memory.UseCase, error) {
	tagger, err := policy.Load(ctx, cfg.policyDir)
	if err != nil {
		return nil, err
	}

	strategy, err := scorer.New(appCfg)
	if err != nil {
		return nil, err
	}

	opts := []memory.Option{
		memory.WithTagger(tagger),
		memory.WithScorer(strategy),
	}

	embedder, err := cfg.newEmbedder(ctx)
	if err != nil {
		return nil, err
	}
	if embedder != nil {
		opts = append(opts, memory.WithEmbedder(embedder))
	}

	if cfg.bucket != "" {
		storage, err := cfg.newStorage(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, memory.WithStorage(storage))
	}

	return memory.New(repo, appCfg, opts...), nil
}

func closeRepository(ctx context.Context, repo interfaces.Repository) {
	if err := repo.Close(); err != nil {
		logging.From(ctx).Warn("failed to close repository", "error", err)
	}
}
