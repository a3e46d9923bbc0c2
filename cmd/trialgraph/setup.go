package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/orneryd/trialgraph/pkg/config"
	"github.com/orneryd/trialgraph/pkg/dataset"
	"github.com/orneryd/trialgraph/pkg/graph"
	"github.com/orneryd/trialgraph/pkg/logging"
	"github.com/orneryd/trialgraph/pkg/metrics"
	"github.com/orneryd/trialgraph/pkg/pipeline"
	"github.com/orneryd/trialgraph/pkg/pool"
	"github.com/orneryd/trialgraph/pkg/storage"
)

// loadConfig reads the env file named by --env, then the environment, then
// applies the command's flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envPath, _ := cmd.Flags().GetString("env")
	if err := config.LoadEnvFile(envPath); err != nil {
		return nil, err
	}
	cfg := config.LoadFromEnv()

	flags := cmd.Flags()
	if flags.Changed("backend") {
		backend, _ := flags.GetString("backend")
		cfg.Store.Backend = strings.ToLower(backend)
	}
	if flags.Changed("data-dir") {
		cfg.Store.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("data-root") {
		cfg.Load.DataRoot, _ = flags.GetString("data-root")
	}
	if flags.Changed("chunk-size") {
		cfg.Load.ChunkSize, _ = flags.GetInt("chunk-size")
	}
	if flags.Changed("concurrency") {
		cfg.Load.MaxConcurrentWrites, _ = flags.GetInt("concurrency")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*log.Logger, error) {
	return logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
}

// applyRuntime configures process-wide pooling and memory limits.
func applyRuntime(cfg *config.Config) {
	pool.Configure(pool.PoolConfig{
		Enabled: cfg.Memory.PoolEnabled,
		MaxSize: cfg.Memory.PoolMaxSize,
	})
	cfg.Memory.ApplyRuntimeMemory()
}

// loadPlan parses the pipeline file and resolves it against the catalog and
// its own operations.
func loadPlan(path string, cfg *config.Config) (*config.Pipeline, *pipeline.Registry, *pipeline.Plan, error) {
	p, err := config.LoadPipeline(path)
	if err != nil {
		return nil, nil, nil, err
	}
	reg, err := pipeline.RegistryFor(p)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	plan, err := pipeline.Build(p, reg, pipeline.BuildOptions{DataRoot: cfg.Load.DataRoot})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	return p, reg, plan, nil
}

// newSource returns a dataset source reading keyColumns as text. S3 is
// configured only when a location needs it.
func newSource(ctx context.Context, cfg *config.Config, logger *log.Logger, keyColumns []string, locations ...string) (dataset.Source, error) {
	opts := []dataset.FileSourceOption{dataset.WithTextColumns(keyColumns...)}
	for _, loc := range locations {
		if !strings.HasPrefix(loc, "s3://") {
			continue
		}
		s3, err := dataset.NewS3Opener(ctx, dataset.S3Params{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, dataset.WithS3(s3))
		break
	}
	return dataset.NewFileSource(logger.WithPrefix("dataset"), opts...), nil
}

// openStore connects the configured backend. The caller closes the store.
func openStore(ctx context.Context, cfg *config.Config, database string, logger *log.Logger) (graph.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendNeo4j:
		store, err := graph.NewNeo4jStore(ctx, graph.Neo4jConfig{
			URI:                   cfg.Neo4j.URI,
			Username:              cfg.Neo4j.Username,
			Password:              cfg.Neo4j.Password,
			Database:              database,
			MaxConnectionPoolSize: cfg.Neo4j.MaxConnectionPoolSize,
			ConnectionTimeout:     cfg.Neo4j.ConnectionTimeout,
			SubBatchSize:          cfg.Load.SubBatchSize,
		}, logger.WithPrefix("neo4j"))
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendBadger:
		engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:    cfg.Store.DataDir,
			SyncWrites: cfg.Store.SyncWrites,
			Logger:     logging.NewBadgerLogger(logger),
		})
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", cfg.Store.DataDir, err)
		}
		return graph.NewEmbeddedStore(engine, graph.EmbeddedOptions{
			SubBatchSize: cfg.Load.SubBatchSize,
			Logger:       logger.WithPrefix("embedded"),
		}), nil

	case config.BackendMemory:
		return graph.NewEmbeddedStore(storage.NewMemoryEngine(), graph.EmbeddedOptions{
			SubBatchSize: cfg.Load.SubBatchSize,
			Logger:       logger.WithPrefix("embedded"),
		}), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Store.Backend)
	}
}

func newRecorder(cfg *config.Config) (metrics.Recorder, error) {
	if cfg.Metrics.PushgatewayURL == "" {
		return metrics.Nop{}, nil
	}
	return metrics.NewPrometheus(cfg.Metrics.Job, cfg.Metrics.PushgatewayURL)
}
