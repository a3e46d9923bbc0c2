package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/trialgraph/pkg/catalog"
	"github.com/orneryd/trialgraph/pkg/chunk"
	"github.com/orneryd/trialgraph/pkg/config"
	"github.com/orneryd/trialgraph/pkg/graph"
	"github.com/orneryd/trialgraph/pkg/logging"
	"github.com/orneryd/trialgraph/pkg/pipeline"
	"github.com/orneryd/trialgraph/pkg/storage"
	"github.com/orneryd/trialgraph/pkg/writeop"
)

var errDegraded = errors.New("load completed with failures")

func runLoad(cmd *cobra.Command, args []string) error {
	pipelinePath, _ := cmd.Flags().GetString("pipeline")
	strict, _ := cmd.Flags().GetBool("strict")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	applyRuntime(cfg)

	p, _, plan, err := loadPlan(pipelinePath, cfg)
	if err != nil {
		return err
	}
	database := cfg.Neo4j.Database
	if p.Database != "" {
		database = p.Database
	}
	chunkSize := cfg.Load.ChunkSize
	if p.ChunkSize > 0 && !cmd.Flags().Changed("chunk-size") {
		chunkSize = p.ChunkSize
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	locations := make([]string, 0, plan.Len())
	for _, stage := range []pipeline.Stage{pipeline.StageNodes, pipeline.StageEdges} {
		for _, t := range plan.Tasks(stage) {
			locations = append(locations, t.Path)
		}
	}
	source, err := newSource(ctx, cfg, logger, plan.KeyColumns(), locations...)
	if err != nil {
		return err
	}
	recorder, err := newRecorder(cfg)
	if err != nil {
		return err
	}

	logger.Info("opening graph store", "backend", cfg.Store.Backend, "database", database)
	store, err := openStore(ctx, cfg, database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Error("closing graph store", "err", err)
		}
	}()

	exec := writeop.NewExecutor(store, writeop.ExecutorOptions{
		Database: database,
		Timeout:  cfg.Load.WriteTimeout,
		Logger:   logger.WithPrefix("write"),
		Metrics:  recorder,
	})
	orch := pipeline.New(plan, source, exec, pipeline.Options{
		ChunkSize:           chunkSize,
		MaxConcurrentWrites: cfg.Load.MaxConcurrentWrites,
		Logger:              logger,
		Metrics:             recorder,
	})

	report, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if err := report.Print(out); err != nil {
		return err
	}
	if es, ok := store.(*graph.EmbeddedStore); ok {
		if err := printStats(out, es.Engine()); err != nil {
			return err
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := recorder.Flush(flushCtx); err != nil {
		logger.Warn("pushing metrics", "err", err)
	}

	if strict && report.Degraded() {
		return errDegraded
	}
	return nil
}

func printStats(w io.Writer, engine storage.Engine) error {
	stats, err := storage.CollectStats(engine)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "graph: %d nodes, %d relationships\n", stats.Nodes, stats.Edges)
	for _, k := range sortedKeys(stats.ByLabel) {
		fmt.Fprintf(w, "  (:%s) %d\n", k, stats.ByLabel[k])
	}
	for _, k := range sortedKeys(stats.ByEdgeType) {
		fmt.Fprintf(w, "  [:%s] %d\n", k, stats.ByEdgeType[k])
	}
	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runValidate(cmd *cobra.Command, args []string) error {
	pipelinePath, _ := cmd.Flags().GetString("pipeline")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	_, _, plan, err := loadPlan(pipelinePath, cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, cfg.String())
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tFUNCTION\tKIND\tPATH")
	for _, stage := range []pipeline.Stage{pipeline.StageNodes, pipeline.StageEdges} {
		for _, t := range plan.Tasks(stage) {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Stage, t.Function, t.Op.Kind(), t.Path)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d node tasks, %d edge tasks\n", pipelinePath, len(plan.Nodes), len(plan.Edges))
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	head, _ := cmd.Flags().GetInt("head")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	source, err := newSource(cmd.Context(), cfg, logging.Discard(), nil, args[0])
	if err != nil {
		return err
	}
	table, err := source.Read(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d rows, %d columns\n", table.Path, table.Len(), len(table.Columns))
	fmt.Fprintf(out, "columns: %s\n", strings.Join(table.Columns, ", "))
	sizes := chunk.Sizes(table.Len(), cfg.Load.ChunkSize)
	fmt.Fprintf(out, "chunks of %d: %d %v\n", cfg.Load.ChunkSize, len(sizes), sizes)

	if head > 0 {
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(table.Columns, "\t"))
		for _, row := range table.Rows[:min(head, table.Len())] {
			cells := make([]string, len(table.Columns))
			for i, c := range table.Columns {
				if v := row[c]; v != nil {
					cells[i] = fmt.Sprint(v)
				}
			}
			fmt.Fprintln(tw, strings.Join(cells, "\t"))
		}
		return tw.Flush()
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	outPath, _ := cmd.Flags().GetString("out")

	envPath, _ := cmd.Flags().GetString("env")
	if err := config.LoadEnvFile(envPath); err != nil {
		return err
	}
	cfg := config.LoadFromEnv()
	if cmd.Flags().Changed("data-dir") {
		cfg.Store.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
		DataDir: cfg.Store.DataDir,
		Logger:  logging.NewBadgerLogger(logger),
	})
	if err != nil {
		return fmt.Errorf("opening %s: %w", cfg.Store.DataDir, err)
	}
	defer engine.Close()

	w := cmd.OutOrStdout()
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	export, err := storage.WriteNeo4jExport(engine, w)
	if err != nil {
		return err
	}
	logger.Info("export written", "nodes", len(export.Nodes), "relationships", len(export.Relationships))
	return nil
}

func runFunctions(cmd *cobra.Command, args []string) error {
	pipelinePath, _ := cmd.Flags().GetString("pipeline")

	p := &config.Pipeline{}
	if pipelinePath != "" {
		var err error
		if p, err = config.LoadPipeline(pipelinePath); err != nil {
			return err
		}
	}
	reg, err := pipeline.RegistryFor(p)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FUNCTION\tKIND\tCOLUMNS")
	for _, name := range reg.Names() {
		op, _ := reg.Lookup(name)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, op.Kind(), strings.Join(op.Columns(), ","))
	}
	return tw.Flush()
}

func runInit(cmd *cobra.Command, args []string) error {
	outPath, _ := cmd.Flags().GetString("out")
	force, _ := cmd.Flags().GetBool("force")

	flag := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(outPath, flag, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists (use --force to overwrite)", outPath)
		}
		return err
	}
	if _, err := f.Write(catalog.StarterPipeline()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "wrote %s\n", outPath)
	fmt.Fprintln(out, "next steps:")
	fmt.Fprintln(out, "  1. put the ADaM .xpt files under data/ (or set data_root)")
	fmt.Fprintln(out, "  2. set NEO4J_URI, NEO4J_USER and NEO4J_PASSWORD in .env")
	fmt.Fprintf(out, "  3. trialgraph run --pipeline %s\n", outPath)
	return nil
}
