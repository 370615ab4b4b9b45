package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"retailetl/internal/bootstrap"
	"retailetl/internal/config"
	"retailetl/internal/controlplane"
	"retailetl/internal/metrics"
	"retailetl/internal/metrics/datadog"
	"retailetl/internal/metrics/prompush"
	"retailetl/internal/runner"
	"retailetl/internal/warehouse"

	// register all backends with the warehouse factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "retailetl/internal/warehouse/all"
)

// main is the entry point for the orchestrator binary. It loads the
// deployment config, optionally initializes a metrics backend, and either
// bootstraps the environment, inspects stuck runs, or executes pipelines.
func main() {
	var (
		cfgPath      string
		pipelineName string
		runAll       bool
		initEnv      bool
		dryRun       bool
		stuckAfter   time.Duration
		validateCfg  bool
	)

	flag.StringVar(&cfgPath, "config", "configs/etl.json", "deployment config JSON path")
	flag.StringVar(&pipelineName, "pipeline", "", "pipeline to run (e.g. daily_sales)")
	flag.BoolVar(&runAll, "all", false, "run every active pipeline concurrently")
	flag.BoolVar(&initEnv, "init", false, "initialize control schema, warehouse schema, and metadata, then exit")
	flag.BoolVar(&dryRun, "dry-run", false, "resolve and print the execution plan without running")
	flag.DurationVar(&stuckAfter, "stuck", 0, "list runs still STARTED for longer than this duration, then exit (e.g. 2h)")
	flag.BoolVar(&validateCfg, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("%v", err)
	}

	issues := config.Validate(cfg)
	hasError := false
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
		if iss.Severity == config.SeverityError {
			hasError = true
		}
	}
	if hasError {
		log.Printf("Configuration is invalid: %v", cfgPath)
		os.Exit(1)
	}
	if validateCfg {
		log.Printf("Configuration is valid: %v", cfgPath)
		os.Exit(0)
	}

	setupMetrics(cfg.Metrics, *verbose)
	defer func() {
		if err := metrics.Flush(); err != nil {
			log.Printf("metrics: flush error: %v", err)
		}
	}()

	ctx := context.Background()

	store, closeStore, err := controlplane.Open(ctx, cfg.Control.DSN)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeStore()

	repo, err := warehouse.New(ctx, warehouse.Config{Kind: cfg.Warehouse.Kind, DSN: cfg.Warehouse.DSN})
	if err != nil {
		fatalf("%v", err)
	}
	defer repo.Close()

	if initEnv {
		if err := bootstrap.Init(ctx, store, repo); err != nil {
			fatalf("init: %v", err)
		}
		log.Printf("environment initialized")
		return
	}

	if stuckAfter > 0 {
		listStuck(ctx, store, stuckAfter)
		return
	}

	asOf, err := cfg.AsOf()
	if err != nil {
		fatalf("%v", err)
	}

	r := &runner.Runner{
		Store:   store,
		Locks:   controlplane.NewTableLocks(),
		Repo:    repo,
		Sources: cfg.Sources,
		AsOf:    asOf,
		Regions: cfg.Regions(),
		LogDir:  cfg.LogDir,
	}

	switch {
	case runAll:
		runAllPipelines(ctx, store, r, dryRun)
	case pipelineName != "":
		runOne(ctx, r, pipelineName, dryRun, *verbose)
	default:
		fatalf("nothing to do: pass -pipeline NAME, -all, -init, or -stuck DURATION")
	}
}

// runOne executes (or plans) a single pipeline. Exit code 0 only on
// SUCCESS.
func runOne(ctx context.Context, r *runner.Runner, name string, dryRun, verbose bool) {
	if dryRun {
		plan, err := r.Plan(ctx, name)
		if err != nil {
			fatalf("plan %s: %v", name, err)
		}
		for _, e := range plan {
			fmt.Printf("%d\t%s\t%s\t%s\n", e.Order, e.Table.Name, e.Role, e.Table.LoadStrategy)
		}
		return
	}

	start := time.Now()
	res, err := r.Run(ctx, name)
	if err != nil {
		fatalf("run %s: %v", name, err)
	}

	if verbose {
		log.Printf("run %s completed in %s", res.RunID, time.Since(start).Truncate(time.Millisecond))
	}
	if res.Status != controlplane.StatusSuccess {
		log.Printf("pipeline %s FAILED (run %s): %v", name, res.RunID, res.Err)
		os.Exit(1)
	}
	log.Printf("pipeline %s SUCCESS (run %s, tables: %s)", name, res.RunID, strings.Join(res.Tables, ", "))
}

// runAllPipelines executes every active pipeline concurrently. The shared
// lock set serializes pipelines whose table sets overlap by failing the
// later arrival; disjoint pipelines proceed in parallel.
func runAllPipelines(ctx context.Context, store *controlplane.Store, r *runner.Runner, dryRun bool) {
	pipelines, err := store.ListActivePipelines(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if len(pipelines) == 0 {
		fatalf("no active pipelines")
	}

	if dryRun {
		for _, p := range pipelines {
			fmt.Printf("%s\t%s\t%s\n", p.Name, p.LoadStrategy, p.Schedule)
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pipelines {
		g.Go(func() error {
			res, err := r.Run(gctx, p.Name)
			if err != nil {
				return fmt.Errorf("run %s: %w", p.Name, err)
			}
			if res.Status != controlplane.StatusSuccess {
				return fmt.Errorf("pipeline %s FAILED (run %s): %w", p.Name, res.RunID, res.Err)
			}
			log.Printf("pipeline %s SUCCESS (run %s)", p.Name, res.RunID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
}

// listStuck prints runs still STARTED beyond the cutoff. Resolution is
// manual; the orchestrator never times a run out on its own.
func listStuck(ctx context.Context, store *controlplane.Store, olderThan time.Duration) {
	runs, err := store.ListStuckRuns(ctx, olderThan)
	if err != nil {
		fatalf("%v", err)
	}
	if len(runs) == 0 {
		log.Printf("no runs stuck for more than %s", olderThan)
		return
	}
	for _, run := range runs {
		fmt.Printf("%s\t%s\t%s\n", run.RunID, run.PipelineName, run.StartTime)
	}
}

// setupMetrics installs the configured metrics backend, if any. Failures
// degrade to the no-op backend rather than blocking runs.
func setupMetrics(m config.Metrics, verbose bool) {
	switch m.Backend {
	case "prometheus":
		job := m.Job
		if job == "" {
			job = "retailetl"
		}
		b, err := prompush.NewBackend(job, m.PushgatewayURL)
		if err != nil {
			log.Printf("metrics: failed to init prom push backend: %v; using nop", err)
			return
		}
		log.Printf("metrics: url=%v, backend=prometheus, job_name=%v", m.PushgatewayURL, job)
		metrics.SetBackend(b)

	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{Addr: m.DogstatsdAddr, Namespace: m.Namespace})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return
		}
		log.Printf("metrics: addr=%v, backend=datadog", m.DogstatsdAddr)
		metrics.SetBackend(b)

	case "":
		if verbose {
			log.Printf("metrics: disabled")
		}
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
