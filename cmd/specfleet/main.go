package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"specfleet/pkg/config"
	"specfleet/pkg/contextdist"
	"specfleet/pkg/dispatch"
	"specfleet/pkg/eventlog"
	"specfleet/pkg/health"
	"specfleet/pkg/limiter"
	"specfleet/pkg/logx"
	"specfleet/pkg/orch"
	"specfleet/pkg/persistence"
	"specfleet/pkg/proto"
	"specfleet/pkg/sched"
	"specfleet/pkg/sharedstate"
	"specfleet/pkg/version"
)

func main() {
	var (
		configPath   = flag.String("config", "specfleet.yaml", "Path to YAML configuration file")
		runID        = flag.String("run-id", "", "Run identifier (default: from config or generated)")
		metricsAddr  = flag.String("metrics-addr", "", "Address for the Prometheus /metrics endpoint (disabled when empty)")
		debugDomains = flag.String("debug", "", "Comma-separated debug log domains, or 'all'")
		showVersion  = flag.Bool("version", false, "Show version information")
		continueMode = flag.Bool("continue", false, "Resume from the most recent checkpoint for the run ID")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("specfleet %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	if *debugDomains != "" {
		logx.SetDebug(true, strings.Split(*debugDomains, ","))
	}

	os.Exit(run(*configPath, *runID, *metricsAddr, *continueMode))
}

// run contains the main application logic and returns an exit code. This
// allows defers to execute before os.Exit is called.
func run(configPath, runID, metricsAddr string, continueMode bool) int {
	logger := logx.NewLogger("main")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 2
	}

	if runID == "" {
		runID = cfg.RunID
	}
	if runID == "" {
		runID = "run-" + uuid.New().String()[:8]
	}

	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 2
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("database close: %v", closeErr)
		}
	}()

	state, err := loadOrCreateState(store, runID, continueMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize run state: %v\n", err)
		return 2
	}

	events, err := eventlog.NewWriter(cfg.EventLogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open event log: %v\n", err)
		return 2
	}
	defer func() {
		if closeErr := events.Close(); closeErr != nil {
			logger.Warn("event log close: %v", closeErr)
		}
	}()

	descriptors, err := cfg.Descriptors()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid worker configuration: %v\n", err)
		return 2
	}

	timeouts, err := cfg.TimeoutManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid timeout configuration: %v\n", err)
		return 2
	}

	recorder := health.NewRecorder(prometheus.DefaultRegisterer)
	monitor := health.NewMonitor(recorder)
	for _, descriptor := range descriptors {
		monitor.Register(string(descriptor.WorkerID),
			cfg.Health.HeartbeatIntervalSeconds,
			cfg.Health.HeartbeatTimeoutSeconds,
			cfg.Health.MaxMissedHeartbeats)
	}

	deps := sched.DefaultDependencyTable()
	for _, override := range cfg.Dependencies {
		workType, _ := proto.ParseWorkType(override.WorkType)
		prerequisites := make([]proto.WorkType, 0, len(override.Prerequisites))
		for _, raw := range override.Prerequisites {
			prerequisite, _ := proto.ParseWorkType(raw)
			prerequisites = append(prerequisites, prerequisite)
		}
		if err := deps.Replace(workType, prerequisites); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid dependency override: %v\n", err)
			return 2
		}
	}

	scheduler := sched.NewScheduler(deps)
	for rawType, workerID := range cfg.Routes {
		workType, _ := proto.ParseWorkType(rawType)
		scheduler.SetRoute(workType, proto.WorkerID(workerID))
	}
	for rawType, workerID := range cfg.Owners {
		workType, _ := proto.ParseWorkType(rawType)
		scheduler.SetOwner(workType, proto.WorkerID(workerID))
	}

	dispatcher := dispatch.NewDispatcher(timeouts, limiter.NewLimiter(cfg.Limits), monitor, events)
	for _, descriptor := range descriptors {
		dispatcher.Register(newSimWorker(descriptor))
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	shared := sharedstate.NewStore()
	contexts := contextdist.NewDistributor()

	orchestrator := orch.NewOrchestrator(state, scheduler, dispatcher, timeouts, descriptors, shared, contexts, events, store, orch.Options{
		Required:        cfg.RequiredWorkTypes(),
		Optional:        cfg.OptionalWorkTypes(),
		CheckpointEvery: cfg.CheckpointEvery,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go dispatcher.RunMonitor(ctx, cfg.Health.Interval())

	logger.Info("starting run %s with %d workers", runID, len(descriptors))
	report, err := orchestrator.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 2
	}

	printReport(report)
	switch report.Status {
	case proto.RunStatusSuccess:
		return 0
	case proto.RunStatusPartial:
		return 1
	default:
		return 2
	}
}

// loadOrCreateState resumes from the latest checkpoint in continue mode,
// otherwise starts a fresh run state.
func loadOrCreateState(store *persistence.Store, runID string, continueMode bool) (*proto.RunState, error) {
	if continueMode {
		state, err := store.LoadCheckpoint(runID)
		if err == nil {
			return state, nil
		}
		return nil, fmt.Errorf("no checkpoint to resume for %s: %w", runID, err)
	}
	return proto.NewRunState(runID)
}

func serveMetrics(addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("metrics endpoint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server: %v", err)
	}
}

func printReport(report *proto.RunReport) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Printf("run %s finished: %s\n", report.RunID, report.Status)
		return
	}
	fmt.Println(string(data))
}
