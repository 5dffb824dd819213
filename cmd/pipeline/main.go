// Command pipeline launches the trustflow event pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/sourcegraph/conc"

	"github.com/coralix/trustflow/config"
	"github.com/coralix/trustflow/internal/adapters"
	"github.com/coralix/trustflow/internal/adapters/chain"
	"github.com/coralix/trustflow/internal/adapters/fraud"
	"github.com/coralix/trustflow/internal/adapters/poll"
	"github.com/coralix/trustflow/internal/capacity"
	"github.com/coralix/trustflow/internal/classify"
	"github.com/coralix/trustflow/internal/dispatch"
	"github.com/coralix/trustflow/internal/faults"
	"github.com/coralix/trustflow/internal/monitor"
	"github.com/coralix/trustflow/internal/observability"
	"github.com/coralix/trustflow/internal/pipeline"
	"github.com/coralix/trustflow/internal/priority"
	"github.com/coralix/trustflow/internal/queue"
	"github.com/coralix/trustflow/internal/route"
	"github.com/coralix/trustflow/internal/schema"
	opsserver "github.com/coralix/trustflow/internal/server"
	"github.com/coralix/trustflow/internal/snapshot"
	"github.com/coralix/trustflow/internal/store/postgres"
	"github.com/coralix/trustflow/internal/telemetry"
	libtelemetry "github.com/coralix/trustflow/lib/telemetry"
)

const (
	defaultConfigPath   = "config/pipeline.yaml"
	defaultFallbackPath = "config/fallbacks"
	pipelineLogPrefix   = "trustflow "

	shutdownTimeout          = 30 * time.Second
	adapterShutdownTimeout   = 5 * time.Second
	queueShutdownTimeout     = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second

	journalReplayLimit = 1000
	slowBatchMs        = 250

	slowLatencyMs  = 1000
	snapshotTTL    = 10 * time.Minute
	snapshotTTLMin = time.Minute
	snapshotTTLMax = time.Hour

	rebalanceHighCPU        = 0.8
	rebalanceLowMemory      = 0.5
	simplifyThroughputFloor = 5
)

func main() {
	cfgPath, fallbackPath := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, pipelineLogPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.StdLogger{L: logger})

	cfg, loadedFromFile, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	telemetry.SetEnvironment(cfg.Environment)
	logger.Printf("configuration initialised: env=%s", cfg.Environment)

	_, shutdownTelemetry, err := libtelemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	faultHandler := buildFaultHandler(logger, fallbackPath)
	perf := monitor.New(cfg.Monitor)

	registry := dispatch.NewRegistry()
	dispatcher := dispatch.New(registry,
		dispatch.WithFailureFunc(func(handler string, e *schema.Event, err error) {
			// Failed deliveries re-run through the registry on the fault
			// handler's retry schedule before any fallback applies.
			faultHandler.HandleWithRetry(ctx, err, "dispatch/"+handler, func(retryCtx context.Context) error {
				return registry.Invoke(retryCtx, handler, e)
			})
		}),
		dispatch.WithLatencyFunc(func(_ *schema.Event, latency time.Duration) {
			perf.Observe(monitor.MetricEndToEndLatency, float64(latency.Milliseconds()))
		}))
	var notified atomic.Uint64
	registerBaselineHandlers(logger, registry, &notified)

	journal, queueOpts, err := buildJournal(ctx, cfg.Database, faultHandler)
	if err != nil {
		logger.Fatalf("initialise journal: %v", err)
	}

	var engine *pipeline.Engine
	queues, err := queue.NewManager(cfg.Queue, func(ctx context.Context, batch []*schema.Event) []error {
		return engine.ProcessBatch(ctx, batch)
	}, queueOpts...)
	if err != nil {
		logger.Fatalf("initialise queues: %v", err)
	}
	router := route.New(cfg.Router, time.Now)
	engine = pipeline.New(classify.New(), priority.New(cfg.Prioritizer), router,
		queues, dispatcher, pipeline.WithFaultSink(faultHandler))

	if journal != nil {
		replayJournal(ctx, logger, journal, queues)
	}

	store := snapshot.NewMemoryStore()
	store.SetCacheTTL(snapshotTTL)

	registerSamplers(perf, queues, &notified)
	capacityOpts := []capacity.Option{
		capacity.WithStrategy(capacity.BatchTuner{SlowMs: slowBatchMs, MaxBatch: cfg.Queue.MaxBatchSize}),
		capacity.WithStrategy(capacity.CacheTuner{Cache: store, SlowMs: slowLatencyMs,
			MinTTL: snapshotTTLMin, MaxTTL: snapshotTTLMax}),
		capacity.WithStrategy(capacity.Rebalancer{HighCPU: rebalanceHighCPU,
			LowMemory: rebalanceLowMemory, MaxBatch: cfg.Queue.MaxBatchSize}),
	}
	if cfg.Router.EnableSmartRouting {
		capacityOpts = append(capacityOpts,
			capacity.WithStrategy(capacity.Simplifier{Router: router, MinThroughput: simplifyThroughputFloor}))
	}
	capacityMgr := capacity.New(cfg.Capacity, queues, perf, capacityOpts...)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { perf.Run(ctx) })
	lifecycle.Go(func() { capacityMgr.Run(ctx) })

	emit := func(ctx context.Context, e *schema.Event) error {
		if e.Timestamp > 0 {
			if lag := time.Since(time.UnixMilli(e.Timestamp)); lag > 0 {
				perf.Observe(monitor.MetricIngestionLatency, float64(lag.Milliseconds()))
			}
		}
		_, err := engine.Process(ctx, e)
		return err
	}
	escalate := func(err error, operation string) {
		faultHandler.Handle(err, operation)
	}

	fraudAdapter, err := fraud.New(cfg.Adapters.Fraud, emit, fraud.WithFaultFunc(escalate))
	if err != nil {
		logger.Fatalf("initialise fraud adapter: %v", err)
	}
	fraudAdapter.Start()

	startPollers(ctx, logger, &lifecycle, cfg.Adapters, store, emit, escalate)
	startChainStream(ctx, logger, &lifecycle, cfg.Adapters.Chain, emit, escalate)

	srv := opsserver.New(cfg.Server, opsserver.Deps{
		Queue:        queues,
		Faults:       faultHandler,
		Monitor:      perf,
		Capacity:     capacityMgr,
		FraudWebhook: fraudAdapter,
	})
	lifecycle.Go(func() {
		if err := srv.Run(ctx); err != nil {
			logger.Printf("ops server: %v", err)
		}
	})
	logger.Printf("ops server listening on %s", cfg.Server.Addr)

	logger.Print("pipeline started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		fraudAdapter: fraudAdapter,
		queues:       queues,
		lifecycle:    &lifecycle,
		journal:      journal,
		telemetry:    shutdownTelemetry,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (configPath, fallbackPath string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	fbPath := flag.String("fallbacks", defaultFallbackPath, "Directory of scripted error fallbacks")
	flag.Parse()
	if *cfgPath == "" {
		return filepath.Clean(defaultConfigPath), *fbPath
	}
	return *cfgPath, *fbPath
}

func buildFaultHandler(logger *log.Logger, fallbackPath string) *faults.Handler {
	handler := faults.NewHandler(faults.WithAlertFunc(func(record faults.Record) {
		logger.Printf("CRITICAL fault %s: %s (%s)", record.ID, record.Message, record.Category)
	}))
	fallbacks, err := faults.LoadScriptedFallbacks(fallbackPath)
	if err != nil {
		logger.Fatalf("load fallback scripts: %v", err)
	}
	for _, fb := range fallbacks {
		handler.RegisterFallback(fb)
	}
	if len(fallbacks) > 0 {
		logger.Printf("scripted fallbacks loaded: %d", len(fallbacks))
	}
	return handler
}

// registerBaselineHandlers installs the built-in delivery targets. External
// consumers register through the dispatch registry at runtime.
func registerBaselineHandlers(logger *log.Logger, registry *dispatch.Registry, notified *atomic.Uint64) {
	mustRegister(logger, registry, dispatch.Registration{
		Name:        "update_log",
		Kinds:       []string{dispatch.Wildcard},
		EntityTypes: []string{dispatch.Wildcard},
		Handler: func(_ context.Context, e *schema.Event) error {
			observability.Log().Debug("event delivered",
				observability.F("event_id", e.ID),
				observability.F("event_type", e.Type),
				observability.F("entity_id", e.EntityID))
			return nil
		},
	})
	notificationKinds := make([]string, 0, len(schema.All()))
	for _, t := range schema.All() {
		notificationKinds = append(notificationKinds, string(t.Notification()))
	}
	mustRegister(logger, registry, dispatch.Registration{
		Name:        "notification_publisher",
		Kinds:       notificationKinds,
		EntityTypes: []string{dispatch.Wildcard},
		Priority:    10,
		Handler: func(_ context.Context, e *schema.Event) error {
			notified.Add(1)
			observability.Log().Info("notification published",
				observability.F("event_id", e.ID),
				observability.F("event_type", e.Type),
				observability.F("priority", e.PriorityValue(0)))
			return nil
		},
	})
}

func mustRegister(logger *log.Logger, registry *dispatch.Registry, reg dispatch.Registration) {
	if _, err := registry.Register(reg); err != nil {
		logger.Fatalf("register handler %s: %v", reg.Name, err)
	}
}

func buildJournal(ctx context.Context, cfg config.DatabaseConfig, faultHandler *faults.Handler) (*postgres.Journal, []queue.Option, error) {
	opts := []queue.Option{
		queue.WithDeadLetterFunc(func(_ *schema.Event, err error) {
			faultHandler.Handle(err, "queue/dead_letter")
		}),
	}
	if cfg.DSN == "" {
		return nil, opts, nil
	}
	if err := postgres.Migrate(cfg.DSN); err != nil {
		return nil, nil, err
	}
	journal, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	return journal, append(opts, queue.WithJournal(journal)), nil
}

func replayJournal(ctx context.Context, logger *log.Logger, journal *postgres.Journal, queues *queue.Manager) {
	pending, err := journal.Pending(ctx, journalReplayLimit)
	if err != nil {
		logger.Printf("journal replay skipped: %v", err)
		return
	}
	replayed := 0
	for _, e := range pending {
		if err := queues.Enqueue(ctx, e); err != nil {
			logger.Printf("journal replay enqueue %s: %v", e.ID, err)
			continue
		}
		replayed++
	}
	if replayed > 0 {
		logger.Printf("journal replay: %d events re-enqueued", replayed)
	}
}

func registerSamplers(perf *monitor.Monitor, queues *queue.Manager, notified *atomic.Uint64) {
	perf.RegisterSampler(monitor.MetricQueueDepth, func() float64 {
		return float64(queues.TotalDepth())
	})
	perf.RegisterSampler(monitor.MetricDeadLetterRate, func() float64 {
		return float64(queues.Depth(schema.TopicDeadLetter))
	})
	perf.RegisterSampler(monitor.MetricQueueThroughput, func() float64 {
		var total float64
		for _, stats := range queues.Stats() {
			total += stats.ThroughputPerSec
		}
		return total
	})
	perf.RegisterSampler(monitor.MetricUpdateTime, func() float64 {
		var sum float64
		var n int
		for _, stats := range queues.Stats() {
			if stats.AvgProcessingMs > 0 {
				sum += stats.AvgProcessingMs
				n++
			}
		}
		if n == 0 {
			return 0
		}
		return sum / float64(n)
	})
	perf.RegisterSampler(monitor.MetricErrorRate, func() float64 {
		var failed, processed uint64
		for _, stats := range queues.Stats() {
			failed += stats.Failed
			processed += stats.Processed
		}
		if failed+processed == 0 {
			return 0
		}
		return float64(failed) / float64(failed+processed)
	})
	perf.RegisterSampler(monitor.MetricIngestionRate, ratePerSecond(func() uint64 {
		var total uint64
		for _, stats := range queues.Stats() {
			total += stats.Enqueued
		}
		return total
	}))
	perf.RegisterSampler(monitor.MetricNotificationRate, ratePerSecond(notified.Load))
	perf.RegisterSampler(monitor.MetricMemoryUtilization, heapUsage)
	perf.RegisterSampler(monitor.MetricCPUUtilization, cpuUtilization)
}

// ratePerSecond turns a monotonic counter into a per-second rate sampled on
// the collection cadence. The first poll establishes the baseline.
func ratePerSecond(read func() uint64) monitor.Sampler {
	var last uint64
	var lastAt time.Time
	return func() float64 {
		value, now := read(), time.Now()
		defer func() { last, lastAt = value, now }()
		if lastAt.IsZero() || value < last {
			return 0
		}
		elapsed := now.Sub(lastAt).Seconds()
		if elapsed <= 0 {
			return 0
		}
		return float64(value-last) / elapsed
	}
}

// heapUsage approximates memory pressure as the ratio of live heap to the
// heap the runtime holds from the OS.
func heapUsage() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return 0
	}
	return float64(ms.HeapAlloc) / float64(ms.HeapSys)
}

// cpuUtilization samples host CPU usage as a 0-1 fraction, on the same scale
// as heapUsage and the load shedding threshold.
func cpuUtilization() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0] / 100
}

func startPollers(ctx context.Context, logger *log.Logger, lifecycle *conc.WaitGroup,
	cfg config.AdaptersConfig, store *snapshot.MemoryStore, emit adapters.EmitFunc, escalate adapters.FaultFunc) {
	if cfg.Social.Endpoint != "" {
		social := poll.New("social", cfg.Social, schema.SourceSocialMedia, poll.SocialRules(),
			poll.NewHTTPFetcher(cfg.Social.Endpoint), store, emit, poll.SocialPayload,
			poll.WithFaultFunc(escalate))
		lifecycle.Go(func() { social.Run(ctx) })
		logger.Printf("social poller started: providers=%d", len(cfg.Social.Providers))
	}
	if cfg.Market.Endpoint != "" {
		market := poll.New("market", cfg.Market, schema.SourceMarketCondition, poll.MarketRules(),
			poll.NewHTTPFetcher(cfg.Market.Endpoint), store, emit, poll.MarketPayload,
			poll.WithFaultFunc(escalate))
		lifecycle.Go(func() { market.Run(ctx) })
		logger.Printf("market poller started: providers=%d", len(cfg.Market.Providers))
	}
}

func startChainStream(ctx context.Context, logger *log.Logger, lifecycle *conc.WaitGroup,
	cfg config.ChainAdapterConfig, emit adapters.EmitFunc, escalate adapters.FaultFunc) {
	if !cfg.Enabled {
		return
	}
	stream, err := chain.New(cfg, emit, chain.WithFaultFunc(escalate))
	if err != nil {
		logger.Fatalf("initialise chain stream: %v", err)
	}
	lifecycle.Go(func() { stream.Run(ctx) })
	logger.Printf("chain stream started: url=%s", cfg.URL)
}

type gracefulShutdownConfig struct {
	fraudAdapter *fraud.Adapter
	queues       *queue.Manager
	lifecycle    *conc.WaitGroup
	journal      *postgres.Journal
	telemetry    func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.fraudAdapter != nil {
		shutdownStep("draining fraud adapter", adapterShutdownTimeout, cfg.fraudAdapter.Shutdown)
	}

	if cfg.queues != nil {
		shutdownStep("stopping queue manager", queueShutdownTimeout, func(stepCtx context.Context) error {
			cfg.queues.Close()
			return cfg.queues.Shutdown(stepCtx)
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.journal != nil {
		cfg.journal.Close()
		logger.Print("shutdown: journal closed")
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}
