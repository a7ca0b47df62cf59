// Package main implements the entry point for the telemetry gateway.
// The gateway accepts raw IoT gateway pushes over HTTP and MQTT, resolves
// the owning tenant, normalizes and routes each message, and delivers the
// rendered payloads to tenant alarm endpoints through a durable work queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telemetrygate/telemetrygate/config"
	"github.com/telemetrygate/telemetrygate/flow"
	"github.com/telemetrygate/telemetrygate/forward"
	"github.com/telemetrygate/telemetrygate/health"
	"github.com/telemetrygate/telemetrygate/ingest"
	mqttinput "github.com/telemetrygate/telemetrygate/input/mqtt"
	"github.com/telemetrygate/telemetrygate/inventory"
	"github.com/telemetrygate/telemetrygate/metric"
	"github.com/telemetrygate/telemetrygate/natsclient"
	"github.com/telemetrygate/telemetrygate/normalize"
	"github.com/telemetrygate/telemetrygate/quarantine"
	"github.com/telemetrygate/telemetrygate/queue"
	"github.com/telemetrygate/telemetrygate/rule"
	"github.com/telemetrygate/telemetrygate/selector"
	"github.com/telemetrygate/telemetrygate/template"
	"github.com/telemetrygate/telemetrygate/worker"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "telemetrygate"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	slog.Info("Starting telemetry gateway",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	metricsRegistry := metric.NewMetricsRegistry()
	coreMetrics := metricsRegistry.CoreMetrics()

	natsClient, store, err := setupInventory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	workQueue, err := connectQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer workQueue.Close()

	rules, templates, err := loadCatalogs(ctx, cfg, logger, store)
	if err != nil {
		return err
	}

	quar, err := quarantine.New(logger, cfg.Quarantine.DataDir)
	if err != nil {
		return fmt.Errorf("create quarantine stores: %w", err)
	}

	forwarder := forward.New(logger, store, quar,
		forward.WithAPIVersion(cfg.Forwarder.APIVersion),
		forward.WithHTTPClient(&http.Client{Timeout: cfg.Forwarder.Timeout}))

	pool := worker.New(logger, workQueue, store, rules, templates, forwarder, quar,
		worker.WithCount(cfg.Worker.Count),
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithShutdownTimeout(cfg.Worker.ShutdownTimeout),
		worker.WithMetrics(coreMetrics))
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	flows := flow.NewEngine(logger, rules, templates, nil)
	sel := selector.New(logger, store, flows, templates)
	service := ingest.New(logger, store, workQueue, normalize.New(logger), sel, quar,
		ingest.WithTestMode(cfg.TestMode),
		ingest.WithMetrics(coreMetrics))

	var mqttIn *mqttinput.Input
	if cfg.MQTT.Enabled {
		mqttIn = mqttinput.New(logger, cfg.MQTT, service)
		if err := mqttIn.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt input: %w", err)
		}
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go runOfflineSweep(sweepCtx, logger, store, cfg.Inventory, coreMetrics)
	go runQueueDepthSampler(sweepCtx, logger, workQueue, coreMetrics)

	httpServer := buildHTTPServer(cfg, logger, service, workQueue, pool, store, templates,
		metricsRegistry, natsClient)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API listening", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()

	stopSweep()
	if mqttIn != nil {
		mqttIn.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		slog.Warn("Worker pool shutdown incomplete", "error", err)
	}
	slog.Info("Shutdown complete")
	return nil
}

// inventoryBuckets maps collection names onto the Collections struct
var inventoryBuckets = []string{
	"tenants", "gateways", "devices", "flows", "flow_groups", "templates", "template_groups",
}

// setupInventory connects NATS and opens one JetStream KV bucket per
// inventory collection.
func setupInventory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, *inventory.Store, error) {
	opts := []natsclient.Option{
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithReconnect(cfg.NATS.MaxReconnects, cfg.NATS.ReconnectWait),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}

	client := natsclient.NewClient(cfg.NATS.URL, opts...)
	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	stores := make(map[string]inventory.KV, len(inventoryBuckets))
	for _, name := range inventoryBuckets {
		bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      name,
			Description: "telemetrygate inventory collection",
		})
		if err != nil {
			_ = client.Close(ctx)
			return nil, nil, fmt.Errorf("open bucket %s: %w", name, err)
		}
		stores[name] = inventory.NewNATSKV(natsclient.NewKVStore(bucket))
	}

	store := inventory.NewStore(logger, inventory.Collections{
		Tenants:        stores["tenants"],
		Gateways:       stores["gateways"],
		Devices:        stores["devices"],
		Flows:          stores["flows"],
		FlowGroups:     stores["flow_groups"],
		Templates:      stores["templates"],
		TemplateGroups: stores["template_groups"],
	})
	return client, store, nil
}

func connectQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*queue.Queue, error) {
	slog.Info("Connecting to work queue", "addr", cfg.Queue.Addr(), "prefix", cfg.Queue.Prefix)
	q, err := queue.New(ctx, logger, queue.Options{
		Addr:       cfg.Queue.Addr(),
		Password:   cfg.Queue.Password,
		DB:         cfg.Queue.DB,
		Prefix:     cfg.Queue.Prefix,
		MaxRetries: cfg.Worker.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("connect queue: %w", err)
	}
	return q, nil
}

// loadCatalogs loads the rule and template artifacts. A missing rules
// subdirectory is fine; a missing template directory leaves only the
// stored templates. Templates persisted in the inventory overlay the file
// catalog by name.
func loadCatalogs(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	store *inventory.Store) (*rule.Engine, *template.Engine, error) {

	rules := rule.NewEngine(logger)
	rulesDir := filepath.Join(cfg.Templates.Dir, "rules")
	if _, err := os.Stat(rulesDir); err == nil {
		if err := rules.LoadFromDir(rulesDir); err != nil {
			return nil, nil, fmt.Errorf("load rules: %w", err)
		}
	}

	catalog := map[string]template.Template{}
	if _, err := os.Stat(cfg.Templates.Dir); err == nil {
		loaded, err := template.LoadDir(cfg.Templates.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("load templates: %w", err)
		}
		catalog = loaded
	} else {
		slog.Warn("template directory missing, loading stored templates only",
			"dir", cfg.Templates.Dir)
	}

	stored, err := store.ListTemplates(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load stored templates: %w", err)
	}
	for _, t := range stored {
		catalog[t.Name] = t
	}

	templates := template.NewEngine(logger, rules)
	if err := templates.Load(catalog); err != nil {
		return nil, nil, fmt.Errorf("load templates: %w", err)
	}
	return rules, templates, nil
}

// runQueueDepthSampler keeps the queue depth gauge in step with Redis
func runQueueDepthSampler(ctx context.Context, logger *slog.Logger, q *queue.Queue, metrics *metric.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := q.Status(ctx)
			if err != nil {
				logger.Warn("queue depth sample failed", "error", err)
				continue
			}
			metrics.QueueDepth.Set(float64(stats.Pending))
		}
	}
}

// runOfflineSweep periodically marks gateways offline once their last
// contact exceeds the threshold.
func runOfflineSweep(ctx context.Context, logger *slog.Logger, store *inventory.Store,
	cfg config.InventoryConfig, metrics *metric.Metrics) {

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := store.SweepOffline(ctx, cfg.OfflineThreshold)
			if err != nil {
				logger.Warn("offline sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				logger.Info("gateways marked offline", "count", swept)
			}
			if gateways, err := store.ListGateways(ctx); err == nil {
				online := 0
				for i := range gateways {
					if gateways[i].Status == inventory.StatusOnline {
						online++
					}
				}
				metrics.GatewaysOnline.Set(float64(online))
			}
		}
	}
}

func buildHTTPServer(cfg *config.Config, logger *slog.Logger, service *ingest.Service,
	workQueue *queue.Queue, pool *worker.Pool, store *inventory.Store,
	templates *template.Engine, metricsRegistry *metric.MetricsRegistry,
	natsClient *natsclient.Client) *http.Server {

	checks := health.NewRegistry()
	checks.Register("nats", health.Healthy(natsClient.IsHealthy, "NATS connection unavailable"))
	checks.Register("queue", func(ctx context.Context) health.Status {
		ok := workQueue.Healthy(ctx)
		s := health.Status{Healthy: ok, CheckedAt: time.Now().UTC()}
		if !ok {
			s.Detail = "queue backend unreachable"
		}
		return s
	})
	checks.Register("workers", health.Healthy(func() bool { return pool.Health().Running },
		"worker pool stopped"))

	server := ingest.NewServer(logger, service, workQueue, pool, store, templates,
		ingest.WithMetricsHandler(metricsRegistry.Handler()),
		ingest.WithHealthRegistry(checks),
		ingest.WithAdminToken(os.Getenv("ADMIN_TOKEN")),
		ingest.WithMaxRequestSize(cfg.HTTP.MaxRequestSize))

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
