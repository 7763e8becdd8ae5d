// Feedline ingests market data from REST and WebSocket sources,
// classifies each record against stored state and persists only the
// delta.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/feedlinehq/feedline/pkg/clients"
	"github.com/feedlinehq/feedline/pkg/config"
	"github.com/feedlinehq/feedline/pkg/connector"
	"github.com/feedlinehq/feedline/pkg/connector/core"
	_ "github.com/feedlinehq/feedline/pkg/connector/rest"
	_ "github.com/feedlinehq/feedline/pkg/connector/ws"
	"github.com/feedlinehq/feedline/pkg/delta"
	"github.com/feedlinehq/feedline/pkg/logger"
	"github.com/feedlinehq/feedline/pkg/observability"
	"github.com/feedlinehq/feedline/pkg/scheduler"
	"github.com/feedlinehq/feedline/pkg/schema"
	"github.com/feedlinehq/feedline/pkg/store"
	"github.com/feedlinehq/feedline/pkg/tracker"

	"github.com/redis/go-redis/v9"
)

var (
	// Version is set at build time.
	Version = "dev"
	// BuildTime is set at build time.
	BuildTime = "unknown"
)

var (
	configPath     string
	schemasPath    string
	metricsAddr    string
	enableTrace    bool
	normalizedPath string
)

func main() {
	// A missing .env is fine; explicit environment wins either way.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "feedline",
		Short: "Market data ingestion with delta-aware persistence",
		Long: `Feedline polls and streams market data sources, transforms payloads
through per-source schemas and persists only new or changed records.`,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "feedline.yaml", "path to the configuration file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("feedline %s (built %s)\n", Version, BuildTime)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("configuration valid: %d sources, %d scheduled endpoints\n",
				len(cfg.Sources), len(cfg.Scheduler.Endpoints))
			if normalizedPath != "" {
				if err := config.Save(normalizedPath, cfg); err != nil {
					return err
				}
				fmt.Printf("normalized configuration written to %s\n", normalizedPath)
			}
			return nil
		},
	}
	validateCmd.Flags().StringVar(&normalizedPath, "write-defaults", "", "write the validated configuration, with defaults applied, to this path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	runCmd.Flags().StringVar(&schemasPath, "schemas", "", "path to the schema table file")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "prometheus metrics listen address (empty disables)")
	runCmd.Flags().BoolVar(&enableTrace, "trace", false, "enable stdout trace export")

	root.AddCommand(versionCmd, validateCmd, runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: cfg.LogLevel}); err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	log := logger.Get()

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		Enabled:     enableTrace,
		ServiceName: "feedline",
		SampleRate:  1.0,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := buildGateway(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer gateway.Close()

	registry := schema.NewRegistry()
	if schemasPath != "" {
		if err := registry.LoadFile(schemasPath); err != nil {
			return err
		}
		log.Info("schema table loaded", zap.Strings("connectors", registry.List()))
	}

	var publisher delta.Publisher
	if len(cfg.Store.KafkaBrokers) > 0 {
		kp, err := delta.NewKafkaPublisher(cfg.Store.KafkaBrokers, cfg.Store.KafkaTopic, log)
		if err != nil {
			return err
		}
		defer kp.Close() //nolint:errcheck
		publisher = kp
	}

	engine := delta.NewEngine(registry, gateway, publisher, log)

	httpClient := clients.NewHTTPClient(nil, log)
	defer httpClient.Close() //nolint:errcheck

	deps := connector.Deps{
		HTTP:        httpClient,
		Timeouts:    cfg.Timeouts,
		Reliability: cfg.Reliability,
		Failures:    gateway,
	}
	manager := connector.NewManager(deps, log)

	onMessage := func(msgCtx context.Context, env *core.Envelope) {
		if _, err := engine.Ingest(msgCtx, env); err != nil {
			log.Error("ingestion failed",
				zap.String("connector_id", env.ConnectorID), zap.Error(err))
		}
	}

	for _, src := range cfg.Sources {
		if _, err := manager.Create(src); err != nil {
			return err
		}
		if err := manager.Start(ctx, src.ID, onMessage); err != nil {
			log.Error("failed to start connector",
				zap.String("connector_id", src.ID), zap.Error(err))
		}
	}

	var sched *scheduler.Scheduler
	if len(cfg.Scheduler.Endpoints) > 0 {
		sched, err = scheduler.New(cfg.Scheduler, cfg.Timeouts, httpClient, engine, gateway, log)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	track := tracker.New(gateway, cfg.Tracker.Interval, log)
	track.Start(ctx)

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, log)
	}

	log.Info("feedline running",
		zap.String("version", Version),
		zap.Int("sources", len(cfg.Sources)),
		zap.Int("scheduled_endpoints", len(cfg.Scheduler.Endpoints)))

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sched != nil {
		if err := sched.Drain(shutdownCtx); err != nil {
			log.Warn("scheduler drain incomplete", zap.Error(err))
		}
	}
	if err := manager.StopAll(shutdownCtx); err != nil {
		log.Warn("connector shutdown incomplete", zap.Error(err))
	}
	if err := track.Stop(shutdownCtx); err != nil {
		log.Warn("tracker shutdown incomplete", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("trace export shutdown incomplete", zap.Error(err))
	}

	log.Info("feedline stopped")
	return nil
}

// buildGateway assembles the persistence stack: the configured driver,
// optionally wrapped with the Redis checksum cache.
func buildGateway(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Gateway, error) {
	var gateway store.Gateway
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgresGateway(ctx, cfg.Store.DSN, log)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		gateway = pg
	default:
		gateway = store.NewMemoryGateway(log)
	}

	if cfg.Store.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			gateway.Close()
			return nil, err
		}
		gateway = store.NewCachedGateway(gateway, client, cfg.Store.RedisTTL, log)
	}
	return gateway, nil
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info("metrics listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server failed", zap.Error(err))
	}
}
