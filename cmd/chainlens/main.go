package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/gustycube/chainlens/internal/api"
	"github.com/gustycube/chainlens/internal/config"
	"github.com/gustycube/chainlens/internal/connector"
	"github.com/gustycube/chainlens/internal/dataservice"
	"github.com/gustycube/chainlens/internal/health"
	"github.com/gustycube/chainlens/internal/httpclient"
	"github.com/gustycube/chainlens/internal/knowledge"
	"github.com/gustycube/chainlens/internal/logging"
	"github.com/gustycube/chainlens/internal/metrics"
	"github.com/gustycube/chainlens/internal/network"
	"github.com/gustycube/chainlens/internal/peers"
	"github.com/gustycube/chainlens/internal/rate"
	"github.com/gustycube/chainlens/internal/schedule"
	"github.com/gustycube/chainlens/internal/snapshot"
	"github.com/gustycube/chainlens/internal/telemetry"
)

const version = "1.0.0"

func main() {
	var configFile string
	var envFile string
	var showVersion bool

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&envFile, "env_file", ".env", "optional .env file")
	flag.String("listen_addr", "", "API listen addr")
	flag.String("metrics_addr", "", "metrics and health listen addr")
	flag.String("connector_url", "", "base URL of the node API")
	flag.String("knowledge_base_url", "", "base URL of the known accounts documents")
	flag.Int("knowledge_refresh_sec", 0, "seconds between knowledge refreshes")
	flag.Int("request_timeout_sec", 0, "upstream request timeout in seconds")
	flag.String("redis_addr", "", "redis addr for the knowledge snapshot (optional)")
	flag.String("otel_endpoint", "", "OTLP HTTP endpoint (host:port)")
	flag.Bool("otel_insecure", false, "OTLP insecure (no TLS)")
	flag.String("otel_service", "", "OTEL service.name")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "chainlens: account knowledge and peer views for a blockchain node\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -connector_url=http://localhost:4000\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config=config.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  CONNECTOR_URL      Base URL of the node API\n")
		fmt.Fprintf(os.Stderr, "  KNOWLEDGE_BASE_URL Base URL of the known accounts documents\n")
		fmt.Fprintf(os.Stderr, "  REDIS_ADDR         Redis server for the knowledge snapshot\n")
		fmt.Fprintf(os.Stderr, "  SNAPSHOT_KEY       Redis key of the knowledge snapshot\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL          Log level (debug, info, warn, error)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Println("chainlens v" + version)
		fmt.Println("Built with Go", strings.TrimPrefix(runtime.Version(), "go"))
		os.Exit(0)
	}

	log := logging.New()
	defer log.Sync()

	flags := config.FlagValues(flag.CommandLine)
	cfg, err := config.Load(configFile, envFile, flags)
	if err != nil {
		log.Fatalw("failed to load configuration", "file", configFile, "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.OTELService,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		log.Warnw("otel init failed", "err", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	healthHandler := health.NewHandler(log)
	healthHandler.SetMetadata("version", version)
	healthHandler.SetMetadata("connector", cfg.ConnectorURL)

	client := httpclient.NewResilientClient(nil, httpclient.Options{
		Timeout:    cfg.RequestTimeout(),
		MaxRetries: 2,
	})
	conn := connector.New(cfg.ConnectorURL, client, cfg.StatusCacheTTL())
	resolver := network.NewResolver(cfg.Networks, cfg.NetworkIDLength)
	store := knowledge.NewStore()

	var opts []knowledge.Option
	var snaps *snapshot.Redis
	if cfg.RedisAddr != "" {
		snaps, err = snapshot.NewRedis(cfg.RedisAddr, cfg.SnapshotKey, 0)
		if err != nil {
			log.Warnw("redis snapshot disabled", "addr", cfg.RedisAddr, "err", err)
		} else {
			log.Infow("redis snapshot enabled", "addr", cfg.RedisAddr, "key", cfg.SnapshotKey)
			opts = append(opts, knowledge.WithSnapshotter(snaps))
			healthHandler.RegisterChecker("redis", health.NewRedisChecker(snaps.Ping))
		}
	}

	refresher := knowledge.NewRefresher(store, resolver, conn, client, cfg.KnowledgeBaseURL, log, opts...)
	if err := refresher.Warm(ctx); err != nil {
		log.Warnw("knowledge warm start skipped", "err", err)
	}

	healthHandler.RegisterChecker("knowledge", health.NewKnowledgeChecker(store.LoadedAt, 3*cfg.RefreshInterval()))
	healthHandler.RegisterChecker("upstream", health.NewUpstreamChecker(client.Stats))

	svc := dataservice.New(store, refresher, peers.NewService(conn, log), log)

	limiter := rate.New(cfg.RateLimitPerSec, cfg.RateLimitBurst)
	go limiter.Run(ctx, 5*time.Minute)

	apiServer := api.New(svc, limiter, log).NewHTTPServer(cfg.ListenAddr)
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("api server stopped", "err", err)
			cancel()
		}
	}()

	metricsServer := metrics.NewServer(cfg.MetricsAddr, healthHandler)
	go metrics.Serve(metricsServer, log)

	go schedule.Every(ctx, clock.New(), cfg.RefreshInterval(), svc.ReloadAccountKnowledge)

	log.Infow("starting chainlens",
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
		"connector", cfg.ConnectorURL,
		"knowledge_base_url", cfg.KnowledgeBaseURL,
		"refresh", cfg.RefreshInterval(),
		"config_file", configFile,
	)

	healthHandler.SetReady(true)
	<-ctx.Done()
	healthHandler.SetReady(false)
	log.Infow("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	err = multierr.Combine(
		apiServer.Shutdown(shutdownCtx),
		metricsServer.Shutdown(shutdownCtx),
		shutdownTracing(shutdownCtx),
	)
	if snaps != nil {
		err = multierr.Append(err, snaps.Close())
	}
	if err != nil {
		log.Warnw("shutdown finished with errors", "err", err)
	}
	log.Infow("shutdown complete")
}
