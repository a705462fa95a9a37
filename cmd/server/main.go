package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"caresync/internal/audit"
	"caresync/internal/backend"
	"caresync/internal/backup"
	"caresync/internal/bridge"
	"caresync/internal/connectivity"
	"caresync/internal/kvstore"
	"caresync/internal/platform/config"
	"caresync/internal/platform/httpserver"
	"caresync/internal/platform/logger"
	"caresync/internal/platform/metrics"
	"caresync/internal/platform/redis"
	"caresync/internal/syncqueue"
	httptransport "caresync/internal/transport/http"
)

// main wires the local store, the backend facade, the sync queue and the ops
// API, then runs them until SIGINT or SIGTERM.
func main() {
	configPath := flag.String("config", os.Getenv("CARESYNC_CONFIG"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "caresync: %v\n", err)
		os.Exit(2)
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("caresync stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("caresync stopped")
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	kv, err := openLocal(ctx, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	svc := backend.New(kv,
		backend.WithLogger(log),
		backend.WithMetrics(m),
		backend.WithRemoteMetrics(m),
		backend.WithRemoteTimeout(cfg.Remote.Timeout),
	)
	svc.Init(ctx)

	var (
		conn  syncqueue.Connectivity
		probe *connectivity.Prober
	)
	if cfg.Connectivity.URL != "" {
		probe = connectivity.NewProber(cfg.Connectivity.URL,
			connectivity.WithInterval(cfg.Connectivity.Interval),
			connectivity.WithProbeTimeout(cfg.Connectivity.Timeout),
			connectivity.WithLogger(log),
			connectivity.WithOnChange(m.SetOnline),
		)
		conn = probe
	} else {
		conn = connectivity.NewManual(true)
	}
	m.SetOnline(conn.Online())

	dashboard := bridge.NewRouter(
		func() string { return svc.Config().LegacyBridgeEndpoint() },
		bridge.WithLogger(log),
		bridge.WithSigningSecret(cfg.Bridge.SigningSecret),
		bridge.WithTimeout(cfg.Bridge.Timeout),
	)
	defer dashboard.Close()

	policy := syncqueue.DefaultRetryPolicy()
	if cfg.Queue.InitialInterval > 0 {
		policy.InitialInterval = cfg.Queue.InitialInterval
	}
	if cfg.Queue.MaxInterval > 0 {
		policy.MaxInterval = cfg.Queue.MaxInterval
	}
	policy.MaxRetries = cfg.Queue.MaxRetries

	queue := syncqueue.New(kv, dashboard, conn,
		syncqueue.WithLogger(log),
		syncqueue.WithMetrics(m),
		syncqueue.WithRetryPolicy(policy),
		syncqueue.WithInterval(cfg.Queue.Interval),
	)

	exporter := backup.New(svc, filepath.Clean(cfg.BackupRoot), backup.WithLogger(log))
	auditor := audit.NewWorker(audit.NewPublisher(svc), 256, log)

	handler := httptransport.NewHandler(svc, queue, exporter,
		httptransport.WithLogger(log),
		httptransport.WithAuditor(auditor),
		httptransport.WithLatencyObserver(m),
		httptransport.WithGatherer(reg),
		httptransport.WithOpsToken(cfg.OpsToken),
	)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler))

	workers := []func(context.Context) error{queue.Run, auditor.Run}
	if probe != nil {
		workers = append(workers, probe.Run)
	}
	log.Info("starting caresync", "addr", cfg.Addr, "backend", svc.Mode(), "local_driver", cfg.Local.Driver)
	return lifecycle{
		serve: func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops API: %w", err)
			}
			return nil
		},
		stopServing:  srv.Shutdown,
		workers:      workers,
		closeBackend: svc.Shutdown,
		grace:        cfg.ShutdownWait,
		logger:       log,
	}.run(ctx)
}

// openLocal builds the durable local cache for the configured driver.
func openLocal(ctx context.Context, cfg config.Server) (kvstore.Store, error) {
	switch cfg.Local.Driver {
	case config.DriverMemory:
		return kvstore.NewInMemoryStore(kvstore.WithMemoryLimit(cfg.Local.QuotaBytes)), nil
	case config.DriverRedis:
		client, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("open redis local store: %w", err)
		}
		return kvstore.NewRedisStore(client.Client, cfg.Redis.Prefix), nil
	default:
		store, err := kvstore.NewSQLiteStore(cfg.Local.SQLitePath, kvstore.WithMaxBytes(cfg.Local.QuotaBytes))
		if err != nil {
			return nil, fmt.Errorf("open sqlite local store: %w", err)
		}
		return store, nil
	}
}
