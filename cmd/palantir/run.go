package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/pipeline"
	"github.com/eugener/palantir/internal/queue"
	"github.com/eugener/palantir/internal/server"
	"github.com/eugener/palantir/internal/signer"
	"github.com/eugener/palantir/internal/storage/sqlite"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/worker"
)

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	setupLogging(cfg.Env)

	slog.Info("starting palantir", "version", version, "addr", cfg.Addr, "env", cfg.Env)

	ctx := context.Background()

	// Storage is optional: without a DSN there are no user tokens and no
	// persisted usage records.
	var store *sqlite.Store
	if cfg.DatabaseDSN != "" {
		store, err = sqlite.New(ctx, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		slog.Info("database opened", "dsn", cfg.DatabaseDSN)
	}

	// Key pool, seeded from env/key-file credentials.
	pool := keypool.New(keypool.Options{AllowAWSLogging: cfg.AllowAWSLogging})
	seedPool(pool, cfg)

	q := queue.New(pool)
	pool.SetOnChange(q.Wake)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Metrics {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		q.SetOnDispatch(func(part queue.Partition, wait time.Duration) {
			metrics.QueueWait.WithLabelValues(string(part.Service), string(part.Family)).
				Observe(wait.Seconds())
		})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracingShutdown func(context.Context) error
	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.SampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			slog.Info("opentelemetry tracing enabled",
				"endpoint", cfg.Tracing.Endpoint,
				"sample_rate", cfg.Tracing.SampleRate,
			)
		}
	}

	// Usage recording (async batch flush to DB) plus retention.
	var workers []worker.Worker
	var recorder *worker.UsageRecorder
	if store != nil {
		var gauge prometheus.Gauge
		if metrics != nil {
			gauge = metrics.UsageQueueLength
		}
		recorder = worker.NewUsageRecorder(store, store, gauge)
		workers = append(workers, recorder, worker.NewUsageRetentionWorker(store, 0))
	}

	if cfg.CheckKeys {
		workers = append(workers, recheckers(pool, cfg)...)
	}

	// Proxy access control.
	var gatekeeper *auth.Gatekeeper
	if !cfg.OpenAuth {
		var users *sqlite.Store
		if store != nil {
			users = store
		}
		gatekeeper, err = newGatekeeper(cfg.ProxyKey, users)
		if err != nil {
			return err
		}
	} else {
		slog.Warn("no proxy key and no database: running open")
	}

	// Request pipeline.
	engine := pipeline.New(pipeline.Config{
		Keys:   pool,
		Queue:  q,
		Signer: signer.New(),
		Client: &http.Client{Transport: newTransport()},
		MaxContextTokens: map[proxy.Dialect]int{
			proxy.DialectOpenAI:    cfg.MaxContextTokensOpenAI,
			proxy.DialectAnthropic: cfg.MaxContextTokensAnthropic,
		},
		AllowedFamilies: allowedFamilies(cfg),
		OnUsage: func(rec proxy.UsageRecord) {
			if recorder != nil {
				recorder.Record(rec)
			}
			if metrics != nil {
				fam := string(rec.Family)
				metrics.TokensProcessed.WithLabelValues(fam, "input").
					Add(float64(rec.PromptTokens))
				metrics.TokensProcessed.WithLabelValues(fam, "output").
					Add(float64(rec.CompletionTokens))
			}
		},
		OnRetry: func(svc proxy.Service) {
			if metrics != nil {
				metrics.RetriesTotal.WithLabelValues(string(svc)).Inc()
			}
		},
		OnUpstreamError: func(svc proxy.Service, outcome string) {
			if metrics != nil {
				metrics.UpstreamErrors.WithLabelValues(string(svc), outcome).Inc()
			}
		},
		OnUpstreamDuration: func(svc proxy.Service, fam proxy.ModelFamily, d time.Duration) {
			if metrics != nil {
				metrics.UpstreamDuration.WithLabelValues(string(svc), string(fam)).
					Observe(d.Seconds())
			}
		},
	})

	deps := server.Deps{
		Engine:         engine,
		Keys:           pool,
		Queue:          q,
		Gatekeeper:     gatekeeper,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		BuildVersion:   version,
	}
	if store != nil {
		deps.ReadyCheck = store.Ping
	}
	handler := server.New(deps)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Dispatcher.
	queueCtx, queueCancel := context.WithCancel(context.Background())
	queueDone := make(chan struct{})
	go func() {
		q.Run(queueCtx) //nolint:errcheck
		close(queueDone)
	}()

	// Background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.NewRunner(workers...).Run(workerCtx)
	}()

	if metrics != nil {
		go pollGauges(workerCtx, metrics, pool, q)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("palantir ready", "addr", cfg.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		queueCancel()
		workerCancel()
		return err
	}

	// Shutdown order: HTTP first so in-flight requests finish, then the
	// dispatcher (drains waiting queue entries), then workers (flush usage).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		queueCancel()
		workerCancel()
		return err
	}

	queueCancel()
	<-queueDone

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown error", "error", err)
		}
	}

	slog.Info("palantir stopped")
	return nil
}

// setupLogging picks the slog handler for the deployment environment.
func setupLogging(env string) {
	var h slog.Handler
	if env == "development" {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	slog.SetDefault(slog.New(h))
}

// newGatekeeper builds the auth gatekeeper. users may be nil (typed nil
// must not reach the interface field).
func newGatekeeper(proxyKey string, users *sqlite.Store) (*auth.Gatekeeper, error) {
	if users == nil {
		return auth.New(proxyKey, nil)
	}
	return auth.New(proxyKey, users)
}

// allowedFamilies maps config strings onto the domain type.
func allowedFamilies(cfg *config.Config) []proxy.ModelFamily {
	out := make([]proxy.ModelFamily, 0, len(cfg.AllowedModelFamilies))
	for _, f := range cfg.AllowedModelFamilies {
		out = append(out, proxy.ModelFamily(f))
	}
	return out
}

// pollGauges refreshes queue-depth and key-availability gauges.
func pollGauges(ctx context.Context, m *telemetry.Metrics, pool *keypool.Pool, q *queue.Queue) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for part, depth := range q.Depths() {
			m.QueueDepth.WithLabelValues(string(part.Service), string(part.Family)).
				Set(float64(depth))
		}
		for _, svc := range proxy.AllServices {
			n := 0
			for _, k := range pool.List(svc) {
				if !k.IsDisabled {
					n++
				}
			}
			m.KeysAvailable.WithLabelValues(string(svc)).Set(float64(n))
		}
	}
}
