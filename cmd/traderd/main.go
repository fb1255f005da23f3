// traderd is the trading daemon: it ingests signals over HTTP, runs
// the decision, monitor and learner workers against the ledger, and
// serves Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"signaldesk/internal/config"
	"signaldesk/internal/controls"
	"signaldesk/internal/engine"
	"signaldesk/internal/exchange"
	"signaldesk/internal/learner"
	"signaldesk/internal/monitor"
	"signaldesk/internal/normalize"
	"signaldesk/internal/notify"
	"signaldesk/internal/observability"
	"signaldesk/internal/portfolio"
	"signaldesk/internal/storage/clickhouse"
	"signaldesk/internal/storage/migrations"
	"signaldesk/internal/storage/postgres"
	"signaldesk/internal/verify"
	"signaldesk/internal/walkforward"
	"signaldesk/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	level, _ := zerolog.ParseLevel(strings.ToLower(cfg.App.LogLevel))
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "traderd").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("daemon failed")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	pool, err := postgres.NewPool(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		return fmt.Errorf("run postgres migrations: %w", err)
	}
	store := postgres.NewLedger(pool)

	var archive *clickhouse.Archive
	if cfg.Storage.ClickhouseDSN != "" {
		conn, err := clickhouse.NewConn(ctx, cfg.Storage.ClickhouseDSN)
		if err != nil {
			return fmt.Errorf("connect to clickhouse: %w", err)
		}
		defer conn.Close()
		if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
			return fmt.Errorf("run clickhouse migrations: %w", err)
		}
		archive = clickhouse.NewArchive(conn)
	}

	var ctrl controls.Controls = controls.NewMemoryControls()
	if cfg.Storage.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer client.Close()
		ctrl = controls.NewRedisControls(client)
	}

	// Seed version 1 when the ledger has no policy yet. After this,
	// versions are minted only by walk-forward promotion.
	latest, err := store.LatestPolicyVersion(ctx)
	if err != nil {
		return fmt.Errorf("check policy versions: %w", err)
	}
	if latest == 0 {
		seed := cfg.SeedPolicy(time.Now().UnixMilli())
		if err := store.InsertPolicy(ctx, seed); err != nil {
			return fmt.Errorf("seed policy: %w", err)
		}
		if err := store.SetActivePolicy(ctx, seed.Version); err != nil {
			return fmt.Errorf("activate seed policy: %w", err)
		}
		log.Info().Msg("seeded policy version 1")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := observability.New(registry)

	feed := exchange.NewFeed(cfg.Feed.URL, cfg.Feed.Tokens, log)
	adapter := exchange.NewPaperAdapter(feed, cfg.Trading.Venue)

	verifyTimeout := time.Duration(cfg.Verify.TimeoutMs) * time.Millisecond
	verifier := verify.NewService(verify.NewHTTPVerifier(cfg.Verify.URL, verifyTimeout+5*time.Second), verifyTimeout)

	snapshots := portfolio.NewBuilder(store, cfg.Trading.CapitalBaseUSD, cfg.Trading.DrawdownLookbackMs)
	sampler := learner.NewSampler(time.Now().UnixNano())
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, log))
	}
	notifier := notify.NewDispatcher(5*time.Second, notifiers...)

	eng := engine.New(engine.Config{
		Mode:            cfg.Mode(),
		Venue:           cfg.Trading.Venue,
		RetryDelaysMs:   cfg.Verify.RetryDelaysMs,
		RetryLeaseMs:    cfg.Verify.LeaseMs,
		DefaultStrategy: cfg.Trading.DefaultStrategy,
	}, store, ctrl, adapter, verifier, snapshots, sampler, notifier, metrics, log)

	mon := monitor.New(store, adapter, ctrl, notifier, metrics, cfg.Trading.Venue, log)

	var archiver learner.Archiver
	if archive != nil {
		archiver = archive
	}
	learn := learner.New(store, archiver, nil, cfg.Workers.LearnerLookbackMs, metrics, log)

	runner := worker.NewRunner(log)
	runner.Add("evaluate", time.Duration(cfg.Workers.EvaluateIntervalMs)*time.Millisecond, func(ctx context.Context) error {
		return eng.EvaluatePending(ctx, cfg.Workers.EvaluateBatch)
	})
	runner.Add("monitor", time.Duration(cfg.Workers.MonitorIntervalMs)*time.Millisecond, func(ctx context.Context) error {
		return mon.Sweep(ctx)
	})
	runner.Add("learner", time.Duration(cfg.Workers.LearnerIntervalMs)*time.Millisecond, func(ctx context.Context) error {
		return learn.Sweep(ctx, time.Now().UnixMilli())
	})
	if cfg.Eval.CandidatePath != "" {
		var wfArchiver walkforward.Archiver
		if archive != nil {
			wfArchiver = archive
		}
		eval := walkforward.New(store, wfArchiver, walkforward.Config{
			WindowMs:             cfg.Eval.WindowMs,
			Folds:                cfg.Eval.Folds,
			MinTrades:            cfg.Eval.MinTrades,
			MaxDrawdownUSD:       cfg.Eval.MaxDrawdownUSD,
			MinMedianImprovement: cfg.Eval.MinMedianImprovement,
		}, metrics, log)
		// The candidate file is re-read each run so operators can
		// adjust it without restarting the daemon.
		runner.Add("walkforward", time.Duration(cfg.Eval.IntervalMs)*time.Millisecond, func(ctx context.Context) error {
			candidate, err := config.LoadPolicy(cfg.Eval.CandidatePath)
			if err != nil {
				return fmt.Errorf("load candidate policy: %w", err)
			}
			_, err = eval.Run(ctx, candidate.ToDomain(cfg.Mode(), time.Now().UnixMilli()))
			return err
		})
	}

	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("quote feed stopped")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.App.MetricsAddr,
		Handler:           buildMux(registry, eng, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	log.Info().Str("mode", string(cfg.Mode())).Msg("daemon started")
	runner.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("daemon stopped")
	return nil
}

// buildMux wires the metrics endpoint and the scanner intake.
func buildMux(registry *prometheus.Registry, eng *engine.Engine, log zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Scanners POST raw payloads here; the normalizer owns the
	// canonical shape.
	mux.HandleFunc("/signals", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		source := r.URL.Query().Get("source")
		if source == "" {
			http.Error(w, "source query parameter required", http.StatusBadRequest)
			return
		}
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		sig, err := eng.Ingest(r.Context(), raw, source)
		if err != nil {
			if errors.Is(err, normalize.ErrMalformedSignal) {
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			log.Error().Err(err).Msg("ingest failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"signal_id": sig.SignalID})
	})
	return mux
}
