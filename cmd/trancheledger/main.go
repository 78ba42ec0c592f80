package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TrancheLedger/internal/config"
	"TrancheLedger/internal/core"
	"TrancheLedger/internal/ingestion"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/persistence"
	"TrancheLedger/internal/projection"
	"TrancheLedger/internal/query"
	"TrancheLedger/internal/server"
	"TrancheLedger/migrations"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var logger = observability.NewLogger("main")

func main() {
	configPath := flag.String("config", "", "path to pool TOML (default $TRANCHE_CONFIG or "+config.DefaultPath+")")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Fatal().Err(err).Msg("TrancheLedger stopped")
	}
	logger.Info().Msg("TrancheLedger shutdown complete")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svcCfg := cfg.Service
	logger.Info().Str("grpc", svcCfg.GRPCAddr).Str("http", svcCfg.HTTPAddr).
		Bool("nats", svcCfg.NATSURL != "").Msg("TrancheLedger starting")

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	db, err := persistence.Open(sigCtx, svcCfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	applied, err := persistence.NewMigrator(db, migrations.FS).Up(sigCtx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Str("dialect", db.Dialect.String()).Int("applied", applied).Msg("database ready")

	eventLog := persistence.NewEventLog(db)
	snaps := persistence.NewSnapshotManager(db)

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	health := observability.NewHealthChecker()

	// --- Engine and recovery ---
	persistChan := make(chan core.CoreOutput, svcCfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, svcCfg.ProjectionChanSize)

	engine, err := core.NewEngine(cfg.Pool, 1, persistChan, projectionChan,
		persistence.NewSQLIdempotencyChecker(db), metrics)
	if err != nil {
		return err
	}
	if err := recoverEngine(sigCtx, engine, eventLog, snaps, svcCfg); err != nil {
		return err
	}
	if err := catchUpProjections(sigCtx, db, eventLog, cfg.Pool); err != nil {
		return err
	}

	// --- Background workers ---
	// Workers outlive the ingress group so they can drain after it stops.
	workers, workCtx := errgroup.WithContext(context.Background())

	flushed := make(chan int64, 1)
	persistWorker := persistence.NewPersistenceWorker(db, persistChan,
		svcCfg.PersistBatchSize, svcCfg.PersistFlushTimeout.Duration, metrics)
	persistWorker.NotifyFlushed(flushed)

	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics)
	projWorker.EnableRebuild(cfg.Pool)

	var (
		nc         *nats.Conn
		js         jetstream.JetStream
		subscriber *ingestion.NATSSubscriber
	)
	if svcCfg.NATSURL != "" {
		if nc, js, err = ingestion.ConnectNATS(svcCfg.NATSURL); err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(sigCtx, js); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(sigCtx, js); err != nil {
			return err
		}

		publishChan := make(chan core.CoreOutput, svcCfg.PublishChanSize)
		persistWorker.ForwardDurable(publishChan)
		publisher := ingestion.NewOutboundPublisher(js, publishChan)
		workers.Go(func() error { return publisher.Run(workCtx) })
		workers.Go(func() error {
			defer close(publishChan)
			return persistWorker.Run(workCtx)
		})
		health.AddCheck("nats", func(context.Context) error {
			if st := nc.Status(); st != nats.CONNECTED {
				return fmt.Errorf("nats %s", st)
			}
			return nil
		})
	} else {
		workers.Go(func() error { return persistWorker.Run(workCtx) })
	}
	workers.Go(func() error { return projWorker.Run(workCtx) })

	health.AddCheck("database", db.PingContext)
	health.AddCheck("projections", func(context.Context) error {
		if projWorker.Stale() {
			return errors.New("projections are stale; rebuild required")
		}
		return nil
	})

	// --- Ingress ---
	dispatcher := ingestion.NewDispatcher(engine, ingestion.DefaultSubjects(), metrics)
	svc := server.NewService(server.Deps{
		Pool:       engine,
		Submitter:  dispatcher,
		Query:      query.NewQueryService(db),
		EventLog:   eventLog,
		Snapshots:  snaps,
		Projection: projWorker,
	})
	srv := server.New(svc, server.Options{
		GRPCAddr:        svcCfg.GRPCAddr,
		HTTPAddr:        svcCfg.HTTPAddr,
		RateLimitPerMin: svcCfg.RateLimitPerMin,
		Health:          health,
		Metrics:         metrics,
		Gatherer:        registry,
	})

	ingress, ingressCtx := errgroup.WithContext(sigCtx)
	ingress.Go(func() error {
		select {
		case <-workCtx.Done():
			return fmt.Errorf("background worker stopped: %w", context.Cause(workCtx))
		case <-ingressCtx.Done():
			return nil
		}
	})
	if svcCfg.GRPCAddr != "" {
		ingress.Go(func() error { return srv.StartGRPC(ingressCtx) })
	}
	if svcCfg.HTTPAddr != "" {
		ingress.Go(func() error { return srv.StartHTTP(ingressCtx) })
	}
	if svcCfg.MetricsAddr != "" {
		ingress.Go(func() error { return serveMetrics(ingressCtx, svcCfg.MetricsAddr, registry) })
	}
	if js != nil {
		rawChan := make(chan ingestion.RawEvent, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan)
		if err := subscriber.Subscribe(ingressCtx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		ingress.Go(func() error {
			err := dispatcher.Run(ingressCtx, rawChan)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if interval := svcCfg.EpochCheckInterval.Duration; interval > 0 {
		sched := newEpochScheduler(engine, dispatcher, svcCfg.SchedulerOperator)
		ingress.Go(func() error { return sched.Run(ingressCtx, interval) })
	}
	snapshotter := newSnapshotter(engine, snaps, svcCfg.SnapshotsKept, metrics)
	if interval := svcCfg.SnapshotInterval.Duration; interval > 0 {
		ingress.Go(func() error { return snapshotter.Run(ingressCtx, interval, flushed) })
	}
	ingress.Go(func() error {
		reportChannels(ingressCtx, metrics, persistChan, projectionChan)
		return nil
	})

	health.SetReady(true)
	srv.SetServing(true)
	logger.Info().Int64("sequence", engine.GetSequence()).Msg("TrancheLedger ready")

	// --- Shutdown ---
	ingressErr := ingress.Wait()
	health.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}

	// Nothing calls the engine any more; let the workers drain.
	close(persistChan)
	close(projectionChan)
	workersDone := make(chan error, 1)
	go func() { workersDone <- workers.Wait() }()

	var workerErr error
	select {
	case workerErr = <-workersDone:
	case <-time.After(30 * time.Second):
		workerErr = errors.New("workers did not drain within 30s")
	}

	finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := snapshotter.take(finalCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		snapshotter.pending = true
		snapshotter.verify(finalCtx)
	}

	return errors.Join(ingressErr, ignoreCanceled(workerErr))
}

// recoverEngine restores the latest verified snapshot, replays the log
// after it and warms the idempotency cache.
func recoverEngine(ctx context.Context, engine *core.Engine, log *persistence.EventLog, snaps *persistence.SnapshotManager, cfg config.ServiceConfig) error {
	snap, err := snaps.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return err
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot restored")
	} else {
		logger.Info().Msg("no verified snapshot, cold start")
	}

	start := time.Now()
	replayed, err := persistence.Replay(ctx, log, engine, cfg.ReplayBatchSize)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	logger.Info().Int64("replayed", replayed).Int64("next_sequence", engine.GetSequence()).
		Dur("took", time.Since(start)).Msg("event log replayed")

	keys, err := log.RecentIdempotencyKeys(ctx, cfg.IdempotencyWarmKeys)
	if err != nil {
		return fmt.Errorf("load idempotency keys: %w", err)
	}
	engine.WarmLRU(keys)
	return nil
}

// catchUpProjections rebuilds the read models when they lag the log, e.g.
// after outputs were dropped before a restart.
func catchUpProjections(ctx context.Context, db *persistence.DB, log *persistence.EventLog, pool core.PoolConfig) error {
	wm, err := projection.LoadWatermark(ctx, db)
	if err != nil {
		return err
	}
	head, err := log.GetLatestSequence(ctx)
	if err != nil {
		return err
	}
	if wm >= head {
		return nil
	}
	logger.Info().Int64("watermark", wm).Int64("head", head).Msg("projections behind the log, rebuilding")
	if _, err := projection.Rebuild(ctx, db, pool); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, persist, proj chan core.CoreOutput) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persist), cap(persist))
			metrics.SetChannelMetrics("projection", len(proj), cap(proj))
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
