// Package server assembles the service: store, dependency graph, event
// broker, scheduler, worker manager, log pipeline, and the RPC surface,
// with one lifecycle for all of them.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/foundry/pkg/config"
	"github.com/cuemby/foundry/pkg/events"
	"github.com/cuemby/foundry/pkg/graph"
	"github.com/cuemby/foundry/pkg/health"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/logs"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/objstore"
	"github.com/cuemby/foundry/pkg/planner"
	"github.com/cuemby/foundry/pkg/rpc"
	"github.com/cuemby/foundry/pkg/scheduler"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/cuemby/foundry/pkg/workermgr"
)

const healthInterval = 30 * time.Second

// Server owns every long-running component of the service.
type Server struct {
	cfg    *config.Config
	store  storage.Store
	graph  *graph.Graph
	broker *events.Broker

	sched     *scheduler.Scheduler
	workers   *workermgr.Manager
	pipeline  *logs.Pipeline
	archiver  *logs.Archiver
	ingester  *logs.Ingester
	rpc       *rpc.Server
	monitor   *health.Monitor
	collector *metrics.Collector

	logger zerolog.Logger
}

// New builds the component tree from configuration. The dependency graph is
// rebuilt from the package store; a store that cannot be read is a startup
// failure, not a degraded mode.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	g, err := buildGraph(ctx, store, cfg.Targets())
	if err != nil {
		store.Close()
		return nil, err
	}

	pipeline, err := logs.NewPipeline(cfg.LogDir(), cfg.Logs.TailLines)
	if err != nil {
		store.Close()
		return nil, err
	}

	archive, err := openArchive(ctx, cfg)
	if err != nil {
		pipeline.Close()
		store.Close()
		return nil, err
	}

	broker := events.NewBroker()
	sched := scheduler.New(store, broker, cfg.Targets(),
		cfg.Scheduler.TickInterval.Std(), cfg.Scheduler.QueueDepth)
	workers := workermgr.New(store, sched, broker, cfg.Targets(), workermgr.Options{
		HeartbeatTimeout: cfg.Worker.HeartbeatTimeout.Std(),
		JobTimeout:       cfg.Worker.JobTimeout.Std(),
		Tick:             cfg.Worker.TickInterval.Std(),
	})

	s := &Server{
		cfg:      cfg,
		store:    store,
		graph:    g,
		broker:   broker,
		sched:    sched,
		workers:  workers,
		pipeline: pipeline,
		logger:   log.WithComponent("server"),
	}

	if archive != nil {
		s.archiver = logs.NewArchiver(pipeline, archive, store, broker,
			cfg.Archive.RetryAttempts, cfg.Archive.RetryDelay.Std())
	}
	s.ingester = logs.NewIngester(pipeline, s.onLogComplete)

	pln := planner.New(store, g, broker)
	s.rpc = rpc.NewServer(store, g, &notifyingPlanner{planner: pln, sched: sched},
		sched, pipeline, archive)

	s.collector = metrics.NewCollector(store, 0, log.WithComponent("metrics"))
	s.monitor = health.NewMonitor(healthInterval,
		health.NewPingChecker("store", 5*time.Second, store.Ping),
		health.NewPingChecker("scheduler", 5*time.Second, sched.Ping),
		health.NewPingChecker("workermgr", 5*time.Second, workers.Ping),
	)
	return s, nil
}

// Run starts every component and blocks until ctx is canceled or a listener
// fails. Failing to bind any socket aborts startup.
func (s *Server) Run(ctx context.Context) error {
	listeners := map[string]string{
		"rpc":       s.cfg.Listen.RPC,
		"command":   s.cfg.Listen.Command,
		"heartbeat": s.cfg.Listen.Heartbeat,
		"log":       s.cfg.Listen.Log,
	}
	bound := make(map[string]net.Listener, len(listeners))
	for name, addr := range listeners {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, open := range bound {
				open.Close()
			}
			return fmt.Errorf("failed to bind %s listener on %s: %w", name, addr, err)
		}
		bound[name] = ln
		s.logger.Info().Str("listener", name).Str("addr", addr).Msg("listening")
	}

	s.broker.Start()
	defer s.broker.Stop()

	s.sched.Start()
	defer s.sched.Stop()

	if err := s.workers.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover worker state: %w", err)
	}
	s.workers.Start()
	defer s.workers.Stop()

	s.collector.Start()
	defer s.collector.Stop()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return s.rpc.Serve(ctx, bound["rpc"]) })
	grp.Go(func() error { return s.workers.ServeCommand(ctx, bound["command"]) })
	grp.Go(func() error { return s.workers.ServeHeartbeat(ctx, bound["heartbeat"]) })
	grp.Go(func() error { return s.ingester.Serve(ctx, bound["log"]) })
	grp.Go(func() error { return s.monitor.Run(ctx) })

	s.logger.Info().
		Strs("targets", s.cfg.BuildTargets).
		Str("store", s.cfg.Store.Driver).
		Msg("service started")
	err := grp.Wait()
	s.logger.Info().Msg("service stopped")
	return err
}

// Close releases resources not tied to Run's context.
func (s *Server) Close() error {
	s.pipeline.Close()
	return s.store.Close()
}

// onLogComplete runs when a worker closes a job's log stream. Terminal jobs
// get their spool uploaded; a still-running job keeps its spool until the
// worker reports the final status.
func (s *Server) onLogComplete(jobID int64) {
	if s.archiver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			s.logger.Error().Err(err).Int64("job_id", jobID).Msg("failed to load job for archival")
			return
		}
		if !job.State.Terminal() {
			return
		}
		if err := s.archiver.Archive(ctx, job); err != nil {
			s.logger.Error().Err(err).Int64("job_id", jobID).Msg("log archival failed")
		}
	}()
}

// notifyingPlanner hands freshly persisted groups to the scheduler. The
// group survives a full scheduler inbox: the next tick promotes it from the
// store anyway.
type notifyingPlanner struct {
	planner *planner.Planner
	sched   *scheduler.Scheduler
}

func (p *notifyingPlanner) Plan(ctx context.Context, req planner.Request) (*planner.Plan, error) {
	plan, err := p.planner.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := p.sched.GroupAdded(plan.Group.ID, plan.Group.Target); err != nil {
		logger := log.WithComponent("server")
		logger.Warn().Err(err).
			Int64("group_id", plan.Group.ID).
			Msg("scheduler busy, group will be picked up on the next tick")
	}
	return plan, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		ps, err := storage.NewPostgresStore(cfg.Store.DSN(), cfg.Store.MaxConns)
		if err != nil {
			return nil, err
		}
		if cfg.Store.AutoMigrate {
			if err := storage.Migrate(ps.DB()); err != nil {
				ps.Close()
				return nil, fmt.Errorf("migration failed: %w", err)
			}
		}
		return ps, nil
	case "bolt":
		return storage.NewBoltStore(cfg.BoltPath())
	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.Store.Driver)
	}
}

func openArchive(ctx context.Context, cfg *config.Config) (objstore.Store, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	switch cfg.Archive.Backend {
	case "s3":
		return objstore.NewS3Store(ctx, cfg.Archive)
	case "local":
		return objstore.NewLocalStore(cfg.ArchiveDir())
	default:
		return nil, fmt.Errorf("unknown archive backend: %q", cfg.Archive.Backend)
	}
}

func buildGraph(ctx context.Context, store storage.Store, targets []types.Target) (*graph.Graph, error) {
	logger := log.WithComponent("server")
	g := graph.New(targets)
	for _, target := range targets {
		recs, err := store.ListPackages(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("failed to load packages for %s: %w", target, err)
		}
		loaded := 0
		for _, rec := range recs {
			if _, err := g.Extend(rec); err != nil {
				// A record that no longer fits the graph (e.g. a cycle
				// introduced by a bad historical upload) is skipped, not
				// fatal: the rest of the target still builds.
				logger.Warn().Err(err).
					Str("ident", rec.Ident.String()).
					Msg("skipping unloadable package record")
				continue
			}
			loaded++
		}
		logger.Info().
			Str("target", string(target)).
			Int("packages", loaded).
			Msg("dependency graph loaded")
	}
	return g, nil
}
