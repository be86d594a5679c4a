// Command capq-server runs the integrated server: it dials Redis and
// Postgres, brings up the Health Monitor, Fallback Manager and Queue
// Manager, starts a pool of integrated workers, and waits for a shutdown
// signal.
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/vedfolnir/capq/config"
	"github.com/vedfolnir/capq/fallback"
	"github.com/vedfolnir/capq/metrics"
	"github.com/vedfolnir/capq/progress"
	"github.com/vedfolnir/capq/queue"
	"github.com/vedfolnir/capq/queue/pg"
	"github.com/vedfolnir/capq/redisinfra"
	"github.com/vedfolnir/capq/resource"
	"github.com/vedfolnir/capq/worker"
	"github.com/vedfolnir/capq/workermanager"
)

var env string

func main() {
	root := &cobra.Command{
		Use:   "capq-server",
		Short: "run the caption-generation queue's integrated server",
		RunE:  run,
	}
	root.PersistentFlags().StringVar(&env, "env", "development", "one of development, staging, production")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("capq-server: %w", err)
	}

	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "capq-server", os.Stdout)

	host, port, dbIndex, password, err := parseRedisURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("capq-server: %w", err)
	}

	connMgr := redisinfra.NewConnectionManager(fmt.Sprintf("%s:%s", host, port), password, dbIndex, redisinfra.DefaultConnectionManagerConfig())
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := connMgr.GetConnection(ctx)
	if err != nil {
		return fmt.Errorf("capq-server: connecting to redis: %w", err)
	}

	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("capq-server: connecting to postgres: %w", err)
	}
	defer pgPool.Close()

	store := pg.NewStore(pgPool)

	health := redisinfra.NewHealthMonitor(redisClient, logger, redisinfra.HealthMonitorConfig{
		CheckInterval:    cfg.RQHealthCheckInterval,
		FailureThreshold: cfg.RQFailureThreshold,
		MemoryThreshold:  cfg.RedisMemoryThreshold,
	})
	health.StartMonitoring(ctx)
	defer health.StopMonitoring()

	fbMgr := fallback.NewManager(health, connMgr, logger, fallback.DefaultConfig())

	qcfg := queue.DefaultManagerConfig(cfg.RQQueuePrefix)
	qmgr := queue.NewManager(qcfg, redisClient, store, fbMgr, nil, logger)
	fbMgr.SetMigrator(qmgr)
	fbMgr.StartMonitoring(ctx)
	defer fbMgr.StopMonitoring()

	progressTransport := progress.NewRedisTransport(redisClient, cfg.RQQueuePrefix)
	tracker := progress.NewTracker(progressTransport, store, store, logger, progress.DefaultConfig())

	met := metrics.NewPrometheusMetrics()
	governor := resource.NewGovernor(connMgr, logger, met, resource.DefaultConfig())
	governor.RegisterCleanupCallback(func(ctx context.Context) error {
		_, err := qmgr.Cleanup(ctx)
		return err
	})
	governor.RegisterCleanupCallback(tracker.Cleanup)
	governor.StartMonitoring(ctx)
	defer governor.StopMonitoring()
	fbMgr.RegisterCleanupTrigger(cleanupAdapter{qmgr})
	fbMgr.RegisterCleanupTrigger(tracker)

	users := queue.NewUserTaskIndex(redisClient)
	sessions := worker.NewSessionManager(pgPool)

	listNames := make(map[queue.Priority]string)
	for p, qc := range qcfg.Queues {
		listNames[p] = qc.ListName
	}

	wmgr := workermanager.NewManager(redisClient, store, users, sessions, noopAdapter{}, tracker, listNames, logger, met, workermanager.OSProcessLauncher{})

	if cfg.WorkerMode == config.WorkerModeIntegrated || cfg.WorkerMode == config.WorkerModeHybrid {
		if _, err := wmgr.StartIntegratedWorkers(ctx, []workermanager.IntegratedGroup{
			{Name: "default", Queues: queue.Priorities, Count: cfg.RQWorkerCount},
		}); err != nil {
			return fmt.Errorf("capq-server: starting integrated workers: %w", err)
		}
	}

	logger.Info().LogActivity("capq-server started", map[string]any{"worker_mode": string(cfg.WorkerMode)})

	<-ctx.Done()

	logger.Info().LogActivity("capq-server shutting down", nil)
	return wmgr.StopWorkers(context.Background(), true, 30*time.Second)
}

// cleanupAdapter satisfies fallback.CleanupTrigger by delegating to the
// Queue Manager's retention sweep.
type cleanupAdapter struct{ mgr *queue.Manager }

func (c cleanupAdapter) Cleanup(ctx context.Context) error {
	_, err := c.mgr.Cleanup(ctx)
	return err
}

// noopAdapter is the placeholder CaptionAdapter until a platform wires its
// own -- the core never depends on caption-generation business logic
// (spec.md §1).
type noopAdapter struct{}

func (noopAdapter) ProcessCaptionTask(ctx context.Context, s *worker.Session, jobID string, progress worker.ProgressReporter) error {
	return fmt.Errorf("capq-server: no caption adapter configured")
}

func parseRedisURL(raw string) (host, port string, db int, password string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", 0, "", err
	}
	host = u.Hostname()
	port = u.Port()
	if port == "" {
		port = "6379"
	}
	if u.User != nil {
		password, _ = u.User.Password()
	}
	path := strings.TrimPrefix(u.Path, "/")
	if path != "" {
		db, err = strconv.Atoi(path)
		if err != nil {
			return "", "", 0, "", fmt.Errorf("parsing redis db index: %w", err)
		}
	}
	return host, port, db, password, nil
}
