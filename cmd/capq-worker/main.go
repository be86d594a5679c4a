// Command capq-worker is the external worker process entrypoint: an OS
// process bound to a fixed queue list, coordinating with integrated
// workers solely through Redis registration keys (spec.md §4.9).
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

	"github.com/vedfolnir/capq/progress"
	"github.com/vedfolnir/capq/queue"
	"github.com/vedfolnir/capq/queue/pg"
	"github.com/vedfolnir/capq/redisinfra"
	"github.com/vedfolnir/capq/worker"
)

var (
	redisURL       string
	workerName     string
	jobTimeout     int
	databaseURL    string
	progressPrefix string
)

func main() {
	root := &cobra.Command{
		Use:   "capq-worker [queues...]",
		Short: "run a single external worker process bound to the given queues",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,
	}
	root.Flags().StringVar(&redisURL, "url", "redis://localhost:6379/0", "redis endpoint")
	root.Flags().StringVar(&workerName, "name", "", "worker id (required)")
	root.Flags().IntVar(&jobTimeout, "job-timeout", 300, "per-job timeout in seconds; accepted but not applied: each job runs under the timeout carried on its queued job reference")
	root.Flags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "postgres connection string")
	root.Flags().StringVar(&progressPrefix, "progress-prefix", "vedfolnir:rq:", "redis key prefix shared with capq-server's progress tracker")
	root.MarkFlagRequired("name")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cmd *cobra.Command, listNames []string) error {
	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "capq-worker", os.Stdout)

	host, port, dbIndex, password, err := parseRedisURL(redisURL)
	if err != nil {
		return fmt.Errorf("capq-worker: %w", err)
	}

	connMgr := redisinfra.NewConnectionManager(fmt.Sprintf("%s:%s", host, port), password, dbIndex, redisinfra.DefaultConnectionManagerConfig())
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := connMgr.GetConnection(ctx)
	if err != nil {
		return fmt.Errorf("capq-worker: connecting to redis: %w", err)
	}

	pgPool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("capq-worker: connecting to postgres: %w", err)
	}
	defer pgPool.Close()

	store := pg.NewStore(pgPool)
	users := queue.NewUserTaskIndex(redisClient)
	sessions := worker.NewSessionManager(pgPool)

	progressTransport := progress.NewRedisTransport(redisClient, progressPrefix)
	tracker := progress.NewTracker(progressTransport, store, store, logger, progress.DefaultConfig())

	cfg := worker.DefaultConfig(workerName, listNames)
	cfg.PollTimeout = 5 * time.Second
	iw := worker.NewIntegratedWorker(cfg, redisClient, store, users, sessions, noopAdapter{}, tracker, logger, worker.Callbacks{})

	logger.Info().LogActivity("capq-worker started", map[string]any{"worker_id": workerName, "queues": listNames})

	go func() {
		<-ctx.Done()
		iw.Stop()
	}()

	if err := iw.Run(ctx); err != nil {
		logger.Error(err).LogActivity("capq-worker exited", map[string]any{"worker_id": workerName})
		return err
	}
	return nil
}

type noopAdapter struct{}

func (noopAdapter) ProcessCaptionTask(ctx context.Context, s *worker.Session, jobID string, progress worker.ProgressReporter) error {
	return fmt.Errorf("capq-worker: no caption adapter configured")
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
