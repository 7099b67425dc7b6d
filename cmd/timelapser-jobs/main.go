// Command timelapser-jobs runs the background job engine for the
// timelapser backend.
//
// Subcommands:
//
//	worker   — run the per-kind worker loops and the recovery scheduler
//	migrate  — run pending database migrations and exit
//	recover  — one-shot stuck-job sweep over every kind
//	enqueue  — insert a job (operational tool)
//	cancel   — cancel a subject's pending jobs
//	stats    — print per-kind queue statistics
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/jordanlambrecht/timelapser-jobs/internal/config"
	"github.com/jordanlambrecht/timelapser-jobs/internal/jobs"
	"github.com/jordanlambrecht/timelapser-jobs/internal/notify"
	"github.com/jordanlambrecht/timelapser-jobs/internal/store"
	"github.com/jordanlambrecht/timelapser-jobs/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "timelapser-jobs",
		Short: "timelapser background job engine",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		workerCmd(),
		migrateCmd(),
		recoverCmd(),
		enqueueCmd(),
		cancelCmd(),
		statsCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the per-kind worker loops and the recovery scheduler",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	notifier, cleanup, err := newNotifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	defer cleanup()

	policy := jobs.RetryPolicy{Delays: cfg.RetryDelays(), MaxRetries: cfg.MaxRetries}
	workerCfg := jobs.WorkerConfig{
		BatchSize:       cfg.BatchSize,
		MaxConcurrent:   cfg.MaxConcurrentJobs,
		PollInterval:    cfg.PollInterval(),
		RetryInterval:   cfg.RetryCheckInterval(),
		CleanupInterval: cfg.CleanupInterval(),
		Retention:       cfg.TerminalRetention(),
		JobTimeout:      cfg.JobTimeout(),
	}

	handlers := map[jobs.Kind]jobs.Handler{
		jobs.KindOverlay:   overlayHandler,
		jobs.KindThumbnail: thumbnailHandler,
		jobs.KindVideo:     videoHandler,
	}

	// Startup recovery runs before the workers begin claiming, so jobs
	// orphaned by a previous crash go back to PENDING first. Sweep failures
	// are logged inside the engine and never block startup.
	recovery := jobs.NewRecoveryEngine(st, cfg.StuckJobMaxAge(), notifier, logger)
	recovery.SweepAll(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		recovery.Run(ctx, cfg.RecoveryInterval())
	}()

	for _, kind := range jobs.Kinds() {
		queue := jobs.NewQueue(st, kind, policy, notifier, logger)
		worker := jobs.NewWorker(queue, handlers[kind], workerCfg, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Start(ctx)
		}()
	}

	slog.Info("job engine started", "kinds", len(jobs.Kinds()))
	wg.Wait() // blocks until ctx cancelled and in-flight jobs drain
	slog.Info("job engine stopped")
	return nil
}

// The handlers below are the wiring points for the render pipeline. The
// queue engine treats them as opaque; each receives a claimed job and does
// the actual image/video work against the subject image.
//
// TODO(jordan): replace with the overlay compositor, thumbnail scaler, and
// ffmpeg render calls once those packages land in this repo.

func overlayHandler(_ context.Context, job *jobs.Job) error {
	slog.Info("overlay job received", "job_id", job.ID, "subject_id", job.SubjectID)
	return nil
}

func thumbnailHandler(_ context.Context, job *jobs.Job) error {
	slog.Info("thumbnail job received", "job_id", job.ID, "subject_id", job.SubjectID)
	return nil
}

func videoHandler(_ context.Context, job *jobs.Job) error {
	slog.Info("video job received", "job_id", job.ID, "subject_id", job.SubjectID)
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the
	// same driver is used project-wide. No pooling needed here; this is a
	// one-shot migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── recover ───────────────────────────────────────────────────────────────────

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Sweep stuck jobs back to pending and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger := newLogger(cfg)
			slog.SetDefault(logger)

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			notifier, cleanup, err := newNotifier(cfg, logger)
			if err != nil {
				return fmt.Errorf("notifier: %w", err)
			}
			defer cleanup()

			engine := jobs.NewRecoveryEngine(store.New(db), cfg.StuckJobMaxAge(), notifier, logger)
			for _, res := range engine.SweepAll(cmd.Context()) {
				fmt.Println(res)
			}
			return nil
		},
	}
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		kindFlag     string
		priorityFlag string
		subjectID    int64
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a job for a subject image",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			kind, err := jobs.ParseKind(kindFlag)
			if err != nil {
				return err
			}
			priority, err := jobs.ParsePriority(priorityFlag)
			if err != nil {
				return err
			}

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			policy := jobs.RetryPolicy{Delays: cfg.RetryDelays(), MaxRetries: cfg.MaxRetries}
			queue := jobs.NewQueue(store.New(db), kind, policy, nil, nil)
			job, err := queue.Enqueue(cmd.Context(), subjectID, priority)
			if err != nil {
				return err
			}
			fmt.Printf("enqueued %s job %d (subject %d, %s)\n", kind, job.ID, job.SubjectID, priority)
			return nil
		},
	}
	cmd.Flags().StringVar(&kindFlag, "kind", "", "job kind: overlay, thumbnail, or video")
	cmd.Flags().StringVar(&priorityFlag, "priority", "medium", "priority: high, medium, or low")
	cmd.Flags().Int64Var(&subjectID, "subject", 0, "subject (image) id")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// ── cancel ────────────────────────────────────────────────────────────────────

func cancelCmd() *cobra.Command {
	var subjectID int64
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a subject's pending jobs across all kinds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			st := store.New(db)
			policy := jobs.RetryPolicy{Delays: cfg.RetryDelays(), MaxRetries: cfg.MaxRetries}
			for _, kind := range jobs.Kinds() {
				queue := jobs.NewQueue(st, kind, policy, nil, nil)
				n, err := queue.CancelForSubject(cmd.Context(), subjectID)
				if err != nil {
					return err
				}
				fmt.Printf("%s: cancelled %d\n", kind, n)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&subjectID, "subject", 0, "subject (image) id")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// ── stats ─────────────────────────────────────────────────────────────────────

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per-kind queue statistics for the last 24 hours",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			st := store.New(db)
			policy := jobs.RetryPolicy{Delays: cfg.RetryDelays(), MaxRetries: cfg.MaxRetries}
			for _, kind := range jobs.Kinds() {
				queue := jobs.NewQueue(st, kind, policy, nil, nil)
				s := queue.Stats(cmd.Context())
				fmt.Printf("%-10s pending=%d processing=%d completed=%d failed=%d cancelled=%d avg_latency=%.1fs\n",
					kind, s.Pending, s.Processing, s.Completed, s.Failed, s.Cancelled, s.AvgProcessingSeconds)
			}
			return nil
		},
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newNotifier picks the event transport: Redis pub/sub when REDIS_URL is
// set, structured logs otherwise. Per-job events pass through the
// aggregator so capture bursts collapse into jobs-batch-* events. The
// returned cleanup flushes the aggregator and closes the transport.
func newNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, func(), error) {
	var (
		base   notify.Notifier
		closer func()
	)
	if cfg.RedisURL != "" {
		rn, err := notify.NewRedisNotifier(cfg.RedisURL, cfg.NotifyChannel, logger)
		if err != nil {
			return nil, nil, err
		}
		base = rn
		closer = func() { _ = rn.Close() }
		slog.Info("event notifier: redis", "channel", cfg.NotifyChannel)
	} else {
		base = notify.NewLogNotifier(logger)
		closer = func() {}
		slog.Info("event notifier: log only")
	}

	agg := notify.NewAggregator(base, cfg.NotifyAggregateWindow())
	cleanup := func() {
		agg.Close()
		closer()
	}
	return agg, cleanup, nil
}

// newPool creates and validates a pgxpool. Retries with linear backoff to
// handle the Docker Compose startup race where Postgres is not immediately
// ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn when the applied schema does not
	// match what this binary expects, which usually means `timelapser-jobs
	// migrate` has not run yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `timelapser-jobs migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary
// requires. Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
