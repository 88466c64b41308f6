package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/relaybackup/engine/backup/agentproto"
	"github.com/relaybackup/engine/backup/events"
	"github.com/relaybackup/engine/backup/httpapi"
	"github.com/relaybackup/engine/backup/pipeline"
	"github.com/relaybackup/engine/backup/reconcile"
	"github.com/relaybackup/engine/backup/scheduler"
	"github.com/relaybackup/engine/backup/store"
	"github.com/relaybackup/engine/backup/store/migrations"
	"github.com/relaybackup/engine/backup/target"
	"github.com/relaybackup/engine/internal/config"
	"github.com/relaybackup/engine/internal/logging"
	"github.com/relaybackup/engine/internal/metrics"
	"github.com/relaybackup/engine/internal/secrets"
)

func runServe(ctx context.Context, configPath string, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	skipMigrate := fs.Bool("no-migrate", false, "skip applying embedded database migrations on startup")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New("hub", cfg.LogLevel, cfg.LogFormat)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if !*skipMigrate {
		if err := migrations.Apply(db.DB); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
	}

	master, err := config.RequireEnv(cfg.MasterKeyEnv)
	if err != nil {
		return err
	}
	keyring, err := secrets.NewManager([]byte(master))
	if err != nil {
		return fmt.Errorf("initializing keyring: %w", err)
	}

	runs := store.NewPostgresRunStore(db)
	jobs := store.NewPostgresJobStore(db)
	secretStore := store.NewPostgresSecretStore(db)
	eventStore := events.NewPostgresStore(db)
	bus := events.NewBus(eventStore)
	registry := agentproto.NewRegistry()
	tokens := httpapi.NewTokenIssuer([]byte(master))
	met := metrics.New("relaybackup")

	credentials := &target.KeyringCredentialResolver{NodeID: cfg.NodeID, Keyring: keyring, Store: secretStore}

	executor := pipeline.NewExecutor(cfg.Scheduler.StageDir, credentials, bus, log.Logger)
	worker := scheduler.NewWorker(runs, jobs, bus, executor, registry, log.Logger, cfg.NodeID, cfg.Scheduler.PollInterval)
	cronLoop := scheduler.NewCronLoop(jobs, runs, log.Logger)

	resolver := &target.SnapshotResolver{Credentials: credentials}

	notifyTasks := store.NewPostgresTaskStore(db, store.TaskKindNotification)
	notifyLoop := reconcile.NewLoop("notification", notifyTasks, &reconcile.NotificationProcessor{
		Queue: store.NewPostgresNotificationQueue(db),
		Tasks: notifyTasks,
		Notifier: noopNotifier{},
	}, log.Logger)

	cleanupTasks := store.NewPostgresTaskStore(db, store.TaskKindIncompleteCleanup)
	cleanupLoop := reconcile.NewLoop("incomplete_cleanup", cleanupTasks, &reconcile.IncompleteCleanupProcessor{
		Queue:       store.NewPostgresIncompleteCleanupQueue(db),
		Tasks:       cleanupTasks,
		Resolver:    resolver,
		CutoffAfter: time.Duration(cfg.Scheduler.IncompleteCleanupDays) * 24 * time.Hour,
	}, log.Logger)

	deleteTasks := store.NewPostgresTaskStore(db, store.TaskKindArtifactDelete)
	deleteLoop := reconcile.NewLoop("artifact_delete", deleteTasks, &reconcile.ArtifactDeleteProcessor{
		Queue:    store.NewPostgresArtifactDeleteQueue(db),
		Tasks:    deleteTasks,
		Resolver: resolver,
	}, log.Logger)

	httpServer := httpapi.New(cfg.HTTPAddr, httpapi.Deps{
		Runs:     runs,
		Jobs:     jobs,
		Bus:      bus,
		Registry: registry,
		Tokens:   tokens,
		Metrics:  met,
		Log:      log.Logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	worker.Start(runCtx)
	cronLoop.Start(runCtx)
	notifyLoop.Start(runCtx)
	cleanupLoop.Start(runCtx)
	deleteLoop.Start(runCtx)

	if err := httpServer.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("starting http server: %w", err)
	}
	log.WithField("addr", httpServer.Addr()).Info("relaybackup hub listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	cancel()
	worker.Stop()
	cronLoop.Stop()
	notifyLoop.Stop()
	cleanupLoop.Stop()
	deleteLoop.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Stop(shutdownCtx)
}

// noopNotifier is the default Notifier until a channel-specific
// formatter (WeCom/SMTP) is configured; it marks every notification
// task done without sending anything rather than blocking the loop.
type noopNotifier struct{}

func (noopNotifier) Send(ctx context.Context, destinationID string, payload reconcile.Payload) error {
	return nil
}
