package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tandem/api/internal/app"
	"tandem/api/internal/config"
	"tandem/api/internal/email"
	"tandem/api/internal/gitrepo"
	"tandem/api/internal/kv"
	"tandem/api/internal/logging"
	"tandem/api/internal/realtime"
	"tandem/api/internal/store"
	"tandem/api/internal/teams"
	"tandem/api/internal/versions"
	"tandem/api/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// repository is what every storage backend provides.
type repository interface {
	store.TeamRepository
	store.VersionRepository
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("tandem api stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	var versionOpts []versions.Option
	if dir := strings.TrimSpace(cfg.ArchiveDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
		versionOpts = append(versionOpts, versions.WithArchiver(gitrepo.New(dir)))
		logger.Info("snapshot archive enabled", zap.String("dir", dir))
	}
	versionStore := versions.NewStore(repo, logger.Named("versions"), versionOpts...)
	checkpointer := versions.NewCheckpointer(versionStore, logger.Named("checkpoint"), versions.CheckpointConfig{
		Every:        cfg.CheckpointEvery,
		QueueSize:    cfg.CheckpointQueueSize,
		DocumentPath: cfg.DocumentPath,
	})
	teamService := teams.NewService(repo, logger.Named("teams"))

	hub := ws.NewHub(logger.Named("ws"), cfg.WSSendBuffer)
	coord := realtime.NewCoordinator(hub, logger.Named("realtime"))
	wsHandler := ws.NewHandler(hub, coord, checkpointer, ws.HandlerConfig{
		JWTSecret:     []byte(cfg.JWTSecret),
		AllowedOrigin: cfg.CORSOrigin,
	}, logger.Named("ws"))

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		AppURL:   cfg.AppURL,
	})
	if !mailer.IsConfigured() {
		logger.Info("invitation email disabled")
	}

	service := app.New(app.Deps{
		JWTSecret:   []byte(cfg.JWTSecret),
		Repository:  repo,
		Teams:       teamService,
		Versions:    versionStore,
		Coordinator: coord,
		Invites:     mailer,
		Logger:      logger.Named("app"),
	})
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, wsHandler, logger.Named("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Checkpoints outlive groupCtx so final room states queued during
	// shutdown are still written.
	checkpointCtx, stopCheckpoints := context.WithCancel(context.Background())
	defer stopCheckpoints()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("tandem api listening",
			zap.String("addr", cfg.Addr),
			zap.String("backend", cfg.StoreBackend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return checkpointer.Run(checkpointCtx)
	})
	group.Go(func() error {
		ticker := time.NewTicker(cfg.PresenceSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				evicted := coord.Sweep(cfg.PresenceMaxIdle)
				if len(evicted) > 0 {
					logger.Debug("swept idle presence", zap.Int("removed", len(evicted)))
				}
				flushEmptied(checkpointer, evicted)
			}
		}
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		hub.CloseAll()
		persistFinal(shutdownCtx, checkpointer, coord.Shutdown(), logger)
		stopCheckpoints()
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return group.Wait()
}

// flushEmptied persists rooms whose last member the sweep evicted.
func flushEmptied(checkpointer *versions.Checkpointer, evicted []realtime.LeaveResult) {
	for _, left := range evicted {
		if left.Remaining == 0 {
			checkpointer.Flush(left.RoomID, left.Version, left.Content, left.UserID)
		}
	}
}

// persistFinal queues the last state of every edited room. The checkpointer
// drains it once its context is cancelled.
func persistFinal(ctx context.Context, checkpointer *versions.Checkpointer, rooms []realtime.LeaveResult, logger *zap.Logger) {
	for _, room := range rooms {
		err := checkpointer.Put(ctx, versions.Checkpoint{
			ProjectID: room.RoomID,
			Version:   room.Version,
			Content:   room.Content,
			AuthorID:  room.UserID,
			Force:     true,
		})
		if err != nil {
			logger.Warn("final checkpoint not queued",
				zap.String("project_id", room.RoomID),
				zap.Int("room_version", room.Version),
				zap.Error(err),
			)
		}
	}
}

func openRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		logger.Info("connecting to postgres", zap.String("url", logging.RedactURL(cfg.DatabaseURL)))
		db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger.Named("migrate")); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
	case config.BackendRedis:
		logger.Info("connecting to redis", zap.String("url", logging.RedactURL(cfg.RedisURL)))
		redisStore, err := kv.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return redisStore, func() { _ = redisStore.Close() }, nil
	default:
		logger.Warn("using in-memory repository; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
}
