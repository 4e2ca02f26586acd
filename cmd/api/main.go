package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"montage/api/internal/app"
	"montage/api/internal/archive"
	"montage/api/internal/broker"
	"montage/api/internal/comments"
	"montage/api/internal/config"
	"montage/api/internal/editing"
	"montage/api/internal/journal"
	"montage/api/internal/presence"
	"montage/api/internal/search"
	"montage/api/internal/serial"
	"montage/api/internal/store"
	"montage/api/internal/workflow"
)

// collabStore is what the components need from either store backend.
type collabStore interface {
	Ping(context.Context) error
	SaveIdentity(context.Context, store.Identity) error
	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string) (store.Comment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	ResolveComment(context.Context, string, string, time.Time) (bool, error)
	InsertWorkflow(context.Context, store.WorkflowInstance) error
	UpdateWorkflow(context.Context, store.WorkflowInstance) error
	GetWorkflow(context.Context, string) (store.WorkflowInstance, error)
	ListWorkflows(context.Context, string) ([]store.WorkflowInstance, error)
	AppendChange(context.Context, store.EditChange) error
}

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	ctx := context.Background()

	var (
		data     collabStore
		fallback search.Searcher
		pgfts    *search.PgFTS
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "database connection failed", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db); err != nil {
			fatal(logger, "migrations failed", err)
		}
		data = store.NewPostgresStore(db)
		pgfts = search.NewPgFTS(db)
		fallback = pgfts
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		mem := store.NewMemoryStore()
		data = mem
		fallback = search.NewScan(mem)
	}

	if err := os.MkdirAll(cfg.JournalDir, 0o755); err != nil {
		fatal(logger, "failed to create journal dir", err)
	}
	history := journal.New(cfg.JournalDir)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, fallback, logger)
	if pgfts != nil {
		go searchService.ReindexAllFromPG(ctx, pgfts)
	}

	var archiver workflow.Archiver
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objectArchiver, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, history, logger)
		if err != nil {
			fatal(logger, "object storage setup failed", err)
		}
		archiver = objectArchiver
	}

	events := broker.New(logger)
	domains := serial.New()
	coordinator := editing.NewCoordinator(domains, events, store.TeeChanges(data, history), cfg.SessionIdleTimeout, logger)
	registry := presence.NewRegistry(events, data, coordinator, domains, presence.Options{
		ConnectionTimeout: cfg.ConnectionTimeout,
		QueueDepth:        cfg.OutboundQueueDepth,
	}, logger)
	coordinator.UseLiveness(registry.Alive)
	commentManager := comments.NewManager(data, events, searchService, logger)
	engine := workflow.NewEngine(data, events, archiver, logger)

	service := app.NewService(cfg, events, registry, coordinator, commentManager, engine, history, logger)
	service.AddReadinessCheck("store", data)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		directory, err := presence.NewRedisDirectory(cfg.RedisURL, cfg.ConnectionTimeout)
		if err != nil {
			fatal(logger, "redis connection failed", err)
		}
		defer directory.Close()
		registry.UseDirectory(directory)
		service.AddReadinessCheck("redis", directory)
	}

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go presence.NewReaper(registry, coordinator, cfg.ReaperInterval, logger).Run(reaperCtx)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("montage api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopReaper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	engine.Drain()
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
