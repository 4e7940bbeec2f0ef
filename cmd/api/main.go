package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"codepad/api/internal/app"
	"codepad/api/internal/audit"
	"codepad/api/internal/authpw"
	"codepad/api/internal/blob"
	"codepad/api/internal/bus"
	"codepad/api/internal/config"
	"codepad/api/internal/email"
	"codepad/api/internal/logger"
	"codepad/api/internal/notify"
	"codepad/api/internal/outbox"
	"codepad/api/internal/permission"
	"codepad/api/internal/presence"
	"codepad/api/internal/search"
	"codepad/api/internal/session"
	"codepad/api/internal/socket"
	"codepad/api/internal/store"
)

func main() {
	logger.Init()
	defer logger.Log.Sync()

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Sugar.Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Sugar.Fatalw("migrations failed", "error", err)
	}

	dataStore := store.NewPostgresStore(db)

	// Presence, hub and router form a cycle: the registry's change hook
	// broadcasts through the router, whose transport is the hub, which
	// feeds the registry. The closure breaks the construction order.
	var router *notify.Router
	registry := presence.NewMemoryRegistry(func() {
		if router != nil {
			router.BroadcastPresenceChanged()
		}
	})
	hub := socket.NewHub(registry)
	go hub.Run()
	router = notify.NewRouter(hub)

	permissions := permission.NewEngine(dataStore, cfg.DefaultViewer)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey)
		defer meiliClient.Close()
	}
	var indexer search.Indexer
	var searcher search.Searcher
	if meiliClient != nil {
		indexer = meiliClient
		searcher = meiliClient
	}
	syncer := search.NewSync(indexer, dataStore)

	// One Redis connection pool serves the event bus and the session store.
	// Without Redis the service still runs: mutations commit, notifications
	// and refresh tokens are skipped.
	var producer *bus.Producer
	var consumer *bus.Consumer
	var sessions *session.RedisStore
	redisClient, err := bus.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Sugar.Warnw("redis unavailable, notifications and refresh sessions disabled", "error", err)
	} else {
		defer redisClient.Close()
		producer = bus.NewProducer(redisClient)
		hostname, _ := os.Hostname()
		consumer = bus.NewConsumer(redisClient, router, hostname)
		consumer.Start(ctx)
		sessions = session.NewRedisStoreWithClient(redisClient)
	}

	avatars := blob.NewStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	deps := app.Deps{
		Store:       dataStore,
		Permissions: permissions,
		Presence:    registry,
		Searcher:    searcher,
		Syncer:      syncer,
		Sessions:    sessions,
		Auth:        authpw.NewService(dataStore),
		Mailer:      mailer,
		Avatars:     avatars,
		Audit:       audit.NewPostgresSink(dataStore),
	}
	if producer != nil {
		deps.Producer = producer
	}
	service := app.New(cfg, deps)

	if err := service.Bootstrap(ctx); err != nil {
		logger.Sugar.Warnw("bootstrap error, will retry on next restart", "error", err)
	}

	worker := outbox.NewWorker(dataStore, syncer, cfg.OutboxInterval)
	go worker.Run(ctx)

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin)
	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpServer.Handler(),
		// No global read/write timeouts: /ws connections are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Sugar.Infow("listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Sugar.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Warnw("shutdown error", "error", err)
	}
	if consumer != nil {
		consumer.Wait()
	}
}
