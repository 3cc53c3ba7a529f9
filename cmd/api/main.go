package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"raterhub/api/internal/app"
	"raterhub/api/internal/audit"
	"raterhub/api/internal/authpw"
	"raterhub/api/internal/chat"
	"raterhub/api/internal/config"
	"raterhub/api/internal/email"
	"raterhub/api/internal/export"
	"raterhub/api/internal/groups"
	"raterhub/api/internal/logging"
	"raterhub/api/internal/media"
	"raterhub/api/internal/poll"
	"raterhub/api/internal/presence"
	"raterhub/api/internal/receipts"
	"raterhub/api/internal/search"
	"raterhub/api/internal/session"
	"raterhub/api/internal/store"
	"raterhub/api/internal/tracing"
	"raterhub/api/internal/tree"
	"raterhub/api/internal/ws"
	"raterhub/api/internal/xp"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.OTLPEndpoint, "raterhub-api", cfg.Environment, log)
	if err != nil {
		log.Fatal("tracing setup failed", zap.Error(err))
	}

	ts, err := tree.New(cfg.RedisURL,
		tree.WithPrefix(cfg.TreePrefix),
		tree.WithMaxRetries(cfg.TreeMaxRetries),
		tree.WithLivenessTTL(cfg.LivenessTTL),
		tree.WithLogger(log),
	)
	if err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	defer ts.Close()
	go ts.RunReaper(ctx, cfg.ReaperInterval)
	repo := store.NewRepo(ts)

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}
	credentials := store.NewPostgresStore(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL, cfg.TreePrefix+"session:")
	if err != nil {
		log.Fatal("session store connection failed", zap.Error(err))
	}
	defer sessions.Close()

	publisher := audit.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	defer publisher.Close()
	emitter := audit.NewEmitter(publisher, "raterhub-api", cfg.Environment, log)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Info("smtp not configured, reset links are returned to approvers")
	}

	auth := authpw.NewService(credentials, repo, authpw.Options{
		Mailer:   mailer,
		Sessions: sessions,
		Audit:    emitter,
		BaseURL:  cfg.AppBaseURL,
		Log:      log,
	})

	searchService := newSearch(ctx, cfg, db, log)
	defer searchService.Wait()

	ledger := xp.NewLedger(repo, log)
	chatOpts := []chat.Option{
		chat.WithIndexer(searchService),
		chat.WithStreakMode(cfg.XPStreakMode),
		chat.WithLogger(log),
	}
	mediaStore, err := media.New(ctx, media.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
		PublicURL: cfg.MediaPublicURL,
		MaxBytes:  cfg.MaxUploadBytes,
	}, log)
	if err != nil {
		log.Warn("media storage unavailable, uploads disabled", zap.Error(err))
	} else {
		chatOpts = append(chatOpts, chat.WithMedia(mediaStore))
	}
	chatService := chat.NewService(repo, ledger, emitter, chatOpts...)

	policy := presence.Policy{PrimaryAdminEmail: cfg.PrimaryAdminMail}
	receiptTracker := receipts.NewTracker(repo, log)
	presenceTracker := presence.NewTracker(repo, log)
	pollEngine := poll.NewEngine(repo, ledger, emitter, log)
	groupService := groups.NewService(repo, receiptTracker, policy, emitter, log)
	exportService := export.NewService(repo, log)

	hub := ws.NewHub()
	wsHandler := ws.NewHandler(ws.Options{
		JWTSecret:     cfg.JWTSecret,
		Presence:      policy,
		AllowedOrigin: cfg.CORSOrigin,
	}, repo, chatService, receiptTracker, presenceTracker, ledger, hub, log)

	service := app.New(app.Deps{
		JWTSecret:  cfg.JWTSecret,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
		Repo:       repo,
		Database:   credentials,
		Sessions:   sessions,
		Auth:       auth,
		Chat:       chatService,
		Polls:      pollEngine,
		Groups:     groupService,
		Receipts:   receiptTracker,
		Presence:   presenceTracker,
		Search:     searchService,
		Export:     exportService,
		Hub:        hub,
		Log:        log,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, wsHandler, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Exports render synchronously.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("raterhub api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	hub.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}
}

// newSearch prefers Meilisearch and keeps the Postgres mirror as fallback.
// Without MEILI_URL the mirror serves queries alone.
func newSearch(ctx context.Context, cfg config.Config, db *sql.DB, log *zap.Logger) *search.Service {
	pgfts := search.NewPgFTS(db)
	if strings.TrimSpace(cfg.MeiliURL) == "" {
		return search.NewService(nil, pgfts, log)
	}
	meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
	go func() {
		<-ctx.Done()
		meili.Close()
	}()
	svc := search.NewService(meili, pgfts, log)
	go svc.Reindex(context.WithoutCancel(ctx), pgfts)
	return svc
}
