package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"plixmap/api/internal/app"
	"plixmap/api/internal/assets"
	"plixmap/api/internal/auth"
	"plixmap/api/internal/config"
	"plixmap/api/internal/lockd"
	"plixmap/api/internal/logging"
	"plixmap/api/internal/metrics"
	"plixmap/api/internal/presence"
	"plixmap/api/internal/protocol"
	"plixmap/api/internal/realtime"
	"plixmap/api/internal/revision"
	"plixmap/api/internal/search"
	"plixmap/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New(logging.Config{})
		fallback.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "plixmap-api"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	db, err := store.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return err
	}

	dataStore := store.NewPostgresStore(db)
	m := metrics.New()
	clk := clock.RealClock{}

	// Redis is optional: it mirrors presence and carries the realtime bus
	// between processes. Without it everything stays in process.
	var (
		mirror presence.Mirror
		bus    realtime.Bus = realtime.NewLocalBus()
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisMirror, err := presence.NewRedisMirror(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisMirror.Close()
		mirror = redisMirror
		bus = realtime.NewRedisBus(redisMirror.Client(), "", log)
		log.Info().Msg("using redis for presence and realtime fan-out")
	}
	defer bus.Close()

	var assetStore assets.Store = assets.NewMemoryStore()
	if strings.TrimSpace(cfg.Assets.Endpoint) != "" {
		minioStore, err := assets.NewMinioStore(ctx, assets.MinioConfig{
			Endpoint:  cfg.Assets.Endpoint,
			AccessKey: cfg.Assets.AccessKey,
			SecretKey: cfg.Assets.SecretKey,
			Bucket:    cfg.Assets.Bucket,
			UseSSL:    cfg.Assets.UseSSL,
		})
		if err != nil {
			return err
		}
		assetStore = minioStore
		log.Info().Str("bucket", cfg.Assets.Bucket).Msg("using minio for assets")
	} else {
		log.Warn().Msg("no asset endpoint configured, assets are kept in memory")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	loadGraph := func(ctx context.Context) ([]protocol.Client, error) {
		state, err := dataStore.LoadState(ctx)
		return state.Clients, err
	}
	searchService := search.NewService(meiliClient, search.NewGraphScanner(loadGraph), log)

	registry := presence.NewRegistry(mirror, log)
	locks := lockd.NewTable(lockd.Options{
		Clock:                  clk,
		UnlockRequestTTL:       cfg.Locks.UnlockRequestTTL,
		ForceReservationWindow: cfg.Locks.ForceReservationWindow,
		Presence:               registry,
		Logger:                 log,
	})
	defer locks.Close()

	tokens := auth.NewIssuer(cfg.TokenSecret, cfg.AccessTTL, clk)
	hub := realtime.NewHub(realtime.Options{
		Bus:      bus,
		Presence: registry,
		Locks:    locks,
		Tokens:   tokens,
		Metrics:  m,
		Clock:    clk,
		Logger:   log,
	})

	service := app.New(app.Deps{
		Store:     dataStore,
		Locks:     locks,
		Assets:    assetStore,
		Revisions: revision.New(cfg.ReposDir, clk),
		Search:    searchService,
		Publisher: hub,
		Presence:  registry,
		Tokens:    tokens,
		Metrics:   m,
		Clock:     clk,
		Logger:    log,
	})
	hub.SetHooks(service)

	audit := app.NewAuditLog(dataStore, m, log)
	locks.OnEvent(audit.Handle)
	if err := hub.Start(ctx); err != nil {
		return err
	}
	defer hub.Close()

	if state, err := dataStore.LoadState(ctx); err == nil {
		searchService.Reindex(state.Clients)
	}

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin: cfg.CORSOrigin,
		Realtime:   hub,
		Metrics:    m,
		Logger:     log,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("plixmap api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return audit.Run(gctx) })
	g.Go(func() error { return hub.RunHeartbeat(gctx, presence.DefaultEntryTTL/2) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
