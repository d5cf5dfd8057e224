package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"labsync/internal/config"
	"labsync/internal/ratelimit"
	"labsync/internal/server"
	"labsync/internal/session"
	"labsync/internal/usertoken"
	"labsync/internal/util"
	"labsync/pkg/feed"
	"labsync/pkg/queue"
	"labsync/pkg/storage"
	"labsync/pkg/store"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, publisher, closeFeed, err := openFeed(cfg, logger)
	if err != nil {
		log.Fatalf("failed to init change feed: %v", err)
	}
	defer closeFeed()

	backend, err := openBackend(cfg, publisher, logger)
	if err != nil {
		log.Fatalf("failed to init backend: %v", err)
	}

	objects, err := openObjects(cfg)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}

	deps := session.Deps{
		Backend: backend,
		Feed:    source,
		Objects: objects,
		Timing: session.Timing{
			ReportActive:      cfg.ReportActiveInterval.Std(),
			Biomarkers:        cfg.BiomarkerInterval.Std(),
			ProgressTick:      cfg.ProgressTick.Std(),
			ProgressRetention: cfg.ProgressRetention.Std(),
		},
		Logger: logger,
	}
	if cfg.RedisAddr != "" {
		q, err := queue.NewExtractionQueue(queue.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.ExtractionStream,
		})
		if err != nil {
			log.Fatalf("failed to init extraction queue: %v", err)
		}
		defer q.Close()
		deps.Queue = q
	}

	verifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
		JWKSURL:    cfg.JWKSURL,
		HMACSecret: cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     cfg.JWTLeeway.Std(),
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	sessions := session.NewManager(ctx, verifier, deps)
	defer sessions.Close()

	serverCfg := server.Config{
		Sessions:       sessions,
		AllowedOrigin:  cfg.AllowedOrigin,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	}
	if cfg.RefreshRateLimit > 0 {
		limiter := mustLimiter(cfg, "refresh", cfg.RefreshRateLimit)
		defer limiter.Close()
		serverCfg.RefreshLimiter = limiter
	}
	if cfg.UploadRateLimit > 0 {
		limiter := mustLimiter(cfg, "upload", cfg.UploadRateLimit)
		defer limiter.Close()
		serverCfg.UploadLimiter = limiter
	}
	httpServer, err := server.New(serverCfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	srv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
	}()

	slog.Info("labsync bridge listening", "addr", cfg.Listen, "feed", cfg.FeedTransport)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

// openFeed returns the subscribe side and, when the backend runs in-process,
// the publish side of the configured transport.
func openFeed(cfg config.FileConfig, logger *slog.Logger) (feed.Source, feed.Publisher, func(), error) {
	switch cfg.FeedTransport {
	case config.TransportMemory:
		hub := feed.NewMemoryHub()
		return hub, hub, func() {}, nil
	case config.TransportAMQP:
		amqpCfg := feed.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange, Logger: logger}
		src, err := feed.NewAMQPSource(amqpCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		pub, err := feed.NewAMQPPublisher(amqpCfg)
		if err != nil {
			_ = src.Close()
			return nil, nil, nil, err
		}
		return src, pub, func() { _ = pub.Close(); _ = src.Close() }, nil
	default:
		redisCfg := feed.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, Prefix: cfg.FeedPrefix, Logger: logger}
		src, err := feed.NewRedisSource(redisCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		pub, err := feed.NewRedisPublisher(redisCfg)
		if err != nil {
			_ = src.Close()
			return nil, nil, nil, err
		}
		return src, pub, func() { _ = pub.Close(); _ = src.Close() }, nil
	}
}

func openBackend(cfg config.FileConfig, pub feed.Publisher, logger *slog.Logger) (store.Backend, error) {
	opts := []store.GormStoreOption{store.WithPublisher(pub), store.WithLogger(logger)}
	if cfg.DatabaseURL == "" {
		logger.Warn("databaseURL not set, using in-memory backend")
		return store.NewMemoryStore(opts...), nil
	}
	return store.NewGormStore(cfg.DatabaseURL, opts...)
}

func openObjects(cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.MinioEndpoint != "" {
		return storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	}
	return storage.NewFileStore(cfg.StorageDir)
}

func mustLimiter(cfg config.FileConfig, name string, limit int) *ratelimit.FixedWindowLimiter {
	limiter, err := ratelimit.NewFixedWindowLimiter(ratelimit.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Prefix:   "labsync:ratelimit:" + name,
		Limit:    limit,
		Window:   cfg.RateWindow.Std(),
	})
	if err != nil {
		log.Fatalf("failed to init %s limiter: %v", name, err)
	}
	return limiter
}
