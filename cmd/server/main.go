// Image Inferencing demo server
//
// Features:
// - Tapis login (implicit grant) and portal token bridge
// - Curated image sets classified through the inference service
// - Label aggregation and filtering
// - Prometheus metrics & structured logging (zap)
// - Session storage in memory, Redis or PostgreSQL
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/TACC/imageInf/internal/api"
	"github.com/TACC/imageInf/internal/auth"
	"github.com/TACC/imageInf/internal/config"
	"github.com/TACC/imageInf/internal/logging"
	"github.com/TACC/imageInf/internal/metrics"
	"github.com/TACC/imageInf/internal/quota"
	"github.com/TACC/imageInf/internal/session"
	"github.com/TACC/imageInf/internal/session/postgres"
	"github.com/TACC/imageInf/internal/session/redis"
	"github.com/TACC/imageInf/pkg/cache"
	"github.com/TACC/imageInf/pkg/client"
	"github.com/TACC/imageInf/pkg/retry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Image Inferencing demo server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("environment", string(cfg.Environment)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize session store
	store, closeStore := openSessionStore(ctx, cfg)
	defer closeStore()

	// Initialize content cache
	contentCache, err := cache.New(cfg.CacheDir, cfg.CacheMaxSize, cfg.CacheTTL)
	if err != nil {
		logging.Fatal("content cache init failed", zap.Error(err))
	}
	if err := contentCache.LoadIndex(); err != nil {
		logging.Warn("content cache index not loaded", zap.Error(err))
	}
	defer func() {
		if err := contentCache.SaveIndex(); err != nil {
			logging.Error("failed to save content cache index", zap.Error(err))
		}
	}()
	logging.Info("content cache initialized",
		zap.String("dir", contentCache.Dir()),
		zap.Int64("max_size", cfg.CacheMaxSize))

	// Clients and token provider
	base := client.Config{
		ContentRetry: retry.WithRetries(2),
		ContentCache: contentCache,
	}
	clients := api.NewClients(base)
	tokens := auth.NewProvider(client.New(base), cfg.TokenStaleTime)
	rateLimiter := quota.NewRateLimiter(cfg.InferenceRequestsPerMin)
	if cfg.BridgeOrigin != "" {
		logging.Info("portal token bridge enabled", zap.String("origin", cfg.BridgeOrigin))
	}

	srv := api.NewServer(cfg, clients, tokens, store, rateLimiter)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown; drained is closed once in-flight requests finish.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown incomplete", zap.Error(err))
		}
		metricsServer.Close()
	}()

	// Start periodic cleanup (rate limiter buckets, token reuse, idle demos)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimiter.Cleanup(time.Hour)
				tokens.Cleanup()
				if n := srv.Cleanup(cfg.SessionTTL); n > 0 {
					logging.Info("dropped idle demo state", zap.Int("count", n))
				}
			}
		}
	}()

	// Start periodic session purge for stores that keep expired rows
	if purger, ok := store.(session.Purger); ok {
		go func() {
			ticker := time.NewTicker(15 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := purger.Purge(ctx)
					if err != nil {
						logging.Error("session purge failed", zap.Error(err))
						continue
					}
					metrics.RecordSessionsPurged(n)
					if n > 0 {
						logging.Info("purged expired sessions", zap.Int64("count", n))
					}
				}
			}
		}()
	}

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}

	// ListenAndServe returns as soon as Shutdown starts. Wait for handlers to
	// drain so no new submission is started, then for the submissions
	// themselves, before the cache index is saved and the store closed.
	<-drained
	srv.Close()
}

// openSessionStore connects the configured session backend.
func openSessionStore(ctx context.Context, cfg *config.Config) (session.Store, func()) {
	switch cfg.SessionBackend {
	case "postgres":
		logging.Info("connecting to PostgreSQL session store...")
		// New also creates the sessions table.
		store, err := postgres.New(ctx, cfg.SessionURL, cfg.SessionTTL)
		if err != nil {
			logging.Fatal("session database connection failed", zap.Error(err))
		}
		return store, closer(store)
	case "redis":
		logging.Info("connecting to Redis session store...")
		store, err := redis.New(ctx, cfg.SessionURL, cfg.SessionTTL)
		if err != nil {
			logging.Fatal("session redis connection failed", zap.Error(err))
		}
		return store, closer(store)
	default:
		logging.Info("using in-memory session store")
		return session.NewMemoryStore(cfg.SessionTTL), func() {}
	}
}

func closer(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			logging.Warn("session store close failed", zap.Error(err))
		}
	}
}
