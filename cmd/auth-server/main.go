package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/providentiaww/appleauth/cmd/auth-server/handlers"
	"github.com/providentiaww/appleauth/internal/cache"
	"github.com/providentiaww/appleauth/internal/config"
	"github.com/providentiaww/appleauth/internal/events"
	"github.com/providentiaww/appleauth/internal/oauth"
)

const ServiceVersion = "v1.0.0"

func main() {
	ctx := context.Background()
	config.LoadEnv(ctx, "../../.env", slog.Default())

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := config.InitLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("Starting Apple auth server", "version", ServiceVersion)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	appleCfg, err := oauth.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	if appleCfg.State == "" {
		if appleCfg.State, err = oauth.NewNonce(16); err != nil {
			return fmt.Errorf("failed to generate state: %w", err)
		}
		logger.Info("APPLE_STATE not set, generated a per-process state")
	}
	privateKey, err := oauth.LoadPrivateKeyFromEnv()
	if err != nil {
		return err
	}
	// Fail at startup rather than on the first callback.
	if _, err := oauth.ParsePrivateKey(privateKey); err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: config.MustDuration(cfg.HTTP.Timeout, 10*time.Second)}

	keys, err := newKeySource(ctx, cfg.Cache, appleCfg.BaseURL, httpClient, logger)
	if err != nil {
		return err
	}
	defer keys.close()

	provider, err := oauth.NewProvider(appleCfg,
		oauth.WithHTTPClient(httpClient),
		oauth.WithLogger(logger),
		oauth.WithKeySource(keys.source),
	)
	if err != nil {
		return err
	}

	publisher, err := newPublisher(cfg.Events, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	server := handlers.NewServer(provider, privateKey, publisher, logger)
	if keys.ping != nil {
		server.AddHealthCheck("key_cache", keys.ping)
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handlers.CORS(handlers.RequestLogger(logger, server.Routes())),
		ReadTimeout:  config.MustDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout: config.MustDuration(cfg.Server.WriteTimeout, 15*time.Second),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-stop:
	}

	logger.Info("Shutting down Apple auth server...")
	shutdownCtx, cancel := context.WithTimeout(ctx, config.MustDuration(cfg.Server.ShutdownTimeout, 10*time.Second))
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// keySource is the JWKS source selected by the cache config.
type keySource struct {
	source oauth.KeySource
	close  func()
	// ping is set when the cache lives outside the process.
	ping handlers.HealthCheck
}

func newKeySource(ctx context.Context, cfg config.CacheConfig, baseURL string, client oauth.Doer, logger *slog.Logger) (*keySource, error) {
	remote := oauth.NewRemoteKeySource(baseURL, client, logger)
	ttl := config.MustDuration(cfg.TTL, oauth.DefaultKeySetTTL)

	switch cfg.Backend {
	case config.CacheBackendNone:
		return &keySource{source: remote, close: func() {}}, nil
	case config.CacheBackendRedis:
		store, err := cache.NewRedisStoreFromURL(ctx, cfg.RedisURL, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		logger.Info("Caching Apple keys in Redis", "ttl", ttl)
		return &keySource{
			source: oauth.NewCachingKeySource(remote, store, ttl, logger),
			close:  func() { _ = store.Close() },
			ping:   store.Ping,
		}, nil
	default:
		logger.Info("Caching Apple keys in memory", "ttl", ttl)
		return &keySource{
			source: oauth.NewCachingKeySource(remote, cache.NewMemoryStore(), ttl, logger),
			close:  func() {},
		}, nil
	}
}

func newPublisher(cfg config.EventsConfig, logger *slog.Logger) (events.Publisher, error) {
	if cfg.URL == "" {
		logger.Info("Event publishing disabled")
		return events.NopPublisher{}, nil
	}
	return events.NewAMQPPublisher(cfg.URL, cfg.Exchange, logger)
}
