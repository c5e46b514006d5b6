package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vihaar/vihaar-sw/internal/server"
	"github.com/vihaar/vihaar-sw/pkg/cache"
	"github.com/vihaar/vihaar-sw/pkg/config"
	"github.com/vihaar/vihaar-sw/pkg/fetch"
	"github.com/vihaar/vihaar-sw/pkg/logging"
	"github.com/vihaar/vihaar-sw/pkg/worker"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getEnv("VIHAAR_CONFIG", ""), "path to vihaar-sw.yaml")
	flag.Parse()

	var files []string
	if configPath != "" {
		files = append(files, configPath)
	}
	loader := config.NewLoader(config.DefaultEnvPrefix, files...)

	cfg, err := loader.Load(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(logging.FromSettings(cfg.Logging.Level, cfg.Logging.Pretty))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		logger.Fatal().Err(err).Str("listen", cfg.Server.Listen).Msg("Listen failed")
	}

	if err := run(ctx, cfg, loader, ln, logger); err != nil {
		logger.Fatal().Err(err).Msg("vihaar-sw stopped")
	}
}

// run serves on ln until ctx is done. ln is closed on return.
func run(ctx context.Context, cfg config.Config, loader *config.Loader, ln net.Listener, logger zerolog.Logger) error {
	defer ln.Close()

	backend, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer backend.close()

	fetcher := fetch.New(fetch.ConfigFrom(cfg.Fetch))
	reg := worker.NewRegistration(worker.RegistrationOptions{
		Storage: backend.storage,
		Fetcher: fetcher,
	})
	defer reg.Close()

	if err := reg.Register(ctx, cfg); err != nil {
		return fmt.Errorf("register worker %s: %w", cfg.Cache.Version, err)
	}

	go worker.RunPeriodicSync(ctx, cfg.Cache.CleanupInterval, worker.TagCacheCleanup, reg.PeriodicSync)

	if len(loader.Files()) > 0 {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			if err := reg.Update(ctx, next); err != nil {
				logger.Error().Err(err).Str("version", next.Cache.Version).Msg("Worker update failed")
			}
		}, func(err error) {
			logger.Warn().Err(err).Msg("Ignoring invalid config reload")
		})
		if err != nil {
			return err
		}
		defer watcher.Stop()
	}

	srv := &http.Server{
		Handler: server.New(server.Options{
			Registration: reg,
			Origin:       cfg.OriginURL(),
			Fetcher:      fetcher,
			Ready:        backend.ready,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("listen", ln.Addr().String()).
			Str("origin", cfg.Server.Origin).
			Str("storage", cfg.Storage.Backend).
			Msg("vihaar-sw listening")
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Graceful shutdown incomplete")
	}
	return nil
}

// storageBackend bundles the selected storage with its readiness check.
type storageBackend struct {
	storage cache.Storage
	ready   func(ctx context.Context) error
	close   func()
}

func openStorage(ctx context.Context, sc config.StorageConfig) (*storageBackend, error) {
	switch sc.Backend {
	case config.BackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr:     sc.Redis.Address,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", sc.Redis.Address, err)
		}
		storage := cache.NewRedisStorage(redisClient, sc.Redis.Prefix)
		return &storageBackend{
			storage: storage,
			ready: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
			close: func() {
				storage.Close()
				redisClient.Close()
			},
		}, nil

	case config.BackendLevelDB:
		storage, err := cache.OpenLevelDB(sc.LevelDB.Path)
		if err != nil {
			return nil, err
		}
		return &storageBackend{
			storage: storage,
			close:   func() { storage.Close() },
		}, nil

	case config.BackendMemory, "":
		storage := cache.NewMemoryStorage()
		return &storageBackend{
			storage: storage,
			close:   func() { storage.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unsupported storage backend %q", sc.Backend)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
