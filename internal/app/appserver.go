package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"relaypool/internal/service/web"
	"relaypool/internal/shared/config"
	"relaypool/internal/shared/logger"
	"relaypool/internal/shared/types"
	manager "relaypool/proxypool"
	"relaypool/proxypool/metrics"
	"relaypool/proxypool/source"
	"relaypool/proxypool/storage"
	"relaypool/proxypool/validator"
)

// AppServer is the application's main struct: it owns the pool and everything around it.
type AppServer struct {
	cfg *types.Config

	registry  *source.Registry
	validator *validator.Validator
	store     storage.Storage
	redis     *redis.Client

	proxyPoolManager *manager.Manager
	reporter         *metrics.Reporter
	web              *web.Server
	cron             *cron.Cron

	stopOnce sync.Once
}

// New wires the pool from cfg and the source profiles in sourcesPath.
func New(cfg *types.Config, sourcesPath string) (*AppServer, error) {
	profiles, err := config.LoadSources(sourcesPath)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	if len(profiles) == 0 {
		logger.Warn().Str("file", sourcesPath).Msg("No relay sources configured. The pool will only grow through manual imports.")
	}

	v, err := validator.NewValidator(validator.Options{
		TestURLs:       cfg.TestURLs,
		CapabilityURLs: cfg.CapabilityURLs,
		CheckAnonymity: cfg.CheckAnonymity,
		OwnIPURL:       cfg.OwnIPURL,
		Timeout:        cfg.ValidationConf.Timeout,
		CacheTTL:       cfg.CacheTTL,
		CacheSize:      cfg.CacheSize,
		Concurrency:    cfg.Concurrency,
	})
	if err != nil {
		return nil, err
	}

	s := &AppServer{
		cfg:       cfg,
		registry:  source.NewRegistry(profiles),
		validator: v,
	}
	s.store, s.redis = newStore(cfg.StoreConf)
	s.proxyPoolManager = manager.NewManager(cfg, s.registry, s.validator, s.store)
	s.reporter = metrics.NewReporter(s.proxyPoolManager)
	s.web = web.NewServer(cfg.WebConf, s.proxyPoolManager, s.registry, s.reporter)
	return s, nil
}

// newStore selects the score cache backend. Unknown kinds fall back to no persistence.
func newStore(cfg types.StoreConf) (storage.Storage, *redis.Client) {
	switch strings.ToLower(cfg.Kind) {
	case "file":
		return storage.NewFileStorage(cfg.Path), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return storage.NewRedisStorage(client, cfg.KeyPrefix), client
	case "", "none":
		return nil, nil
	default:
		logger.Warn().Str("kind", cfg.Kind).Msg("Unknown score store kind. Score cache disabled.")
		return nil, nil
	}
}

// Manager returns the pool, for embedding the engine in a client process.
func (s *AppServer) Manager() *manager.Manager { return s.proxyPoolManager }

// Run starts every component and blocks until ctx is done.
func (s *AppServer) Run(ctx context.Context) error {
	logger.Info().Msg("Starting relay pool...")

	s.proxyPoolManager.Start(ctx)

	c, err := s.startCron()
	if err != nil {
		return err
	}
	s.cron = c

	if err := s.web.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	return nil
}

// Stop gracefully shuts everything down within timeout.
func (s *AppServer) Stop(timeout time.Duration) error {
	var err error
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		err = multierr.Append(err, s.web.Shutdown(ctx))
		err = multierr.Append(err, s.proxyPoolManager.Stop(ctx))
		if s.redis != nil {
			err = multierr.Append(err, s.redis.Close())
		}
		logger.Info().Msg("Relay pool stopped.")
	})
	return err
}
