package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/illmade-knight/go-contextstore/pkg/archive"
	"github.com/illmade-knight/go-contextstore/pkg/audit"
	"github.com/illmade-knight/go-contextstore/pkg/cache"
	"github.com/illmade-knight/go-contextstore/pkg/config"
	"github.com/illmade-knight/go-contextstore/pkg/contextapi"
	"github.com/illmade-knight/go-contextstore/pkg/contextstore"
	"github.com/illmade-knight/go-contextstore/pkg/eventrelay"
	"github.com/illmade-knight/go-contextstore/pkg/microservice"
)

// stopper is anything that must be stopped during shutdown.
type stopper interface {
	Stop(ctx context.Context) error
}

// closers collects cleanup functions and runs them in reverse order.
type closers []func() error

func (c *closers) add(fn func() error) {
	*c = append(*c, fn)
}

func (c closers) run(logger zerolog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn().Err(err).Msg("Error during cleanup.")
		}
	}
}

// run wires the service together and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var cleanup closers
	defer cleanup.run(logger)

	clientOpts := googleClientOptions(cfg)

	external, err := newExternalCache(ctx, cfg, clientOpts, &cleanup, logger)
	if err != nil {
		return err
	}
	// Until a manager owns the external cache, it is closed here.
	releaseExternal := func() {
		if external == nil {
			return
		}
		if err := external.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close external cache.")
		}
	}

	var storeOpts []contextstore.Option
	if cfg.GCS.Enabled {
		archiver, err := newArchiver(ctx, cfg, clientOpts, &cleanup, logger)
		if err != nil {
			releaseExternal()
			return err
		}
		storeOpts = append(storeOpts, contextstore.WithArchiver(archiver))
	}

	manager, err := contextstore.NewManager(cfg.StoreConfig(), external, logger, storeOpts...)
	if err != nil {
		releaseExternal()
		return fmt.Errorf("failed to create context manager: %w", err)
	}
	if err := manager.Initialize(ctx); err != nil {
		// Shutdown without a completed Initialize only releases the cache.
		shutdownManager(manager, cfg, logger)
		return fmt.Errorf("failed to initialize context manager: %w", err)
	}

	var consumers []stopper
	if cfg.PubSub.Enabled {
		relay, err := startRelay(ctx, cfg, manager, clientOpts, &cleanup, logger)
		if err != nil {
			shutdownManager(manager, cfg, logger)
			return err
		}
		consumers = append(consumers, relay)
	}
	if cfg.BigQuery.Enabled {
		recorder, err := startRecorder(ctx, cfg, manager, clientOpts, &cleanup, logger)
		if err != nil {
			stopAll(consumers, cfg, logger)
			shutdownManager(manager, cfg, logger)
			return err
		}
		consumers = append(consumers, recorder)
	}

	var ready atomic.Bool
	server := microservice.NewServer(cfg.HTTPPort, logger, microservice.WithReadiness(func() error {
		if !ready.Load() {
			return errors.New("context store is not serving")
		}
		return nil
	}))
	handler := contextapi.NewHandler(manager, contextapi.Config{
		KeepAliveInterval: cfg.Stream.KeepAliveInterval,
		RetryInterval:     cfg.Stream.RetryInterval,
	}, logger)
	handler.Register(server.Mux())
	server.OnShutdown(handler.CloseStreams)

	if err := server.Start(); err != nil {
		stopAll(consumers, cfg, logger)
		shutdownManager(manager, cfg, logger)
		return err
	}
	ready.Store(true)
	logger.Info().Str("version", build()).Str("address", server.Port()).Msg("contextd is serving.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server did not shut down cleanly.")
	}
	stopAll(consumers, cfg, logger)
	shutdownManager(manager, cfg, logger)

	logger.Info().Msg("contextd stopped.")
	return nil
}

func googleClientOptions(cfg *config.Config) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

// newExternalCache returns the configured shared cache tier, or nil for a
// local-only cache. Redis takes precedence over Firestore.
func newExternalCache(ctx context.Context, cfg *config.Config, opts []option.ClientOption, cleanup *closers, logger zerolog.Logger) (cache.External, error) {
	switch {
	case cfg.Redis.Enabled:
		client, err := cache.DialRedis(ctx, cache.RedisConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Context.ExternalCacheTimeout,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("redis_address", cfg.Redis.Addr).Msg("Connected to Redis.")
		return cache.NewRedisCache(client, cfg.Redis.Namespace, logger), nil

	case cfg.Firestore.Enabled:
		client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("firestore.NewClient: %w", err)
		}
		cleanup.add(client.Close)
		fc, err := cache.NewFirestoreCache(client, cfg.Firestore.Collection, logger)
		if err != nil {
			return nil, err
		}
		return fc, nil
	}
	return nil, nil
}

func newArchiver(ctx context.Context, cfg *config.Config, opts []option.ClientOption, cleanup *closers, logger zerolog.Logger) (*archive.GCSArchiver, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	cleanup.add(client.Close)
	return archive.NewGCSArchiver(archive.NewGCSBucket(client, cfg.GCS.Bucket), archive.Config{
		BucketName:   cfg.GCS.Bucket,
		ObjectPrefix: cfg.GCS.ObjectPrefix,
	}, logger)
}

func startRelay(ctx context.Context, cfg *config.Config, manager *contextstore.Manager, opts []option.ClientOption, cleanup *closers, logger zerolog.Logger) (*eventrelay.Relay, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	cleanup.add(client.Close)

	publisher, err := eventrelay.NewTopicPublisher(ctx, client, eventrelay.DefaultTopicConfig(cfg.PubSub.TopicID), logger)
	if err != nil {
		return nil, err
	}
	relay := eventrelay.NewRelay(eventrelay.RelayConfig{
		KeyPrefix:  cfg.PubSub.KeyPrefix,
		EventTypes: cfg.RelayEventTypes(),
	}, manager, publisher, logger)
	// The relay outlives the signal context so changes made while HTTP drains
	// are still published; Stop ends it.
	if err := relay.Start(context.WithoutCancel(ctx)); err != nil {
		_ = publisher.Stop(ctx)
		return nil, err
	}
	return relay, nil
}

func startRecorder(ctx context.Context, cfg *config.Config, manager *contextstore.Manager, opts []option.ClientOption, cleanup *closers, logger zerolog.Logger) (*audit.Recorder, error) {
	client, err := audit.NewBigQueryClient(ctx, cfg.ProjectID, logger, opts...)
	if err != nil {
		return nil, err
	}
	cleanup.add(client.Close)

	writer, err := audit.NewTableWriter(ctx, client, audit.TableConfig{
		DatasetID: cfg.BigQuery.DatasetID,
		TableID:   cfg.BigQuery.TableID,
	}, logger)
	if err != nil {
		return nil, err
	}

	batchCfg := audit.DefaultBatchConfig()
	batchCfg.MaxRows = cfg.BigQuery.BatchSize
	batchCfg.FlushInterval = cfg.BigQuery.FlushInterval

	recorder := audit.NewRecorder(cfg.BigQuery.KeyPrefix, manager, writer, batchCfg, logger)
	if err := recorder.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	return recorder, nil
}

func stopAll(consumers []stopper, cfg *config.Config, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	for _, c := range consumers {
		if err := c.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop event consumer.")
		}
	}
}

func shutdownManager(manager *contextstore.Manager, cfg *config.Config, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Context manager did not shut down cleanly.")
	}
}
