package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"download-gateway/download"
	"download-gateway/download/application"
	"download-gateway/download/domain"
	"download-gateway/download/infra"

	"github.com/redis/go-redis/v9"
)

// gateway reúne o que main precisa depois do wiring.
type gateway struct {
	handler http.Handler
	queue   *application.Queue
	metrics *infra.Metrics
	events  *infra.EventBus
	closers []func() error
}

func (g *gateway) Close() error {
	g.events.Shutdown()
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		errs = append(errs, g.closers[i]())
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg config, logger *slog.Logger) (*gateway, error) {
	g := &gateway{metrics: infra.NewMetrics()}
	g.events = infra.NewEventBus(0, 0, logger)
	subscribeIndexer(g.events, logger)

	db, err := infra.OpenDB(ctx, cfg.dbDriver, cfg.dbDSN)
	if err != nil {
		return nil, err
	}
	g.closers = append(g.closers, db.Close)
	store, err := infra.NewSQLStore(ctx, db, cfg.dbDriver)
	if err != nil {
		_ = g.Close()
		return nil, err
	}

	var (
		cache domain.Cache
		rdb   *redis.Client
	)
	if cfg.redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		g.closers = append(g.closers, rdb.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = g.Close()
			return nil, fmt.Errorf("redis ping error: %w", err)
		}
		cache = infra.NewRedisCache(rdb)
	} else {
		mem := infra.NewMemoryCache()
		mem.StartJanitor(ctx)
		cache = mem
		logger.Warn("REDIS_ADDR not set: using in-process best-effort cache, increments are applied synchronously")
	}

	outcomes := infra.MultiOutcome{g.metrics}
	switch cfg.outcomeStats {
	case "memory":
		outcomes = append(outcomes, infra.NewMemoryOutcomeStore(infra.WithTrackVersions(cfg.outcomeTrackVersions)))
	case "redis":
		outcomes = append(outcomes, infra.NewRedisOutcomeStore(rdb,
			infra.WithOutcomePrefix(cfg.outcomePrefix),
			infra.WithOutcomeTTL(cfg.outcomeTTL),
			infra.WithOutcomeBucket(cfg.outcomeBucket),
			infra.WithOutcomeTrackVersions(cfg.outcomeTrackVersions),
		))
	}

	secret := []byte(cfg.tokenSecret)
	fp := application.Fingerprinter{Secret: secret, Window: cfg.fingerprintWindow, Drift: cfg.fingerprintDrift}
	limiter := application.NewLimiter(cache, fp,
		application.WithLimit(cfg.rateLimit),
		application.WithReducedSecurity(cfg.rateReducedSecurity, cfg.rateLimitReduced),
		application.WithWindow(cfg.rateWindow),
		application.WithLimiterLogger(logger),
	)
	stats := application.NewStatsStore(store, cache, application.StatsConfig{
		Lookup: store,
		Mirror: store,
		Events: g.events,
		Logger: logger,
	})
	g.queue = application.NewQueue(cache, store, store, application.QueueConfig{
		Stats:    stats,
		Mirror:   store,
		Events:   g.events,
		Observer: g.metrics,
		TTL:      cfg.queueTTL,
		Logger:   logger,
	})
	tokens, err := application.NewTokenService(store, cache, limiter, fp, application.TokenConfig{
		Secret:       secret,
		TTL:          cfg.tokenTTL,
		Grace:        cfg.tokenGrace,
		AllowanceTTL: cfg.allowanceTTL,
		BaseURL:      cfg.publicBaseURL,
		Logger:       logger,
	})
	if err != nil {
		_ = g.Close()
		return nil, err
	}
	gate := application.NewGate(limiter, tokens, g.queue, store, cache, application.GateConfig{
		StorageRoot:      cfg.storageRoot,
		InternalRedirect: cfg.internalRedirect,
		RedirectPrefix:   cfg.internalRedirectPrefix,
		AllowanceTTL:     cfg.allowanceTTL,
		Logger:           logger,
	})

	var bandwidth download.BandwidthLimiter
	if cfg.streamBytesPerSec > 0 {
		bw := infra.NewBandwidthStore(cfg.streamBytesPerSec, cfg.streamChunkSize)
		bw.StartJanitor(ctx)
		bandwidth = bw
	}

	clientFn := download.DefaultClientFunc(cfg.keyHeader, cfg.trustXFF)
	files := download.NewFileHandler(download.FileOptions{
		Gate: gate,
		Slots: application.StreamSlots{
			Pool:           infra.NewChanPool(cfg.concurrencyMax),
			AcquireTimeout: cfg.concurrencyTimeout,
		},
		Bandwidth:      bandwidth,
		Outcomes:       outcomes,
		Bytes:          g.metrics,
		ClientFn:       clientFn,
		RedirectHeader: cfg.internalRedirectHeader,
		ChunkSize:      cfg.streamChunkSize,
		Logger:         logger,
	})
	links := download.NewLinks(download.LinkOptions{
		Tokens:   tokens,
		Limiter:  limiter,
		Gate:     gate,
		Stats:    stats,
		ClientFn: clientFn,
		Logger:   logger,
	})

	g.handler = download.NewRouter(download.RouteOptions{
		Files:   files,
		Links:   links,
		Metrics: g.metrics.Handler(),
		Health: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			if rdb != nil {
				return rdb.Ping(ctx).Err()
			}
			return nil
		},
		Logger: logger,
	})

	logger.Info("gateway wired",
		"db_driver", cfg.dbDriver,
		"shared_cache", cfg.redisAddr != "",
		"limiter_atomic", limiter.Atomic(),
		"rate_limit", limiter.Limit(),
		"rate_window", limiter.Window(),
		"queue_buffered", g.queue.Buffered(),
		"internal_redirect", cfg.internalRedirect,
		"outcome_stats", cfg.outcomeStats,
	)
	return g, nil
}

// subscribeIndexer registra o consumidor interno dos eventos de contadores.
// Hoje só registra em log; um indexador de busca entraria aqui.
func subscribeIndexer(bus *infra.EventBus, logger *slog.Logger) {
	log := logger.With("system", "indexer")
	bus.Subscribe(domain.TopicStatsChanged, func(payload any) {
		if ev, ok := payload.(domain.StatsChanged); ok {
			log.Debug("stats changed", "item_id", ev.ItemID, "field", ev.Field, "value", ev.Value)
		}
	})
	bus.Subscribe(domain.TopicDownloadsFlushed, func(payload any) {
		if ev, ok := payload.(domain.DownloadsFlushed); ok {
			log.Debug("downloads flushed", "versions", len(ev.VersionIDs), "items", len(ev.ItemIDs))
		}
	})
}
