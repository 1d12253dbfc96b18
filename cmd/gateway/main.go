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
)

func main() {
	flushOnce := flag.Bool("flush", false, "run one queue flush and exit")
	flag.Parse()

	if err := loadConfigSources(); err != nil {
		log.Fatalf("config error: %v", err)
	}
	cfg, err := readConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw, err := build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("startup error: %v", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn("shutdown error", "error", err)
		}
	}()

	flush := func(ctx context.Context) (int, int, error) {
		res, err := gw.queue.Flush(ctx)
		return res.Versions, res.Items, err
	}

	if *flushOnce {
		versions, items, err := flush(ctx)
		if err != nil {
			logger.Error("queue flush failed", "error", err)
			os.Exit(1)
		}
		logger.Info("queue flushed", "versions", versions, "items", items)
		return
	}

	if gw.queue.Buffered() {
		sched, err := newScheduler(ctx, cfg.flushSchedule, flush, logger)
		if err != nil {
			log.Fatalf("scheduler error: %v", err)
		}
		sched.Start()
		defer func() {
			<-sched.Stop().Done()
			// última flush para não deixar incrementos só no cache
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, _, err := flush(drainCtx); err != nil {
				logger.Warn("final queue flush failed", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// downloads grandes com banda limitada levam mais que 30s
		WriteTimeout: 0,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening", "addr", cfg.listenAddr, "public_base_url", cfg.publicBaseURL)
	logger.Info("rate", "limit", cfg.rateLimit, "window", cfg.rateWindow, "reduced_security", cfg.rateReducedSecurity, "key_header", cfg.keyHeader, "trust_xff", cfg.trustXFF)
	logger.Info("streaming", "chunk", cfg.streamChunkSize, "bytes_per_sec", cfg.streamBytesPerSec, "concurrency_max", cfg.concurrencyMax, "acquire_timeout", cfg.concurrencyTimeout)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
	}
}
