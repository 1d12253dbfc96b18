package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger adapta *slog.Logger para cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}

// newScheduler agenda a flush da fila. DelayIfStillRunning evita duas
// flushes do mesmo processo em paralelo; entre processos o claim atômico
// já garante montantes disjuntos.
func newScheduler(ctx context.Context, schedule string, job func(ctx context.Context) (int, int, error), logger *slog.Logger) (*cron.Cron, error) {
	log := logger.With("system", "cron")
	cl := cronLogger{l: log}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(
			cron.Recover(cl),
			cron.DelayIfStillRunning(cl),
		),
	)

	_, err := c.AddFunc(schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		start := time.Now()
		versions, items, err := job(runCtx)
		if err != nil {
			log.Error("queue flush failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
			return
		}
		if versions > 0 {
			log.Info("queue flushed", "versions", versions, "items", items, "duration_ms", time.Since(start).Milliseconds())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid FLUSH_SCHEDULE %q: %w", schedule, err)
	}
	return c, nil
}
