package main

import (
	"context"
	"log/slog"
	"time"

	"ordersaga/internal/events"
)

// rejoinDelay spaces consumer restarts after a failed run.
var rejoinDelay = time.Second

// superviseConsumer runs a consumer over a source from newSource until ctx
// ends. A run that stops with an error is replaced by a fresh consumer on a
// new source, so uncommitted records are fetched again.
func superviseConsumer(ctx context.Context, log *slog.Logger, newSource func() (events.Source, error), build func(events.Source) *events.Consumer) error {
	for {
		source, err := newSource()
		if err != nil {
			return err
		}
		err = build(source).Run(ctx)
		if cerr := source.Close(); cerr != nil {
			log.Warn("close consumer source", "err", cerr)
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Error("consumer stopped, rejoining", "err", err, "delay", rejoinDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(rejoinDelay):
		}
	}
}

type stallResumer interface {
	ResumeStalled(ctx context.Context, limit int) (int, error)
}

// runSweeper resumes stalled cancellation sagas every interval.
func runSweeper(ctx context.Context, log *slog.Logger, r stallResumer, interval time.Duration, batch int) {
	if interval <= 0 {
		log.Info("stalled saga sweeper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.ResumeStalled(ctx, batch)
			if err != nil && ctx.Err() == nil {
				log.Warn("stalled saga sweep failed", "resumed", n, "err", err)
				continue
			}
			if n > 0 {
				log.Info("resumed stalled sagas", "count", n)
			}
		}
	}
}
