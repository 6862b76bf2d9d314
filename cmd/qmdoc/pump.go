package main

import (
	"context"
	"log/slog"

	"github.com/joseph-ayodele/qmdoc/internal/async"
	"github.com/joseph-ayodele/qmdoc/internal/ingest"
)

// pump feeds watcher events into the queue until ctx is done.
func pump(ctx context.Context, logger *slog.Logger, inbox string, queue async.Queue) error {
	events, errs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
		Roots:       []string{inbox},
		InitialScan: watchFlags.initial,
		SkipHidden:  true,
		Debounce:    watchFlags.debounce,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	logger.Info("watch.started", "inbox", inbox)
	for {
		select {
		case path, ok := <-events:
			if !ok {
				return nil
			}
			job := async.Job{Path: path, DocumentType: watchFlags.docType, Preference: watchFlags.provider}
			if err := queue.Enqueue(ctx, job); err != nil {
				logger.Warn("watch.enqueue.failed", "path", path, "error", err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("watch.error", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}
