package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor prunes terminal queue rows on a cron schedule, keeping the
// observability window bounded.
type Janitor struct {
	queue     *Queue
	retention time.Duration
	schedule  string
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewJanitor creates a janitor. Schedule accepts standard cron specs
// and descriptors like "@every 1h".
func NewJanitor(q *Queue, schedule string, retention time.Duration, logger *slog.Logger) *Janitor {
	if schedule == "" {
		schedule = "@every 1h"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		queue:     q,
		retention: retention,
		schedule:  schedule,
		logger:    logger,
	}
}

// Start begins the schedule. Returns an error for an invalid spec.
func (j *Janitor) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(j.schedule, func() {
		j.runOnce(ctx)
	})
	if err != nil {
		return err
	}
	j.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running prune to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

func (j *Janitor) runOnce(ctx context.Context) {
	pruned, err := j.queue.PruneTerminal(ctx, j.retention)
	if err != nil {
		j.logger.Error("queue_prune_failed", slog.String("error", err.Error()))
		return
	}
	if pruned > 0 {
		j.logger.Info("queue_pruned", slog.Int64("jobs", pruned))
	}
}
