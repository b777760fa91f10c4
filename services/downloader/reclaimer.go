package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/amxwer/File-downloader/internal/registry"
	"github.com/amxwer/File-downloader/pkg/telemetry"
)

// Reclaimer periodically recovers abandoned claims. A task whose worker died
// mid-download sits IN_PROGRESS with no further updates; once its claim times
// out, the sweep re-queues it (the next claim counts as a retry attempt) or,
// when the attempt budget is already spent, fails it with reason "timeout".
type Reclaimer struct {
	registry registry.Registry
	interval time.Duration
	logger   *slog.Logger
}

// NewReclaimer builds a Reclaimer sweeping at the given interval.
func NewReclaimer(reg registry.Registry, interval time.Duration, logger *slog.Logger) *Reclaimer {
	return &Reclaimer{registry: reg, interval: interval, logger: logger}
}

// Run schedules the sweep via cron and blocks until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), func() { r.sweep(ctx) })
	if err != nil {
		return fmt.Errorf("schedule reclaimer: %w", err)
	}

	// One sweep at startup picks up claims orphaned by a previous crash.
	r.sweep(ctx)

	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done() // wait for a running sweep to finish
	return nil
}

func (r *Reclaimer) sweep(ctx context.Context) {
	n, err := r.registry.ReclaimStale(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("reclaim sweep failed", slog.String("error", err.Error()))
		}
		return
	}
	if n > 0 {
		telemetry.DownloaderReclaimedTotal.Add(float64(n))
		r.logger.Warn("reclaimed stale claims", slog.Int("count", n))
	}
}
