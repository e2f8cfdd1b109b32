package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/theshibabasement/maxun/pkg/models"
	"github.com/theshibabasement/maxun/pkg/storage"
)

// DefaultScanInterval is how often the dispatcher looks for due robots.
const DefaultScanInterval = time.Minute

// Dispatcher periodically scans for robots whose nextRunAt has come due and
// hands them to the run service. The one-active-run invariant inside Start
// is the sole concurrency guard: a tick racing a manual start simply loses
// with ErrConflict.
type Dispatcher struct {
	store    storage.Store
	runs     *RunService
	logger   Logger
	interval time.Duration
	now      func() time.Time
}

func NewDispatcher(store storage.Store, runs *RunService, logger Logger, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Dispatcher{
		store:    store,
		runs:     runs,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Run drives ticks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.logger.Infof("Schedule dispatcher running with interval %s", d.interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Infof("Schedule dispatcher stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick starts a run for every due robot. Failures are isolated per robot so
// one broken schedule never halts the scan.
func (d *Dispatcher) Tick(ctx context.Context) {
	due, err := d.store.ListDueRobots(d.now())
	if err != nil {
		d.logger.Errorf("Dispatcher scan failed: %v", err)
		return
	}
	for _, robot := range due {
		runID, err := d.runs.Start(ctx, robot.ID, models.ScheduleTrigger)
		switch {
		case err == nil:
			d.logger.Infof("Dispatcher started run %s for robot %s", runID, robot.ID)
		case errors.Is(err, ErrConflict):
			// lost the race against an operator or an earlier tick
			d.logger.Infof("Robot %s already has an active run, skipping tick", robot.ID)
		default:
			d.logger.Errorf("Dispatcher could not start robot %s: %v", robot.ID, err)
		}
	}
}
