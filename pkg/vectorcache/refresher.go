package vectorcache

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Refresher re-triggers Reload in the background whenever the snapshot has
// aged past its TTL. Ticks are fire-and-forget: a failed reload is logged
// and the prior snapshot keeps serving, so skipping a tick is always safe.
// Checking staleness on a fixed cadence (rather than scheduling at the TTL
// itself) lets SetTTL take effect without restarting the scheduler.
type Refresher struct {
	manager *Manager
	cron    *cron.Cron
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRefresher creates a refresher for manager. checkInterval is how often
// staleness is evaluated; reloadTimeout bounds each background reload.
func NewRefresher(manager *Manager, checkInterval, reloadTimeout time.Duration, logger zerolog.Logger) (*Refresher, error) {
	if manager == nil {
		return nil, errors.New("manager is required")
	}
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	if reloadTimeout <= 0 {
		reloadTimeout = 30 * time.Second
	}

	r := &Refresher{
		manager: manager,
		cron:    cron.New(),
		timeout: reloadTimeout,
		logger:  logger,
	}

	if _, err := r.cron.AddFunc("@every "+checkInterval.String(), r.tick); err != nil {
		return nil, err
	}
	return r, nil
}

// Start begins background refreshing.
func (r *Refresher) Start() {
	r.cron.Start()
	r.logger.Info().Msg("Cache refresher started")
}

// Stop halts the schedule and waits for a running tick to finish.
func (r *Refresher) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info().Msg("Cache refresher stopped")
}

func (r *Refresher) tick() {
	meta := r.manager.GetMetadata()
	if meta.Success && !meta.IsStale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if _, err := r.manager.Reload(ctx); err != nil {
		// Never escalated: staleness just stays true until a tick succeeds.
		r.logger.Warn().Err(err).Msg("Background refresh failed, serving prior snapshot")
	}
}
