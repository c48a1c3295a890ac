package session

import (
	"context"
	"log/slog"
	"time"
)

// Janitor runs Service.Prune on a fixed interval until its context ends.
type Janitor struct {
	svc      *Service
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewJanitor returns a janitor using the service's retention interval.
func NewJanitor(svc *Service, log *slog.Logger) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{
		svc:      svc,
		interval: svc.cfg.Retention.Interval,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is done. A zero interval returns immediately.
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		j.log.Info("session.janitor.disabled")
		return
	}

	t := time.NewTicker(j.interval)
	defer t.Stop()

	j.log.Info("session.janitor.start", "interval", j.interval.String())
	for {
		select {
		case <-ctx.Done():
			j.log.Info("session.janitor.stop")
			return
		case <-t.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass and logs the outcome.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	n, err := j.svc.Prune(ctx, j.now())
	if err != nil {
		j.log.Warn("session.janitor.prune.fail", "err", err)
		return 0, err
	}
	if n > 0 {
		j.log.Info("session.janitor.prune", "deleted", n)
	}
	return n, nil
}
