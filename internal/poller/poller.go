package poller

import (
	"context"
	"log/slog"
	"time"
)

// Refresher pulls a fresh device snapshot from the cloud.
type Refresher interface {
	RefreshDevices(ctx context.Context) error
}

// Poller drives periodic snapshot refreshes. TriggerRefresh collapses
// bursts into a single pending poll.
type Poller struct {
	refresher Refresher
	interval  time.Duration
	refreshCh chan struct{}
	logger    *slog.Logger
}

func New(refresher Refresher, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{refresher: refresher, interval: interval, refreshCh: make(chan struct{}, 1), logger: logger}
}

func (p *Poller) TriggerRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

func (p *Poller) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.refreshCh:
			timer.Stop()
		case <-timer.C:
		}
		if err := p.refresher.RefreshDevices(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("device refresh failed", "err", err)
		}
	}
}
