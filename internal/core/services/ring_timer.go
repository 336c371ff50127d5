package services

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ringTimer emits one ringPulse per interval into the orchestrator inbox.
// Pulses carry the session generation they were started for, so a pulse
// that races with Stop is discarded by the orchestrator.
type ringTimer struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func startRingTimer(ctx context.Context, clk clock.Clock, interval time.Duration, gen uint64, inbox chan<- command) *ringTimer {
	t := &ringTimer{stop: make(chan struct{})}
	ticker := clk.Ticker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-ticker.C:
				select {
				case inbox <- ringPulse{gen: gen}:
				case <-t.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return t
}

func (t *ringTimer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}
