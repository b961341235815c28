package loyalty

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Expirer periodically runs the points expiration job in-process. The
// primary trigger remains an external scheduler hitting the admin endpoint;
// the Expirer covers deployments without one.
type Expirer struct {
	svc      *Service
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewExpirer creates an expirer running at the given interval.
// A non-positive interval disables it.
func NewExpirer(svc *Service, interval time.Duration) *Expirer {
	return &Expirer{
		svc:      svc,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the expiration loop
func (e *Expirer) Start() {
	if e.interval <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLoop()
	}()
}

// Stop stops the expiration loop and waits for the current run to finish
func (e *Expirer) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// runLoop is the main expiration loop
func (e *Expirer) runLoop() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := e.svc.ExpirePoints(ctx); err != nil {
				slog.Error("scheduled points expiration failed", "error", err)
			}
			cancel()
		case <-e.stopCh:
			return
		}
	}
}
