package exchange

import (
	"context"
	"sync"
	"time"
)

// Heartbeat runs fn every interval until stopped. It is used for the
// funding refresh once trading is armed.
type Heartbeat struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start replaces any running loop. The first run is one interval away.
func (h *Heartbeat) Start(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	h.Stop()
	if interval <= 0 {
		interval = time.Minute
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				fn(runCtx)
			}
		}
	}()
}

func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}
