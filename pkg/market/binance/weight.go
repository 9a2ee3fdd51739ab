package market

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UsedWeightHeader reports the request weight consumed in the current minute.
const UsedWeightHeader = "X-MBX-USED-WEIGHT-1M"

// WeightTracker follows Binance request-weight usage from response headers
// and holds callers back once usage nears the limit.
type WeightTracker struct {
	limit  int
	window time.Duration
	log    zerolog.Logger

	mu        sync.RWMutex
	used      int
	lastReset time.Time
}

// NewWeightTracker creates a tracker. limit is the per-window weight budget
// (1200 per minute for spot).
func NewWeightTracker(limit int, window time.Duration, log zerolog.Logger) *WeightTracker {
	return &WeightTracker{limit: limit, window: window, log: log, lastReset: time.Now()}
}

// Update records the weight reported by a response header.
func (w *WeightTracker) Update(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	if time.Since(w.lastReset) >= w.window {
		w.lastReset = time.Now()
	}
	w.used = weight
	w.mu.Unlock()

	_, limit, pct := w.Usage()
	switch {
	case pct >= 95:
		w.log.Error().Int("used", weight).Int("limit", limit).Msg("binance request weight critical")
	case pct >= 80:
		w.log.Warn().Int("used", weight).Int("limit", limit).Msg("binance request weight high")
	}
}

// Usage returns the weight used in the current window.
func (w *WeightTracker) Usage() (used, limit int, percentage float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if time.Since(w.lastReset) >= w.window || w.limit <= 0 {
		return 0, w.limit, 0
	}
	return w.used, w.limit, float64(w.used) / float64(w.limit) * 100
}

// Wait blocks while usage is at or above 90% until the window rolls over.
func (w *WeightTracker) Wait(ctx context.Context) error {
	if _, _, pct := w.Usage(); pct < 90 {
		return nil
	}
	w.mu.RLock()
	resetAt := w.lastReset.Add(w.window)
	w.mu.RUnlock()

	timer := time.NewTimer(time.Until(resetAt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
