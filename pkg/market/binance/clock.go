package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServerClock tracks the offset between the local clock and the exchange.
// Closed-bar decisions use it so a skewed host does not read a forming
// kline as closed.
type ServerClock struct {
	fetch    func(ctx context.Context) (int64, error)
	interval time.Duration
	log      zerolog.Logger
	local    func() time.Time

	mu       sync.RWMutex
	offset   time.Duration // server - local
	lastSync time.Time
}

// NewServerClock builds a clock around a server-time fetcher returning
// epoch milliseconds, such as Client.GetServerTime.
func NewServerClock(fetch func(ctx context.Context) (int64, error), log zerolog.Logger) *ServerClock {
	return &ServerClock{
		fetch:    fetch,
		interval: 30 * time.Minute,
		log:      log.With().Str("component", "server_clock").Logger(),
		local:    time.Now,
	}
}

// Start syncs once and then periodically until ctx is done.
func (c *ServerClock) Start(ctx context.Context) {
	if err := c.Sync(ctx); err != nil {
		c.log.Warn().Err(err).Msg("initial time sync failed")
	}
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Sync(ctx); err != nil {
					c.log.Warn().Err(err).Msg("time sync failed")
				}
			}
		}
	}()
}

// Sync measures the offset assuming symmetric network latency.
func (c *ServerClock) Sync(ctx context.Context) error {
	before := c.local()
	serverMs, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	after := c.local()
	mid := before.Add(after.Sub(before) / 2)

	offset := time.UnixMilli(serverMs).Sub(mid)
	c.mu.Lock()
	c.offset = offset
	c.lastSync = after
	c.mu.Unlock()

	c.log.Debug().Dur("offset", offset).Msg("time synced")
	return nil
}

// Now returns local time corrected by the last measured offset.
func (c *ServerClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local().Add(c.offset)
}

func (c *ServerClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
