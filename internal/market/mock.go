package market

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MockFeed generates a deterministic random-walk bar history for local runs.
// A new bar closes every timeframe of wall-clock time.
type MockFeed struct {
	StartPrice float64
	Step       float64 // max absolute close-to-close move
	History    int     // bars generated behind the first request
	Seed       int64
	Now        func() time.Time

	mu   sync.Mutex
	rng  *rand.Rand
	bars map[string]Series // key: symbol|timeframe
}

// NewMockFeed builds a mock feed with sensible FX-like defaults.
func NewMockFeed(seed int64) *MockFeed {
	return &MockFeed{
		StartPrice: 1.10,
		Step:       0.0015,
		History:    500,
		Seed:       seed,
		Now:        time.Now,
	}
}

func (m *MockFeed) CurrentBarTime(ctx context.Context, symbol, timeframe string) (int64, error) {
	d, err := TimeframeDuration(timeframe)
	if err != nil {
		return 0, err
	}
	return m.now().Truncate(d).Unix(), nil
}

func (m *MockFeed) FetchBars(ctx context.Context, symbol, timeframe string, count int) (Series, error) {
	d, err := TimeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bars := m.extend(symbol+"|"+timeframe, d)
	if len(bars) == 0 {
		return nil, ErrNoBar
	}
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make(Series, len(bars))
	copy(out, bars)
	return out, nil
}

// extend appends every bar that has closed since the last call.
func (m *MockFeed) extend(key string, d time.Duration) Series {
	if m.bars == nil {
		m.bars = make(map[string]Series)
		m.rng = rand.New(rand.NewSource(m.Seed))
	}
	forming := m.now().Truncate(d).Unix()
	step := int64(d / time.Second)

	bars := m.bars[key]
	next := forming - int64(m.history())*step
	price := m.startPrice()
	if last, ok := bars.Last(); ok {
		next = last.Time + step
		price = last.Close
	}
	for t := next; t < forming; t += step {
		b := m.walk(t, price)
		bars = append(bars, b)
		price = b.Close
	}
	m.bars[key] = bars
	return bars
}

func (m *MockFeed) walk(t int64, open float64) Bar {
	step := m.Step
	if step == 0 {
		step = 0.0015
	}
	closePrice := open + (m.rng.Float64()*2-1)*step
	if closePrice <= 0 {
		closePrice = open
	}
	high := max(open, closePrice) + m.rng.Float64()*step/2
	low := min(open, closePrice) - m.rng.Float64()*step/2
	return Bar{
		Time:   t,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closePrice,
		Volume: 100 + m.rng.Float64()*900,
	}
}

func (m *MockFeed) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *MockFeed) history() int {
	if m.History <= 0 {
		return 500
	}
	return m.History
}

func (m *MockFeed) startPrice() float64 {
	if m.StartPrice <= 0 {
		return 1.10
	}
	return m.StartPrice
}
