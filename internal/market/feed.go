package market

import (
	"context"
	"fmt"
	"time"

	binance "trend-core/pkg/market/binance"
)

// Feed supplies closed bars for a symbol.
type Feed interface {
	// CurrentBarTime returns the open time of the newest bar, which may
	// still be forming.
	CurrentBarTime(ctx context.Context, symbol, timeframe string) (int64, error)
	// FetchBars returns up to count closed bars, oldest first.
	FetchBars(ctx context.Context, symbol, timeframe string, count int) (Series, error)
}

// BinanceFeed reads klines from the public Binance REST API.
type BinanceFeed struct {
	Client *binance.Client
	Now    func() time.Time
}

// NewBinanceFeed builds a feed over the given client.
func NewBinanceFeed(client *binance.Client) *BinanceFeed {
	return &BinanceFeed{Client: client, Now: time.Now}
}

func (f *BinanceFeed) CurrentBarTime(ctx context.Context, symbol, timeframe string) (int64, error) {
	klines, err := f.Client.GetKlines(ctx, symbol, timeframe, 1)
	if err != nil {
		return 0, err
	}
	if len(klines) == 0 {
		return 0, fmt.Errorf("%s %s: %w", symbol, timeframe, ErrNoBar)
	}
	return klines[len(klines)-1].OpenTime / 1000, nil
}

func (f *BinanceFeed) FetchBars(ctx context.Context, symbol, timeframe string, count int) (Series, error) {
	if count <= 0 {
		return nil, fmt.Errorf("bar count must be positive, got %d", count)
	}
	// One extra to make up for the forming kline that gets dropped.
	klines, err := f.Client.GetKlines(ctx, symbol, timeframe, count+1)
	if err != nil {
		return nil, err
	}

	now := f.Now().UnixMilli()
	bars := make(Series, 0, len(klines))
	for _, k := range klines {
		if !k.Closed(now) {
			continue
		}
		bars = append(bars, Bar{
			Time:   k.OpenTime / 1000,
			Open:   k.Open,
			High:   k.High,
			Low:    k.Low,
			Close:  k.Close,
			Volume: k.Volume,
		})
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol, timeframe, ErrNoBar)
	}
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}
