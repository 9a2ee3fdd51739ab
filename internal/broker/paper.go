package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trend-core/internal/market"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	InitialBalance float64
	SlippageBps    float64 // max adverse slippage applied on fills
	Digits         int32   // price precision
	ContractSize   float64 // units per 1.0 lot
	Seed           int64
}

// ClosedPosition records a position the paper venue has closed.
type ClosedPosition struct {
	Position
	ExitPrice float64   `json:"exit_price"`
	Reason    string    `json:"reason"`
	ClosedAt  time.Time `json:"closed_at"`
}

// Paper is an in-memory venue. It wraps a market.Feed so every bar fetch
// marks open positions and fires their stop or target.
type Paper struct {
	feed market.Feed
	cfg  PaperConfig
	log  zerolog.Logger
	now  func() time.Time

	mu         sync.Mutex
	rng        *rand.Rand
	nextTicket int64
	balance    float64
	positions  map[int64]*Position
	closed     []ClosedPosition
	marks      map[string]market.Bar
}

// NewPaper builds a paper venue over feed.
func NewPaper(feed market.Feed, cfg PaperConfig, log zerolog.Logger) *Paper {
	if cfg.Digits <= 0 {
		cfg.Digits = 5
	}
	if cfg.ContractSize <= 0 {
		cfg.ContractSize = 100000
	}
	return &Paper{
		feed:       feed,
		cfg:        cfg,
		log:        log.With().Str("component", "paper").Logger(),
		now:        time.Now,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		nextTicket: 1,
		balance:    cfg.InitialBalance,
		positions:  make(map[int64]*Position),
		marks:      make(map[string]market.Bar),
	}
}

// CurrentBarTime passes through to the wrapped feed.
func (p *Paper) CurrentBarTime(ctx context.Context, symbol, timeframe string) (int64, error) {
	return p.feed.CurrentBarTime(ctx, symbol, timeframe)
}

// FetchBars passes through to the wrapped feed and marks the symbol with
// every bar newer than its previous mark, oldest first.
func (p *Paper) FetchBars(ctx context.Context, symbol, timeframe string, count int) (market.Series, error) {
	bars, err := p.feed.FetchBars(ctx, symbol, timeframe, count)
	if err != nil {
		return nil, err
	}
	p.MarkSeries(symbol, bars)
	return bars, nil
}

// Mark updates the price for symbol and closes positions whose stop or
// target lies inside the bar's range. The stop is assumed to fill first
// when both are touched.
func (p *Paper) Mark(symbol string, bar market.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markLocked(symbol, bar)
}

// MarkSeries marks each bar after the symbol's previous mark in time order,
// so a level touched in any of them fills. With no previous mark only the
// newest bar is used.
func (p *Paper) MarkSeries(symbol string, bars market.Series) {
	last, ok := bars.Last()
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, seen := p.marks[symbol]
	if !seen {
		p.markLocked(symbol, last)
		return
	}
	for _, bar := range bars {
		if bar.Time > prev.Time {
			p.markLocked(symbol, bar)
		}
	}
	if last.Time <= prev.Time {
		p.markLocked(symbol, last)
	}
}

func (p *Paper) markLocked(symbol string, bar market.Bar) {
	if prev, ok := p.marks[symbol]; ok && bar.Time <= prev.Time {
		p.marks[symbol] = bar
		return
	}
	p.marks[symbol] = bar

	for _, ticket := range p.sortedTickets() {
		pos := p.positions[ticket]
		if pos.Symbol != symbol {
			continue
		}
		if price, reason, hit := levelHit(pos, bar); hit {
			p.closeLocked(pos, price, reason)
		}
	}
}

func levelHit(pos *Position, bar market.Bar) (float64, string, bool) {
	if pos.IsLong() {
		if pos.StopLoss > 0 && bar.Low <= pos.StopLoss {
			return pos.StopLoss, "stop_loss", true
		}
		if pos.TakeProfit > 0 && bar.High >= pos.TakeProfit {
			return pos.TakeProfit, "take_profit", true
		}
		return 0, "", false
	}
	if pos.StopLoss > 0 && bar.High >= pos.StopLoss {
		return pos.StopLoss, "stop_loss", true
	}
	if pos.TakeProfit > 0 && bar.Low <= pos.TakeProfit {
		return pos.TakeProfit, "take_profit", true
	}
	return 0, "", false
}

func (p *Paper) OpenPosition(ctx context.Context, req OpenRequest) (int64, error) {
	if req.Volume <= 0 {
		return 0, ErrInvalidVolume
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	mark, ok := p.marks[req.Symbol]
	if !ok {
		return 0, fmt.Errorf("%s: %w", req.Symbol, ErrNoPrice)
	}
	price := p.fill(mark.Close, req.Side, true)
	if !stopsValid(req.Side, price, req.StopLoss, req.TakeProfit) {
		return 0, fmt.Errorf("open %s %s at %v (sl %v tp %v): %w", req.Side, req.Symbol, price, req.StopLoss, req.TakeProfit, ErrInvalidStops)
	}

	pos := &Position{
		Ticket:     p.nextTicket,
		OrderID:    uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Volume,
		EntryPrice: price,
		StopLoss:   p.round(req.StopLoss),
		TakeProfit: p.round(req.TakeProfit),
		Magic:      req.Magic,
		Comment:    req.Comment,
		OpenedAt:   p.now(),
	}
	p.nextTicket++
	p.positions[pos.Ticket] = pos

	p.log.Info().
		Int64("ticket", pos.Ticket).
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("volume", pos.Volume).
		Float64("price", pos.EntryPrice).
		Float64("sl", pos.StopLoss).
		Float64("tp", pos.TakeProfit).
		Msg("paper position opened")
	return pos.Ticket, nil
}

func (p *Paper) ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit *float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok {
		return fmt.Errorf("ticket %d: %w", ticket, ErrPositionNotFound)
	}
	sl, tp := pos.StopLoss, pos.TakeProfit
	if stopLoss != nil {
		sl = p.round(*stopLoss)
	}
	if takeProfit != nil {
		tp = p.round(*takeProfit)
	}
	if sl == pos.StopLoss && tp == pos.TakeProfit {
		return nil
	}
	if mark, ok := p.marks[pos.Symbol]; ok && !stopsValid(pos.Side, mark.Close, sl, tp) {
		return fmt.Errorf("modify ticket %d (sl %v tp %v): %w", ticket, sl, tp, ErrInvalidStops)
	}
	pos.StopLoss, pos.TakeProfit = sl, tp
	return nil
}

func (p *Paper) ClosePosition(ctx context.Context, ticket int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok {
		return fmt.Errorf("ticket %d: %w", ticket, ErrPositionNotFound)
	}
	mark, ok := p.marks[pos.Symbol]
	if !ok {
		return fmt.Errorf("%s: %w", pos.Symbol, ErrNoPrice)
	}
	p.closeLocked(pos, p.fill(mark.Close, pos.Side, false), "manual")
	return nil
}

func (p *Paper) OpenPositions(ctx context.Context, symbol string, magic int64) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Position, 0, len(p.positions))
	for _, ticket := range p.sortedTickets() {
		pos := *p.positions[ticket]
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		if magic != 0 && pos.Magic != magic {
			continue
		}
		pos.Profit = p.unrealised(&pos)
		out = append(out, pos)
	}
	return out, nil
}

// AccountEquity is the realised balance plus unrealised PnL at the last mark.
func (p *Paper) AccountEquity(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.balance
	for _, pos := range p.positions {
		equity += p.unrealised(pos)
	}
	return equity, nil
}

// Balance returns the realised balance.
func (p *Paper) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// Closed returns positions closed so far, oldest first.
func (p *Paper) Closed() []ClosedPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ClosedPosition, len(p.closed))
	copy(out, p.closed)
	return out
}

func (p *Paper) closeLocked(pos *Position, exit float64, reason string) {
	pnl := p.pnl(pos, exit)
	p.balance += pnl
	delete(p.positions, pos.Ticket)

	closed := ClosedPosition{Position: *pos, ExitPrice: exit, Reason: reason, ClosedAt: p.now()}
	closed.Profit = pnl
	p.closed = append(p.closed, closed)

	p.log.Info().
		Int64("ticket", pos.Ticket).
		Str("reason", reason).
		Float64("exit", exit).
		Float64("pnl", pnl).
		Float64("balance", p.balance).
		Msg("paper position closed")
}

func (p *Paper) unrealised(pos *Position) float64 {
	mark, ok := p.marks[pos.Symbol]
	if !ok {
		return 0
	}
	return p.pnl(pos, mark.Close)
}

func (p *Paper) pnl(pos *Position, exit float64) float64 {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(pos.EntryPrice))
	if !pos.IsLong() {
		diff = diff.Neg()
	}
	units := decimal.NewFromFloat(pos.Volume).Mul(decimal.NewFromFloat(p.cfg.ContractSize))
	return diff.Mul(units).Round(2).InexactFloat64()
}

// fill applies adverse slippage. Entering a buy or exiting a sell pays up.
func (p *Paper) fill(price float64, side Side, entering bool) float64 {
	frac := p.cfg.SlippageBps / 10000.0
	if frac > 0 {
		noise := p.rng.Float64() * frac
		if (side == Buy) == entering {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}
	return p.round(price)
}

func (p *Paper) round(price float64) float64 {
	if price == 0 {
		return 0
	}
	return decimal.NewFromFloat(price).Round(p.cfg.Digits).InexactFloat64()
}

func (p *Paper) sortedTickets() []int64 {
	tickets := make([]int64, 0, len(p.positions))
	for t := range p.positions {
		tickets = append(tickets, t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })
	return tickets
}

func stopsValid(side Side, price, sl, tp float64) bool {
	if side == Buy {
		return (sl == 0 || sl < price) && (tp == 0 || tp > price)
	}
	return (sl == 0 || sl > price) && (tp == 0 || tp < price)
}
