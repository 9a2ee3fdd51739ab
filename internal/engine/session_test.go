package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trend-core/internal/broker"
	"trend-core/internal/events"
	"trend-core/internal/indicators"
	"trend-core/internal/market"
	"trend-core/internal/risk"
	"trend-core/internal/strategy"
)

const (
	testSymbol = "EURUSD"
	testMagic  = int64(234000)
	baseTime   = int64(1_700_000_000)
)

// pullbackBars is a long uptrend, a shallow 40-bar pullback and one bounce
// bar. The final close is 1.10000 and every bar spans 0.002, so ATR(14) is
// 0.002 and the last bar carries an RSI(14) cross up through 30 above EMA(200).
func pullbackBars() market.Series {
	steps := make([]float64, 0, 291)
	for i := 0; i < 250; i++ {
		steps = append(steps, 0.0005)
	}
	for i := 0; i < 40; i++ {
		steps = append(steps, -0.0001)
	}
	steps = append(steps, 0.0008)

	closes := make([]float64, len(steps)+1)
	closes[len(closes)-1] = 1.1
	for i := len(steps) - 1; i >= 0; i-- {
		closes[i] = closes[i+1] - steps[i]
	}

	bars := make(market.Series, len(closes))
	for i, c := range closes {
		bars[i] = market.Bar{
			Time:  baseTime + int64(i)*3600,
			Open:  c,
			High:  c + 0.001,
			Low:   c - 0.001,
			Close: c,
		}
	}
	return bars
}

type seriesFeed struct {
	mu      sync.Mutex
	bars    market.Series
	err     error
	fetches int
}

func (f *seriesFeed) CurrentBarTime(ctx context.Context, symbol, timeframe string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last, _ := f.bars.Last()
	return last.Time + 3600, nil
}

func (f *seriesFeed) FetchBars(ctx context.Context, symbol, timeframe string, count int) (market.Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	out := f.bars
	if count > 0 && len(out) > count {
		out = out[len(out)-count:]
	}
	return append(market.Series(nil), out...), nil
}

func (f *seriesFeed) push(close, spread float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last, _ := f.bars.Last()
	f.bars = append(f.bars, market.Bar{
		Time: last.Time + 3600, Open: last.Close, High: close + spread, Low: close - spread, Close: close,
	})
}

type memStore struct {
	saved  []risk.PositionState
	loaded []risk.PositionState
	saves  int
}

func (m *memStore) SaveTrailingStates(ctx context.Context, states []risk.PositionState) error {
	m.saves++
	m.saved = states
	return nil
}

func (m *memStore) LoadTrailingStates(ctx context.Context) ([]risk.PositionState, error) {
	return m.loaded, nil
}

// rejectingBroker refuses stop modifications.
type rejectingBroker struct {
	*broker.Paper
}

func (r rejectingBroker) ModifyPosition(ctx context.Context, ticket int64, sl, tp *float64) error {
	return errors.New("modification rejected")
}

type harness struct {
	feed    *seriesFeed
	paper   *broker.Paper
	bus     *events.Bus
	store   *memStore
	session *Session
}

func newHarness(t *testing.T, wrap func(*broker.Paper) broker.Broker) *harness {
	t.Helper()
	feed := &seriesFeed{bars: pullbackBars()}
	paper := broker.NewPaper(feed, broker.PaperConfig{InitialBalance: 10000, Digits: 5, ContractSize: 100000}, zerolog.Nop())
	var b broker.Broker = paper
	if wrap != nil {
		b = wrap(paper)
	}
	bus := events.NewBus()
	store := &memStore{}

	s := NewSession(Config{
		Symbol:       testSymbol,
		Timeframe:    "1h",
		StrategyID:   testMagic,
		LotSize:      0.01,
		BarsToFetch:  300,
		PollInterval: 10 * time.Millisecond,
		Periods:      indicators.DefaultPeriods(),
	}, Deps{
		Feed:     paper,
		Broker:   b,
		Signals:  strategy.NewGenerator(strategy.SignalConfig{EMAPeriod: 200, RSIPeriod: 14, Oversold: 30, Overbought: 70}),
		Levels:   risk.NewManager(risk.DefaultConfig()),
		Trailing: risk.NewTrailingStopManager(risk.DefaultTrailingConfig()),
		Kill:     risk.NewKillSwitch(b, 0.05, testMagic, zerolog.Nop()),
		Bus:      bus,
		Store:    store,
		Log:      zerolog.Nop(),
	})
	return &harness{feed: feed, paper: paper, bus: bus, store: store, session: s}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func drain(ch <-chan any) []any {
	var out []any
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestOnBarOpensLongWithATRLevels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	opened, unsub := h.bus.Subscribe(events.EventPositionOpened, 4)
	defer unsub()

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.session.OnBar(ctx); err != nil {
		t.Fatalf("OnBar error: %v", err)
	}

	positions, err := h.paper.OpenPositions(ctx, testSymbol, testMagic)
	if err != nil || len(positions) != 1 {
		t.Fatalf("expected one open position, got %d (%v)", len(positions), err)
	}
	pos := positions[0]
	if pos.Side != broker.Buy || pos.Comment != "LONG RSI+EMA" || pos.Volume != 0.01 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if !near(pos.EntryPrice, 1.1) || !near(pos.StopLoss, 1.097) || !near(pos.TakeProfit, 1.104) {
		t.Fatalf("levels: entry=%v sl=%v tp=%v", pos.EntryPrice, pos.StopLoss, pos.TakeProfit)
	}

	st, ok := h.session.trailing.Get(pos.Ticket)
	if !ok {
		t.Fatalf("ticket %d not tracked", pos.Ticket)
	}
	if !st.IsLong || !near(st.RiskDistance, 0.003) || st.IsBreakeven {
		t.Fatalf("unexpected trailing state %+v", st)
	}

	evts := drain(opened)
	if len(evts) != 1 {
		t.Fatalf("expected one position.opened event, got %d", len(evts))
	}
	if e := evts[0].(events.PositionOpened); e.Direction != "LONG" || e.Ticket != pos.Ticket {
		t.Fatalf("unexpected event %+v", e)
	}

	status := h.session.Status()
	if status.LastSignal != "LONG" || status.BarsProcessed != 1 || status.TrackedPositions != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
	if !status.Indicators.EMA.Valid || !status.Indicators.ATR.Valid {
		t.Fatalf("indicators not populated: %+v", status.Indicators)
	}
	if h.store.saves == 0 || len(h.store.saved) != 1 {
		t.Fatalf("trailing states not persisted: saves=%d states=%d", h.store.saves, len(h.store.saved))
	}

	// Same history again: a position is open so no second entry.
	if err := h.session.OnBar(ctx); err != nil {
		t.Fatalf("second OnBar error: %v", err)
	}
	positions, _ = h.paper.OpenPositions(ctx, testSymbol, testMagic)
	if len(positions) != 1 {
		t.Fatalf("expected still one position, got %d", len(positions))
	}
}

func TestOnBarMovesStopToBreakevenThenTrails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	be, unsub := h.bus.Subscribe(events.EventBreakeven, 4)
	defer unsub()

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.session.OnBar(ctx); err != nil {
		t.Fatalf("OnBar error: %v", err)
	}

	h.feed.push(1.1031, 0.0005)
	if err := h.session.OnBar(ctx); err != nil {
		t.Fatalf("OnBar error: %v", err)
	}
	positions, _ := h.paper.OpenPositions(ctx, testSymbol, testMagic)
	if len(positions) != 1 {
		t.Fatalf("expected one position, got %d", len(positions))
	}
	if !near(positions[0].StopLoss, 1.1) {
		t.Fatalf("stop = %v, want breakeven 1.1", positions[0].StopLoss)
	}
	if got := drain(be); len(got) != 1 {
		t.Fatalf("expected one breakeven event, got %d", len(got))
	}

	h.feed.push(1.1033, 0.0005)
	if err := h.session.OnBar(ctx); err != nil {
		t.Fatalf("OnBar error: %v", err)
	}
	positions, _ = h.paper.OpenPositions(ctx, testSymbol, testMagic)
	st, _ := h.session.trailing.Get(positions[0].Ticket)
	// broker prices carry five digits
	if positions[0].StopLoss <= 1.1 || math.Abs(positions[0].StopLoss-st.CurrentStop) > 1e-5 {
		t.Fatalf("stop did not trail: broker=%v tracked=%v", positions[0].StopLoss, st.CurrentStop)
	}
}

func TestOnBarRollsBackRejectedModification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(p *broker.Paper) broker.Broker { return rejectingBroker{p} })

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.session.OnBar(ctx); err != nil {
		t.Fatalf("OnBar error: %v", err)
	}
	h.feed.push(1.1031, 0.0005)
	if err := h.session.OnBar(ctx); err != nil {
		t.Fatalf("OnBar error: %v", err)
	}

	states := h.session.TrailingStates()
	if len(states) != 1 {
		t.Fatalf("expected one tracked state, got %d", len(states))
	}
	if states[0].IsBreakeven || !near(states[0].CurrentStop, 1.097) {
		t.Fatalf("state should be unchanged after rejection: %+v", states[0])
	}
}

func TestOnBarUnregistersClosedTicket(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	closed, unsub := h.bus.Subscribe(events.EventPositionClosed, 4)
	defer unsub()

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.session.OnBar(ctx); err != nil {
		t.Fatalf("OnBar error: %v", err)
	}
	positions, _ := h.paper.OpenPositions(ctx, testSymbol, testMagic)
	if err := h.paper.ClosePosition(ctx, positions[0].Ticket); err != nil {
		t.Fatalf("ClosePosition error: %v", err)
	}

	h.feed.push(1.1001, 0.0005)
	if err := h.session.OnBar(ctx); err != nil {
		t.Fatalf("OnBar error: %v", err)
	}
	if n := h.session.trailing.Len(); n != 0 {
		t.Fatalf("expected no tracked tickets, got %d", n)
	}
	got := drain(closed)
	if len(got) != 1 || got[0].(events.PositionClosed).Ticket != positions[0].Ticket {
		t.Fatalf("unexpected position.closed events %+v", got)
	}
}

func TestOnBarAdoptsUntrackedPosition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if _, err := h.paper.FetchBars(ctx, testSymbol, "1h", 1); err != nil {
		t.Fatalf("FetchBars error: %v", err)
	}
	ticket, err := h.paper.OpenPosition(ctx, broker.OpenRequest{
		Symbol: testSymbol, Side: broker.Sell, Volume: 0.01, StopLoss: 1.103, TakeProfit: 1.096, Magic: testMagic,
	})
	if err != nil {
		t.Fatalf("OpenPosition error: %v", err)
	}

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.session.OnBar(ctx); err != nil {
		t.Fatalf("OnBar error: %v", err)
	}
	st, ok := h.session.trailing.Get(ticket)
	if !ok {
		t.Fatalf("ticket %d was not adopted", ticket)
	}
	if st.IsLong || !near(st.RiskDistance, 0.003) {
		t.Fatalf("unexpected adopted state %+v", st)
	}
	positions, _ := h.paper.OpenPositions(ctx, testSymbol, testMagic)
	if len(positions) != 1 {
		t.Fatalf("adopted position must block new entries, got %d positions", len(positions))
	}
}

// openTrailedPosition opens a position at 1.1, walks price 0.006 into profit
// and leaves the broker stop 0.003 past entry, as a trailed position looks
// after a restart that lost its tracked state.
func openTrailedPosition(t *testing.T, h *harness, side broker.Side) int64 {
	t.Helper()
	ctx := context.Background()
	if _, err := h.paper.FetchBars(ctx, testSymbol, "1h", 300); err != nil {
		t.Fatalf("FetchBars error: %v", err)
	}
	sl, step := 1.097, 0.003
	if side == broker.Sell {
		sl, step = 1.103, -0.003
	}
	ticket, err := h.paper.OpenPosition(ctx, broker.OpenRequest{
		Symbol: testSymbol, Side: side, Volume: 0.01, StopLoss: sl, Magic: testMagic,
	})
	if err != nil {
		t.Fatalf("OpenPosition error: %v", err)
	}
	h.feed.push(1.1+step, 0.0005)
	h.feed.push(1.1+2*step, 0.0005)
	if _, err := h.paper.FetchBars(ctx, testSymbol, "1h", 300); err != nil {
		t.Fatalf("FetchBars error: %v", err)
	}
	trailed := 1.1 + step
	if err := h.paper.ModifyPosition(ctx, ticket, &trailed, nil); err != nil {
		t.Fatalf("ModifyPosition error: %v", err)
	}
	return ticket
}

func TestOnBarAdoptedTrailedStopNeverRetreats(t *testing.T) {
	tests := []struct {
		name string
		side broker.Side
		stop float64
	}{
		{"long", broker.Buy, 1.103},
		{"short", broker.Sell, 1.097},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, nil)
			be, unsub := h.bus.Subscribe(events.EventBreakeven, 4)
			defer unsub()
			ticket := openTrailedPosition(t, h, tt.side)

			if err := h.session.Start(ctx); err != nil {
				t.Fatalf("Start error: %v", err)
			}
			if err := h.session.OnBar(ctx); err != nil {
				t.Fatalf("OnBar error: %v", err)
			}

			positions, _ := h.paper.OpenPositions(ctx, testSymbol, testMagic)
			if len(positions) != 1 {
				t.Fatalf("expected the adopted position to stay open, got %d", len(positions))
			}
			got := positions[0].StopLoss
			if (tt.side == broker.Buy && got < tt.stop) || (tt.side == broker.Sell && got > tt.stop) {
				t.Fatalf("broker stop retreated from %v to %v", tt.stop, got)
			}
			st, ok := h.session.trailing.Get(ticket)
			if !ok {
				t.Fatalf("ticket %d was not adopted", ticket)
			}
			if st.IsLong != (tt.side == broker.Buy) || !st.IsBreakeven || !st.IsTrailing || st.RiskDistance <= 0 {
				t.Fatalf("unexpected adopted state %+v", st)
			}
			if evts := drain(be); len(evts) != 0 {
				t.Fatalf("breakeven must not fire for a stop already past entry: %+v", evts)
			}
		})
	}
}

func TestOnBarFeedErrorSkipsBar(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	h.feed.err = errors.New("feed down")

	err := h.session.OnBar(ctx)
	if err == nil || errors.Is(err, ErrHalted) {
		t.Fatalf("expected feed error, got %v", err)
	}
	if positions, _ := h.paper.OpenPositions(ctx, "", 0); len(positions) != 0 {
		t.Fatalf("no position expected, got %d", len(positions))
	}
	if h.session.Halted() {
		t.Fatalf("feed errors must not halt the session")
	}
}

func TestTripKillSwitchLiquidatesOnNextBar(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	killed, unsub := h.bus.Subscribe(events.EventKillSwitchKilled, 2)
	defer unsub()

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.session.OnBar(ctx); err != nil {
		t.Fatalf("OnBar error: %v", err)
	}

	if !h.session.TripKillSwitch("manual") {
		t.Fatalf("first trip should succeed")
	}
	if h.session.TripKillSwitch("again") {
		t.Fatalf("second trip should report already triggered")
	}

	if err := h.session.OnBar(ctx); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
	if positions, _ := h.paper.OpenPositions(ctx, "", 0); len(positions) != 0 {
		t.Fatalf("kill must close every strategy position, %d left", len(positions))
	}
	if !h.session.Halted() || h.session.trailing.Len() != 0 {
		t.Fatalf("session should be halted with nothing tracked")
	}
	got := drain(killed)
	if len(got) != 1 || got[0].(events.KillSwitchChanged).Closed != 1 {
		t.Fatalf("unexpected kill events %+v", got)
	}
	if err := h.session.OnBar(ctx); !errors.Is(err, ErrHalted) {
		t.Fatalf("halted session must stay halted, got %v", err)
	}
}

// listFailBroker fails position listing while fail is set.
type listFailBroker struct {
	*broker.Paper
	fail bool
}

func (b *listFailBroker) OpenPositions(ctx context.Context, symbol string, magic int64) ([]broker.Position, error) {
	if b.fail {
		return nil, errors.New("positions unavailable")
	}
	return b.Paper.OpenPositions(ctx, symbol, magic)
}

func TestIncompleteKillIsRetried(t *testing.T) {
	ctx := context.Background()
	var lb *listFailBroker
	h := newHarness(t, func(p *broker.Paper) broker.Broker {
		lb = &listFailBroker{Paper: p}
		return lb
	})
	alerts, unsub := h.bus.Subscribe(events.EventRiskAlert, 4)
	defer unsub()

	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := h.session.OnBar(ctx); err != nil {
		t.Fatalf("OnBar error: %v", err)
	}
	h.session.TripKillSwitch("manual")

	lb.fail = true
	err := h.session.OnBar(ctx)
	if err == nil || errors.Is(err, ErrHalted) {
		t.Fatalf("expected a kill execution error, got %v", err)
	}
	if h.session.Halted() || h.session.trailing.Len() != 1 {
		t.Fatalf("failed liquidation must leave the session running and tracking")
	}
	if positions, _ := h.paper.OpenPositions(ctx, "", 0); len(positions) != 1 {
		t.Fatalf("expected the position to remain open, got %d", len(positions))
	}
	if got := drain(alerts); len(got) != 1 {
		t.Fatalf("expected one risk alert, got %d", len(got))
	}

	lb.fail = false
	if err := h.session.OnBar(ctx); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted after the retry, got %v", err)
	}
	if positions, _ := h.paper.OpenPositions(ctx, "", 0); len(positions) != 0 {
		t.Fatalf("retry must close the position, %d left", len(positions))
	}
	if !h.session.Halted() || h.session.trailing.Len() != 0 {
		t.Fatalf("session should be halted with nothing tracked")
	}
}

type equityBroker struct {
	broker.Broker
	mu     sync.Mutex
	equity float64
}

func (e *equityBroker) AccountEquity(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equity, nil
}

func TestDrawdownHaltsBeforeFetchingBars(t *testing.T) {
	ctx := context.Background()
	var eb *equityBroker
	h := newHarness(t, func(p *broker.Paper) broker.Broker {
		eb = &equityBroker{Broker: p, equity: 10000}
		return eb
	})
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	eb.mu.Lock()
	eb.equity = 9400
	eb.mu.Unlock()

	if err := h.session.OnBar(ctx); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
	if h.feed.fetches != 0 {
		t.Fatalf("bars fetched %d times after trigger", h.feed.fetches)
	}
	ks := h.session.KillSwitch()
	if ks.State != risk.Triggered || !ks.Executed {
		t.Fatalf("unexpected kill status %+v", ks)
	}
}

func TestStartRestoresTrailingState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.store.loaded = []risk.PositionState{{
		Ticket: 7, EntryPrice: 1.1, InitialStop: 1.097, CurrentStop: 1.1, RiskDistance: 0.003,
		IsLong: true, IsBreakeven: true, IsTrailing: true,
	}}
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	st, ok := h.session.trailing.Get(7)
	if !ok || !st.IsBreakeven {
		t.Fatalf("restored state missing: %+v %v", st, ok)
	}

	// The broker has no ticket 7, so the first bar drops it.
	if err := h.session.OnBar(ctx); err != nil {
		t.Fatalf("OnBar error: %v", err)
	}
	if _, ok := h.session.trailing.Get(7); ok {
		t.Fatalf("stale restored ticket should be unregistered")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	stopped, unsub := h.bus.Subscribe(events.EventSessionStopped, 1)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.session.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	if n := h.session.Status().BarsProcessed; n != 0 {
		t.Fatalf("bar current at startup must not be traded, got %d cycles", n)
	}
	h.feed.push(1.1001, 0.0005)

	deadline := time.After(2 * time.Second)
	for h.session.Status().BarsProcessed == 0 {
		select {
		case <-deadline:
			t.Fatalf("no bar processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	select {
	case v := <-stopped:
		if v.(events.SessionChanged).Balance != 10000 {
			t.Fatalf("unexpected final balance %+v", v)
		}
	default:
		t.Fatalf("session.stopped not published")
	}
	if n := h.session.Status().BarsProcessed; n != 1 {
		t.Fatalf("unchanged bar time must not be reprocessed, got %d cycles", n)
	}
}
