package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trend-core/internal/broker"
	"trend-core/internal/events"
	"trend-core/internal/indicators"
	"trend-core/internal/market"
	"trend-core/internal/monitor"
	"trend-core/internal/risk"
	"trend-core/internal/strategy"
)

// Deps are the collaborators a session drives.
type Deps struct {
	Feed     market.Feed
	Broker   broker.Broker
	Signals  *strategy.Generator
	Levels   *risk.Manager
	Trailing *risk.TrailingStopManager
	Kill     *risk.KillSwitch
	Bus      *events.Bus      // optional
	Metrics  *monitor.Metrics // optional
	Store    StateStore       // optional
	Log      zerolog.Logger
}

// Session runs the bar pipeline for one instrument. Only the goroutine
// inside Run (or a direct OnBar caller) mutates trading state; the API
// reads through the mutex-guarded status.
type Session struct {
	cfg        Config
	feed       market.Feed
	broker     broker.Broker
	indicators *indicators.Engine
	signals    *strategy.Generator
	levels     *risk.Manager
	trailing   *risk.TrailingStopManager
	kill       *risk.KillSwitch
	bus        *events.Bus
	metrics    *monitor.Metrics
	store      StateStore
	log        zerolog.Logger
	now        func() time.Time

	started     bool
	lastBarTime int64
	unmanaged   map[int64]bool // open tickets reported as untrailable
	killClosed  int            // positions closed across kill passes

	mu     sync.RWMutex
	status Status
}

// NewSession wires a session. A blank SessionID gets a random one.
func NewSession(cfg Config, d Deps) *Session {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	s := &Session{
		cfg:        cfg,
		feed:       d.Feed,
		broker:     d.Broker,
		indicators: indicators.NewEngine(cfg.Periods),
		signals:    d.Signals,
		levels:     d.Levels,
		trailing:   d.Trailing,
		kill:       d.Kill,
		bus:        d.Bus,
		metrics:    d.Metrics,
		store:      d.Store,
		log:        d.Log.With().Str("session", cfg.SessionID).Str("symbol", cfg.Symbol).Logger(),
		now:        time.Now,
		unmanaged:  make(map[int64]bool),
	}
	s.status = Status{
		SessionID:  cfg.SessionID,
		Symbol:     cfg.Symbol,
		Timeframe:  cfg.Timeframe,
		StrategyID: cfg.StrategyID,
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.SessionID }

// Start arms the kill switch, restores persisted trailing state and records
// the current bar so that only bars opening after startup are traded. Run
// calls it when it has not been called yet.
func (s *Session) Start(ctx context.Context) error {
	if err := s.kill.Initialize(ctx); err != nil {
		return err
	}
	s.started = true
	ks := s.kill.Status()
	s.metrics.SetKillState(string(ks.State))
	s.metrics.SetAccount(ks.StartingEquity, 0)

	if s.store != nil {
		states, err := s.store.LoadTrailingStates(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("trailing state restore failed")
		} else if n := s.trailing.Restore(states); n > 0 {
			s.log.Info().Int("restored", n).Msg("trailing states restored")
		}
	}

	if cur, err := s.feed.CurrentBarTime(ctx, s.cfg.Symbol, s.cfg.Timeframe); err != nil {
		s.log.Warn().Err(err).Msg("current bar time unavailable at start")
	} else {
		s.lastBarTime = cur
	}

	s.mu.Lock()
	s.status.StartedAt = s.now()
	s.mu.Unlock()

	s.publish(events.EventSessionStarted, events.SessionChanged{
		SessionID: s.cfg.SessionID,
		Symbol:    s.cfg.Symbol,
		Timeframe: s.cfg.Timeframe,
		Magic:     s.cfg.StrategyID,
		Equity:    ks.StartingEquity,
		At:        s.now(),
	})
	s.publish(events.EventKillSwitchArmed, s.killEvent(ks, 0, 0))

	s.log.Info().
		Str("timeframe", s.cfg.Timeframe).
		Int64("magic", s.cfg.StrategyID).
		Float64("starting_equity", ks.StartingEquity).
		Msg("session started")
	return nil
}

// Run polls for new bars until ctx is cancelled or the kill switch halts
// the session. Cancellation is only observed between bar cycles.
func (s *Session) Run(ctx context.Context) error {
	if !s.started {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx); errors.Is(err, ErrHalted) {
			s.shutdown(context.WithoutCancel(ctx))
			return ErrHalted
		}
		select {
		case <-ctx.Done():
			s.shutdown(context.WithoutCancel(ctx))
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Session) poll(ctx context.Context) error {
	if s.kill.IsTriggered() {
		return s.OnBar(ctx)
	}
	cur, err := s.feed.CurrentBarTime(ctx, s.cfg.Symbol, s.cfg.Timeframe)
	if err != nil {
		s.metrics.FeedError()
		s.log.Warn().Err(err).Msg("current bar time unavailable")
		return nil
	}
	if cur == s.lastBarTime {
		return nil
	}
	s.lastBarTime = cur
	s.log.Debug().Int64("bar_time", cur).Msg("new bar")

	err = s.OnBar(ctx)
	if err != nil && !errors.Is(err, ErrHalted) {
		s.log.Warn().Err(err).Msg("bar skipped")
		s.setError(err)
	}
	return err
}

// OnBar runs one pipeline cycle: kill switch, data, trailing stops, then at
// most one new entry. A returned error other than ErrHalted means the bar
// was abandoned and the next one should be tried.
func (s *Session) OnBar(ctx context.Context) error {
	begin := s.now()
	if s.Halted() {
		return ErrHalted
	}

	if s.checkKill(ctx) {
		return s.executeKill(ctx)
	}

	bars, err := s.feed.FetchBars(ctx, s.cfg.Symbol, s.cfg.Timeframe, s.cfg.BarsToFetch)
	if err != nil {
		s.metrics.FeedError()
		return fmt.Errorf("fetch bars: %w", err)
	}
	last, ok := bars.Last()
	if !ok {
		return fmt.Errorf("fetch bars: %w", market.ErrNoBar)
	}
	snap := s.indicators.Snapshot(bars.Highs(), bars.Lows(), bars.Closes())
	atr := snap.ATR.Or(0)

	positions, err := s.broker.OpenPositions(ctx, s.cfg.Symbol, s.cfg.StrategyID)
	if err != nil {
		s.metrics.BrokerError("positions")
		return fmt.Errorf("open positions: %w", err)
	}
	s.reconcile(positions, atr)

	if atr > 0 {
		for _, pos := range positions {
			s.trail(ctx, pos, last.Close, atr)
		}
	}
	open := len(positions)
	defer func() { s.finishBar(ctx, last, snap, open, begin) }()

	if open > 0 {
		return nil
	}

	sig := s.signals.Generate(bars.Closes())
	if !sig.Valid() {
		return nil
	}
	s.metrics.Signal(sig.Direction.String())
	s.setSignal(sig, last.Time)
	s.publish(events.EventSignal, events.SignalEmitted{
		Symbol:    s.cfg.Symbol,
		BarTime:   last.Time,
		Direction: sig.Direction.String(),
		Entry:     sig.Entry,
		EMA:       sig.EMA,
		RSI:       sig.RSI,
	})
	s.log.Info().
		Str("direction", sig.Direction.String()).
		Float64("entry", sig.Entry).
		Float64("ema", sig.EMA).
		Float64("rsi", sig.RSI).
		Msg("signal")

	lv, err := s.levels.CalculateLevels(sig.Direction, sig.Entry, bars)
	if err != nil {
		return fmt.Errorf("risk levels: %w", err)
	}
	s.publish(events.EventRiskLevels, events.LevelsComputed{
		Symbol:       s.cfg.Symbol,
		Direction:    sig.Direction.String(),
		Entry:        sig.Entry,
		StopLoss:     lv.StopLoss,
		TakeProfit:   lv.TakeProfit,
		ATR:          lv.ATR,
		RiskDistance: lv.RiskDistance,
	})

	if err := s.enter(ctx, sig, lv); err != nil {
		return err
	}
	open++
	return nil
}

func (s *Session) enter(ctx context.Context, sig strategy.Signal, lv risk.Levels) error {
	side := broker.Buy
	if sig.Direction == strategy.Short {
		side = broker.Sell
	}
	comment := sig.Direction.String() + " RSI+EMA"

	ticket, err := s.broker.OpenPosition(ctx, broker.OpenRequest{
		Symbol:     s.cfg.Symbol,
		Side:       side,
		Volume:     s.cfg.LotSize,
		StopLoss:   lv.StopLoss,
		TakeProfit: lv.TakeProfit,
		Magic:      s.cfg.StrategyID,
		Comment:    comment,
	})
	s.metrics.Order(sig.Direction.String(), err)
	if err != nil {
		s.metrics.BrokerError("open")
		return fmt.Errorf("open position: %w", err)
	}

	if _, err := s.trailing.Register(ticket, sig.Entry, lv.StopLoss, lv.RiskDistance); err != nil {
		return fmt.Errorf("register ticket %d: %w", ticket, err)
	}

	s.publish(events.EventPositionOpened, events.PositionOpened{
		SessionID:    s.cfg.SessionID,
		Ticket:       ticket,
		Symbol:       s.cfg.Symbol,
		Direction:    sig.Direction.String(),
		Volume:       s.cfg.LotSize,
		Entry:        sig.Entry,
		StopLoss:     lv.StopLoss,
		TakeProfit:   lv.TakeProfit,
		RiskDistance: lv.RiskDistance,
		Comment:      comment,
		At:           s.now(),
	})
	s.log.Info().
		Int64("ticket", ticket).
		Str("side", string(side)).
		Float64("sl", lv.StopLoss).
		Float64("tp", lv.TakeProfit).
		Float64("atr", lv.ATR).
		Msg("position opened")
	return nil
}

// trail applies one trailing update and pushes a moved stop to the broker.
// A rejected modification rolls the tracked state back.
func (s *Session) trail(ctx context.Context, pos broker.Position, price, atr float64) {
	prev, ok := s.trailing.Get(pos.Ticket)
	if !ok {
		return
	}
	upd, changed, err := s.trailing.Update(pos.Ticket, price, atr, pos.IsLong())
	if err != nil {
		s.log.Warn().Err(err).Int64("ticket", pos.Ticket).Msg("trailing update failed")
		return
	}
	if !changed {
		return
	}

	stop := upd.Stop
	if err := s.broker.ModifyPosition(ctx, pos.Ticket, &stop, nil); err != nil {
		s.metrics.BrokerError("modify")
		s.trailing.Restore([]risk.PositionState{prev})
		s.log.Error().Err(err).Int64("ticket", pos.Ticket).Float64("stop", stop).Msg("stop modification rejected")
		s.publish(events.EventRiskAlert, fmt.Sprintf("%s ticket %d: stop move to %.5f rejected: %v", s.cfg.Symbol, pos.Ticket, stop, err))
		return
	}

	s.metrics.StopMoved(string(upd.Reason))
	evt := events.StopModified{
		SessionID: s.cfg.SessionID,
		Ticket:    pos.Ticket,
		Previous:  upd.Previous,
		Stop:      upd.Stop,
		Reason:    string(upd.Reason),
		ProfitRR:  upd.ProfitRR,
		At:        s.now(),
	}
	s.publish(events.EventStopModified, evt)
	if upd.Reason == risk.ReasonBreakeven {
		s.publish(events.EventBreakeven, evt)
	}
	s.log.Info().
		Int64("ticket", pos.Ticket).
		Str("reason", string(upd.Reason)).
		Float64("from", upd.Previous).
		Float64("to", upd.Stop).
		Float64("rr", upd.ProfitRR).
		Msg("stop moved")
}

// reconcile drops tracking for tickets the broker no longer reports and
// adopts strategy positions that are not tracked yet.
func (s *Session) reconcile(positions []broker.Position, atr float64) {
	open := make(map[int64]bool, len(positions))
	for _, pos := range positions {
		open[pos.Ticket] = true
		if _, ok := s.trailing.Get(pos.Ticket); ok {
			continue
		}
		if pos.StopLoss <= 0 {
			if !s.unmanaged[pos.Ticket] {
				s.unmanaged[pos.Ticket] = true
				s.log.Warn().Int64("ticket", pos.Ticket).Msg("untracked position without a usable stop; not trailing it")
				s.publish(events.EventRiskAlert, fmt.Sprintf("%s ticket %d has no usable stop loss", s.cfg.Symbol, pos.Ticket))
			}
			continue
		}
		// A stop already at or past entry says nothing about the original
		// risk, so the current ATR stop distance stands in for it.
		dir := strategy.Short
		if pos.IsLong() {
			dir = strategy.Long
		}
		fallback := 0.0
		if lv, err := s.levels.LevelsFromATR(dir, pos.EntryPrice, atr); err == nil {
			fallback = lv.RiskDistance
		}
		st, err := s.trailing.Adopt(pos.Ticket, pos.EntryPrice, pos.StopLoss, pos.IsLong(), fallback)
		if err != nil {
			s.log.Debug().Err(err).Int64("ticket", pos.Ticket).Msg("adoption deferred")
			continue
		}
		s.log.Info().Int64("ticket", pos.Ticket).Str("phase", st.Phase()).Msg("adopted untracked position")
	}

	for ticket := range s.unmanaged {
		if !open[ticket] {
			delete(s.unmanaged, ticket)
		}
	}
	for _, ticket := range s.trailing.Tickets() {
		if open[ticket] {
			continue
		}
		s.trailing.Unregister(ticket)
		s.publish(events.EventPositionClosed, events.PositionClosed{
			SessionID: s.cfg.SessionID,
			Ticket:    ticket,
			Symbol:    s.cfg.Symbol,
			Reason:    "closed",
			At:        s.now(),
		})
		s.log.Info().Int64("ticket", ticket).Msg("position closed")
	}
}

func (s *Session) checkKill(ctx context.Context) bool {
	wasTriggered := s.kill.IsTriggered()
	triggered := s.kill.Check(ctx)
	ks := s.kill.Status()
	s.metrics.SetKillState(string(ks.State))
	if ks.LastEquity > 0 {
		s.metrics.SetAccount(ks.LastEquity, ks.Drawdown)
	}
	if triggered && !wasTriggered {
		s.publish(events.EventKillSwitchFired, s.killEvent(ks, 0, 0))
	}
	return triggered
}

// executeKill liquidates the strategy's positions. An incomplete pass leaves
// the session running so the next poll retries it; ErrHalted means done.
func (s *Session) executeKill(ctx context.Context) error {
	rep, err := s.kill.ExecuteKill(ctx)
	if err == nil && len(rep.Errors) > 0 {
		err = errors.Join(rep.Errors...)
	}
	s.killClosed += rep.Closed
	if err != nil {
		s.metrics.BrokerError("kill")
		s.log.Error().Err(err).Int("closed", rep.Closed).Int("attempted", rep.Attempted).Msg("kill execution incomplete; retrying")
		s.publish(events.EventRiskAlert, fmt.Sprintf("%s kill switch liquidation incomplete (%d of %d closed), retrying: %v",
			s.cfg.Symbol, rep.Closed, rep.Attempted, err))
		return fmt.Errorf("kill execution: %w", err)
	}

	s.mu.Lock()
	s.status.Halted = true
	s.mu.Unlock()

	s.trailing.Clear()
	s.publish(events.EventKillSwitchKilled, s.killEvent(s.kill.Status(), s.killClosed, s.killClosed))
	s.log.Error().Int("closed", s.killClosed).Msg("trading halted by kill switch")
	return ErrHalted
}

func (s *Session) finishBar(ctx context.Context, last market.Bar, snap indicators.Snapshot, open int, begin time.Time) {
	s.metrics.ObserveBar(s.now().Sub(begin))
	s.metrics.SetOpenPositions(open)

	s.mu.Lock()
	s.status.LastBarTime = last.Time
	s.status.BarsProcessed++
	s.status.Indicators = snap
	s.status.TrackedPositions = s.trailing.Len()
	s.status.LastError = ""
	s.mu.Unlock()

	s.persist(ctx)
	s.publish(events.EventBarProcessed, events.BarProcessed{
		Symbol:        s.cfg.Symbol,
		BarTime:       last.Time,
		Close:         last.Close,
		EMA:           snap.EMA.Or(0),
		RSI:           snap.RSI.Or(0),
		ATR:           snap.ATR.Or(0),
		OpenPositions: open,
	})
}

func (s *Session) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTrailingStates(ctx, s.trailing.Snapshot()); err != nil {
		s.log.Warn().Err(err).Msg("trailing state save failed")
	}
}

// shutdown logs the closing account state. Positions stay open unless the
// kill switch already closed them.
func (s *Session) shutdown(ctx context.Context) {
	s.persist(ctx)

	equity, err := s.broker.AccountEquity(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("final equity unavailable")
	}
	balance := equity
	if b, ok := s.broker.(interface{ Balance() float64 }); ok {
		balance = b.Balance()
	}
	s.publish(events.EventSessionStopped, events.SessionChanged{
		SessionID: s.cfg.SessionID,
		Symbol:    s.cfg.Symbol,
		Timeframe: s.cfg.Timeframe,
		Magic:     s.cfg.StrategyID,
		Equity:    equity,
		Balance:   balance,
		At:        s.now(),
	})
	s.log.Info().
		Float64("final_balance", balance).
		Float64("final_equity", equity).
		Bool("halted", s.Halted()).
		Msg("session stopped")
}

func (s *Session) killEvent(ks risk.KillSwitchStatus, attempted, closed int) events.KillSwitchChanged {
	return events.KillSwitchChanged{
		SessionID:      s.cfg.SessionID,
		State:          string(ks.State),
		StartingEquity: ks.StartingEquity,
		Equity:         ks.LastEquity,
		Drawdown:       ks.Drawdown,
		Reason:         ks.Reason,
		Attempted:      attempted,
		Closed:         closed,
		At:             s.now(),
	}
}

func (s *Session) publish(e events.Event, payload any) {
	if s.bus != nil {
		s.bus.Publish(e, payload)
	}
}

func (s *Session) setSignal(sig strategy.Signal, barTime int64) {
	s.mu.Lock()
	s.status.LastSignal = sig.Direction.String()
	s.status.LastSignalAt = barTime
	s.mu.Unlock()
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
}

// Halted reports whether the kill switch has ended the session.
func (s *Session) Halted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Halted
}

// Status returns a snapshot of the session with the current kill switch state.
func (s *Session) Status() Status {
	s.mu.RLock()
	st := s.status
	s.mu.RUnlock()
	st.KillSwitch = s.kill.Status()
	return st
}

// Positions lists the broker's open positions for this symbol and strategy.
func (s *Session) Positions(ctx context.Context) ([]broker.Position, error) {
	return s.broker.OpenPositions(ctx, s.cfg.Symbol, s.cfg.StrategyID)
}

// TrailingStates returns the tracked stop states ordered by ticket.
func (s *Session) TrailingStates() []risk.PositionState {
	return s.trailing.Snapshot()
}

// KillSwitch returns the kill switch state.
func (s *Session) KillSwitch() risk.KillSwitchStatus {
	return s.kill.Status()
}

// TripKillSwitch latches the kill switch; liquidation runs on the next cycle.
// It reports false when the switch had already fired.
func (s *Session) TripKillSwitch(reason string) bool {
	if !s.kill.Trip(reason) {
		return false
	}
	s.publish(events.EventKillSwitchFired, s.killEvent(s.kill.Status(), 0, 0))
	return true
}
