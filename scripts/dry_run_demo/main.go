package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"trend-core/internal/broker"
	"trend-core/internal/engine"
	"trend-core/internal/indicators"
	"trend-core/internal/market"
	"trend-core/internal/risk"
	"trend-core/internal/strategy"
	"trend-core/pkg/logging"
)

// dry_run_demo replays the strategy over synthetic bars on a simulated
// clock against the paper venue. Nothing touches the network or database.
//
// Usage (from the module root):
//
//	go run ./scripts/dry_run_demo -bars 2000 -seed 7 -config strategy.yaml
func main() {
	bars := flag.Int("bars", 2000, "bars to replay")
	seed := flag.Int64("seed", 7, "random walk seed")
	cfgPath := flag.String("config", "", "strategy YAML (defaults when empty)")
	level := flag.String("log", "info", "log level")
	flag.Parse()

	log := logging.New(*level)

	params, err := strategy.LoadParams(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("strategy parameters rejected")
	}
	step, err := market.TimeframeDuration(params.Timeframe)
	if err != nil {
		log.Fatal().Err(err).Msg("unsupported timeframe")
	}

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feed := market.NewMockFeed(*seed)
	feed.Now = func() time.Time { return clock }

	paper := broker.NewPaper(feed, broker.PaperConfig{InitialBalance: 10000, SlippageBps: 0.5, Seed: *seed}, log)
	session := engine.NewSession(engine.Config{
		SessionID:   "dry-run",
		Symbol:      params.Symbol,
		Timeframe:   params.Timeframe,
		StrategyID:  params.MagicNumber,
		LotSize:     params.LotSize,
		BarsToFetch: params.BarsToFetch,
		Periods:     indicators.Periods{EMA: params.EMAPeriod, RSI: params.RSIPeriod, ATR: params.ATRPeriod},
	}, engine.Deps{
		Feed:    paper,
		Broker:  paper,
		Signals: strategy.NewGenerator(params.SignalConfig()),
		Levels: risk.NewManager(risk.Config{
			ATRPeriod: params.ATRPeriod, StopMultiplier: params.ATRStopMultiplier, TargetMultiplier: params.ATRTargetMultiplier,
		}),
		Trailing: risk.NewTrailingStopManager(risk.TrailingConfig{
			BreakevenRR: params.BreakevenRR, TrailATRMultiplier: params.TrailingATRMultiplier,
		}),
		Kill: risk.NewKillSwitch(paper, params.EquityDrawdownLimit, params.MagicNumber, log),
		Log:  log,
	})

	ctx := context.Background()
	if err := session.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("session start failed")
	}

	log.Info().Int("bars", *bars).Str("symbol", params.Symbol).Str("timeframe", params.Timeframe).Msg("=== DRY-RUN replay starting ===")
	for i := 0; i < *bars; i++ {
		clock = clock.Add(step)
		if err := session.OnBar(ctx); errors.Is(err, engine.ErrHalted) {
			log.Warn().Int("bar", i).Msg("kill switch halted the replay")
			break
		} else if err != nil {
			log.Debug().Err(err).Int("bar", i).Msg("bar skipped")
		}
	}

	wins, losses := 0, 0
	net := decimal.Zero
	for _, c := range paper.Closed() {
		pnl := decimal.NewFromFloat(c.Profit)
		net = net.Add(pnl)
		if pnl.IsPositive() {
			wins++
		} else {
			losses++
		}
		log.Info().
			Int64("ticket", c.Ticket).
			Str("side", string(c.Side)).
			Float64("entry", c.EntryPrice).
			Float64("exit", c.ExitPrice).
			Str("reason", c.Reason).
			Str("pnl", pnl.StringFixed(2)).
			Msg("trade")
	}
	equity, _ := paper.AccountEquity(ctx)
	log.Info().
		Int("trades", wins+losses).
		Int("wins", wins).
		Int("losses", losses).
		Str("net_pnl", net.StringFixed(2)).
		Float64("balance", paper.Balance()).
		Float64("equity", equity).
		Str("kill_switch", string(session.KillSwitch().State)).
		Msg("=== DRY-RUN replay finished ===")

	if session.Halted() {
		os.Exit(2)
	}
}
