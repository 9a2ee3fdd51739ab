package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"trend-core/internal/api"
	"trend-core/internal/broker"
	"trend-core/internal/engine"
	"trend-core/internal/events"
	"trend-core/internal/indicators"
	"trend-core/internal/market"
	"trend-core/internal/monitor"
	"trend-core/internal/persistence"
	"trend-core/internal/risk"
	"trend-core/internal/strategy"
	"trend-core/pkg/config"
	"trend-core/pkg/db"
	"trend-core/pkg/logging"
	binance "trend-core/pkg/market/binance"
)

var buildVersion = "dev"

func main() {
	cfg, cfgErr := config.Load()
	log := logging.New(cfg.LogLevel)
	if cfgErr != nil {
		log.Fatal().Err(cfgErr).Msg("invalid configuration")
	}

	params, err := strategy.LoadParams(cfg.StrategyConfig)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StrategyConfig).Msg("strategy parameters rejected")
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("database init failed")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal().Err(err).Msg("database migrations failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	metrics := monitor.NewMetrics()

	// Journal: every bus event lands in SQLite through the batch writer.
	writer := persistence.NewBatchWriter(database.DB, 50, 500*time.Millisecond, log)
	journal := persistence.NewJournal(bus, writer, log)
	journalDone := journal.Start(ctx)
	metrics.RegisterGaugeFunc("journal_pending_writes", "Journal operations waiting to be flushed.", func() float64 {
		return float64(writer.Pending())
	})

	mon := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Log: log}, Log: log}
	mon.Start(ctx)

	var feed market.Feed
	if cfg.UseMockFeed {
		feed = market.NewMockFeed(cfg.MockSeed)
		log.Info().Int64("seed", cfg.MockSeed).Msg("using synthetic market data")
	} else {
		client := binance.NewClient(cfg.BinanceTestnet)
		client.Weight = binance.NewWeightTracker(1200, time.Minute, log)
		clock := binance.NewServerClock(client.GetServerTime, log)
		clock.Start(ctx)
		bf := market.NewBinanceFeed(client)
		bf.Now = clock.Now
		feed = bf
		log.Info().Bool("testnet", cfg.BinanceTestnet).Msg("using binance market data")
	}
	paper := broker.NewPaper(feed, broker.PaperConfig{
		InitialBalance: cfg.PaperInitialEquity,
		SlippageBps:    cfg.PaperSlippageBps,
		Digits:         int32(cfg.PaperDigits),
		ContractSize:   cfg.PaperContractSize,
		Seed:           cfg.MockSeed,
	}, log)

	session := newSession(params, paper, bus, metrics, &persistence.TrailingStore{DB: database}, log)

	server := api.NewServer(session, bus, database, metrics, operatorAuth(cfg, log), api.SystemMeta{
		Venue:       "paper",
		Symbol:      params.Symbol,
		Timeframe:   params.Timeframe,
		UseMockFeed: cfg.UseMockFeed,
		Version:     buildVersion,
	}, log)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: server.Router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("api server error")
		}
	}()
	log.Info().Str("port", cfg.Port).Msg("api listening")

	health := api.NewHealthServer(log)
	health.Watch(ctx, bus)
	if lis, err := net.Listen("tcp", ":"+cfg.GRPCPort); err != nil {
		log.Error().Err(err).Str("port", cfg.GRPCPort).Msg("grpc health listener failed")
	} else {
		go func() {
			if err := health.Serve(lis); err != nil {
				log.Error().Err(err).Msg("grpc health server stopped")
			}
		}()
	}

	switch err := session.Run(ctx); {
	case errors.Is(err, engine.ErrHalted):
		// Keep the API up so the halted session can be inspected.
		log.Error().Msg("session halted by kill switch; waiting for shutdown signal")
		<-ctx.Done()
	case err != nil:
		log.Error().Err(err).Msg("session failed to start")
	}

	log.Info().Msg("shutting down")
	stop()
	<-journalDone
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("journal flush failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	health.Stop()
}

func newSession(p strategy.Params, paper *broker.Paper, bus *events.Bus, metrics *monitor.Metrics, store engine.StateStore, log zerolog.Logger) *engine.Session {
	return engine.NewSession(engine.Config{
		Symbol:       p.Symbol,
		Timeframe:    p.Timeframe,
		StrategyID:   p.MagicNumber,
		LotSize:      p.LotSize,
		BarsToFetch:  p.BarsToFetch,
		PollInterval: p.BarCheckInterval,
		Periods:      indicators.Periods{EMA: p.EMAPeriod, RSI: p.RSIPeriod, ATR: p.ATRPeriod},
	}, engine.Deps{
		Feed:    paper,
		Broker:  paper,
		Signals: strategy.NewGenerator(p.SignalConfig()),
		Levels: risk.NewManager(risk.Config{
			ATRPeriod:        p.ATRPeriod,
			StopMultiplier:   p.ATRStopMultiplier,
			TargetMultiplier: p.ATRTargetMultiplier,
		}),
		Trailing: risk.NewTrailingStopManager(risk.TrailingConfig{
			BreakevenRR:        p.BreakevenRR,
			TrailATRMultiplier: p.TrailingATRMultiplier,
		}),
		Kill:    risk.NewKillSwitch(paper, p.EquityDrawdownLimit, p.MagicNumber, log),
		Bus:     bus,
		Metrics: metrics,
		Store:   store,
		Log:     log,
	})
}

func operatorAuth(cfg *config.Config, log zerolog.Logger) api.AuthConfig {
	auth := api.AuthConfig{JWTSecret: cfg.JWTSecret, Username: cfg.AdminUser, PasswordHash: cfg.AdminPasswordHash}
	if auth.PasswordHash == "" && cfg.AdminPassword != "" {
		hash, err := api.HashPassword(cfg.AdminPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("hashing operator password failed")
		}
		auth.PasswordHash = hash
	}
	if auth.PasswordHash == "" {
		log.Warn().Msg("no operator password configured; login and manual kill are disabled")
	}
	return auth
}
