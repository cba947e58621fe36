package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/time/rate"

	"github.com/Navsaharan/AI-Trading-System-sub000/internal/config"
	"github.com/Navsaharan/AI-Trading-System-sub000/internal/store"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/broker"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/engine"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/events"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/ledger"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/market"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/risk"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/strategy"

	// Import for side effects: registers the paper broker.
	_ "github.com/Navsaharan/AI-Trading-System-sub000/pkg/broker/sim"
)

var configFile = flag.String("f", "etc/trader.yaml", "the config file")

func main() {
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()
	logx.MustSetup(logx.LogConf{Mode: "console", Encoding: "plain"})
	logx.DisableStat()
	defer logx.Close()

	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		logx.Errorf("traderd: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	adapter, err := broker.New(cfg.Broker.Name, cfg.Broker.Settings)
	if err != nil {
		return err
	}
	adapter = broker.WithRetry(adapter, broker.RetryOptions{
		Attempts:    cfg.Broker.Attempts,
		Backoff:     cfg.Broker.Backoff,
		CallTimeout: cfg.Broker.CallTimeout,
		RateLimit:   rate.Limit(cfg.Broker.RateLimit),
		Burst:       cfg.Broker.Burst,
	})

	sink, cleanup, err := buildSinks(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	book := ledger.New(cfg.Engine.PendingTimeout, sink)
	if cfg.Engine.CheckpointPath != "" {
		if err := book.LoadCheckpoint(cfg.Engine.CheckpointPath); err != nil {
			return err
		}
		if n := len(book.All()); n > 0 {
			logx.Infof("traderd: restored %d positions from checkpoint", n)
		}
	}

	slots := make([]engine.StrategySlot, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		ev, err := strategy.NewBuiltin(sc.Name)
		if err != nil {
			return err
		}
		slots = append(slots, engine.StrategySlot{Evaluator: ev, Params: sc.Params()})
	}

	window, err := engine.NewWindow(cfg.Window.Open, cfg.Window.Close, cfg.Window.Timezone, cfg.Window.Holidays)
	if err != nil {
		return err
	}

	eng, err := engine.New(provider, adapter, risk.NewManager(cfg.RiskLimits(), sink), book, slots, sink, engine.Options{
		Account:         cfg.Engine.Account,
		Symbols:         cfg.Engine.Symbols,
		Window:          window,
		TickInterval:    cfg.Engine.TickInterval,
		MaxConcurrency:  cfg.Engine.MaxConcurrency,
		TrailATRMult:    cfg.Engine.TrailATRMult,
		CheckpointPath:  cfg.Engine.CheckpointPath,
		DiscrepancyTrip: cfg.Engine.DiscrepancyTrip,
		BreakerCooldown: cfg.Engine.BreakerCooldown,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logx.Infof("traderd: account=%s broker=%s symbols=%v window=%s-%s %s tick=%s",
		cfg.Engine.Account, cfg.Broker.Name, cfg.Engine.Symbols,
		cfg.Window.Open, cfg.Window.Close, cfg.Window.Timezone, cfg.Engine.TickInterval)
	return eng.Run(ctx)
}

func buildProvider(cfg *config.Config) (market.Provider, error) {
	switch cfg.Market.Provider {
	case "replay":
		return market.NewReplayFromFile(cfg.Market.BarsFile, cfg.Market.Warmup)
	default:
		return nil, fmt.Errorf("traderd: unknown market provider %q", cfg.Market.Provider)
	}
}

// buildSinks assembles the audit fan-out: logs always, plus the JSONL
// journal and the Postgres store when configured.
func buildSinks(cfg *config.Config) (events.Sink, func(), error) {
	sinks := events.MultiSink{events.LogSink{}}
	cleanup := func() {}

	if cfg.Audit.JournalDir != "" {
		journal, err := events.NewJournal(cfg.Audit.JournalDir)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, journal)
		prev := cleanup
		cleanup = func() { journal.Close(); prev() }
	}
	if cfg.Audit.PostgresDSN != "" {
		audit, err := store.NewAuditStore(cfg.Audit.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, audit)
		prev := cleanup
		cleanup = func() { audit.Close(); prev() }
	}
	return sinks, cleanup, nil
}
