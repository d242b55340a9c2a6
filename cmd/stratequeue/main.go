// StrateQueue — a live trading runtime daemon.
//
// Architecture:
//
//	main.go                 — entry point: config, wiring, signal handling
//	clock/                  — injectable clock + bar-aligned tick scheduler
//	data/                   — provider pool, bar buffers, gap backfill, staleness
//	engine/                 — pluggable signal evaluators with per-call timeouts
//	portfolio/              — per-strategy ledgers, sizing, gate chain
//	gateway/                — broker I/O: submit, poll, reconcile, dedup fills
//	stats/                  — incremental performance metrics per strategy
//	runner/                 — per-strategy lifecycle state machine and tick loop
//	supervisor/             — strategy registry, deploy validation, commands
//	api/                    — HTTP control plane + WebSocket event stream
//	store/                  — JSON persistence: final snapshots, fill logs
//
// Bars flow from providers into shared buffers; each deployed strategy
// evaluates a sliding window on its own cadence, sizes the resulting signal
// against its sub-ledger, and routes orders through the gateway of its
// broker. Fills loop back through the portfolio into statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"stratequeue/internal/api"
	"stratequeue/internal/broker"
	"stratequeue/internal/clock"
	"stratequeue/internal/config"
	"stratequeue/internal/data"
	"stratequeue/internal/engine"
	"stratequeue/internal/gateway"
	"stratequeue/internal/portfolio"
	"stratequeue/internal/runner"
	"stratequeue/internal/stats"
	"stratequeue/internal/store"
	"stratequeue/internal/supervisor"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()
	if p := os.Getenv("SQ_CONFIG"); p != "" && !flagPassed("config") {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("runtime failure", "error", err)
		os.Exit(2)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real{}
	scheduler := clock.NewScheduler(clk, cfg.Runtime.SettleDelay)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// market-data providers: the simulator always, Alpaca when credentialed
	providers := []data.Provider{
		data.NewSimProvider(cfg.Data.Sim.Seed, cfg.Data.Sim.StartPrice, cfg.Data.Sim.Volatility, clk),
	}
	if cfg.Data.Alpaca.APIKey != "" {
		providers = append(providers, data.NewAlpacaProvider(
			cfg.Data.Alpaca.APIKey, cfg.Data.Alpaca.SecretKey,
			cfg.Data.Alpaca.BaseURL, cfg.Data.Alpaca.StreamURL, logger))
	}
	dataM := data.NewManager(providers, clk, logger)
	dataM.Start()
	defer dataM.Stop()

	portfolioM := portfolio.NewManager(clk, logger)
	statsM := stats.NewManager(clk, logger)
	go statsM.Run(ctx, portfolioM.Events())

	gwOpts := gateway.Options{
		PollInterval:      cfg.Runtime.FillPollInterval,
		ReconcileInterval: cfg.Runtime.ReconcileInterval,
		RPCTimeout:        cfg.Runtime.BrokerTimeout,
		Retention:         cfg.Runtime.OrderRetention,
	}

	paper := broker.NewPaper(
		decimal.NewFromFloat(cfg.Brokers.Paper.InitialCash),
		decimal.NewFromInt(int64(cfg.Brokers.Paper.SlippageBps)),
		decimal.NewFromInt(int64(cfg.Brokers.Paper.FeeBps)),
		clk, logger)

	brokers := map[string]supervisor.Broker{
		"paper": {
			Adapter: paper,
			Gateway: gateway.New(paper, clk, logger, gwOpts),
			Marker:  paper,
		},
	}
	if cfg.Brokers.Alpaca.APIKey != "" {
		ap := broker.NewAlpaca(cfg.Brokers.Alpaca.APIKey, cfg.Brokers.Alpaca.SecretKey,
			cfg.Brokers.Alpaca.PaperURL, true, logger)
		brokers["alpaca"] = supervisor.Broker{
			Adapter: ap,
			Gateway: gateway.New(ap, clk, logger, gwOpts),
		}
		al := broker.NewAlpaca(cfg.Brokers.Alpaca.APIKey, cfg.Brokers.Alpaca.SecretKey,
			cfg.Brokers.Alpaca.LiveURL, false, logger)
		brokers["alpaca-live"] = supervisor.Broker{
			Adapter: al,
			Gateway: gateway.New(al, clk, logger, gwOpts),
		}
	}

	engines := engine.NewRegistry()

	sup := supervisor.New(supervisor.Deps{
		Clock:     clk,
		Scheduler: scheduler,
		Data:      dataM,
		Engines:   engines,
		Portfolio: portfolioM,
		Stats:     statsM,
		Store:     st,
		Brokers:   brokers,
		Runner: runner.Options{
			EvalTimeout:          cfg.Runtime.EvaluatorTimeout,
			WarmupTimeout:        cfg.Runtime.WarmupTimeout,
			MaxConsecutiveErrors: cfg.Runtime.MaxConsecutiveErrors,
		},
		Logger: logger,
	})
	sup.Start(ctx)

	var apiServer *api.Server
	if cfg.HTTP.Enabled {
		apiServer = api.NewServer(cfg.HTTP, sup, statsM, engines, cfg.DataDir, logger)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("control plane failed", "error", err)
			}
		}()
	}

	// fill pump per broker: gateway → portfolio → fill log → event stream
	for name, bk := range brokers {
		go bk.Gateway.Run(ctx)
		go func(name string, gw *gateway.Gateway) {
			for {
				select {
				case <-ctx.Done():
					return
				case f := <-gw.Fills():
					if err := portfolioM.ApplyFill(f); err != nil {
						logger.Error("fill application failed", "broker", name,
							"strategy", f.StrategyID, "error", err)
					}
					if err := st.AppendFill(f); err != nil {
						logger.Warn("fill log append failed", "error", err)
					}
					if apiServer != nil {
						apiServer.Broadcast("fill", f)
					}
				}
			}
		}(name, bk.Gateway)
	}

	logger.Info("stratequeue started",
		"providers", dataM.Providers(),
		"brokers", len(brokers),
		"http", cfg.HTTP.Enabled,
		"data_dir", cfg.DataDir,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("control plane stop failed", "error", err)
		}
	}
	sup.StopAll(runner.StopOptions{})
	cancel()
	logger.Info("shutdown complete")
	return nil
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
