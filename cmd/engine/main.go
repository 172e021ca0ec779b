// Command engine runs the trading engine: it loads config.yaml, wires
// every venue and traded pair it names, and trades until SIGINT/SIGTERM.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts the engine, waits for a signal
//	internal/engine            — orchestrator: wires venues, markets, and shared registries from config
//	internal/disposition       — per-market reactor that drives resting orders toward a strategy's intent
//	internal/strategy          — Pegged, the reference quoting strategy
//	internal/exchange          — REST facade + rate limiting + order-pool bookkeeping per venue
//	internal/wsconn            — websocket supervisor: heartbeat, reconnect-with-backoff
//	internal/balance           — free/reserved balance and position tracking, reservation lifecycle
//	internal/pnl               — rolling-window USD P&L and the kill-switch stopper
//	internal/pricesource       — USD conversion chains built from available order books
//	internal/events            — batched EventRecorder with line-delimited-JSON fallback
//
// How it makes money:
//
//	The configured strategy posts a bid below and an ask above its
//	reference price for each traded pair; when both sides fill, the
//	engine earns the spread. The P&L stopper blocks new orders once
//	rolling losses breach the configured limit.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tradingengine/internal/config"
	"tradingengine/internal/disposition"
	"tradingengine/internal/engine"
	"tradingengine/internal/events"
	"tradingengine/internal/money"
	"tradingengine/internal/strategy"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ENGINE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
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

	recorder, err := events.NewBatchingSink(&loggingPersister{logger: logger}, cfg.Events.FallbackDir, logger)
	if err != nil {
		logger.Error("failed to create event recorder", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg, recorder, pegged(), logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("trading engine starting",
		"venues", len(cfg.Venues), "pairs", len(cfg.Pairs), "dry_run", cfg.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("trading engine stopped")
}

// pegged builds the reference Pegged strategy for every market the
// engine trades. A deployment with a real quoting algorithm supplies its
// own engine.StrategyFactory instead of this one.
func pegged() engine.StrategyFactory {
	return func(account money.ExchangeAccountId, pair money.CurrencyPair) disposition.Strategy {
		return strategy.NewPegged(strategy.PeggedConfig{
			HalfSpread:    money.FromFloat(0.01),
			Amount:        money.FromFloat(1),
			InventorySkew: money.FromFloat(0.001),
		})
	}
}

// loggingPersister is the default events.Persister: it logs instead of
// writing to a database, so the engine is runnable without wiring a real
// storage backend. spec.md §1 excludes database persistence itself from
// this engine's scope.
type loggingPersister struct {
	logger *slog.Logger
}

func (p *loggingPersister) PersistBatch(ctx context.Context, table string, evts []any) error {
	p.logger.Info("persisting event batch", "table", table, "count", len(evts))
	return nil
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
