// Gridbot — an automated grid-trading bot for crypto spot exchanges.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go        — orchestrator: command intake, ladder and reconcile loops, market refresh
//	ladder/ladder.go        — grid strategy: computes the rung layout and converges resting orders to it
//	reconciler/reconciler.go— audits local records against the venue's open orders, adopts strays
//	collector/collector.go  — bulk cancellation: by purpose, by price predicate, or wholesale
//	command/…               — chat/console command parsing, confirmation protocol, summaries
//	exchange/adapter.go     — uniform venue interface; adapters self-register by name
//	exchange/p2pb2b/…       — REST adapter for the P2PB2B spot exchange (HMAC-SHA512 auth)
//	rates/oracle.go         — cross-asset conversion via an info-service rate table
//	orderdb/store.go        — JSON file persistence for order records and trade params
//
// How it makes money:
//
//	The bot rests a ladder of limit orders around a mid price: buys below,
//	sells above, spaced by a configured percentage step. Fills on either side
//	capture the step; the reconciler and the re-placement hysteresis keep the
//	ladder converged as the market moves.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gridbot/internal/config"
	"gridbot/internal/engine"
	_ "gridbot/internal/exchange/p2pb2b" // register the venue adapter
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

// Exit codes: 0 clean shutdown, 1 startup config/validation failure,
// 2 irrecoverable runtime failure (venue refusing credentials).
func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GRID_CONFIG"); p != "" {
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

	eng, err := engine.New(*cfg, version, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("gridbot started",
		"version", version,
		"venue", cfg.Venue.Name,
		"pair", cfg.Trading.Pair,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
	if eng.Halted() {
		os.Exit(2)
	}
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
