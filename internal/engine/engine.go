// Package engine is the central orchestrator of the grid-trading bot.
//
// It wires together all subsystems:
//
//  1. An exchange adapter (selected by venue name) is the only path to the venue.
//  2. The ladder strategy converges resting orders toward its computed layout
//     on a fixed cadence.
//  3. The reconciler audits local order records against the venue's open-order
//     list on its own cadence.
//  4. Command sources (console, chat relay) feed one serialized intake loop;
//     the dispatcher mutates trade params behind the engine's params gate.
//  5. Market descriptors are refreshed periodically so status flips and limit
//     changes are picked up without a restart.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gridbot/internal/collector"
	"gridbot/internal/command"
	"gridbot/internal/config"
	"gridbot/internal/exchange"
	"gridbot/internal/ladder"
	"gridbot/internal/notify"
	"gridbot/internal/orderdb"
	"gridbot/internal/rates"
	"gridbot/internal/reconciler"
	"gridbot/pkg/types"
)

// frameEvent pairs an inbound frame with the source that must carry the reply.
type frameEvent struct {
	frame  command.Frame
	source command.Source
}

// Engine orchestrates all components of the trading system.
// It owns the lifecycle of all goroutines and is the single writer of the
// trade-params document.
type Engine struct {
	cfg        config.Config
	version    string
	adapter    exchange.Adapter
	store      *orderdb.Store
	collector  *collector.Collector
	ladder     *ladder.Engine
	reconciler *reconciler.Reconciler
	oracle     *rates.Oracle
	dispatcher *command.Dispatcher
	sources    []command.Source
	sinks      notify.Multi
	logger     *slog.Logger

	pair types.Pair

	// params is the live trade-params document. Guarded by paramsMu; every
	// mutation persists before the lock is released.
	paramsMu sync.RWMutex
	params   types.TradeParams

	// markets caches the venue's market descriptors, refreshed periodically.
	marketsMu sync.RWMutex
	markets   map[types.Pair]types.Market

	// halted flips on an auth failure: trading loops stop touching the venue
	// while the command intake keeps answering.
	halted atomic.Bool

	frames chan frameEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, version string, logger *slog.Logger) (*Engine, error) {
	pair, err := types.ParsePair(cfg.Trading.Pair)
	if err != nil {
		return nil, fmt.Errorf("trading.pair: %w", err)
	}

	adapter, err := exchange.Open(cfg.Venue.Name, exchange.Config{
		BaseURL:   cfg.Venue.BaseURL,
		APIKey:    cfg.Venue.APIKey,
		APISecret: cfg.Venue.APISecret,
		DryRun:    cfg.DryRun,
	}, logger)
	if err != nil {
		return nil, err
	}

	store, err := orderdb.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	oracle := rates.New(rates.Config{
		BaseURL:        cfg.Rates.BaseURL,
		Freshness:      cfg.Rates.Freshness,
		CryptoDecimals: cfg.Rates.CryptoDecimals,
	}, logger)

	col := collector.New(adapter, store, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		version:    version,
		adapter:    adapter,
		store:      store,
		collector:  col,
		ladder:     ladder.New(adapter, store, col, logger),
		reconciler: reconciler.New(adapter, store, pair, cfg.Trading.PendingGrace, logger),
		oracle:     oracle,
		logger:     logger.With("component", "engine"),
		pair:       pair,
		markets:    make(map[types.Pair]types.Market),
		frames:     make(chan frameEvent, 64),
		ctx:        ctx,
		cancel:     cancel,
	}

	// Restore the trade-params document; a fresh data dir starts inactive.
	saved, err := store.LoadParams(pair)
	if err != nil {
		cancel()
		return nil, err
	}
	if saved != nil {
		e.params = *saved
	} else {
		e.params = types.TradeParams{Pair: pair, CoStrategy: "ladder"}
	}

	e.dispatcher = command.New(e, adapter, store, col, oracle, cfg.Trading.AmountToConfirmUSD, logger)

	e.sinks = notify.Multi{&notify.SlogSink{Logger: logger.With("component", "notify")}}
	if cfg.Notify.WebhookURL != "" {
		e.sinks = append(e.sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, logger))
	}

	if cfg.Commands.Stdin {
		e.sources = append(e.sources, command.NewStdinSource(os.Stdin, os.Stdout, logger))
	}
	if cfg.Commands.RelayURL != "" {
		e.sources = append(e.sources, command.NewWSSource(cfg.Commands.RelayURL, cfg.Commands.BotName, logger))
	}

	return e, nil
}

// Start fetches the initial market set and launches the loops: command
// sources, command intake, ladder, reconciler and market refresh.
func (e *Engine) Start() error {
	if err := e.refreshMarkets(e.ctx); err != nil {
		return fmt.Errorf("initial market fetch: %w", err)
	}
	if _, ok := e.MarketFor(e.pair); !ok {
		return fmt.Errorf("venue %s does not trade %s", e.adapter.Name(), e.pair)
	}

	for _, src := range e.sources {
		src := src
		e.wg.Add(2)
		go func() {
			defer e.wg.Done()
			if err := src.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("command source stopped", "error", err)
			}
		}()
		go func() {
			defer e.wg.Done()
			e.pumpFrames(src)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.commandLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.ladderLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reconcileLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.marketRefreshLoop()
	}()

	e.logger.Info("engine started",
		"venue", e.adapter.Name(),
		"pair", e.pair.String(),
		"dry_run", e.cfg.DryRun,
	)
	return nil
}

// Stop gracefully shuts down: cancels all loops, waits for them, and closes
// resources. Resting orders are left on the venue; the next run reconciles.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// Halted reports whether trading was stopped by a credentials failure.
func (e *Engine) Halted() bool { return e.halted.Load() }

// ————————————————————————————————————————————————————————————————————————
// command.Env
// ————————————————————————————————————————————————————————————————————————

// DefaultPair implements command.Env.
func (e *Engine) DefaultPair() types.Pair {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	if !e.params.Pair.IsZero() {
		return e.params.Pair
	}
	return e.pair
}

// MarketFor implements command.Env.
func (e *Engine) MarketFor(pair types.Pair) (types.Market, bool) {
	e.marketsMu.RLock()
	defer e.marketsMu.RUnlock()
	m, ok := e.markets[pair]
	return m, ok
}

// Params implements command.Env.
func (e *Engine) Params() types.TradeParams {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	return e.params
}

// UpdateParams implements command.Env. The mutation and its persistence
// happen under one lock, so loops always observe a saved document.
func (e *Engine) UpdateParams(mutate func(*types.TradeParams)) error {
	e.paramsMu.Lock()
	defer e.paramsMu.Unlock()
	next := e.params
	mutate(&next)
	if err := e.store.SaveParams(next); err != nil {
		return err
	}
	e.params = next
	return nil
}

// Version implements command.Env.
func (e *Engine) Version() string { return e.version }

// ————————————————————————————————————————————————————————————————————————
// loops
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) pumpFrames(src command.Source) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case frame, ok := <-src.Frames():
			if !ok {
				return
			}
			select {
			case e.frames <- frameEvent{frame: frame, source: src}:
			case <-e.ctx.Done():
				return
			}
		}
	}
}

// commandLoop is the single consumer of inbound frames: commands from all
// sources execute one at a time, in arrival order.
func (e *Engine) commandLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.frames:
			result := e.dispatcher.Dispatch(e.ctx, evt.frame)
			if result.ReplyText != "" {
				if err := evt.source.Reply(e.ctx, evt.frame.Sender, result.ReplyText); err != nil {
					e.logger.Warn("reply failed", "sender", evt.frame.Sender, "error", err)
				}
			}
			if result.NotifyText != "" {
				e.sinks.Notify(e.ctx, result.Level, result.NotifyText)
			}
		}
	}
}

// ladderLoop drives the strategy on a fixed cadence. A tick that overruns the
// interval coalesces with the next one: the ticker channel holds at most one
// pending fire.
func (e *Engine) ladderLoop() {
	ticker := time.NewTicker(e.cfg.Trading.LadderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runLadderTick()
		}
	}
}

func (e *Engine) runLadderTick() {
	if e.halted.Load() {
		return
	}
	params := e.Params()
	market, ok := e.MarketFor(params.Pair)
	if !ok {
		e.logger.Warn("no market descriptor for pair, skipping tick", "pair", params.Pair.String())
		return
	}

	reinitDone, err := e.ladder.Tick(e.ctx, params, market)
	if err != nil {
		if exchange.IsAuth(err) {
			e.haltTrading(err)
			return
		}
		e.logger.Error("ladder tick failed", "error", err)
		return
	}
	if reinitDone {
		if err := e.UpdateParams(func(p *types.TradeParams) { p.Ladder.ReinitRequested = false }); err != nil {
			e.logger.Error("failed to clear reinit flag", "error", err)
		}
	}
}

func (e *Engine) reconcileLoop() {
	ticker := time.NewTicker(e.cfg.Trading.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.halted.Load() {
				continue
			}
			if err := e.reconciler.Pass(e.ctx); err != nil {
				if exchange.IsAuth(err) {
					e.haltTrading(err)
					continue
				}
				e.logger.Error("reconcile pass failed", "error", err)
			}
		}
	}
}

func (e *Engine) marketRefreshLoop() {
	ticker := time.NewTicker(e.cfg.Trading.MarketRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.halted.Load() {
				continue
			}
			if err := e.refreshMarkets(e.ctx); err != nil {
				e.logger.Warn("market refresh failed", "error", err)
			}
		}
	}
}

func (e *Engine) refreshMarkets(ctx context.Context) error {
	markets, err := e.adapter.Markets(ctx)
	if err != nil {
		return err
	}

	next := make(map[types.Pair]types.Market, len(markets))
	for _, m := range markets {
		next[m.Pair] = m
	}

	e.marketsMu.Lock()
	e.markets = next
	e.marketsMu.Unlock()

	e.logger.Debug("markets refreshed", "count", len(next))
	return nil
}

// haltTrading stops the venue-touching loops after an authentication failure.
// The command intake keeps running so the operator still gets answers; fixing
// credentials requires a restart.
func (e *Engine) haltTrading(cause error) {
	if e.halted.Swap(true) {
		return
	}
	e.logger.Error("authentication failed, trading halted", "error", cause)
	e.sinks.Notify(e.ctx, notify.LevelError,
		fmt.Sprintf("trading halted: venue rejected credentials (%v); fix keys and restart", cause))
}
