// Package command parses administrative chat frames, routes them to command
// handlers, and enforces the confirmation protocol for high-impact actions.
//
// A frame is one command: whitespace-separated tokens with an optional
// leading slash. The dispatcher owns the single pending-confirmation slot
// and the per-sender diff tables the orders/balances summaries use. Handlers
// are synchronous, validate their own input, and always produce a
// human-readable reply — raw adapter errors never leak to chat.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/collector"
	"gridbot/internal/exchange"
	"gridbot/internal/notify"
	"gridbot/internal/orderdb"
	"gridbot/internal/rates"
	"gridbot/pkg/types"
)

// confirmWindow is how long a pending command stays confirmable. Strictly
// past it, /y reports expiry.
const confirmWindow = 10 * time.Minute

// Frame is one inbound command with its sender identity.
type Frame struct {
	Sender string
	Text   string
}

// Result is what every dispatched command produces. A non-empty NotifyText
// fans out to notification sinks; ReplyText returns to the command source.
type Result struct {
	NotifyText string
	ReplyText  string
	Level      notify.Level
}

func reply(format string, args ...any) Result {
	return Result{ReplyText: fmt.Sprintf(format, args...), Level: notify.LevelLog}
}

func announce(level notify.Level, format string, args ...any) Result {
	text := fmt.Sprintf(format, args...)
	return Result{NotifyText: text, ReplyText: text, Level: level}
}

// Env is the engine surface the handlers mutate and read. Implementations
// serialize access behind the engine-state gate.
type Env interface {
	DefaultPair() types.Pair
	MarketFor(pair types.Pair) (types.Market, bool)
	Params() types.TradeParams
	UpdateParams(mutate func(*types.TradeParams)) error
	Version() string
}

// pendingConfirmation is the single-slot confirmation state. Any sender may
// confirm, so the slot does not remember who armed it.
type pendingConfirmation struct {
	commandText string
	createdAt   time.Time
}

// Dispatcher routes frames to handlers.
type Dispatcher struct {
	env       Env
	adapter   exchange.Adapter
	caps      exchange.Capabilities
	store     *orderdb.Store
	collector *collector.Collector
	oracle    *rates.Oracle
	logger    *slog.Logger

	// confirmUSD is the USD impact above which a command demands /y.
	confirmUSD decimal.Decimal

	pending *pendingConfirmation

	// Per-sender snapshots for the diffing summaries.
	prevBalances map[string]map[string]decimal.Decimal // sender -> code -> total
	prevOrders   map[string]map[types.Purpose]int      // sender -> purpose -> count

	now func() time.Time
}

// New creates a dispatcher.
func New(env Env, adapter exchange.Adapter, store *orderdb.Store, col *collector.Collector, oracle *rates.Oracle, confirmUSD decimal.Decimal, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		env:          env,
		adapter:      adapter,
		caps:         adapter.Caps(),
		store:        store,
		collector:    col,
		oracle:       oracle,
		logger:       logger.With("component", "command"),
		confirmUSD:   confirmUSD,
		prevBalances: make(map[string]map[string]decimal.Decimal),
		prevOrders:   make(map[string]map[types.Purpose]int),
		now:          time.Now,
	}
}

// aliases maps short verbs to canonical command text. Applied once, before
// dispatch; expansion is not recursive.
var aliases = map[string]string{
	"b": "balances",
	"o": "orders",
	"r": "rates",
	"p": "params",
	"v": "version",
	"h": "help",
}

// Dispatch handles one frame. It never panics and never returns an error:
// every failure becomes a reply.
func (d *Dispatcher) Dispatch(ctx context.Context, frame Frame) Result {
	tokens := tokenize(frame.Text)
	if len(tokens) == 0 {
		return reply("empty command; try /help")
	}
	if expansion, ok := aliases[tokens[0]]; ok {
		tokens = append(strings.Fields(expansion), tokens[1:]...)
	}

	verb := tokens[0]
	args := tokens[1:]

	switch verb {
	case "start":
		return d.handleStart(ctx, args)
	case "stop":
		return d.handleStop()
	case "clear":
		return d.handleClear(ctx, args)
	case "buy", "sell":
		side := types.Buy
		if verb == "sell" {
			side = types.Sell
		}
		return d.handleManualOrder(ctx, side, args)
	case "fill":
		return d.handleFill(ctx, args)
	case "orders":
		return d.handleOrders(frame.Sender, args)
	case "balances":
		return d.handleBalances(ctx, frame.Sender, args)
	case "rates":
		return d.handleRates(ctx, args)
	case "calc":
		return d.handleCalc(ctx, args)
	case "stats":
		return d.handleStats(ctx, args)
	case "pair":
		return d.handlePair(args)
	case "deposit":
		return d.handleDeposit(ctx, args)
	case "info":
		return d.handleInfo(ctx, args)
	case "params":
		return d.handleParams()
	case "version":
		return reply("gridbot %s", d.env.Version())
	case "help":
		return d.handleHelp()
	case "y":
		return d.handleConfirm(ctx, frame.Sender)
	default:
		return reply("unknown command %q; try /help", verb)
	}
}

// requireConfirmation checks a command's estimated USD impact against the
// threshold. When confirmation is needed it stores the pending slot
// (replacing any previous one) and returns the prompt.
func (d *Dispatcher) requireConfirmation(ctx context.Context, commandText, coin string, amount decimal.Decimal, confirmed bool) *Result {
	if confirmed || d.confirmUSD.Sign() <= 0 {
		return nil
	}
	usd := d.oracle.USDValue(ctx, coin, amount)
	if usd.Sign() <= 0 || usd.LessThanOrEqual(d.confirmUSD) {
		return nil
	}

	d.pending = &pendingConfirmation{
		commandText: commandText,
		createdAt:   d.now(),
	}
	r := reply("this will move ≈%s USD — reply /y within 10 minutes to confirm:\n%s", usd, commandText)
	return &r
}

// handleConfirm re-invokes the pending command with the confirm sentinel.
func (d *Dispatcher) handleConfirm(ctx context.Context, sender string) Result {
	p := d.pending
	if p == nil {
		return reply("nothing to confirm")
	}
	if d.now().Sub(p.createdAt) > confirmWindow {
		d.pending = nil
		return reply("confirmation expired; repeat the command")
	}
	d.pending = nil
	return d.Dispatch(ctx, Frame{Sender: sender, Text: p.commandText + " " + confirmToken})
}

func (d *Dispatcher) handleStop() Result {
	err := d.env.UpdateParams(func(p *types.TradeParams) {
		p.CoActive = false
	})
	if err != nil {
		return reply("failed to stop trading: %v", err)
	}
	return announce(notify.LevelWarn, "trading deactivated; resting orders left untouched")
}

func (d *Dispatcher) handleParams() Result {
	p := d.env.Params()
	var sb strings.Builder
	fmt.Fprintf(&sb, "pair %s\n", p.Pair)
	fmt.Fprintf(&sb, "co_active %v, strategy %s\n", p.CoActive, p.CoStrategy)
	fmt.Fprintf(&sb, "ladder: active %v, amount %s %s, count %d/side, step %s%%\n",
		p.Ladder.Active, p.Ladder.Amount, p.Ladder.AmountCoin, p.Ladder.CountPerSide, p.Ladder.StepPercent)
	fmt.Fprintf(&sb, "mid: %s (%s), reinit_requested %v",
		p.Ladder.MidPrice, p.Ladder.MidOrigin, p.Ladder.ReinitRequested)
	return reply("%s", sb.String())
}

func (d *Dispatcher) handleHelp() Result {
	return reply(`commands:
start ld <amount> <coin> <count> <step>%% [mid <price> [coin]]
stop
clear [pair] <purpose|all|unk> [buy|sell] [(>|<)price coin] [force]
buy|sell [pair] (amount=|quote=) [price=|price=market]
fill [pair] buy|sell (amount=|quote=) low= high= count=
orders [pair] [purpose] [full]
balances [main|trade|margin|full]
rates [coin|pair] · calc <n> <coin> in <coin> · stats [pair]
pair [pair] · deposit <coin> · info <coin>
params · version · help · y`)
}
