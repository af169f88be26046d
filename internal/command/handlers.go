// handlers.go implements the state-changing commands: start/stop the ladder,
// bulk clears, manual orders and the range-fill helper.
package command

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridbot/internal/collector"
	"gridbot/internal/exchange"
	"gridbot/internal/notify"
	"gridbot/internal/orderutil"
	"gridbot/pkg/types"
)

// handleStart activates the ladder strategy:
//
//	start ld <amount> <coin> <count> <step>% [mid <price> [coin]]
func (d *Dispatcher) handleStart(ctx context.Context, args []string) Result {
	args, confirmed := popConfirm(args)
	if len(args) < 5 || args[0] != "ld" {
		return reply("usage: start ld <amount> <coin> <count> <step>%% [mid <price> [coin]]")
	}

	pair := d.env.DefaultPair()
	market, ok := d.env.MarketFor(pair)
	if !ok {
		return reply("pair %s is not configured on this venue", pair)
	}

	amount, err := decimal.NewFromString(args[1])
	if err != nil || amount.Sign() <= 0 {
		return reply("invalid amount %q", args[1])
	}
	coin := strings.ToUpper(args[2])
	var amountCoin types.AmountCoin
	switch coin {
	case pair.Base:
		amountCoin = types.AmountBase
	case pair.Quote:
		amountCoin = types.AmountQuote
	default:
		return reply("coin %s is neither leg of %s", coin, pair)
	}
	count, err := strconv.Atoi(args[3])
	if err != nil || count <= 0 {
		return reply("invalid count %q", args[3])
	}
	step, err := parsePercent(args[4])
	if err != nil {
		return reply("%v", err)
	}

	midOrigin := types.MidCalculated
	var midPrice decimal.Decimal
	rest := args[5:]
	if len(rest) > 0 {
		if rest[0] != "mid" || len(rest) < 2 {
			return reply("unexpected token %q; usage: start ld <amount> <coin> <count> <step>%% [mid <price> [coin]]", rest[0])
		}
		midPrice, err = decimal.NewFromString(rest[1])
		if err != nil || midPrice.Sign() <= 0 {
			return reply("invalid mid price %q", rest[1])
		}
		midOrigin = types.MidManual
		// The mid price may name its coin; it must be the quote leg,
		// since the mid is always quoted in quote units.
		if len(rest) > 2 {
			if midCoin := strings.ToUpper(rest[2]); midCoin != pair.Quote {
				return reply("mid price is in %s, got %q", pair.Quote, rest[2])
			}
			if len(rest) > 3 {
				return reply("unexpected token %q", rest[3])
			}
		}
	}

	// Both sides get the budget, so the exposure is twice the amount.
	commandText := "start " + strings.Join(args, " ")
	if r := d.requireConfirmation(ctx, commandText, coin, amount.Mul(decimal.NewFromInt(2)), confirmed); r != nil {
		return *r
	}

	err = d.env.UpdateParams(func(p *types.TradeParams) {
		p.Pair = pair
		p.CoActive = true
		p.CoStrategy = "ladder"
		p.Ladder = types.LadderConfig{
			Amount:          amount,
			AmountCoin:      amountCoin,
			CountPerSide:    count,
			StepPercent:     step,
			MidPrice:        midPrice,
			MidOrigin:       midOrigin,
			Active:          true,
			ReinitRequested: true,
		}
	})
	if err != nil {
		return reply("failed to save ladder parameters: %v", err)
	}

	return announce(notify.LevelInfo,
		"ladder started on %s: %s %s per side, %d orders/side, step %s%%, mid %s (tick %s)",
		market.Pair, amount, coin, count, step, midOrigin, market.QuoteTick)
}

// handleClear routes the clear family:
//
//	clear [pair] <purpose|all|unk> [buy|sell] [(>|<)price coin] [force]
func (d *Dispatcher) handleClear(ctx context.Context, args []string) Result {
	args, _ = popConfirm(args)

	force := false
	kept := args[:0:0]
	for _, t := range args {
		if strings.EqualFold(t, "force") {
			force = true
			continue
		}
		kept = append(kept, t)
	}
	args = kept

	args, filter, err := parsePriceFilter(args)
	if err != nil {
		return reply("%v", err)
	}

	pairTok := ""
	if len(args) > 0 && looksLikePair(args[0]) {
		pairTok = args[0]
		args = args[1:]
	}
	pair, err := orderutil.ResolvePair(pairTok, d.env.DefaultPair())
	if err != nil {
		return reply("%v", err)
	}

	if len(args) == 0 {
		return reply("usage: clear [pair] <purpose|all|unk> [buy|sell] [(>|<)price coin] [force]")
	}
	target := strings.ToLower(args[0])
	args = args[1:]

	var side types.Side
	if len(args) > 0 {
		s, ok := parseSideToken(args[0])
		if !ok {
			return reply("unexpected token %q", args[0])
		}
		side = s
		args = args[1:]
	}
	if len(args) > 0 {
		return reply("unexpected token %q", args[0])
	}

	var (
		report collector.Report
	)
	switch target {
	case "all":
		if filter != nil {
			report, err = d.collector.ClearLocal(ctx, nil, pair, side, clearPrice(filter), force)
		} else {
			report, err = d.collector.ClearAll(ctx, pair, side, force)
		}
	case "unk", "unknown":
		report, err = d.collector.ClearUnknown(ctx, pair, side, force)
	default:
		purpose, ok := types.ParsePurpose(target)
		if !ok {
			return reply("unknown clear target %q (want a purpose, all or unk)", target)
		}
		report, err = d.collector.ClearLocal(ctx, []types.Purpose{purpose}, pair, side, clearPrice(filter), force)
	}
	if err != nil {
		return reply("clear failed: %v", err)
	}
	if report.Failed > 0 {
		return announce(notify.LevelWarn, "%s (%d failed)", report.Message, report.Failed)
	}
	return announce(notify.LevelInfo, "%s", report.Message)
}

func clearPrice(f *priceFilter) *collector.PriceFilter {
	if f == nil {
		return nil
	}
	return &collector.PriceFilter{Above: f.Above, Value: f.Value}
}

// handleManualOrder places a single order:
//
//	buy|sell [pair] (amount=<base>|quote=<quote>) [price=<p>|price=market]
func (d *Dispatcher) handleManualOrder(ctx context.Context, side types.Side, args []string) Result {
	args, confirmed := popConfirm(args)
	pos, kvs := splitArgs(args)

	pairTok := ""
	if len(pos) > 0 && looksLikePair(pos[0]) {
		pairTok = pos[0]
		pos = pos[1:]
	}
	if len(pos) > 0 {
		return reply("unexpected token %q", pos[0])
	}
	pair, err := orderutil.ResolvePair(pairTok, d.env.DefaultPair())
	if err != nil {
		return reply("%v", err)
	}
	market, ok := d.env.MarketFor(pair)
	if !ok {
		return reply("pair %s is not configured on this venue", pair)
	}

	_, hasAmount := kvs["amount"]
	_, hasQuote := kvs["quote"]
	if hasAmount && hasQuote {
		return reply("give either amount= or quote=, not both")
	}
	if !hasAmount && !hasQuote {
		return reply("one of amount= or quote= is required")
	}

	if strings.EqualFold(kvs["price"], "market") {
		return d.placeMarket(ctx, side, market, kvs, confirmed)
	}
	return d.placeLimit(ctx, side, market, kvs, confirmed)
}

func (d *Dispatcher) placeLimit(ctx context.Context, side types.Side, market types.Market, kvs kv, confirmed bool) Result {
	price, err := kvs.decimalArg("price")
	if err != nil {
		return reply("%v", err)
	}
	price = orderutil.RoundPrice(price, market)
	if price.Sign() <= 0 {
		return reply("price rounds to zero at tick %s", market.QuoteTick)
	}

	var amount decimal.Decimal
	if _, ok := kvs["amount"]; ok {
		amount, err = kvs.decimalArg("amount")
	} else {
		var quote decimal.Decimal
		quote, err = kvs.decimalArg("quote")
		if err == nil {
			amount = quote.Div(price)
		}
	}
	if err != nil {
		return reply("%v", err)
	}
	amount = orderutil.RoundAmount(amount, market)

	if below, reason := orderutil.BelowMinimum(price, amount, market); below {
		return reply("order rejected: %s", reason)
	}
	if err := orderutil.ValidateOrder(market.Pair, side, price, amount, types.OrderTypeLimit); err != nil {
		return reply("order rejected: %v", err)
	}

	volume := orderutil.Volume(price, amount, market)
	commandText := fmt.Sprintf("%s %s amount=%s price=%s", side, market.Pair, amount, price)
	if r := d.requireConfirmation(ctx, commandText, market.Pair.Quote, volume, confirmed); r != nil {
		return *r
	}

	return d.submit(ctx, market, types.Order{
		Pair:    market.Pair,
		Side:    side,
		Type:    types.OrderTypeLimit,
		Price:   price,
		Amount:  amount,
		Volume:  volume,
		Purpose: types.PurposeManual,
	}, exchange.PlaceRequest{
		Pair:       market.Pair,
		Side:       side,
		Type:       types.OrderTypeLimit,
		Price:      price,
		BaseAmount: amount,
	})
}

func (d *Dispatcher) placeMarket(ctx context.Context, side types.Side, market types.Market, kvs kv, confirmed bool) Result {
	if !d.caps.PlaceMarketOrder {
		return reply("venue %s does not support market orders", d.adapter.Name())
	}

	req := exchange.PlaceRequest{Pair: market.Pair, Side: side, Type: types.OrderTypeMarket}
	ord := types.Order{Pair: market.Pair, Side: side, Type: types.OrderTypeMarket, Purpose: types.PurposeManual}

	var confirmCoin string
	var confirmAmount decimal.Decimal
	if _, ok := kvs["amount"]; ok {
		if side == types.Buy && !d.caps.AllowAmountForMarketBuy && !d.caps.AmountForMarketOrderRequired {
			return reply("venue %s takes quote= for market buys, not amount=", d.adapter.Name())
		}
		amount, err := kvs.decimalArg("amount")
		if err != nil {
			return reply("%v", err)
		}
		amount = orderutil.RoundAmount(amount, market)
		if amount.Sign() <= 0 {
			return reply("amount rounds to zero at step %s", market.BaseStep)
		}
		req.BaseAmount = amount
		ord.Amount = amount
		confirmCoin, confirmAmount = market.Pair.Base, amount
	} else {
		quote, err := kvs.decimalArg("quote")
		if err != nil {
			return reply("%v", err)
		}
		req.QuoteAmount = quote
		ord.Volume = quote
		confirmCoin, confirmAmount = market.Pair.Quote, quote
	}

	commandText := fmt.Sprintf("%s %s %s=%s price=market", side, market.Pair, confirmKey(req), confirmAmount)
	if r := d.requireConfirmation(ctx, commandText, confirmCoin, confirmAmount, confirmed); r != nil {
		return *r
	}
	return d.submit(ctx, market, ord, req)
}

func confirmKey(req exchange.PlaceRequest) string {
	if req.BaseAmount.Sign() > 0 {
		return "amount"
	}
	return "quote"
}

// handleFill lays a run of limit orders across a price range:
//
//	fill [pair] buy|sell (amount=<base>|quote=<quote>) low= high= count=
//
// The budget is the total across all orders and splits evenly; prices are
// drawn at random within [low, high].
func (d *Dispatcher) handleFill(ctx context.Context, args []string) Result {
	args, confirmed := popConfirm(args)
	pos, kvs := splitArgs(args)

	pairTok := ""
	if len(pos) > 0 && looksLikePair(pos[0]) {
		pairTok = pos[0]
		pos = pos[1:]
	}
	if len(pos) == 0 {
		return reply("usage: fill [pair] buy|sell (amount=|quote=) low= high= count=")
	}
	side, ok := parseSideToken(pos[0])
	if !ok {
		return reply("expected buy or sell, got %q", pos[0])
	}
	if len(pos) > 1 {
		return reply("unexpected token %q", pos[1])
	}

	pair, err := orderutil.ResolvePair(pairTok, d.env.DefaultPair())
	if err != nil {
		return reply("%v", err)
	}
	market, ok := d.env.MarketFor(pair)
	if !ok {
		return reply("pair %s is not configured on this venue", pair)
	}

	_, hasAmount := kvs["amount"]
	_, hasQuote := kvs["quote"]
	if hasAmount && hasQuote {
		return reply("give either amount= or quote=, not both")
	}
	if !hasAmount && !hasQuote {
		return reply("one of amount= or quote= is required")
	}

	low, err := kvs.decimalArg("low")
	if err != nil {
		return reply("%v", err)
	}
	high, err := kvs.decimalArg("high")
	if err != nil {
		return reply("%v", err)
	}
	if !high.GreaterThan(low) {
		return reply("high=%s must exceed low=%s", high, low)
	}
	countRaw, ok := kvs["count"]
	if !ok {
		return reply("missing count=")
	}
	count, err := strconv.Atoi(countRaw)
	if err != nil || count < 2 {
		return reply("count=%s must be an integer of at least 2", countRaw)
	}

	var total decimal.Decimal
	totalKey := "amount"
	if hasAmount {
		total, err = kvs.decimalArg("amount")
	} else {
		totalKey = "quote"
		total, err = kvs.decimalArg("quote")
	}
	if err != nil {
		return reply("%v", err)
	}

	confirmCoin := pair.Base
	if totalKey == "quote" {
		confirmCoin = pair.Quote
	}
	commandText := fmt.Sprintf("fill %s %s %s=%s low=%s high=%s count=%d", pair, side, totalKey, total, low, high, count)
	if r := d.requireConfirmation(ctx, commandText, confirmCoin, total, confirmed); r != nil {
		return *r
	}

	perOrder := total.Div(decimal.NewFromInt(int64(count)))

	// Prices scatter randomly across [low, high] on the tick grid, so a
	// repeated fill never re-resolves the same settled points.
	ticks := int64(0)
	if market.QuoteTick.Sign() > 0 {
		ticks = high.Sub(low).Div(market.QuoteTick).IntPart()
	}

	placed, skipped, failed := 0, 0, 0
	for i := 0; i < count; i++ {
		price := low.Add(market.QuoteTick.Mul(decimal.NewFromInt(rand.Int63n(ticks + 1))))
		price = orderutil.RoundPrice(price, market)
		if price.Sign() <= 0 {
			skipped++
			continue
		}
		amount := perOrder
		if totalKey == "quote" {
			amount = perOrder.Div(price)
		}
		amount = orderutil.RoundAmount(amount, market)
		if below, _ := orderutil.BelowMinimum(price, amount, market); below || amount.Sign() <= 0 {
			skipped++
			continue
		}

		res := d.submit(ctx, market, types.Order{
			Pair:    pair,
			Side:    side,
			Type:    types.OrderTypeLimit,
			Price:   price,
			Amount:  amount,
			Volume:  orderutil.Volume(price, amount, market),
			Purpose: types.PurposeManual,
		}, exchange.PlaceRequest{
			Pair:       pair,
			Side:       side,
			Type:       types.OrderTypeLimit,
			Price:      price,
			BaseAmount: amount,
		})
		if res.Level == notify.LevelError {
			failed++
		} else {
			placed++
		}
	}

	level := notify.LevelInfo
	if failed > 0 {
		level = notify.LevelWarn
	}
	return announce(level, "fill %s %s: placed %d of %d orders in [%s, %s] (%d skipped, %d failed)",
		pair, side, placed, count, low, high, skipped, failed)
}

// submit records the order as pending, sends it, and settles the record to
// placed or not-placed. The order ID is minted here.
func (d *Dispatcher) submit(ctx context.Context, market types.Market, ord types.Order, req exchange.PlaceRequest) Result {
	ord.ID = uuid.NewString()
	ord.LadderState = types.StatePending
	ord.CreatedAt = time.Now()
	if err := d.store.Insert(ord); err != nil {
		return Result{ReplyText: fmt.Sprintf("failed to record order: %v", err), Level: notify.LevelError}
	}

	placed, err := d.adapter.PlaceOrder(ctx, req)
	if err != nil {
		reason := "temporary venue failure"
		if !exchange.IsTemporary(err) {
			reason = err.Error()
			var xerr *exchange.Error
			if errors.As(err, &xerr) {
				reason = xerr.Message
			}
		}
		uerr := d.store.Update(ord.ID, func(o *types.Order) {
			o.LadderState = types.StateNotPlaced
			o.NotPlacedReason = reason
		})
		if uerr != nil {
			d.logger.Error("failed to mark order not-placed", "id", ord.ID, "error", uerr)
		}
		return Result{
			NotifyText: fmt.Sprintf("%s %s %s @ %s rejected: %s", ord.Side, ord.Amount, market.Pair.Base, ord.Price, reason),
			ReplyText:  fmt.Sprintf("order rejected: %s", reason),
			Level:      notify.LevelError,
		}
	}

	if placed.VenueID == "" {
		uerr := d.store.Update(ord.ID, func(o *types.Order) {
			o.LadderState = types.StateNotPlaced
			o.NotPlacedReason = placed.Message
		})
		if uerr != nil {
			d.logger.Error("failed to mark order not-placed", "id", ord.ID, "error", uerr)
		}
		return Result{
			NotifyText: fmt.Sprintf("%s %s %s @ %s rejected: %s", ord.Side, ord.Amount, market.Pair.Base, ord.Price, placed.Message),
			ReplyText:  fmt.Sprintf("order rejected: %s", placed.Message),
			Level:      notify.LevelError,
		}
	}

	uerr := d.store.Update(ord.ID, func(o *types.Order) {
		o.VenueID = placed.VenueID
		o.LadderState = types.StatePlaced
	})
	if uerr != nil {
		d.logger.Error("failed to mark order placed", "id", ord.ID, "error", uerr)
	}

	if ord.Type == types.OrderTypeMarket {
		qty := ord.Amount.String() + " " + market.Pair.Base
		if ord.Amount.Sign() <= 0 {
			qty = ord.Volume.String() + " " + market.Pair.Quote
		}
		return announce(notify.LevelInfo, "market %s %s on %s accepted (venue id %s)", ord.Side, qty, market.Pair, placed.VenueID)
	}
	return announce(notify.LevelInfo, "%s %s %s @ %s placed (venue id %s)",
		ord.Side, ord.Amount, market.Pair.Base, ord.Price, placed.VenueID)
}
