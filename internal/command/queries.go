// queries.go implements the read-only commands: order and balance summaries
// (with per-sender diffs), rates, conversions, stats and venue lookups.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"gridbot/internal/orderutil"
	"gridbot/pkg/types"
)

// handleOrders summarizes the pair's order records per purpose:
//
//	orders [pair] [purpose] [full]
//
// The per-purpose open count carries a diff against the same sender's
// previous query, so a chat operator sees movement at a glance.
func (d *Dispatcher) handleOrders(sender string, args []string) Result {
	full := false
	kept := args[:0:0]
	for _, t := range args {
		if strings.EqualFold(t, "full") {
			full = true
			continue
		}
		kept = append(kept, t)
	}
	args = kept

	pairTok := ""
	if len(args) > 0 && looksLikePair(args[0]) {
		pairTok = args[0]
		args = args[1:]
	}
	pair, err := orderutil.ResolvePair(pairTok, d.env.DefaultPair())
	if err != nil {
		return reply("%v", err)
	}

	var only types.Purpose
	if len(args) > 0 {
		p, ok := types.ParsePurpose(args[0])
		if !ok {
			return reply("unknown purpose %q", args[0])
		}
		only = p
		args = args[1:]
	}
	if len(args) > 0 {
		return reply("unexpected token %q", args[0])
	}

	groups := d.store.GroupByPurpose(pair)
	prev := d.prevOrders[sender]
	next := make(map[types.Purpose]int)

	var sb strings.Builder
	fmt.Fprintf(&sb, "orders %s:\n", pair)
	for _, purpose := range types.AllPurposes {
		if only != "" && purpose != only {
			continue
		}
		records := groups[purpose]
		var open, pending, filled, closed int
		for _, o := range records {
			switch o.LadderState {
			case types.StatePlaced:
				open++
			case types.StatePending:
				pending++
			case types.StateFilled:
				filled++
			default:
				closed++
			}
		}
		next[purpose] = open
		if len(records) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%s: %d open%s, %d pending, %d filled, %d closed\n",
			purpose, open, diffSuffix(prev, purpose, open), pending, filled, closed)
		if full {
			for _, o := range records {
				if o.LadderState != types.StatePlaced && o.LadderState != types.StatePending {
					continue
				}
				fmt.Fprintf(&sb, "  %s %s @ %s [%s]", o.Side, o.Amount, o.Price, o.LadderState)
				if o.LadderIndex != nil {
					fmt.Fprintf(&sb, " rung %+d", *o.LadderIndex)
				}
				sb.WriteByte('\n')
			}
		}
	}
	d.prevOrders[sender] = next

	out := strings.TrimRight(sb.String(), "\n")
	if !strings.Contains(out, "\n") {
		out += "\nno records"
	}
	return reply("%s", out)
}

func diffSuffix(prev map[types.Purpose]int, purpose types.Purpose, open int) string {
	if prev == nil {
		return ""
	}
	delta := open - prev[purpose]
	if delta == 0 {
		return ""
	}
	return fmt.Sprintf(" (%+d)", delta)
}

// handleBalances prints the venue balance snapshot with USD equivalents and
// per-sender deltas:
//
//	balances [main|trade|margin] [full]
func (d *Dispatcher) handleBalances(ctx context.Context, sender string, args []string) Result {
	accountType := ""
	nonzero := true
	for _, t := range args {
		switch strings.ToLower(t) {
		case "full":
			nonzero = false
		case "main", "trade", "margin":
			if !d.caps.AccountTypes {
				return reply("venue %s has a single account; drop the account argument", d.adapter.Name())
			}
			accountType = strings.ToLower(t)
		default:
			return reply("unexpected token %q", t)
		}
	}

	balances, err := d.adapter.Balances(ctx, accountType, nonzero)
	if err != nil {
		return reply("balance query failed: %v", err)
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Code < balances[j].Code })

	prev := d.prevBalances[sender]
	next := make(map[string]decimal.Decimal, len(balances))

	var sb strings.Builder
	sb.WriteString("balances:\n")
	totalUSD := decimal.Decimal{}
	for _, b := range balances {
		next[b.Code] = b.Total
		line := fmt.Sprintf("%s: %s (%s free, %s frozen)", b.Code, b.Total, b.Free, b.Freezed)
		if prev != nil {
			if delta := b.Total.Sub(prev[b.Code]); !delta.IsZero() {
				line += fmt.Sprintf(" [%s%s]", plusSign(delta), delta)
			}
		}
		if usd := d.oracle.USDValue(ctx, b.Code, b.Total); usd.Sign() > 0 {
			line += fmt.Sprintf(" ≈ %s USD", usd)
			totalUSD = totalUSD.Add(usd)
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	d.prevBalances[sender] = next

	if len(balances) == 0 {
		return reply("balances: empty")
	}
	fmt.Fprintf(&sb, "total ≈ %s USD", totalUSD.Round(2))
	return reply("%s", sb.String())
}

func plusSign(d decimal.Decimal) string {
	if d.Sign() > 0 {
		return "+"
	}
	return ""
}

// handleRates prints rate-table entries, optionally filtered by a coin or a
// pair token.
func (d *Dispatcher) handleRates(ctx context.Context, args []string) Result {
	code := ""
	if len(args) > 0 {
		code = strings.ToUpper(args[0])
		if looksLikePair(code) {
			p, err := types.ParsePair(code)
			if err != nil {
				return reply("%v", err)
			}
			conv, err := d.oracle.Convert(ctx, p.Base, p.Quote, decimal.NewFromInt(1))
			if err != nil {
				return reply("%v", err)
			}
			note := ""
			if conv.Stale {
				note = " (stale)"
			}
			return reply("1 %s = %s %s%s", p.Base, conv.Amount, p.Quote, note)
		}
	}

	table, stale, err := d.oracle.Snapshot(ctx, code)
	if err != nil {
		return reply("%v", err)
	}
	if len(table) == 0 {
		return reply("no rates for %s", code)
	}

	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("rates")
	if stale {
		sb.WriteString(" (stale)")
	}
	sb.WriteString(":\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, table[k])
	}
	return reply("%s", strings.TrimRight(sb.String(), "\n"))
}

// handleCalc converts an amount between assets:
//
//	calc <amount> <coin> in <coin>
func (d *Dispatcher) handleCalc(ctx context.Context, args []string) Result {
	if len(args) != 4 || strings.ToLower(args[2]) != "in" {
		return reply("usage: calc <amount> <coin> in <coin>")
	}
	amount, err := decimal.NewFromString(args[0])
	if err != nil || amount.Sign() <= 0 {
		return reply("invalid amount %q", args[0])
	}
	from, to := strings.ToUpper(args[1]), strings.ToUpper(args[3])

	conv, err := d.oracle.Convert(ctx, from, to, amount)
	if err != nil {
		return reply("%v", err)
	}
	out := fmt.Sprintf("%s %s = %s %s", amount, from, conv.Amount, to)
	if len(conv.Path) > 0 {
		out += " (via " + strings.Join(conv.Path, ", ") + ")"
	}
	if conv.Stale {
		out += " (stale)"
	}
	return reply("%s", out)
}

// handleStats aggregates filled volume per purpose and side for the pair.
func (d *Dispatcher) handleStats(ctx context.Context, args []string) Result {
	pairTok := ""
	if len(args) > 0 {
		pairTok = args[0]
	}
	pair, err := orderutil.ResolvePair(pairTok, d.env.DefaultPair())
	if err != nil {
		return reply("%v", err)
	}

	groups := d.store.GroupByPurpose(pair)
	var sb strings.Builder
	fmt.Fprintf(&sb, "stats %s:\n", pair)

	any := false
	for _, purpose := range types.AllPurposes {
		records := groups[purpose]
		if len(records) == 0 {
			continue
		}
		var boughtBase, soldBase, spentQuote, earnedQuote decimal.Decimal
		fills := 0
		for _, o := range records {
			if o.AmountExecuted.Sign() <= 0 {
				continue
			}
			fills++
			if o.Side == types.Buy {
				boughtBase = boughtBase.Add(o.AmountExecuted)
				spentQuote = spentQuote.Add(o.VolumeExecuted)
			} else {
				soldBase = soldBase.Add(o.AmountExecuted)
				earnedQuote = earnedQuote.Add(o.VolumeExecuted)
			}
		}
		if fills == 0 {
			continue
		}
		any = true
		fmt.Fprintf(&sb, "%s: bought %s %s for %s %s, sold %s %s for %s %s (%d fills)\n",
			purpose, boughtBase, pair.Base, spentQuote, pair.Quote,
			soldBase, pair.Base, earnedQuote, pair.Quote, fills)
	}
	if !any {
		return reply("stats %s: no fills recorded", pair)
	}
	return reply("%s", strings.TrimRight(sb.String(), "\n"))
}

// handlePair shows the active pair and its market limits, or switches the
// default pair to another one the venue trades.
func (d *Dispatcher) handlePair(args []string) Result {
	if len(args) == 0 {
		pair := d.env.DefaultPair()
		market, ok := d.env.MarketFor(pair)
		if !ok {
			return reply("pair %s (market descriptor unavailable)", pair)
		}
		return reply("pair %s: tick %s, step %s, min %s %s / %s %s, status %s",
			pair, market.QuoteTick, market.BaseStep,
			market.MinBaseAmount, pair.Base, market.MinQuoteAmount, pair.Quote, market.Status)
	}

	pair, err := types.ParsePair(args[0])
	if err != nil {
		return reply("%v", err)
	}
	if _, ok := d.env.MarketFor(pair); !ok {
		return reply("venue %s does not trade %s", d.adapter.Name(), pair)
	}
	if err := d.env.UpdateParams(func(p *types.TradeParams) { p.Pair = pair }); err != nil {
		return reply("failed to switch pair: %v", err)
	}
	return reply("default pair is now %s", pair)
}

// handleDeposit looks up deposit addresses for an asset.
func (d *Dispatcher) handleDeposit(ctx context.Context, args []string) Result {
	if len(args) != 1 {
		return reply("usage: deposit <coin>")
	}
	if !d.caps.GetDepositAddress {
		return reply("venue %s does not expose deposit addresses", d.adapter.Name())
	}

	addrs, err := d.adapter.DepositAddress(ctx, strings.ToUpper(args[0]))
	if err != nil {
		return reply("deposit lookup failed: %v", err)
	}
	if len(addrs) == 0 {
		return reply("no deposit addresses for %s", strings.ToUpper(args[0]))
	}
	var sb strings.Builder
	for _, a := range addrs {
		fmt.Fprintf(&sb, "%s: %s", a.Network, a.Address)
		if a.Memo != "" {
			fmt.Fprintf(&sb, " (memo %s)", a.Memo)
		}
		sb.WriteByte('\n')
	}
	return reply("%s", strings.TrimRight(sb.String(), "\n"))
}

// handleInfo prints what the oracle and the venue know about one asset.
func (d *Dispatcher) handleInfo(ctx context.Context, args []string) Result {
	if len(args) != 1 {
		return reply("usage: info <coin>")
	}
	code := strings.ToUpper(args[0])

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:", code)
	switch {
	case d.oracle == nil:
		sb.WriteString(" rates unavailable")
	case !d.oracle.HasTicker(ctx, code):
		sb.WriteString(" not listed by the rate oracle")
	default:
		usd := d.oracle.USDValue(ctx, code, decimal.NewFromInt(1))
		if usd.Sign() > 0 {
			fmt.Fprintf(&sb, " 1 %s ≈ %s USD", code, usd)
		}
	}

	pairs := findVenuePairs(ctx, d, code)
	if len(pairs) > 0 {
		fmt.Fprintf(&sb, "\ntraded on %s as %s", d.adapter.Name(), strings.Join(pairs, ", "))
	}
	return reply("%s", sb.String())
}

func findVenuePairs(ctx context.Context, d *Dispatcher, code string) []string {
	if !d.caps.GetMarkets {
		return nil
	}
	markets, err := d.adapter.Markets(ctx)
	if err != nil {
		return nil
	}
	var out []string
	for _, m := range markets {
		if m.Pair.Base == code || m.Pair.Quote == code {
			out = append(out, m.Pair.String())
		}
	}
	sort.Strings(out)
	return out
}
