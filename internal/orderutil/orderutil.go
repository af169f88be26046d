// Package orderutil holds the pure helpers shared by the strategy, the
// collector and the command handlers: step/tick rounding, pair resolution
// and amount/price validation. Nothing here touches the venue or the store.
package orderutil

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

// RoundToStep floors v to the nearest multiple of step. A zero or negative
// step returns v unchanged (the venue imposed no increment).
func RoundToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// RoundPrice floors a price to the market's quote tick.
func RoundPrice(price decimal.Decimal, m types.Market) decimal.Decimal {
	return RoundToStep(price, m.QuoteTick)
}

// RoundAmount floors a base amount to the market's base step.
func RoundAmount(amount decimal.Decimal, m types.Market) decimal.Decimal {
	return RoundToStep(amount, m.BaseStep)
}

// Volume computes price·amount rounded to the market's quote precision.
func Volume(price, amount decimal.Decimal, m types.Market) decimal.Decimal {
	return price.Mul(amount).Round(m.QuoteDecimals)
}

// BelowMinimum reports whether a rounded (price, amount) violates the venue's
// minimums, with a human-readable reason.
func BelowMinimum(price, amount decimal.Decimal, m types.Market) (bool, string) {
	if m.MinBaseAmount.Sign() > 0 && amount.LessThan(m.MinBaseAmount) {
		return true, fmt.Sprintf("amount %s below venue minimum %s %s", amount, m.MinBaseAmount, m.Pair.Base)
	}
	if m.MinQuoteAmount.Sign() > 0 && price.Mul(amount).LessThan(m.MinQuoteAmount) {
		return true, fmt.Sprintf("volume %s below venue minimum %s %s", price.Mul(amount), m.MinQuoteAmount, m.Pair.Quote)
	}
	return false, ""
}

// ValidateOrder checks the basic sanity of a manual or strategy order before
// it is recorded or sent anywhere.
func ValidateOrder(pair types.Pair, side types.Side, price, amount decimal.Decimal, typ types.OrderType) error {
	if pair.IsZero() {
		return fmt.Errorf("pair is required")
	}
	if !side.Valid() {
		return fmt.Errorf("side must be buy or sell, got %q", side)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive, got %s", amount)
	}
	if typ == types.OrderTypeLimit && price.Sign() <= 0 {
		return fmt.Errorf("limit price must be positive, got %s", price)
	}
	return nil
}

// ResolvePair parses token as a pair, falling back to def when token is
// empty. Used by every command that takes an optional [pair] argument.
func ResolvePair(token string, def types.Pair) (types.Pair, error) {
	if token == "" {
		if def.IsZero() {
			return types.Pair{}, fmt.Errorf("no pair given and no default configured")
		}
		return def, nil
	}
	return types.ParsePair(token)
}

// HalfTick returns half the market's quote tick — the re-placement hysteresis
// threshold: a resting rung within half a tick of its target is left alone.
func HalfTick(m types.Market) decimal.Decimal {
	return m.QuoteTick.Div(decimal.NewFromInt(2))
}
