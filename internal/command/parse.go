// parse.go holds the token-level helpers shared by the command handlers:
// key=value extraction, percent steps, price filters and pair resolution.
// One command per frame; runs of whitespace collapse; the leading slash is
// optional and only the verb is case-folded.
package command

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

// confirmToken is appended to a pending command when /y re-invokes it; the
// handler treats it as "confirmed, skip the threshold check".
const confirmToken = "-y"

// tokenize splits a frame into tokens, stripping the optional leading slash
// and case-folding the verb only.
func tokenize(line string) []string {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil
	}
	tokens[0] = strings.ToLower(strings.TrimPrefix(tokens[0], "/"))
	return tokens
}

// popConfirm removes the confirm sentinel, reporting whether it was present.
func popConfirm(tokens []string) ([]string, bool) {
	out := tokens[:0:0]
	confirmed := false
	for _, t := range tokens {
		if t == confirmToken {
			confirmed = true
			continue
		}
		out = append(out, t)
	}
	return out, confirmed
}

// kv holds the key=value arguments of a command.
type kv map[string]string

// splitArgs partitions tokens into positional arguments and key=value pairs.
func splitArgs(tokens []string) ([]string, kv) {
	var pos []string
	pairs := make(kv)
	for _, t := range tokens {
		if i := strings.Index(t, "="); i > 0 {
			pairs[strings.ToLower(t[:i])] = t[i+1:]
			continue
		}
		pos = append(pos, t)
	}
	return pos, pairs
}

// decimalArg parses a required positive decimal from a key=value argument.
func (m kv) decimalArg(key string) (decimal.Decimal, error) {
	raw, ok := m[key]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("missing %s=", key)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s=%s", key, raw)
	}
	if v.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%s must be positive", key)
	}
	return v, nil
}

// parsePercent parses a step token that must end in '%'.
func parsePercent(token string) (decimal.Decimal, error) {
	if !strings.HasSuffix(token, "%") {
		return decimal.Decimal{}, fmt.Errorf("step %q must end in %%", token)
	}
	v, err := decimal.NewFromString(strings.TrimSuffix(token, "%"))
	if err != nil || v.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("invalid step %q", token)
	}
	return v, nil
}

// parseSideToken maps "buy"/"sell" tokens, reporting whether one matched.
func parseSideToken(token string) (types.Side, bool) {
	switch strings.ToLower(token) {
	case "buy":
		return types.Buy, true
	case "sell":
		return types.Sell, true
	}
	return "", false
}

// priceFilter is a parsed (>|<)<price> <coin> clause.
type priceFilter struct {
	Above bool
	Value decimal.Decimal
	Coin  string
}

// parsePriceFilter consumes a ">1.05"/"<1.05" token plus its coin token.
// Returns the remaining tokens and the filter, or nil when absent.
func parsePriceFilter(tokens []string) ([]string, *priceFilter, error) {
	for i, t := range tokens {
		if !strings.HasPrefix(t, ">") && !strings.HasPrefix(t, "<") {
			continue
		}
		v, err := decimal.NewFromString(t[1:])
		if err != nil || v.Sign() <= 0 {
			return nil, nil, fmt.Errorf("invalid price filter %q", t)
		}
		f := &priceFilter{Above: t[0] == '>', Value: v}
		rest := append(append([]string{}, tokens[:i]...), tokens[i+1:]...)
		// The coin token, when present, follows the price immediately.
		if i < len(rest) {
			f.Coin = strings.ToUpper(rest[i])
			rest = append(rest[:i], rest[i+1:]...)
		}
		return rest, f, nil
	}
	return tokens, nil, nil
}

// looksLikePair reports whether a token has the BASE/QUOTE shape.
func looksLikePair(token string) bool {
	return strings.Count(token, "/") == 1 && !strings.HasPrefix(token, "/")
}
