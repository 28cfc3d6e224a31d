package hyperliquid

import (
	"fmt"
	"math/big"
	"strings"
)

// toMinorUnits converts a decimal balance string as reported by the exchange
// ("12.5") into integer minor units at the given precision. Balances with more
// fractional digits than the currency carries are rejected rather than
// silently truncated.
func toMinorUnits(s string, decimals uint32) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	frac = strings.TrimRight(frac, "0")
	if uint32(len(frac)) > decimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", s, decimals)
	}

	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	n, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}
