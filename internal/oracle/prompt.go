package oracle

import (
	"math/big"
	"strings"
)

// valueDecimals is the fixed-point scale of collateral values.
const valueDecimals = 18

const systemPrompt = `You are a collateral risk assessor for an over-collateralized asset issuer.
Given a basket of deposited assets and its total value, recommend the minimum
collateralization ratio that keeps issued units safe under stressed market conditions.

Answer with exactly two tokens anywhere in your reply:
RATIO:<whole percent, 3 digits, e.g. 150>
CONFIDENCE:<0-99, how confident you are in the ratio>

Prefer higher ratios for volatile, illiquid or concentrated baskets.`

// BuildPrompt renders the user message for one basket.
func BuildPrompt(basket string, value *big.Int) string {
	var b strings.Builder
	b.WriteString("Basket: ")
	b.WriteString(strings.TrimSpace(basket))
	b.WriteString("\nTotal value (USD): ")
	b.WriteString(FormatUnits(value, valueDecimals))
	b.WriteString("\nRespond with RATIO and CONFIDENCE.")
	return b.String()
}

// FormatUnits renders a fixed-point integer with the given number of
// decimals, trimming trailing zeros.
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	whole, frac := new(big.Int).QuoRem(abs, scale, new(big.Int))

	out := whole.String()
	if frac.Sign() != 0 {
		fs := frac.String()
		fs = strings.Repeat("0", decimals-len(fs)) + fs
		out += "." + strings.TrimRight(fs, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}
