package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatMoney renders an amount as "$1,234.50".
func FormatMoney(d decimal.Decimal) string {
	s := RoundMoney(d).StringFixed(CurrencyPlaces)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign = "-"
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + "$" + b.String() + "." + frac
}

// FormatRate renders a fractional rate as a percentage, e.g. 0.0825 -> "8.25%".
func FormatRate(rate decimal.Decimal) string {
	return rate.Mul(decimal.NewFromInt(100)).String() + "%"
}
