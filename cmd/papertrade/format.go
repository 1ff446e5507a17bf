package main

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

// usd renders an amount as US dollars, rounded to cents: $1,234.56
func usd(amount decimal.Decimal) string {
	cents := amount.Shift(int32(model.CashScale)).Round(0).IntPart()
	return money.New(cents, money.USD).Display()
}

// signedUSD is usd with an explicit + for gains.
func signedUSD(amount decimal.Decimal) string {
	if amount.IsPositive() {
		return "+" + usd(amount)
	}
	return usd(amount)
}

// unitPrice renders a per-share price with the ledger's price precision,
// dropping trailing zeros past the cents.
func unitPrice(p decimal.Decimal) string {
	s := p.StringFixed(model.PriceScale)
	for len(s) > 0 && s[len(s)-1] == '0' && s[len(s)-3] != '.' {
		s = s[:len(s)-1]
	}
	return s
}
