package pawn

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var moneyPrinter = message.NewPrinter(language.AmericanEnglish)

// FormatMoney renders an amount for operator-facing messages, e.g. "$1,250.00".
func FormatMoney(d decimal.Decimal) string {
	f, _ := d.Round(2).Abs().Float64()
	s := moneyPrinter.Sprintf("$%.2f", f)
	if d.Round(2).IsNegative() {
		return "-" + s
	}
	return s
}

// MaxZero clamps negative amounts to zero.
func MaxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
