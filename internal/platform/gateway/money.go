package gateway

import (
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimal lists currencies whose gateway amounts are already whole units.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// FromMinorUnits converts an integer gateway amount to a decimal in major
// units, e.g. 4900 USD -> 49.00.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	if zeroDecimal[strings.ToUpper(currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

// ToMinorUnits is the inverse of FromMinorUnits, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}
