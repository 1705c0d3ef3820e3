// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatUSDT formats an amount as USDT with thousands separators and two
// decimal places.
func FormatUSDT(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")
	result := groupThousands(parts[0]) + "." + parts[1] + " USDT"
	if negative {
		result = "-" + result
	}
	return result
}

// groupThousands inserts commas every three digits from the right.
func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatPnL formats realized or unrealized P&L with an explicit sign.
func FormatPnL(pnl float64) string {
	formatted := FormatUSDT(pnl)
	if pnl > 0 {
		return "+" + formatted
	}
	return formatted
}

// FormatPrice renders price with exactly precision decimals.
func FormatPrice(price float64, precision int32) string {
	return decimal.NewFromFloat(price).StringFixed(precision)
}

// FormatQty renders a quantity without trailing zeros.
func FormatQty(qty float64) string {
	return decimal.NewFromFloat(qty).String()
}
