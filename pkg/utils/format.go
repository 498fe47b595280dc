// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strings"
)

// FormatIndianCurrency formats a number in Indian currency format (lakhs, crores).
func FormatIndianCurrency(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")
	formatted := formatIndianNumber(parts[0])

	result := "₹" + formatted + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

// formatIndianNumber groups an integer string as 1,23,45,678.
func formatIndianNumber(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	// First group of 3 from right
	result := s[n-3:]
	s = s[:n-3]

	// Then groups of 2
	for len(s) > 0 {
		if len(s) >= 2 {
			result = s[len(s)-2:] + "," + result
			s = s[:len(s)-2]
		} else {
			result = s + "," + result
			s = ""
		}
	}

	return result
}

// FormatPercent formats a percentage with two decimals.
func FormatPercent(value float64) string {
	return fmt.Sprintf("%.2f%%", value)
}

// FormatSignedCurrency formats a cash delta with an explicit sign.
func FormatSignedCurrency(amount float64) string {
	formatted := FormatIndianCurrency(amount)
	if amount > 0 {
		return "+" + formatted
	}
	return formatted
}

// FormatQuantity formats a share count with Indian grouping.
func FormatQuantity(qty int) string {
	if qty < 0 {
		return "-" + formatIndianNumber(fmt.Sprintf("%d", -qty))
	}
	return formatIndianNumber(fmt.Sprintf("%d", qty))
}

// FormatCompact formats a number in compact form (L/Cr).
func FormatCompact(amount float64) string {
	abs := amount
	if abs < 0 {
		abs = -abs
	}

	switch {
	case abs >= 10000000:
		return fmt.Sprintf("%.2f Cr", amount/10000000)
	case abs >= 100000:
		return fmt.Sprintf("%.2f L", amount/100000)
	default:
		return FormatIndianCurrency(amount)
	}
}
