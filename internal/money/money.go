// Package money converts between naira (major units) and kobo (minor units)
// and formats amounts for display. All balances and transfers inside the
// service are int64 kobo; decimals appear only at this boundary.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// KoboPerNaira is the minor-unit scale for NGN.
const KoboPerNaira = 100

var koboScale = decimal.NewFromInt(KoboPerNaira)

// ToMinorUnits converts a major-unit amount to kobo, rounding half up.
// ToMinorUnits(10.555) == 1056.
func ToMinorUnits(major decimal.Decimal) int64 {
	return major.Mul(koboScale).Round(0).IntPart()
}

// FromFloat converts a float major-unit amount to kobo, rounding half up.
// Kept for boundary inputs that arrive as JSON numbers.
func FromFloat(major float64) int64 {
	return ToMinorUnits(decimal.NewFromFloat(major))
}

// ToMajorUnits converts kobo to an exact major-unit decimal.
func ToMajorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(koboScale)
}

// FormatNaira renders kobo as a display string, e.g. 123456789 -> "₦1,234,567.89".
// Negative amounts carry a leading minus before the currency sign.
func FormatNaira(minor int64) string {
	neg := minor < 0
	if neg {
		minor = -minor
	}
	whole := minor / KoboPerNaira
	frac := minor % KoboPerNaira

	digits := fmt.Sprintf("%d", whole)
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}

	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s₦%s.%02d", sign, b.String(), frac)
}
