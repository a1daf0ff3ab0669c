package currency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnsupported is returned for any currency other than INR or USD.
var ErrUnsupported = errors.New("currency: unsupported currency code")

// Supported currency codes. Both use two minor-unit decimal places.
const (
	INR = "INR"
	USD = "USD"
)

const minorFactor = 100

// Supported reports whether the code names a currency this platform accepts.
func Supported(code string) bool {
	switch normalise(code) {
	case INR, USD:
		return true
	}
	return false
}

// ToMinorUnits converts a major-unit decimal amount to minor units,
// rounding half up to the nearest paisa/cent.
func ToMinorUnits(amount decimal.Decimal, code string) (int64, error) {
	if !Supported(code) {
		return 0, fmt.Errorf("%w: %s", ErrUnsupported, code)
	}
	scaled := amount.Mul(decimal.NewFromInt(minorFactor)).Round(0)
	return scaled.IntPart(), nil
}

// FromMinorUnits converts minor units back to a major-unit decimal.
func FromMinorUnits(units int64, code string) (decimal.Decimal, error) {
	if !Supported(code) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnsupported, code)
	}
	return decimal.New(units, -2), nil
}

// Format renders a major-unit amount as a display string with the
// currency's symbol and digit grouping: Indian lakh/crore grouping for
// INR, thousands grouping for USD. Always two decimal places.
func Format(amount decimal.Decimal, code string) (string, error) {
	switch normalise(code) {
	case INR:
		return formatWithGrouping(amount, "₹", groupIndian), nil
	case USD:
		return formatWithGrouping(amount, "$", groupThousands), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, code)
}

// FormatMinor renders a minor-unit amount as a display string.
func FormatMinor(units int64, code string) (string, error) {
	major, err := FromMinorUnits(units, code)
	if err != nil {
		return "", err
	}
	return Format(major, code)
}

func normalise(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func formatWithGrouping(amount decimal.Decimal, symbol string, group func(string) string) string {
	fixed := amount.StringFixed(2)
	negative := strings.HasPrefix(fixed, "-")
	if negative {
		fixed = fixed[1:]
	}
	intPart, fracPart, _ := strings.Cut(fixed, ".")
	out := symbol + group(intPart) + "." + fracPart
	if negative {
		out = "-" + out
	}
	return out
}

// groupThousands inserts commas every three digits: 1234567 -> 1,234,567.
func groupThousands(digits string) string {
	n := len(digits)
	if n <= 3 {
		return digits
	}
	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// groupIndian groups the last three digits, then pairs: 1234567 -> 12,34,567.
func groupIndian(digits string) string {
	n := len(digits)
	if n <= 3 {
		return digits
	}
	var b strings.Builder
	rest := digits[:n-3]
	last := digits[n-3:]
	m := len(rest)
	head := m % 2
	if head > 0 {
		b.WriteString(rest[:head])
	}
	for i := head; i < m; i += 2 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(rest[i : i+2])
	}
	b.WriteByte(',')
	b.WriteString(last)
	return b.String()
}
