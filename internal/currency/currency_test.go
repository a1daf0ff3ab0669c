package currency

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToMinorUnitsRoundsHalfUp(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"100.00", 10000},
		{"1234.5", 123450},
		{"0.005", 1},
		{"0.004", 0},
		{"19.995", 2000},
	}
	for _, tc := range cases {
		amount, err := decimal.NewFromString(tc.in)
		if err != nil {
			t.Fatalf("parse %s: %v", tc.in, err)
		}
		got, err := ToMinorUnits(amount, "INR")
		if err != nil {
			t.Fatalf("convert %s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.in, tc.want, got)
		}
	}
}

func TestMinorUnitsRoundTrip(t *testing.T) {
	for _, units := range []int64{0, 1, 99, 100, 123450, 999999999} {
		major, err := FromMinorUnits(units, "USD")
		if err != nil {
			t.Fatalf("from minor %d: %v", units, err)
		}
		back, err := ToMinorUnits(major, "USD")
		if err != nil {
			t.Fatalf("to minor %s: %v", major, err)
		}
		if back != units {
			t.Fatalf("round trip %d -> %s -> %d", units, major, back)
		}
	}
}

func TestFormatINRIndianGrouping(t *testing.T) {
	cases := map[string]string{
		"1234.5":     "₹1,234.50",
		"1234567.89": "₹12,34,567.89",
		"100.00":     "₹100.00",
		"123456789":  "₹12,34,56,789.00",
	}
	for in, want := range cases {
		amount, _ := decimal.NewFromString(in)
		got, err := Format(amount, "INR")
		if err != nil {
			t.Fatalf("format %s: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: expected %s, got %s", in, want, got)
		}
	}
}

func TestFormatUSDGrouping(t *testing.T) {
	cases := map[string]string{
		"1234.5":     "$1,234.50",
		"1234567.89": "$1,234,567.89",
		"-42.1":      "-$42.10",
	}
	for in, want := range cases {
		amount, _ := decimal.NewFromString(in)
		got, err := Format(amount, "USD")
		if err != nil {
			t.Fatalf("format %s: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: expected %s, got %s", in, want, got)
		}
	}
}

func TestUnsupportedCurrency(t *testing.T) {
	if _, err := ToMinorUnits(decimal.NewFromInt(1), "EUR"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := FromMinorUnits(100, "GBP"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := Format(decimal.NewFromInt(1), "JPY"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := FormatMinor(100, ""); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
