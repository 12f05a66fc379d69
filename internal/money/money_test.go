// Package money provides tests for minor-unit conversion and formatting.
package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

// TestToMinorUnits covers half-up rounding at the boundary.
func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		major string
		want  int64
	}{
		{"0", 0},
		{"1", 100},
		{"10.55", 1055},
		{"10.555", 1056}, // Half rounds up
		{"10.554", 1055},
		{"0.005", 1},
		{"-10.555", -1056},
		{"1234567.89", 123456789},
	}
	for _, tt := range tests {
		major, err := decimal.NewFromString(tt.major)
		if err != nil {
			t.Fatalf("NewFromString(%q) error = %v", tt.major, err)
		}
		if got := ToMinorUnits(major); got != tt.want {
			t.Errorf("ToMinorUnits(%s) = %d, want %d", tt.major, got, tt.want)
		}
	}
}

// TestRoundTrip verifies minor -> major -> minor is lossless.
func TestRoundTrip(t *testing.T) {
	for _, minor := range []int64{0, 1, 99, 100, 1055, 123456789, -1056} {
		if got := ToMinorUnits(ToMajorUnits(minor)); got != minor {
			t.Errorf("round trip of %d = %d", minor, got)
		}
	}
}

// TestFromFloat covers the JSON-number boundary.
func TestFromFloat(t *testing.T) {
	tests := []struct {
		major float64
		want  int64
	}{
		{250.50, 25050},
		{0.01, 1},
		{100, 10000},
	}
	for _, tt := range tests {
		if got := FromFloat(tt.major); got != tt.want {
			t.Errorf("FromFloat(%v) = %d, want %d", tt.major, got, tt.want)
		}
	}
}

// TestFormatNaira covers grouping and signs.
func TestFormatNaira(t *testing.T) {
	tests := []struct {
		minor int64
		want  string
	}{
		{0, "₦0.00"},
		{5, "₦0.05"},
		{100, "₦1.00"},
		{123456789, "₦1,234,567.89"},
		{100000, "₦1,000.00"},
		{-1056, "-₦10.56"},
	}
	for _, tt := range tests {
		if got := FormatNaira(tt.minor); got != tt.want {
			t.Errorf("FormatNaira(%d) = %q, want %q", tt.minor, got, tt.want)
		}
	}
}
