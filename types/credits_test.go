package types_test

import (
	"testing"

	"github.com/xraph/broker/types"
)

func TestCreditsArithmetic(t *testing.T) {
	tests := []struct {
		name string
		got  types.Credits
		want int64
	}{
		{"Add", types.CreditsOf(10).Add(5), 15},
		{"Subtract", types.CreditsOf(10).Subtract(4), 6},
		{"SubtractBelowZero", types.CreditsOf(3).Subtract(5), -2},
		{"Multiply", types.CreditsOf(5).Multiply(4), 20},
		{"Sum", types.SumCredits(1, 2, 3, 4), 10},
		{"SumEmpty", types.SumCredits(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got.Int64() != tt.want {
				t.Errorf("got %d, want %d", tt.got.Int64(), tt.want)
			}
		})
	}
}

func TestCreditsComparisons(t *testing.T) {
	if !types.CreditsOf(0).IsZero() {
		t.Error("0 should be zero")
	}
	if !types.CreditsOf(7).IsPositive() {
		t.Error("7 should be positive")
	}
	if !types.CreditsOf(-1).IsNegative() {
		t.Error("-1 should be negative")
	}
	if !types.CreditsOf(4).Covers(4) {
		t.Error("balance 4 should cover cost 4")
	}
	if types.CreditsOf(4).Covers(50) {
		t.Error("balance 4 should not cover cost 50")
	}
}

func TestCreditsString(t *testing.T) {
	tests := []struct {
		amount types.Credits
		want   string
	}{
		{types.CreditsOf(10), "10cr"},
		{types.CreditsOf(0), "0cr"},
		{types.CreditsOf(-3), "-3cr"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.amount.String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseCredits(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"10", 10, false},
		{"10cr", 10, false},
		{"-5cr", -5, false},
		{"0", 0, false},
		{"abc", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := types.ParseCredits(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Int64() != tt.want {
				t.Errorf("got %d, want %d", got.Int64(), tt.want)
			}
		})
	}
}
