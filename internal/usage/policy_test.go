package usage

import (
	"math"
	"testing"
)

func TestParseCeiling(t *testing.T) {
	cases := []struct {
		raw       string
		unlimited bool
		want      float64
	}{
		{"", true, 0},
		{"  ", true, 0},
		{"abc", true, 0},
		{"NaN", true, 0},
		{"Inf", true, 0},
		{"0", false, 0},
		{"2.5", false, 2.5},
		{" 10 ", false, 10},
	}
	for _, c := range cases {
		got := ParseCeiling(c.raw)
		if c.unlimited {
			if !math.IsInf(got, 1) {
				t.Errorf("ParseCeiling(%q) = %v, want +Inf", c.raw, got)
			}
			continue
		}
		if got != c.want {
			t.Errorf("ParseCeiling(%q) = %v, want %v", c.raw, got, c.want)
		}
	}
}

func TestNewBudgetPolicy(t *testing.T) {
	p := NewBudgetPolicy(math.Inf(1), 0.15, 0.60, 1000)
	if !p.Unlimited() {
		t.Error("expected unlimited policy")
	}
	if math.Abs(p.PriceIn-0.15e-6) > 1e-18 || math.Abs(p.PriceOut-0.60e-6) > 1e-18 {
		t.Errorf("per-unit prices = %g / %g", p.PriceIn, p.PriceOut)
	}
	if NewBudgetPolicy(0, 0, 0, 1).Unlimited() {
		t.Error("zero ceiling is not unlimited")
	}
}
