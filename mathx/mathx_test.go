package mathx

import (
	"math"
	"testing"
)

func TestRoundDigits(t *testing.T) {
	cases := []struct {
		in     float64
		digits int
		out    float64
	}{
		{-39.876, 2, -39.88},
		{25.004, 2, 25.0},
		{0.1234, 1, 0.1},
	}
	for _, c := range cases {
		got := RoundDigits(c.in, c.digits)
		if math.Abs(got-c.out) > 1e-9 {
			t.Errorf("RoundDigits(%v, %d): expected %v got %v", c.in, c.digits, c.out, got)
		}
	}
}

func TestCeilDiv(t *testing.T) {
	if v := CeilDiv(2049, 2048); v != 2 {
		t.Errorf("expected 2 got %d", v)
	}
	if v := CeilDiv(4096, 2048); v != 2 {
		t.Errorf("expected 2 got %d", v)
	}
	if v := CeilDiv(1, 0); v != 0 {
		t.Errorf("expected 0 got %d", v)
	}
}
