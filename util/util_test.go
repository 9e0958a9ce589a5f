package util_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/eaglecam/util"
)

func ExampleSetBit_msb() {
	out := util.SetBit(0, 7, true)
	fmt.Printf("%08b\n", out)
	// Output: 10000000
}

func ExampleSetBit_lsb() {
	out := util.SetBit(255, 0, false)
	fmt.Printf("%08b\n", out)
	// Output: 11111110
}

func ExampleHexBytes() {
	fmt.Println(util.HexBytes([]byte{0x53, 0xE0, 0x01, 0x00}))
	// Output: [53 E0 01 00]
}

func TestGetBit(t *testing.T) {
	var b byte = 0x44 // bits 2 and 6
	for i := uint(0); i < 8; i++ {
		expected := i == 2 || i == 6
		if got := util.GetBit(b, i); got != expected {
			t.Errorf("bit %d: expected %v got %v", i, expected, got)
		}
	}
}

func TestSetMask(t *testing.T) {
	if out := util.SetMask(0x0F, 0x05, false); out != 0x0A {
		t.Errorf("expected %#x got %#x", 0x0A, out)
	}
	if out := util.SetMask(0x00, 0x81, true); out != 0x81 {
		t.Errorf("expected %#x got %#x", 0x81, out)
	}
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampInt(t *testing.T) {
	if out := util.ClampInt(4097, 0, 4095); out != 4095 {
		t.Errorf("expected 4095 got %d", out)
	}
	if out := util.ClampInt(12, 0, 4095); out != 12 {
		t.Errorf("expected 12 got %d", out)
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestMergeErrors(t *testing.T) {
	if err := util.MergeErrors([]error{nil, nil}); err != nil {
		t.Errorf("expected nil got %v", err)
	}
	err := util.MergeErrors([]error{errors.New("a"), nil, errors.New("b")})
	if err == nil || err.Error() != "a\nb" {
		t.Errorf("expected \"a\\nb\" got %v", err)
	}
}
