// Package util contains misc internal utilities.
package util

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// GetBit returns the value of a given bit in a byte
func GetBit(b byte, bitIndex uint) bool {
	return b&(1<<bitIndex) != 0
}

// SetBit sets or clears the bit at bitIndex of b and returns the result
func SetBit(b byte, bitIndex uint, value bool) byte {
	if value {
		return b | (1 << bitIndex)
	}
	return b &^ (1 << bitIndex)
}

// SetMask sets or clears every bit of mask in b
func SetMask(b, mask byte, value bool) byte {
	if value {
		return b | mask
	}
	return b &^ mask
}

// Clamp limits x to the closed interval [low, high]
func Clamp(x, low, high float64) float64 {
	return math.Max(low, math.Min(x, high))
}

// ClampInt is Clamp for ints
func ClampInt(x, low, high int) int {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// SecsToDuration converts a floating point number of seconds to a duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// HexBytes renders a byte slice as [53 E0 01 00]
func HexBytes(b []byte) string {
	s := make([]string, len(b))
	for i, v := range b {
		s[i] = fmt.Sprintf("%02X", v)
	}
	return "[" + strings.Join(s, " ") + "]"
}

// MergeErrors combines multiple errors into one, joining their text
// with newlines.  nil errors are skipped; if every error is nil the
// result is nil.
func MergeErrors(errs []error) error {
	strs := []string{}
	for _, err := range errs {
		if err != nil {
			strs = append(strs, err.Error())
		}
	}
	if len(strs) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(strs, "\n"))
}
