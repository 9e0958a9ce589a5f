// Package codec converts between engineering units and the raw register
// encodings of the Eagle camera FPGA.
//
// Multi-byte quantities are big endian across consecutive register
// addresses.  12-bit values use the low nibble of the first byte and all
// of the second; 40-bit counters span exactly five bytes.  Conversions in
// the "set" direction saturate at the largest value the encoding can hold
// instead of wrapping.
package codec

import (
	"errors"
	"fmt"
	"math"
)

const (
	// Max12 is the largest 12-bit value
	Max12 = 0xFFF

	// Max16 is the largest 16-bit value
	Max16 = 0xFFFF

	// Max40 is the largest 40-bit counter value
	Max40 = 1<<40 - 1

	// ClockHz is the FPGA counter clock, 40 MHz
	ClockHz = 4e7

	// CountPeriod is the length of one FPGA clock count in seconds (25 ns)
	CountPeriod = 1 / ClockHz

	// ShutterDelayPeriod is the length of one shutter delay count in milliseconds
	ShutterDelayPeriod = 1.6384

	// tol absorbs float noise so that exact multiples do not ceil up a count
	tol = 1e-9
)

var (
	// ErrWidth is returned when a byte slice does not have the length an encoding needs
	ErrWidth = errors.New("codec: wrong number of bytes for encoding")

	// ErrDegenerateCalibration is returned when both calibration points share a raw count
	ErrDegenerateCalibration = errors.New("codec: calibration points have equal raw counts")
)

func ceil(x float64) float64 {
	return math.Ceil(x - tol)
}

// Counts40ToBytes encodes a counter as five big-endian bytes, saturating at Max40
func Counts40ToBytes(c uint64) []byte {
	if c > Max40 {
		c = Max40
	}
	return []byte{
		byte(c >> 32),
		byte(c >> 24),
		byte(c >> 16),
		byte(c >> 8),
		byte(c),
	}
}

// BytesToCounts40 decodes five big-endian bytes into a counter
func BytesToCounts40(b []byte) (uint64, error) {
	if len(b) != 5 {
		return 0, fmt.Errorf("%w: 40-bit needs 5, got %d", ErrWidth, len(b))
	}
	var c uint64
	for _, v := range b {
		c = c<<8 | uint64(v)
	}
	return c, nil
}

// Int12ToBytes encodes v as {high nibble, low byte}, clamped to [0, Max12]
func Int12ToBytes(v int) []byte {
	if v < 0 {
		v = 0
	} else if v > Max12 {
		v = Max12
	}
	return []byte{byte(v>>8) & 0x0F, byte(v)}
}

// BytesToInt12 decodes {high nibble, low byte}; the upper nibble of the first byte is ignored
func BytesToInt12(b []byte) (int, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("%w: 12-bit needs 2, got %d", ErrWidth, len(b))
	}
	return int(b[0]&0x0F)<<8 | int(b[1]), nil
}

// Int16ToBytes encodes v big-endian, clamped to [0, Max16]
func Int16ToBytes(v int) []byte {
	if v < 0 {
		v = 0
	} else if v > Max16 {
		v = Max16
	}
	return []byte{byte(v >> 8), byte(v)}
}

// BytesToInt16 decodes two big-endian bytes
func BytesToInt16(b []byte) (int, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("%w: 16-bit needs 2, got %d", ErrWidth, len(b))
	}
	return int(b[0])<<8 | int(b[1]), nil
}

// SecondsToCounts converts an exposure time to FPGA counts, rounding to the
// nearest count and saturating at Max40.  NaN and non-positive times are 0.
func SecondsToCounts(secs float64) uint64 {
	if !(secs > 0) {
		return 0
	}
	c := math.Round(secs / CountPeriod)
	if c >= Max40 {
		return Max40
	}
	return uint64(c)
}

// CountsToSeconds is the inverse of SecondsToCounts
func CountsToSeconds(c uint64) float64 {
	return float64(c) * CountPeriod
}

// RateToCounts converts a frame rate in Hz to the frame period in FPGA counts,
// ceil(40 MHz / rate), saturating at Max40
func RateToCounts(hz float64) uint64 {
	if !(hz > 0) {
		return Max40
	}
	c := ceil(ClockHz / hz)
	if c >= Max40 {
		return Max40
	}
	if c < 1 {
		return 1
	}
	return uint64(c)
}

// CountsToRate is the inverse of RateToCounts.  A zero period has no rate and returns 0.
func CountsToRate(c uint64) float64 {
	if c == 0 {
		return 0
	}
	return ClockHz / float64(c)
}

// DelayToCount converts a shutter delay in milliseconds to its 8-bit register
// value, ceil(ms / 1.6384), saturating at 255
func DelayToCount(ms float64) byte {
	if !(ms > 0) {
		return 0
	}
	c := ceil(ms / ShutterDelayPeriod)
	if c >= math.MaxUint8 {
		return math.MaxUint8
	}
	return byte(c)
}

// CountToDelay converts a shutter delay register value to milliseconds
func CountToDelay(c byte) float64 {
	return float64(c) * ShutterDelayPeriod
}

// PCBCountsToCelsius converts the PCB sensor reading to Celsius
func PCBCountsToCelsius(counts int) float64 {
	return float64(counts) / 16
}
