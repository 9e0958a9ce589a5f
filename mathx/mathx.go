// Package mathx holds small numeric helpers that the math package lacks.
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// RoundDigits rounds x to the given number of digits after the decimal point
func RoundDigits(x float64, digits int) float64 {
	return Round(x, math.Pow10(-digits))
}

// CeilDiv is ceil(a/b) for positive integers
func CeilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
