package codec

import "fmt"

// CalibrationPair holds two (raw count, physical value) anchors of an analog channel
type CalibrationPair struct {
	Raw      [2]int
	Physical [2]float64
}

// Linear maps raw counts to a physical value as Offset + Slope*raw
type Linear struct {
	Offset float64
	Slope  float64
}

// NewLinear derives the coefficients passing through both anchors of p
func NewLinear(p CalibrationPair) (Linear, error) {
	dr := p.Raw[1] - p.Raw[0]
	if dr == 0 {
		return Linear{}, fmt.Errorf("%w (%d)", ErrDegenerateCalibration, p.Raw[0])
	}
	slope := (p.Physical[1] - p.Physical[0]) / float64(dr)
	return Linear{
		Offset: p.Physical[0] - slope*float64(p.Raw[0]),
		Slope:  slope,
	}, nil
}

// ToPhysical converts a raw count
func (l Linear) ToPhysical(raw int) float64 {
	return l.Offset + l.Slope*float64(raw)
}

// ToRaw converts a physical value to counts, ceil((p-Offset)/Slope)
func (l Linear) ToRaw(physical float64) int {
	if l.Slope == 0 {
		return 0
	}
	return int(ceil((physical - l.Offset) / l.Slope))
}

// ToRaw12 is ToRaw saturated to the 12-bit range
func (l Linear) ToRaw12(physical float64) int {
	r := l.ToRaw(physical)
	if r < 0 {
		return 0
	}
	if r > Max12 {
		return Max12
	}
	return r
}

func (l Linear) String() string {
	return fmt.Sprintf("%g + %g*raw", l.Offset, l.Slope)
}
