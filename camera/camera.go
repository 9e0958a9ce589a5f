/*Package camera describes the geometry of a camera readout and the thermal
control surface shared by scientific cameras.

AOI and Binning are value types; a camera reports them in unbinned sensor
pixels with a 1-based origin, the way the camera manuals count.
*/
package camera

import "fmt"

// AOI is the Area of Interest on the sensor
type AOI struct {
	// Left is the left pixel index.  1-based
	Left int `json:"left" yaml:"left"`

	// Top is the top pixel index.  1-based
	Top int `json:"top" yaml:"top"`

	// Width is the width in pixels
	Width int `json:"width" yaml:"width"`

	// Height is the height in pixels
	Height int `json:"height" yaml:"height"`
}

// Right is the 1-based index of the last column in the AOI
func (a AOI) Right() int {
	return a.Left + a.Width - 1
}

// Bottom is the 1-based index of the last row in the AOI
func (a AOI) Bottom() int {
	return a.Top + a.Height - 1
}

// Pixels is the number of sensor pixels inside the AOI
func (a AOI) Pixels() int {
	return a.Width * a.Height
}

// Fits reports whether the AOI lies on a sensor of the given size
func (a AOI) Fits(width, height int) bool {
	return a.Left >= 1 && a.Top >= 1 &&
		a.Width >= 0 && a.Height >= 0 &&
		a.Right() <= width && a.Bottom() <= height
}

// Binned returns the size of the image the AOI produces after binning
func (a AOI) Binned(b Binning) (w, h int) {
	b = b.normalize()
	return ceilDiv(a.Width, b.H), ceilDiv(a.Height, b.V)
}

func (a AOI) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", a.Width, a.Height, a.Left, a.Top)
}

// Binning encapsulates information about pixel addition on camera
type Binning struct {
	// H is the horizontal binning factor
	H int `json:"h" yaml:"h"`

	// V is the vertical binning factor
	V int `json:"v" yaml:"v"`
}

func (b Binning) normalize() Binning {
	if b.H < 1 {
		b.H = 1
	}
	if b.V < 1 {
		b.V = 1
	}
	return b
}

func (b Binning) String() string {
	return fmt.Sprintf("%dx%d", b.H, b.V)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// ThermalManager describes an interface to a camera which can manage its thermal performance
type ThermalManager interface {
	// GetCooling queries if focal plane cooling is currently active
	GetCooling() (bool, error)

	// SetCooling turns focal plane cooling on or off
	SetCooling(bool) error

	// GetTemperature gets the current focal plane temperature in Celcius
	GetTemperature() (float64, error)

	// GetTemperatureSetpoint gets the temperature setpoint in Celcius
	GetTemperatureSetpoint() (float64, error)

	// SetTemperatureSetpoint sets the temperature setpoint in Celcius
	SetTemperatureSetpoint(float64) error
}
