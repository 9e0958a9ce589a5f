package eagle

import (
	"math"

	"github.jpl.nasa.gov/bdube/eaglecam/fitsout"
	"github.jpl.nasa.gov/bdube/eaglecam/mathx"
)

const (
	maxBin        = 32
	maxFrameCount = math.MaxInt32
	maxBuffers    = 1000

	// ROI ranges before the CCD size is known; nothing passes
	roiUnknown = -1
)

var (
	onOff     = []string{"OFF", "ON"}
	gains     = []string{"HIGH", "LOW"}
	rates     = []string{"FAST", "SLOW"}
	modes     = []string{"NORMAL", "TEST"}
	layouts   = []string{string(fitsout.EXTEN), string(fitsout.CUBE)}
	logLevelN = []string{"QUIET", "ERROR", "INFO", "VERBOSE"}
)

// features builds the feature table of the camera
func (c *Camera) features() *Registry {
	r := NewRegistry()
	d := c.dev
	inf := math.Inf(1)

	// geometry
	r.Add(intFeature("HBin", 1, maxBin,
		func() (int, error) { return d.Bin(regXBin) },
		func(v int) error { return d.SetBin(regXBin, v) }))
	r.Add(intFeature("VBin", 1, maxBin,
		func() (int, error) { return d.Bin(regYBin) },
		func(v int) error { return d.SetBin(regYBin, v) }))
	r.Add(intFeature("ROILeft", 1, roiUnknown,
		func() (int, error) { return d.ROIOrigin(regROILeft) },
		func(v int) error { return c.setROIOrigin(regROILeft, regROIWidth, v) }))
	r.Add(intFeature("ROITop", 1, roiUnknown,
		func() (int, error) { return d.ROIOrigin(regROITop) },
		func(v int) error { return c.setROIOrigin(regROITop, regROIHeight, v) }))
	r.Add(intFeature("ROIWidth", 0, roiUnknown,
		func() (int, error) { return c.binnedSize(regROIWidth, regXBin) },
		func(v int) error { return c.setROISize(regROIWidth, regROILeft, regXBin, v) }))
	r.Add(intFeature("ROIHeight", 0, roiUnknown,
		func() (int, error) { return c.binnedSize(regROIHeight, regYBin) },
		func(v int) error { return c.setROISize(regROIHeight, regROITop, regYBin, v) }))
	r.Add(intFeature("CCDWidth", 0, inf, func() (int, error) {
		w, _ := c.ccdSize()
		return w, nil
	}, nil))
	r.Add(intFeature("CCDHeight", 0, inf, func() (int, error) {
		_, h := c.ccdSize()
		return h, nil
	}, nil))

	// timing
	r.Add(floatFeature("ExposureTime", 2.5e-8, 27487.7906944, d.ExposureTime, d.SetExposureTime))
	r.Add(floatFeature("FrameRate", 3.63797880709e-05, 4e7, d.FrameRate, d.SetFrameRate))
	r.Add(floatFeature("ShutterOpenDelay", 0, 419.43,
		func() (float64, error) { return d.ShutterDelay(regShutterOpen) },
		func(v float64) error { return d.SetShutterDelay(regShutterOpen, v) }))
	r.Add(floatFeature("ShutterCloseDelay", 0, 419.43,
		func() (float64, error) { return d.ShutterDelay(regShutterShut) },
		func(v float64) error { return d.SetShutterDelay(regShutterShut, v) }))
	r.Add(stringFeature("ShutterState", shutterStates, d.ShutterState, d.SetShutterState))

	// thermal
	r.Add(floatFeature("TECSetPoint", -110, 100, d.TECSetPoint, d.SetTECSetPoint))
	r.Add(stringFeature("TECState", onOff,
		func() (string, error) {
			ctl, err := d.Control()
			return onOff[b2i(ctl.TEC())], err
		},
		func(s string) error { return d.SetTEC(s == "ON") }))
	r.Add(floatFeature("CCDTemperature", -inf, inf, func() (float64, error) {
		t, err := d.CCDTemperature()
		return mathx.RoundDigits(t, 2), err
	}, nil))
	r.Add(floatFeature("PCBTemperature", -inf, inf, func() (float64, error) {
		t, err := d.PCBTemperature()
		return mathx.RoundDigits(t, 2), err
	}, nil))

	// readout
	r.Add(stringFeature("PreAmpGain", gains,
		func() (string, error) {
			ctl, err := d.Control()
			return gains[b2i(!ctl.HighGain())], err
		},
		func(s string) error { return d.SetHighGain(s == "HIGH") }))
	r.Add(stringFeature("ReadoutRate", rates, d.ReadoutRate, d.SetReadoutRate))
	r.Add(stringFeature("ReadoutMode", modes, d.ReadoutMode, d.SetReadoutMode))

	// factory data
	mfgInt := func(name string, f func(ManufacturerData) int) {
		r.Add(intFeature(name, -inf, inf, func() (int, error) { return f(d.Manufacturer()), nil }, nil))
	}
	mfgInt("ADC_CALIB_0", func(m ManufacturerData) int { return m.ADC.Raw[0] })
	mfgInt("ADC_CALIB_1", func(m ManufacturerData) int { return m.ADC.Raw[1] })
	mfgInt("DAC_CALIB_0", func(m ManufacturerData) int { return m.DAC.Raw[0] })
	mfgInt("DAC_CALIB_1", func(m ManufacturerData) int { return m.DAC.Raw[1] })
	mfgInt("SerialNumber", func(m ManufacturerData) int { return m.SerialNumber })
	r.Add(stringFeature("BuildDate", nil, func() (string, error) {
		return d.Manufacturer().BuildDate.Format("02/01/06"), nil
	}, nil))
	r.Add(stringFeature("BuildCode", nil, func() (string, error) {
		return d.Manufacturer().BuildCode, nil
	}, nil))
	r.Add(stringFeature("FPGAVersion", nil, func() (string, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.fpgaVersion, nil
	}, nil))
	r.Add(stringFeature("MicroVersion", nil, func() (string, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.microVersion, nil
	}, nil))

	// acquisition and output, held in memory
	r.Add(intFeature("FrameCount", 1, maxFrameCount,
		func() (int, error) { return c.memInt(&c.frameCount), nil },
		func(v int) error { c.setMemInt(&c.frameCount, v); return nil }))
	r.Add(intFeature("FrameBuffers", 1, maxBuffers,
		func() (int, error) { return c.memInt(&c.frameBuffers), nil },
		func(v int) error { c.setMemInt(&c.frameBuffers, v); return nil }))
	r.Add(stringFeature("FitsFilename", nil,
		func() (string, error) { return c.memString(&c.fitsFile), nil },
		func(s string) error { c.setMemString(&c.fitsFile, s); return nil }))
	r.Add(stringFeature("FitsHdrFilename", nil,
		func() (string, error) { return c.memString(&c.fitsHdrFile), nil },
		func(s string) error { c.setMemString(&c.fitsHdrFile, s); return nil }))
	r.Add(stringFeature("FitsDataFormat", layouts,
		func() (string, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			return string(c.layout), nil
		},
		func(s string) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.layout = fitsout.Layout(s)
			return nil
		}))
	r.Add(stringFeature("LogLevel", logLevelN,
		func() (string, error) { return c.memString(&c.logLevel), nil },
		c.SetLogLevel))
	return r
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (c *Camera) memInt(p *int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *p
}

func (c *Camera) setMemInt(p *int, v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*p = v
}

func (c *Camera) memString(p *string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *p
}

func (c *Camera) setMemString(p *string, v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*p = v
}

func (c *Camera) ccdSize() (w, h int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ccdW, c.ccdH
}

// ccdSpan is the CCD extent along the axis of an ROI size register
func (c *Camera) ccdSpan(sizeAddr byte) int {
	w, h := c.ccdSize()
	if sizeAddr == regROIWidth {
		return w
	}
	return h
}

// setROIOrigin moves the ROI origin and narrows the ROI size so the region
// stays on the sensor
func (c *Camera) setROIOrigin(originAddr, sizeAddr byte, v int) error {
	if err := c.dev.SetROIOrigin(originAddr, v); err != nil {
		return err
	}
	size, err := c.dev.ROISize(sizeAddr)
	if err != nil {
		return err
	}
	if room := c.ccdSpan(sizeAddr) - v + 1; room < size {
		c.log.Debugf("ROI size register %#02x narrowed to %d", sizeAddr, room)
		return c.dev.SetROISize(sizeAddr, room)
	}
	return nil
}

// setROISize stores v binned pixels as CCD pixels, clamped to the room
// right of (or below) the origin.  Zero takes all of it.
func (c *Camera) setROISize(sizeAddr, originAddr, binAddr byte, v int) error {
	origin, err := c.dev.ROIOrigin(originAddr)
	if err != nil {
		return err
	}
	bin, err := c.dev.Bin(binAddr)
	if err != nil {
		return err
	}
	room := c.ccdSpan(sizeAddr) - (origin - 1)
	size := v * bin
	if v == 0 || size > room {
		size = room
	}
	return c.dev.SetROISize(sizeAddr, size)
}

// binnedSize is the ROI extent in binned pixels
func (c *Camera) binnedSize(sizeAddr, binAddr byte) (int, error) {
	size, err := c.dev.ROISize(sizeAddr)
	if err != nil {
		return 0, err
	}
	bin, err := c.dev.Bin(binAddr)
	if err != nil {
		return 0, err
	}
	return mathx.CeilDiv(size, bin), nil
}
