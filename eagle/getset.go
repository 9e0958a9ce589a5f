package eagle

import (
	"fmt"

	"github.jpl.nasa.gov/bdube/eaglecam/codec"
	"github.jpl.nasa.gov/bdube/eaglecam/mathx"
)

func (d *Device) readRegs(addr byte, n int) ([]byte, error) {
	b, err := d.e.ReadRegisters(addrs(addr, n), nil)
	if err != nil {
		return nil, wrap(err, UnexpectedDeviceValue, fmt.Sprintf("read register %#02x", addr))
	}
	return b, nil
}

func (d *Device) writeRegs(addr byte, vals []byte) error {
	if err := d.e.WriteRegisters(addrs(addr, len(vals)), vals); err != nil {
		return wrap(err, UnexpectedDeviceValue, fmt.Sprintf("write register %#02x", addr))
	}
	return nil
}

func (d *Device) reg8(addr byte) (byte, error) {
	b, err := d.readRegs(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Device) reg12(addr byte) (int, error) {
	b, err := d.readRegs(addr, 2)
	if err != nil {
		return 0, err
	}
	return codec.BytesToInt12(b)
}

func (d *Device) setReg12(addr byte, v int) error {
	return d.writeRegs(addr, codec.Int12ToBytes(v))
}

func (d *Device) reg40(addr byte) (uint64, error) {
	b, err := d.readRegs(addr, 5)
	if err != nil {
		return 0, err
	}
	return codec.BytesToCounts40(b)
}

// TriggerMode reads the trigger register
func (d *Device) TriggerMode() (Trigger, error) {
	b, err := d.reg8(regTrigger)
	return Trigger(b), err
}

// SetTriggerMode writes the trigger register
func (d *Device) SetTriggerMode(t Trigger) error {
	d.rmw.Lock()
	defer d.rmw.Unlock()
	return d.writeRegs(regTrigger, []byte{byte(t)})
}

// Snapshot pulses the SNAPSHOT bit on top of the current trigger mode
func (d *Device) Snapshot() error {
	return d.pulse(TrigSnapshot)
}

// Abort sets the ABORT bit, ending the exposure in progress
func (d *Device) Abort() error {
	return d.pulse(TrigAbort)
}

func (d *Device) pulse(bit Trigger) error {
	d.rmw.Lock()
	defer d.rmw.Unlock()
	t, err := d.TriggerMode()
	if err != nil {
		return err
	}
	return d.writeRegs(regTrigger, []byte{byte(t&^(TrigSnapshot|TrigAbort) | bit)})
}

// Control reads the FPGA control register
func (d *Device) Control() (Control, error) {
	b, err := d.reg8(regCtrl)
	return Control(b), err
}

// SetControl writes the FPGA control register
func (d *Device) SetControl(c Control) error {
	d.rmw.Lock()
	defer d.rmw.Unlock()
	return d.writeRegs(regCtrl, []byte{byte(c)})
}

func (d *Device) setControlBit(bit Control, v bool) error {
	d.rmw.Lock()
	defer d.rmw.Unlock()
	c, err := d.Control()
	if err != nil {
		return err
	}
	if v {
		c |= bit
	} else {
		c &^= bit
	}
	return d.writeRegs(regCtrl, []byte{byte(c)})
}

// SetHighGain selects the preamp gain
func (d *Device) SetHighGain(high bool) error {
	return d.setControlBit(CtrlLowGain, !high)
}

// SetTEC turns the cooler on or off
func (d *Device) SetTEC(on bool) error {
	return d.setControlBit(CtrlTEC, on)
}

// Bin returns the binning factor stored at addr
func (d *Device) Bin(addr byte) (int, error) {
	b, err := d.reg8(addr)
	return int(b) + 1, err
}

// SetBin writes a binning factor to addr
func (d *Device) SetBin(addr byte, v int) error {
	return d.writeRegs(addr, []byte{byte(v - 1)})
}

// ROIOrigin returns the 1-based ROI origin stored at addr (left or top)
func (d *Device) ROIOrigin(addr byte) (int, error) {
	v, err := d.reg12(addr)
	return v + 1, err
}

// SetROIOrigin stores a 1-based ROI origin at addr
func (d *Device) SetROIOrigin(addr byte, v int) error {
	return d.setReg12(addr, v-1)
}

// ROISize returns the ROI extent in sensor pixels stored at addr
func (d *Device) ROISize(addr byte) (int, error) {
	return d.reg12(addr)
}

// SetROISize stores an ROI extent in sensor pixels at addr
func (d *Device) SetROISize(addr byte, v int) error {
	return d.setReg12(addr, v)
}

// ExposureTime returns the exposure time in seconds
func (d *Device) ExposureTime() (float64, error) {
	c, err := d.reg40(regExposure)
	return codec.CountsToSeconds(c), err
}

// SetExposureTime sets the exposure time in seconds
func (d *Device) SetExposureTime(secs float64) error {
	return d.writeRegs(regExposure, codec.Counts40ToBytes(codec.SecondsToCounts(secs)))
}

// FrameRate returns the fixed frame rate in Hz
func (d *Device) FrameRate() (float64, error) {
	c, err := d.reg40(regFrameRate)
	return codec.CountsToRate(c), err
}

// SetFrameRate sets the fixed frame rate in Hz
func (d *Device) SetFrameRate(hz float64) error {
	return d.writeRegs(regFrameRate, codec.Counts40ToBytes(codec.RateToCounts(hz)))
}

// ShutterState returns CLOSED, OPEN or EXP
func (d *Device) ShutterState() (string, error) {
	b, err := d.reg8(regShutter)
	if err != nil {
		return "", err
	}
	if int(b) >= len(shutterStates) {
		return "", &Error{Kind: UnexpectedDeviceValue, Code: int(b), Context: "shutter state"}
	}
	return shutterStates[b], nil
}

// SetShutterState sets the shutter to CLOSED, OPEN or EXP
func (d *Device) SetShutterState(s string) error {
	for i, name := range shutterStates {
		if name == s {
			return d.writeRegs(regShutter, []byte{byte(i)})
		}
	}
	return newError(InvalidEnumValue, "shutter state %q", s)
}

// ShutterDelay returns the delay at addr in milliseconds
func (d *Device) ShutterDelay(addr byte) (float64, error) {
	b, err := d.reg8(addr)
	return codec.CountToDelay(b), err
}

// SetShutterDelay sets the delay at addr in milliseconds
func (d *Device) SetShutterDelay(addr byte, ms float64) error {
	return d.writeRegs(addr, []byte{codec.DelayToCount(ms)})
}

// TECSetPoint returns the cooler set point in Celsius
func (d *Device) TECSetPoint() (float64, error) {
	_, dac, err := d.calibration()
	if err != nil {
		return 0, err
	}
	raw, err := d.reg12(regTECSetPoint)
	if err != nil {
		return 0, err
	}
	return dac.ToPhysical(raw), nil
}

// SetTECSetPoint sets the cooler set point in Celsius
func (d *Device) SetTECSetPoint(c float64) error {
	_, dac, err := d.calibration()
	if err != nil {
		return err
	}
	return d.setReg12(regTECSetPoint, dac.ToRaw12(c))
}

// CCDTemperature samples the sensor temperature in Celsius
func (d *Device) CCDTemperature() (float64, error) {
	adc, _, err := d.calibration()
	if err != nil {
		return 0, err
	}
	b, err := d.e.ReadRegisters(addrs(regCCDTemp, 2), cmdSampleTemps)
	if err != nil {
		return 0, wrap(err, UnexpectedDeviceValue, "CCD temperature")
	}
	raw, err := codec.BytesToInt12(b)
	if err != nil {
		return 0, err
	}
	return adc.ToPhysical(raw), nil
}

// PCBTemperature samples the board temperature in Celsius
func (d *Device) PCBTemperature() (float64, error) {
	b, err := d.e.ReadRegisters(addrs(regPCBTemp, 2), cmdSampleTemps)
	if err != nil {
		return 0, wrap(err, UnexpectedDeviceValue, "PCB temperature")
	}
	raw, err := codec.BytesToInt12(b)
	if err != nil {
		return 0, err
	}
	// two's complement over 12 bits
	if raw > 0x7FF {
		raw -= 0x1000
	}
	return codec.PCBCountsToCelsius(raw), nil
}

// Temperatures samples both sensors, rounded to hundredths
func (d *Device) Temperatures() (ccd, pcb float64, err error) {
	if ccd, err = d.CCDTemperature(); err != nil {
		return
	}
	if pcb, err = d.PCBTemperature(); err != nil {
		return
	}
	return mathx.RoundDigits(ccd, 2), mathx.RoundDigits(pcb, 2), nil
}

// ReadoutRate returns FAST or SLOW
func (d *Device) ReadoutRate() (string, error) {
	b, err := d.readRegs(regReadoutRate, 2)
	if err != nil {
		return "", err
	}
	switch {
	case b[0] == readoutFast[0] && b[1] == readoutFast[1]:
		return "FAST", nil
	case b[0] == readoutSlow[0] && b[1] == readoutSlow[1]:
		return "SLOW", nil
	}
	return "", &Error{Kind: UnexpectedDeviceValue, Code: int(b[0])<<8 | int(b[1]), Context: "readout rate"}
}

// SetReadoutRate selects FAST (2 MHz) or SLOW (75 kHz) readout
func (d *Device) SetReadoutRate(r string) error {
	switch r {
	case "FAST":
		return d.writeRegs(regReadoutRate, readoutFast)
	case "SLOW":
		return d.writeRegs(regReadoutRate, readoutSlow)
	}
	return newError(InvalidEnumValue, "readout rate %q", r)
}

// ReadoutMode returns NORMAL or TEST
func (d *Device) ReadoutMode() (string, error) {
	b, err := d.reg8(regReadoutMode)
	if err != nil {
		return "", err
	}
	switch b {
	case readoutNormal:
		return "NORMAL", nil
	case readoutTest:
		return "TEST", nil
	}
	return "", &Error{Kind: UnexpectedDeviceValue, Code: int(b), Context: "readout mode"}
}

// SetReadoutMode selects NORMAL or TEST (pattern) readout
func (d *Device) SetReadoutMode(m string) error {
	switch m {
	case "NORMAL":
		return d.writeRegs(regReadoutMode, []byte{readoutNormal})
	case "TEST":
		return d.writeRegs(regReadoutMode, []byte{readoutTest})
	}
	return newError(InvalidEnumValue, "readout mode %q", m)
}
