package eagle

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.jpl.nasa.gov/bdube/eaglecam/cameralink"
	"github.jpl.nasa.gov/bdube/eaglecam/codec"
	"github.jpl.nasa.gov/bdube/eaglecam/util"
)

const (
	// DefaultStatePoll is the period of status polls during resets
	DefaultStatePoll = 500 * time.Millisecond

	// DefaultResetHold is how long the FPGA is held in reset
	DefaultResetHold = time.Second
)

var (
	errNoReply   = errors.New("no reply to system state query")
	errNotBooted = errors.New("FPGA has not reported BOOT_OK")
)

// ManufacturerData is the factory record stored in the camera EPROM
type ManufacturerData struct {
	SerialNumber int
	BuildDate    time.Time
	BuildCode    string

	// ADC and DAC counts at 0 and 40 Celsius
	ADC, DAC codec.CalibrationPair
}

// Device is the register level model of the camera microcontroller and
// FPGA.  It owns no state beyond the calibration read at bring-up; every
// query goes to the hardware.
type Device struct {
	e   *cameralink.Engine
	log logrus.FieldLogger

	// StatePoll is the period of status polls while resetting
	StatePoll time.Duration

	// ResetHold is how long ResetFPGA holds the FPGA in reset
	ResetHold time.Duration

	// rmw serializes read-modify-write of the trigger and control registers
	rmw sync.Mutex

	mu       sync.RWMutex
	mfg      ManufacturerData
	adc, dac codec.Linear
	cal      bool
}

// NewDevice returns a Device speaking over e
func NewDevice(e *cameralink.Engine, log logrus.FieldLogger) *Device {
	if log == nil {
		log = e.Log
	}
	return &Device{
		e:         e,
		log:       log,
		StatePoll: DefaultStatePoll,
		ResetHold: DefaultResetHold,
	}
}

// Engine returns the protocol engine
func (d *Device) Engine() *cameralink.Engine {
	return d.e
}

func (d *Device) pollSchedule(timeout time.Duration) backoff.BackOff {
	period := d.StatePoll
	if period <= 0 {
		period = DefaultStatePoll
	}
	return &backoff.ExponentialBackOff{
		InitialInterval:     period,
		RandomizationFactor: 0,
		Multiplier:          1,
		MaxInterval:         period,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock}
}

// SystemState reads the system state and brings the engine's framing in
// line with it
func (d *Device) SystemState() (SystemState, error) {
	b, err := d.e.Exec(cmdGetSystemState, 1, -1)
	if err != nil {
		return 0, wrap(err, UnexpectedDeviceValue, "get system state")
	}
	s := SystemState(b[0])
	d.e.SetFraming(s.Ack(), s.Checksum())
	return s, nil
}

// SetSystemState writes the system state.  The reply is framed in the old
// state; the engine switches framing afterwards.
func (d *Device) SetSystemState(s SystemState) error {
	cmd := append([]byte(nil), cmdSetSystemState...)
	cmd[1] = byte(s)
	if _, err := d.e.Exec(cmd, 0, -1); err != nil {
		return wrap(err, UnexpectedDeviceValue, "set system state "+s.String())
	}
	d.e.SetFraming(s.Ack(), s.Checksum())
	return nil
}

// ResetMicro hard resets the microcontroller, then queries the system state
// every StatePoll until the camera answers.  An answer framed by anything
// but ETX is a failure.
func (d *Device) ResetMicro(timeout time.Duration) error {
	if _, err := d.e.Write(cmdResetMicro); err != nil {
		return wrap(err, UnexpectedDeviceValue, "reset micro")
	}
	// the microcontroller comes back with ACK and check sums on
	d.e.SetFraming(true, true)
	delay := d.e.ExecDelay
	op := func() error {
		if _, err := d.e.Write(cmdGetSystemState); err != nil {
			return backoff.Permanent(err)
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		b, err := d.e.Read(0, true)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch {
		case len(b) == 0:
			return errNoReply
		case len(b) >= 2 && b[1] == cameralink.ETX:
			return nil
		case len(b) >= 2:
			return backoff.Permanent(&cameralink.DeviceError{Code: b[1]})
		default:
			return backoff.Permanent(&cameralink.DeviceError{Code: b[0]})
		}
	}
	err := backoff.Retry(op, d.pollSchedule(timeout))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if err != nil {
		return wrap(err, UnexpectedDeviceValue, "reset micro")
	}
	d.log.Debug("microcontroller reset")
	_, err = d.SystemState()
	return err
}

// ResetFPGA holds the FPGA in reset for ResetHold, releases it, and polls
// the system state every StatePoll until BOOT_OK or timeout
func (d *Device) ResetFPGA(timeout time.Duration) error {
	s, err := d.SystemState()
	if err != nil {
		return err
	}
	if err := d.SetSystemState(s.With(SysFPGARun, false)); err != nil {
		return err
	}
	time.Sleep(d.ResetHold)
	if err := d.SetSystemState(s.With(SysFPGARun, true)); err != nil {
		return err
	}
	op := func() error {
		st, err := d.SystemState()
		if err != nil {
			return err
		}
		if !st.BootOK() {
			return errNotBooted
		}
		return nil
	}
	if err := backoff.Retry(op, d.pollSchedule(timeout)); err != nil {
		return wrap(err, UnexpectedDeviceValue, "reset FPGA")
	}
	d.log.Debug("FPGA booted")
	return nil
}

// ReadManufacturerData reads the factory record.  EPROM communication is
// enabled for the read and the previous system state restored after.
func (d *Device) ReadManufacturerData() (ManufacturerData, error) {
	var m ManufacturerData
	prev, err := d.SystemState()
	if err != nil {
		return m, err
	}
	if err := d.SetSystemState(prev.With(SysFPGAEprom, true)); err != nil {
		return m, err
	}
	b, err := d.readManufacturer()
	if rerr := d.SetSystemState(prev); rerr != nil {
		return m, util.MergeErrors([]error{err, rerr})
	}
	if err != nil {
		return m, err
	}
	return parseManufacturerData(b)
}

func (d *Device) readManufacturer() ([]byte, error) {
	if _, err := d.e.Exec(cmdManufacturer1, 0, -1); err != nil {
		return nil, wrap(err, UnexpectedDeviceValue, "manufacturer data")
	}
	b, err := d.e.Exec(cmdManufacturer2, manufacturerLen, -1)
	if err != nil {
		return nil, wrap(err, UnexpectedDeviceValue, "manufacturer data")
	}
	return b, nil
}

func le16(b []byte) int {
	return int(b[0]) | int(b[1])<<8
}

func parseManufacturerData(b []byte) (ManufacturerData, error) {
	var m ManufacturerData
	if len(b) != manufacturerLen {
		return m, newError(UnexpectedDeviceValue, "manufacturer data is %d bytes", len(b))
	}
	day, month, year := int(b[2]), int(b[3]), 2000+int(b[4])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return m, newError(UnexpectedDeviceValue, "manufacturer build date %02d/%02d/%02d", day, month, b[4])
	}
	m.SerialNumber = le16(b[0:2])
	m.BuildDate = time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	m.BuildCode = strings.TrimRight(string(b[5:10]), " \x00")
	m.ADC = codec.CalibrationPair{Raw: [2]int{le16(b[10:12]), le16(b[12:14])}, Physical: [2]float64{0, 40}}
	m.DAC = codec.CalibrationPair{Raw: [2]int{le16(b[14:16]), le16(b[16:18])}, Physical: [2]float64{0, 40}}
	return m, nil
}

// Calibrate derives the ADC and DAC conversions from m
func (d *Device) Calibrate(m ManufacturerData) error {
	adc, err := codec.NewLinear(m.ADC)
	if err != nil {
		return wrap(err, UnexpectedDeviceValue, "ADC calibration")
	}
	dac, err := codec.NewLinear(m.DAC)
	if err != nil {
		return wrap(err, UnexpectedDeviceValue, "DAC calibration")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mfg, d.adc, d.dac, d.cal = m, adc, dac, true
	d.log.WithFields(logrus.Fields{"adc": adc.String(), "dac": dac.String()}).Debug("calibrated")
	return nil
}

// Manufacturer returns the record passed to Calibrate
func (d *Device) Manufacturer() ManufacturerData {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mfg
}

func (d *Device) calibration() (adc, dac codec.Linear, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.cal {
		return adc, dac, newError(Uninitialized, "temperature calibration has not been read")
	}
	return d.adc, d.dac, nil
}

// FPGAVersion returns the FPGA version as major.minor
func (d *Device) FPGAVersion() (string, error) {
	b, err := d.readRegs(regFPGAVersion, 2)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d", b[0], b[1]), nil
}

// MicroVersion returns the microcontroller version as major.minor
func (d *Device) MicroVersion() (string, error) {
	b, err := d.e.Exec(cmdMicroVersion, 2, -1)
	if err != nil {
		return "", wrap(err, UnexpectedDeviceValue, "micro version")
	}
	return fmt.Sprintf("%d.%d", b[0], b[1]), nil
}
