/*Package eagle drives a Raptor Eagle V 4240 CCD camera behind a frame
grabber.

The camera is reached through named features and a handful of commands,
the way the camera's own software presents it:

	cam := eagle.New(g, eagle.DefaultOptions())
	if err := cam.Command("INIT"); err != nil {
		return err
	}
	p, _ := cam.Feature("ExposureTime")
	p.Set(0.1)
	p, _ = cam.Feature("FitsFilename")
	p.Set("/data/run.fits")
	cam.Command("EXPSTART")
	err := cam.Wait()

Init resets the FPGA, reads the factory calibration and puts the camera in
a known state.  EXPSTART runs an acquisition in the background; EXPSTOP
aborts it.
*/
package eagle

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/eaglecam/camera"
	"github.jpl.nasa.gov/bdube/eaglecam/cameralink"
	"github.jpl.nasa.gov/bdube/eaglecam/fitsout"
	"github.jpl.nasa.gov/bdube/eaglecam/grabber"
	"github.jpl.nasa.gov/bdube/eaglecam/util"
)

// Options configure a Camera.  Zero durations take their defaults.
type Options struct {
	// Logger receives the camera's log; its level follows the LogLevel feature
	Logger *logrus.Logger

	// Metrics, if not nil, counts frames and errors
	Metrics *Metrics

	// FrameBuffers is the initial value of the FrameBuffers feature
	FrameBuffers int

	// TEC turns the cooler on at Init
	TEC bool

	// CopyBufferGap is added to the exposure time to bound the wait for a frame
	CopyBufferGap time.Duration

	// WritingTimeout bounds the wait for the output file to accept a frame
	WritingTimeout time.Duration

	// Grace is how long StartAcquisition waits to report early failures
	Grace time.Duration

	// Housekeeping is the shortest interval between temperature samples
	// during an acquisition; zero samples every frame
	Housekeeping time.Duration

	// ResetTimeout bounds the wait for the FPGA or microcontroller to come back
	ResetTimeout time.Duration

	// StatePoll and ResetHold tune the reset sequences
	StatePoll time.Duration
	ResetHold time.Duration

	// PollInterval and ProtocolTimeout tune the serial protocol
	PollInterval    time.Duration
	ProtocolTimeout time.Duration
}

// DefaultOptions returns the options used by the camera's own software
func DefaultOptions() Options {
	return Options{
		FrameBuffers:    4,
		CopyBufferGap:   120 * time.Second,
		WritingTimeout:  100 * time.Second,
		Grace:           100 * time.Millisecond,
		ResetTimeout:    10 * time.Second,
		StatePoll:       DefaultStatePoll,
		ResetHold:       DefaultResetHold,
		PollInterval:    cameralink.DefaultPollInterval,
		ProtocolTimeout: cameralink.DefaultTimeout,
	}
}

func (o *Options) fill() {
	d := DefaultOptions()
	if o.FrameBuffers < 1 {
		o.FrameBuffers = d.FrameBuffers
	}
	if o.CopyBufferGap <= 0 {
		o.CopyBufferGap = d.CopyBufferGap
	}
	if o.WritingTimeout <= 0 {
		o.WritingTimeout = d.WritingTimeout
	}
	if o.Grace <= 0 {
		o.Grace = d.Grace
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = d.ResetTimeout
	}
	if o.StatePoll <= 0 {
		o.StatePoll = d.StatePoll
	}
	if o.ResetHold <= 0 {
		o.ResetHold = d.ResetHold
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ProtocolTimeout <= 0 {
		o.ProtocolTimeout = d.ProtocolTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}
}

// log levels of the LogLevel feature
var logLevels = map[string]logrus.Level{
	"QUIET":   logrus.PanicLevel,
	"ERROR":   logrus.ErrorLevel,
	"INFO":    logrus.InfoLevel,
	"VERBOSE": logrus.DebugLevel,
}

func levelName(l logrus.Level) string {
	switch {
	case l >= logrus.DebugLevel:
		return "VERBOSE"
	case l >= logrus.InfoLevel:
		return "INFO"
	case l >= logrus.ErrorLevel:
		return "ERROR"
	}
	return "QUIET"
}

var _ camera.ThermalManager = (*Camera)(nil)

// Camera is an Eagle camera
type Camera struct {
	// OnImageReady is called from the capture goroutine once a frame has
	// landed in its buffer.  buf must not be retained or modified.
	OnImageReady func(frame int, buf []uint16)

	g       grabber.Grabber
	opts    Options
	log     *logrus.Logger
	eng     *cameralink.Engine
	dev     *Device
	reg     *Registry
	cmds    map[string]func(args ...interface{}) error
	metrics *Metrics
	limiter *rate.Limiter

	// newSink opens the output file of a run
	newSink func(path string, layout fitsout.Layout, info fitsout.ContainerInfo) (sink, error)

	initMu sync.Mutex

	mu           sync.Mutex
	initialized  bool
	opened       bool
	ccdW, ccdH   int
	fpgaVersion  string
	microVersion string
	frameCount   int
	fitsFile     string
	fitsHdrFile  string
	frameBuffers int
	layout       fitsout.Layout
	logLevel     string

	acq acquisition
}

// New returns a Camera on grabber g.  Nothing is sent to the camera until INIT.
func New(g grabber.Grabber, opts Options) *Camera {
	opts.fill()
	eng := cameralink.NewEngine(g, opts.Logger)
	eng.PollInterval = opts.PollInterval
	eng.Timeout = opts.ProtocolTimeout
	dev := NewDevice(eng, opts.Logger)
	dev.StatePoll = opts.StatePoll
	dev.ResetHold = opts.ResetHold

	limit := rate.Inf
	if opts.Housekeeping > 0 {
		limit = rate.Every(opts.Housekeeping)
	}
	c := &Camera{
		g:            g,
		opts:         opts,
		log:          opts.Logger,
		eng:          eng,
		dev:          dev,
		metrics:      opts.Metrics,
		limiter:      rate.NewLimiter(limit, 1),
		frameCount:   1,
		frameBuffers: opts.FrameBuffers,
		layout:       fitsout.EXTEN,
		logLevel:     levelName(opts.Logger.GetLevel()),
		newSink: func(path string, layout fitsout.Layout, info fitsout.ContainerInfo) (sink, error) {
			w, err := fitsout.Create(path, layout, info)
			if err != nil {
				return nil, err
			}
			return w, nil
		},
	}
	c.reg = c.features()
	c.cmds = map[string]func(args ...interface{}) error{
		"INIT":     func(...interface{}) error { return c.Init() },
		"RESET":    func(...interface{}) error { return c.Reset() },
		"EXPSTART": func(...interface{}) error { return c.StartAcquisition(context.Background()) },
		"EXPSTOP":  func(...interface{}) error { c.StopAcquisition(); return nil },
	}
	return c
}

// Device returns the register level interface to the camera
func (c *Camera) Device() *Device {
	return c.dev
}

// Metrics returns the metrics given in Options, possibly nil
func (c *Camera) Metrics() *Metrics {
	return c.metrics
}

func (c *Camera) isInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Init brings the camera up: serial line, FPGA reset, factory data,
// versions, sensor geometry and a known default state
func (c *Camera) Init() error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.acq.State() != Idle {
		return newError(AlreadyAcquiring, "init")
	}
	err := c.init()
	if err != nil {
		c.log.WithError(err).Error("camera initialization failed")
		c.metrics.failed(err)
	}
	return err
}

func (c *Camera) init() error {
	c.mu.Lock()
	c.initialized = false
	if !c.opened {
		if err := c.g.Open(); err != nil {
			c.mu.Unlock()
			return wrap(err, NullReference, "open grabber")
		}
		c.opened = true
	}
	c.mu.Unlock()

	if err := c.g.ConfigureSerial(grabber.CameraSerial); err != nil {
		return wrap(err, UnexpectedDeviceValue, "configure serial")
	}
	c.eng.SetFraming(true, true)
	c.log.Debug("resetting FPGA")
	if err := c.dev.ResetFPGA(c.opts.ResetTimeout); err != nil {
		return err
	}
	m, err := c.dev.ReadManufacturerData()
	if err != nil {
		return err
	}
	if err := c.dev.Calibrate(m); err != nil {
		return err
	}
	fpga, err := c.dev.FPGAVersion()
	if err != nil {
		return err
	}
	micro, err := c.dev.MicroVersion()
	if err != nil {
		return err
	}
	w, h, _ := c.g.Geometry()

	steps := []func() error{
		func() error { return c.dev.SetTriggerMode(TrigIdle) },
		func() error { return c.dev.SetHighGain(true) },
		func() error { return c.dev.SetTEC(c.opts.TEC) },
		func() error { return c.dev.SetBin(regXBin, 1) },
		func() error { return c.dev.SetBin(regYBin, 1) },
		func() error { return c.dev.SetROIOrigin(regROILeft, 1) },
		func() error { return c.dev.SetROIOrigin(regROITop, 1) },
		func() error { return c.dev.SetROISize(regROIWidth, w) },
		func() error { return c.dev.SetROISize(regROIHeight, h) },
		func() error { return c.dev.SetReadoutRate("FAST") },
		func() error { return c.dev.SetReadoutMode("NORMAL") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	c.widenROI(w, h)
	c.mu.Lock()
	c.ccdW, c.ccdH = w, h
	c.fpgaVersion, c.microVersion = fpga, micro
	c.initialized = true
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{
		"serial": m.SerialNumber,
		"build":  m.BuildCode,
		"fpga":   fpga,
		"micro":  micro,
		"ccd":    [2]int{w, h},
	}).Info("camera initialized")
	return nil
}

// widenROI opens the ROI feature ranges to the sensor size
func (c *Camera) widenROI(w, h int) {
	set := func(name string, min, max int) {
		if d, err := c.reg.Lookup(name); err == nil {
			d.SetRange(float64(min), float64(max))
		}
	}
	set("ROILeft", 1, w)
	set("ROITop", 1, h)
	set("ROIWidth", 0, w)
	set("ROIHeight", 0, h)
}

// Reset resets the microcontroller and initializes the camera again
func (c *Camera) Reset() error {
	if c.acq.State() != Idle {
		return newError(AlreadyAcquiring, "reset")
	}
	if err := c.dev.ResetMicro(c.opts.ResetTimeout); err != nil {
		c.log.WithError(err).Error("microcontroller reset failed")
		return err
	}
	return c.Init()
}

// Close stops any acquisition and releases the grabber session
func (c *Camera) Close() error {
	var errs []error
	if c.acq.State() != Idle {
		c.StopAcquisition()
		errs = append(errs, c.Wait())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		c.opened = false
		c.initialized = false
		errs = append(errs, c.g.Close())
	}
	return util.MergeErrors(errs)
}

// Feature returns a proxy to the named feature
func (c *Camera) Feature(name string) (*Proxy, error) {
	d, err := c.reg.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !c.isInitialized() {
		return nil, newError(Uninitialized, "feature %s", name)
	}
	return &Proxy{d: d}, nil
}

// Features returns the names of all features
func (c *Camera) Features() []string {
	return c.reg.Names()
}

// Command runs one of INIT, RESET, EXPSTART or EXPSTOP
func (c *Camera) Command(name string, args ...interface{}) error {
	f, ok := c.cmds[name]
	if !ok {
		return newError(UnknownCommand, "%s", name)
	}
	if name != "INIT" && !c.isInitialized() {
		return newError(Uninitialized, "command %s", name)
	}
	return f(args...)
}

// configureOrder puts binning before the ROI origin before the ROI size,
// so each setting is validated against the ones it depends on
var configureOrder = map[string]int{
	"HBin": 1, "VBin": 1,
	"ROILeft": 2, "ROITop": 2,
	"ROIWidth": 3, "ROIHeight": 3,
}

func configureRank(name string) int {
	if r, ok := configureOrder[name]; ok {
		return r
	}
	return len(configureOrder)
}

// Configure sets many features at once.  Every feature is attempted; the
// errors are merged and the result carries the kind of the first.
func (c *Camera) Configure(settings map[string]interface{}) error {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		oi, oj := configureRank(keys[i]), configureRank(keys[j])
		if oi != oj {
			return oi < oj
		}
		return keys[i] < keys[j]
	})
	var errs []error
	for _, k := range keys {
		p, err := c.Feature(k)
		if err == nil {
			err = p.Set(settings[k])
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return &Error{Kind: KindOf(errs[0]), Context: "configure", Err: util.MergeErrors(errs)}
}

// SetLogLevel sets the logger level to QUIET, ERROR, INFO or VERBOSE
func (c *Camera) SetLogLevel(level string) error {
	lvl, ok := logLevels[level]
	if !ok {
		return newError(InvalidEnumValue, "log level %q", level)
	}
	c.mu.Lock()
	c.logLevel = level
	c.mu.Unlock()
	c.log.SetLevel(lvl)
	return nil
}

// GetCooling reports whether the TEC is on
func (c *Camera) GetCooling() (bool, error) {
	ctl, err := c.dev.Control()
	return ctl.TEC(), err
}

// SetCooling turns the TEC on or off
func (c *Camera) SetCooling(on bool) error {
	return c.dev.SetTEC(on)
}

// GetTemperature samples the CCD temperature
func (c *Camera) GetTemperature() (float64, error) {
	return c.dev.CCDTemperature()
}

// GetTemperatureSetpoint returns the TEC set point
func (c *Camera) GetTemperatureSetpoint() (float64, error) {
	return c.dev.TECSetPoint()
}

// SetTemperatureSetpoint sets the TEC set point
func (c *Camera) SetTemperatureSetpoint(t float64) error {
	return c.dev.SetTECSetPoint(t)
}
