package eagle

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/sirupsen/logrus"

	"github.jpl.nasa.gov/bdube/eaglecam/camera"
	"github.jpl.nasa.gov/bdube/eaglecam/fitsout"
	"github.jpl.nasa.gov/bdube/eaglecam/mathx"
)

// State is the stage of the acquisition pipeline
type State int32

const (
	Idle State = iota
	Arming
	Exposing
	Reading
	Saving
	Aborting
)

var stateNames = [...]string{"Idle", "Arming", "Exposing", "Reading", "Saving", "Aborting"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// sink receives the frames of a run; fitsout.Writer is the usual one
type sink interface {
	WriteFrame(fitsout.Frame) error
	Finish(fitsout.Summary) error
	Close() error
}

// acquisition holds the pipeline state that outlives a single run
type acquisition struct {
	state int32
	wg    sync.WaitGroup
	ring  ring

	mu  sync.Mutex
	run *run
	err error
}

// State returns the current pipeline state
func (a *acquisition) State() State {
	return State(atomic.LoadInt32(&a.state))
}

func (a *acquisition) begin() bool {
	return atomic.CompareAndSwapInt32(&a.state, int32(Idle), int32(Arming))
}

func (a *acquisition) current() *run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run
}

type saveJob struct {
	slot  int
	frame fitsout.Frame
}

// run is one acquisition, from EXPSTART to the closed output file
type run struct {
	n         int
	expTime   float64
	aoi       camera.AOI
	bin       camera.Binning
	lines     int
	lineLen   int
	hwBuffers int

	sink   sink
	free   chan int
	toSave chan saveJob
	abort  chan struct{}
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	aborted  int32
	stopWG   sync.WaitGroup
	log      *logrus.Entry
	ccd, pcb float64

	mu       sync.Mutex
	finished bool
	abortAt  time.Time
	err      error
	saved    int
	lastExp  float64
}

func (r *run) isAborted() bool {
	return atomic.LoadInt32(&r.aborted) == 1
}

// fail records the first error of the run
func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *run) error() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *run) stopped() bool {
	return r.isAborted() || r.error() != nil
}

func (c *Camera) setState(r *run, s State) {
	if r.isAborted() && s != Idle {
		s = Aborting
	}
	atomic.StoreInt32(&c.acq.state, int32(s))
	c.metrics.state(s)
}

// AcquisitionState returns the stage the pipeline is in
func (c *Camera) AcquisitionState() State {
	return c.acq.State()
}

// StartAcquisition begins a run of FrameCount frames into FitsFilename.
// It returns once the run has been up for the grace period, reporting any
// error the run hit by then; later errors come from Wait.  With no
// FitsFilename there is nothing to do.
func (c *Camera) StartAcquisition(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.isInitialized() {
		return newError(Uninitialized, "start acquisition")
	}
	if !c.acq.begin() {
		return newError(AlreadyAcquiring, "start acquisition")
	}
	r, err := c.prepare(ctx)
	if err != nil || r == nil {
		atomic.StoreInt32(&c.acq.state, int32(Idle))
		if err != nil {
			c.log.WithError(err).Error("acquisition not started")
			c.metrics.failed(err)
		}
		c.acq.mu.Lock()
		c.acq.run, c.acq.err = nil, err
		c.acq.mu.Unlock()
		return err
	}
	c.acq.mu.Lock()
	c.acq.run, c.acq.err = r, nil
	c.acq.mu.Unlock()

	c.acq.wg.Add(1)
	go func() {
		defer c.acq.wg.Done()
		c.coordinate(r)
	}()

	grace := time.NewTimer(c.opts.Grace)
	defer grace.Stop()
	select {
	case <-r.done:
		return r.error()
	case <-grace.C:
		return nil
	}
}

// StopAcquisition aborts the run in progress.  It does not block; the
// ABORT bit is written in the background and the run winds down on its own.
func (c *Camera) StopAcquisition() {
	r := c.acq.current()
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.finished || !atomic.CompareAndSwapInt32(&r.aborted, 0, 1) {
		r.mu.Unlock()
		return
	}
	r.abortAt = time.Now()
	r.stopWG.Add(1)
	r.mu.Unlock()
	close(r.abort)
	c.setState(r, Aborting)
	r.log.Info("acquisition aborted")
	go func() {
		defer r.stopWG.Done()
		if err := c.dev.Abort(); err != nil {
			r.log.WithError(err).Error("writing ABORT failed")
		}
	}()
}

// Wait blocks until the current run, if any, has ended and returns its error
func (c *Camera) Wait() error {
	c.acq.wg.Wait()
	c.acq.mu.Lock()
	defer c.acq.mu.Unlock()
	if c.acq.run != nil {
		return c.acq.run.error()
	}
	return c.acq.err
}

// prepare snapshots the camera settings and opens the output file
func (c *Camera) prepare(ctx context.Context) (*run, error) {
	c.mu.Lock()
	path, hdrPath, layout := c.fitsFile, c.fitsHdrFile, c.layout
	n, nbuf := c.frameCount, c.frameBuffers
	c.mu.Unlock()
	if path == "" {
		c.log.Warn("no FitsFilename, nothing to acquire")
		return nil, nil
	}

	d := c.dev
	var (
		r   = &run{n: n, hwBuffers: c.g.Buffers()}
		err error
	)
	get := func(f func() (int, error), dst *int) {
		if err == nil {
			*dst, err = f()
		}
	}
	get(func() (int, error) { return d.Bin(regXBin) }, &r.bin.H)
	get(func() (int, error) { return d.Bin(regYBin) }, &r.bin.V)
	get(func() (int, error) { return d.ROIOrigin(regROILeft) }, &r.aoi.Left)
	get(func() (int, error) { return d.ROIOrigin(regROITop) }, &r.aoi.Top)
	get(func() (int, error) { return d.ROISize(regROIWidth) }, &r.aoi.Width)
	get(func() (int, error) { return d.ROISize(regROIHeight) }, &r.aoi.Height)
	if err == nil {
		r.expTime, err = d.ExposureTime()
	}
	if err != nil {
		return nil, wrap(err, AcquisitionProcessError, "read acquisition settings")
	}

	w, h := r.aoi.Binned(r.bin)
	pixels := w * h
	gw, _, _ := c.g.Geometry()
	r.lineLen = gw
	r.lines = mathx.CeilDiv(pixels, gw)
	if r.hwBuffers < 1 {
		return nil, newError(NullReference, "grabber has no frame buffers")
	}

	slots := nbuf
	if n < slots {
		slots = n
	}
	if err := c.acq.ring.ensure(slots, pixels); err != nil {
		return nil, err
	}

	cards, err := c.headerCards(r)
	if err != nil {
		return nil, err
	}
	if hdrPath != "" {
		user, err := fitsout.ReadHeaderFile(hdrPath)
		if err != nil {
			return nil, wrap(err, OutputContainerError, "header file")
		}
		cards = append(cards, user...)
	}

	s, err := c.newSink(path, layout, fitsout.ContainerInfo{
		Width: w, Height: h, Frames: n, ExpTime: r.expTime, Cards: cards})
	if err != nil {
		return nil, wrap(err, OutputContainerError, "create "+path)
	}
	r.sink = s
	r.free = make(chan int, slots)
	for i := 0; i < slots; i++ {
		r.free <- i
	}
	r.toSave = make(chan saveJob, slots)
	r.abort = make(chan struct{})
	r.done = make(chan struct{})
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.log = c.log.WithFields(logrus.Fields{
		"file":   path,
		"frames": n,
		"roi":    r.aoi.String(),
		"bin":    r.bin.String(),
	})
	r.log.WithField("layout", layout).Info("acquisition started")
	return r, nil
}

// headerCards describes the camera state in the primary header
func (c *Camera) headerCards(r *run) ([]fitsio.Card, error) {
	d := c.dev
	var err error
	str := func(f func() (string, error)) string {
		if err != nil {
			return ""
		}
		var s string
		s, err = f()
		return s
	}
	shutter := str(d.ShutterState)
	rate := str(d.ReadoutRate)
	mode := str(d.ReadoutMode)
	var ctl Control
	if err == nil {
		ctl, err = d.Control()
	}
	var ccd, pcb float64
	if err == nil {
		ccd, pcb, err = d.Temperatures()
	}
	if err != nil {
		return nil, wrap(err, AcquisitionProcessError, "read header state")
	}
	r.ccd, r.pcb = ccd, pcb
	m := d.Manufacturer()
	c.mu.Lock()
	micro, fpga := c.microVersion, c.fpgaVersion
	c.mu.Unlock()
	return []fitsio.Card{
		{Name: "CRVAL1", Value: r.aoi.Left, Comment: "ROI left, CCD pixels"},
		{Name: "CRVAL2", Value: r.aoi.Top, Comment: "ROI top, CCD pixels"},
		{Name: "BINNING", Value: r.bin.String()},
		{Name: "XBIN", Value: r.bin.H},
		{Name: "YBIN", Value: r.bin.V},
		{Name: "SHUTTER", Value: shutter},
		{Name: "READRATE", Value: rate},
		{Name: "READMODE", Value: mode},
		{Name: "TECSTATE", Value: onOff[b2i(ctl.TEC())]},
		{Name: "CCDTEMP", Value: ccd, Comment: "Celsius at start"},
		{Name: "PCBTEMP", Value: pcb, Comment: "Celsius at start"},
		{Name: "SERNUM", Value: m.SerialNumber},
		{Name: "MICROVER", Value: micro},
		{Name: "FPGAVER", Value: fpga},
		{Name: "BUILDDAT", Value: m.BuildDate.Format("02/01/06")},
		{Name: "BUILDCOD", Value: m.BuildCode},
	}, nil
}

// housekeeping samples the temperatures, no faster than the limiter allows
func (c *Camera) housekeeping(r *run) error {
	if !c.limiter.Allow() {
		return nil
	}
	ccd, pcb, err := c.dev.Temperatures()
	if err != nil {
		return err
	}
	r.ccd, r.pcb = ccd, pcb
	c.metrics.temperature(ccd)
	return nil
}

// coordinate triggers, captures and hands off each frame in turn
func (c *Camera) coordinate(r *run) {
	defer close(r.done)
	defer r.cancel()

	saverDone := make(chan struct{})
	go func() {
		defer close(saverDone)
		c.save(r)
	}()

	for i := 0; i < r.n; i++ {
		if r.stopped() {
			break
		}
		job, err := c.frame(r, i)
		if err != nil {
			r.fail(err)
			break
		}
		if job == nil {
			break
		}
		r.toSave <- *job
	}

	close(r.toSave)
	<-saverDone
	c.finish(r)
}

// frame runs one exposure.  A nil job without error means the run was
// aborted before the exposure began.
func (c *Camera) frame(r *run, i int) (*saveJob, error) {
	c.setState(r, Arming)
	wait := time.NewTimer(c.opts.WritingTimeout)
	var slot int
	select {
	case slot = <-r.free:
		wait.Stop()
	case <-r.abort:
		wait.Stop()
		return nil, nil
	case <-r.ctx.Done():
		wait.Stop()
		return nil, wrap(r.ctx.Err(), AcquisitionProcessError, "frame "+strconv.Itoa(i))
	case <-wait.C:
		return nil, newError(OutputWritingTimeout, "no free frame buffer for frame %d after %v", i, c.opts.WritingTimeout)
	}
	release := func() { r.free <- slot }

	if err := c.dev.Snapshot(); err != nil {
		release()
		return nil, wrap(err, AcquisitionProcessError, "snapshot frame "+strconv.Itoa(i))
	}
	start := time.Now()
	if r.isAborted() {
		// the abort may have reached the camera before the snapshot did
		if err := c.dev.Abort(); err != nil {
			r.log.WithError(err).Error("writing ABORT failed")
		}
	}
	if err := c.housekeeping(r); err != nil {
		release()
		return nil, wrap(err, AcquisitionProcessError, "temperatures for frame "+strconv.Itoa(i))
	}
	c.setState(r, Exposing)

	limit := time.Duration(r.expTime*float64(time.Second)) + c.opts.CopyBufferGap
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	captured := make(chan error, 1)
	go func() {
		captured <- c.capture(ctx, r, i, slot, limit)
	}()

	expTime := r.expTime
	timeout := time.NewTimer(limit)
	defer timeout.Stop()
	abort := r.abort
	for {
		select {
		case err := <-captured:
			if err != nil {
				release()
				return nil, wrap(err, AcquisitionProcessError, "capture frame "+strconv.Itoa(i))
			}
			return &saveJob{slot: slot, frame: fitsout.Frame{
				Index:   i,
				Start:   start,
				ExpTime: expTime,
				CCDTemp: r.ccd,
				PCBTemp: r.pcb,
				Pixels:  c.acq.ring.slot(slot),
			}}, nil
		case <-abort:
			// the frame in flight still lands; record how long it was exposed
			abort = nil
			r.mu.Lock()
			elapsed := r.abortAt.Sub(start).Seconds()
			r.mu.Unlock()
			if elapsed < 0 {
				elapsed = 0
			}
			if elapsed < expTime {
				expTime = elapsed
			}
		case <-timeout.C:
			cancel()
			<-captured
			release()
			return nil, newError(CopyBufferTimeout, "frame %d not delivered within %v", i, limit)
		}
	}
}

// capture waits for a frame to land in a hardware buffer and copies it
// into the ring
func (c *Camera) capture(ctx context.Context, r *run, i, slot int, limit time.Duration) error {
	hw := i % r.hwBuffers
	if err := c.g.Snap(ctx, hw, limit); err != nil {
		return err
	}
	c.setState(r, Reading)
	buf := c.acq.ring.slot(slot)
	if err := c.g.ReadFrame(hw, buf, r.lines, r.lineLen); err != nil {
		return err
	}
	c.metrics.captured()
	r.log.WithField("frame", i).Debug("frame captured")
	if cb := c.OnImageReady; cb != nil {
		cb(i, buf)
	}
	return nil
}

// save writes frames in order and returns their slots to the ring.  Frames
// already captured are written even after a capture error; only a write
// error of its own makes the saver drop the rest.
func (c *Camera) save(r *run) {
	writeFailed := false
	for job := range r.toSave {
		if writeFailed {
			r.free <- job.slot
			continue
		}
		c.setState(r, Saving)
		t0 := time.Now()
		err := r.sink.WriteFrame(job.frame)
		r.free <- job.slot
		if err != nil {
			writeFailed = true
			r.fail(wrap(err, OutputContainerError, "save frame "+strconv.Itoa(job.frame.Index)))
			continue
		}
		c.metrics.saved(time.Since(t0))
		r.mu.Lock()
		r.saved++
		r.lastExp = job.frame.ExpTime
		r.mu.Unlock()
		r.log.WithField("frame", job.frame.Index).Debug("frame saved")
	}
}

// finish completes the output file and returns the pipeline to Idle
func (c *Camera) finish(r *run) {
	r.mu.Lock()
	r.finished = true
	s := fitsout.Summary{Frames: r.saved, Aborted: r.isAborted(), ExpTime: r.lastExp}
	r.mu.Unlock()
	r.stopWG.Wait()

	if err := r.sink.Finish(s); err != nil {
		r.fail(wrap(err, OutputContainerError, "finish"))
	}
	if err := r.sink.Close(); err != nil {
		r.fail(wrap(err, OutputContainerError, "close"))
	}
	err := r.error()
	entry := r.log.WithFields(logrus.Fields{"saved": s.Frames, "aborted": s.Aborted})
	if err != nil {
		c.metrics.failed(err)
		entry.WithError(err).Error("acquisition failed")
	} else {
		entry.Info("acquisition complete")
	}
	c.setState(r, Idle)
}
