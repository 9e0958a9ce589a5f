package eagle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.jpl.nasa.gov/bdube/eaglecam/cameralink"
	"github.jpl.nasa.gov/bdube/eaglecam/codec"
	"github.jpl.nasa.gov/bdube/eaglecam/fitsout"
	"github.jpl.nasa.gov/bdube/eaglecam/grabber"
)

func TestWrapDeviceErrors(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
		code int
	}{
		{&cameralink.DeviceError{Code: 0x52}, ChecksumError, 0x52},
		{&cameralink.DeviceError{Code: 0x55}, DoneLineLow, 0x55},
		{&cameralink.DeviceError{Code: 0x99}, UnexpectedDeviceValue, 0x99},
		{fmt.Errorf("read: %w", cameralink.ErrTimeout), SerialTimeout, 0},
		{io.ErrUnexpectedEOF, AcquisitionProcessError, 0},
	}
	for _, tt := range tests {
		err := wrap(tt.err, AcquisitionProcessError, "test")
		var e *Error
		if !errors.As(err, &e) {
			t.Fatalf("wrap(%v) is not an *Error", tt.err)
		}
		if e.Kind != tt.want || e.Code != tt.code {
			t.Errorf("wrap(%v): expected %v code %#x got %v code %#x", tt.err, tt.want, tt.code, e.Kind, e.Code)
		}
		if !errors.Is(err, tt.err) {
			t.Errorf("wrap(%v) lost the cause", tt.err)
		}
	}
}

func TestWrapKeepsKind(t *testing.T) {
	inner := newError(ValueOutOfRange, "HBin")
	err := wrap(inner, UnexpectedDeviceValue, "configure")
	if KindOf(err) != ValueOutOfRange {
		t.Errorf("rewrapping changed the kind to %v", KindOf(err))
	}
	if !errors.Is(err, &Error{Kind: ValueOutOfRange}) {
		t.Error("errors.Is should match on kind")
	}
	if got := err.Error(); got != "eagle: value out of range: configure: HBin" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestWrapFitsError(t *testing.T) {
	fe := &fitsout.Error{Op: "write", Code: fitsout.CodeWrite, Err: io.ErrShortWrite}
	err := wrap(fe, AcquisitionProcessError, "save")
	var e *Error
	if !errors.As(err, &e) || e.Kind != OutputContainerError || e.FitsCode != fitsout.CodeWrite {
		t.Errorf("expected an output container error with its code, got %#v", err)
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(nil) != OK {
		t.Error("nil should be OK")
	}
	if KindOf(io.EOF) != UnexpectedDeviceValue {
		t.Error("foreign errors should be UnexpectedDeviceValue")
	}
	if Uninitialized >= NullReference || AlreadyAcquiring >= OK {
		t.Error("driver error kinds should count up from the minimum and stay negative")
	}
}

func TestParseManufacturerData(t *testing.T) {
	b := []byte{
		0x90, 0x10, // serial 4240
		14, 3, 19, // 14/03/19
		'E', 'G', 'V', '0', '1',
		0x40, 0x06, 0x60, 0x09, // ADC 1600, 2400
		0xD0, 0x07, 0x80, 0x0C, // DAC 2000, 3200
	}
	m, err := parseManufacturerData(b)
	if err != nil {
		t.Fatal(err)
	}
	want := ManufacturerData{
		SerialNumber: 4240,
		BuildDate:    time.Date(2019, 3, 14, 0, 0, 0, 0, time.UTC),
		BuildCode:    "EGV01",
		ADC:          codec.CalibrationPair{Raw: [2]int{1600, 2400}, Physical: [2]float64{0, 40}},
		DAC:          codec.CalibrationPair{Raw: [2]int{2000, 3200}, Physical: [2]float64{0, 40}},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("manufacturer data (-want +got):\n%s", diff)
	}
	if _, err := parseManufacturerData(b[:17]); KindOf(err) != UnexpectedDeviceValue {
		t.Errorf("expected a short record rejected, got %v", err)
	}
	b[3] = 13
	if _, err := parseManufacturerData(b); KindOf(err) != UnexpectedDeviceValue {
		t.Errorf("expected month 13 rejected, got %v", err)
	}
}

func TestRingReuse(t *testing.T) {
	var r ring
	if err := r.ensure(2, 100); err != nil {
		t.Fatal(err)
	}
	first := &r.slot(0)[0]
	if err := r.ensure(3, 100); err != nil {
		t.Fatal(err)
	}
	if &r.slot(0)[0] != first || r.len() != 3 {
		t.Error("growing the ring should keep existing buffers")
	}
	if err := r.ensure(1, 100); err != nil {
		t.Fatal(err)
	}
	if &r.slot(0)[0] != first || r.len() != 1 {
		t.Error("shrinking the ring should keep existing buffers")
	}
	if err := r.ensure(1, 50); err != nil {
		t.Fatal(err)
	}
	if len(r.slot(0)) != 50 {
		t.Errorf("expected a new buffer of 50 pixels, got %d", len(r.slot(0)))
	}
}

// recorder is a sink that remembers what it was given
type recorder struct {
	mu      sync.Mutex
	delay   time.Duration
	frames  []int
	bufs    map[*uint16]bool
	summary fitsout.Summary
	closed  bool

	// shots reports exposures started; sampled as each write ends
	shots      func() int
	shotsAtEnd []int
}

func (r *recorder) WriteFrame(f fitsout.Frame) error {
	time.Sleep(r.delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f.Index)
	r.bufs[&f.Pixels[0]] = true
	r.shotsAtEnd = append(r.shotsAtEnd, r.shots())
	return nil
}

func (r *recorder) Finish(s fitsout.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = s
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// simCamera returns an initialized camera on g, which wraps s, saving
// into rec
func simCamera(t *testing.T, g grabber.Grabber, s *grabber.Sim, rec *recorder, opts Options) *Camera {
	t.Helper()
	opts.StatePoll = 5 * time.Millisecond
	opts.ResetHold = 5 * time.Millisecond
	opts.PollInterval = time.Millisecond
	c := New(g, opts)
	c.eng.ExecDelay = 0
	t.Cleanup(func() { c.Close() })
	if rec.bufs == nil {
		rec.bufs = map[*uint16]bool{}
	}
	if rec.shots == nil {
		rec.shots = s.Exposures
	}
	c.newSink = func(string, fitsout.Layout, fitsout.ContainerInfo) (sink, error) {
		return rec, nil
	}
	if err := c.Init(); err != nil {
		t.Fatal(err)
	}
	return c
}

func smallSim() *grabber.Sim {
	conf := grabber.DefaultSimConfig()
	conf.Width, conf.Height = 32, 16
	return grabber.NewSim(conf)
}

// acquire runs a whole acquisition and returns its error
func acquire(c *Camera, frames, buffers int, exp float64) error {
	c.mu.Lock()
	c.frameCount, c.frameBuffers, c.fitsFile = frames, buffers, "unused.fits"
	c.mu.Unlock()
	if err := c.dev.SetExposureTime(exp); err != nil {
		return err
	}
	if err := c.StartAcquisition(context.Background()); err != nil {
		c.Wait()
		return err
	}
	return c.Wait()
}

func TestRingCyclesInOrder(t *testing.T) {
	s := smallSim()
	rec := &recorder{delay: 30 * time.Millisecond}
	c := simCamera(t, s, s, rec, DefaultOptions())
	if err := acquire(c, 4, 2, 0.005); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3}, rec.frames); diff != "" {
		t.Errorf("saved frames (-want +got):\n%s", diff)
	}
	if rec.shotsAtEnd[0] > 2 {
		t.Errorf("frame 2 was triggered before frame 0 was saved (%d exposures)", rec.shotsAtEnd[0])
	}
	if len(rec.bufs) != 2 {
		t.Errorf("expected frames to cycle through 2 buffers, saw %d", len(rec.bufs))
	}
	if rec.summary.Frames != 4 || rec.summary.Aborted || !rec.closed {
		t.Errorf("unexpected finish %+v closed %v", rec.summary, rec.closed)
	}
}

// faultyGrabber fails or stalls one Snap call, counting from 1
type faultyGrabber struct {
	*grabber.Sim

	failAt, hangAt int

	mu    sync.Mutex
	snaps int
}

func (g *faultyGrabber) Snap(ctx context.Context, buf int, timeout time.Duration) error {
	g.mu.Lock()
	g.snaps++
	n := g.snaps
	g.mu.Unlock()
	switch n {
	case g.failAt:
		return errors.New("frame lost on the link")
	case g.hangAt:
		<-ctx.Done()
		return ctx.Err()
	}
	return g.Sim.Snap(ctx, buf, timeout)
}

func TestCaptureFailureKeepsQueuedFrames(t *testing.T) {
	s := smallSim()
	g := &faultyGrabber{Sim: s, failAt: 3}
	rec := &recorder{delay: 30 * time.Millisecond}
	c := simCamera(t, g, s, rec, DefaultOptions())
	err := acquire(c, 5, 2, 0.005)
	if KindOf(err) != AcquisitionProcessError {
		t.Fatalf("expected an acquisition process error, got %v", err)
	}
	if diff := cmp.Diff([]int{0, 1}, rec.frames); diff != "" {
		t.Errorf("captured frames were not all saved (-want +got):\n%s", diff)
	}
	if rec.summary.Frames != 2 || !rec.closed {
		t.Errorf("unexpected finish %+v closed %v", rec.summary, rec.closed)
	}
	if st := c.AcquisitionState(); st != Idle {
		t.Errorf("expected Idle after the failure, got %v", st)
	}
}

func TestCopyBufferTimeout(t *testing.T) {
	s := smallSim()
	g := &faultyGrabber{Sim: s, hangAt: 2}
	rec := &recorder{}
	opts := DefaultOptions()
	opts.CopyBufferGap = 50 * time.Millisecond
	c := simCamera(t, g, s, rec, opts)
	err := acquire(c, 3, 2, 0.005)
	if KindOf(err) != CopyBufferTimeout {
		t.Fatalf("expected a copy buffer timeout, got %v", err)
	}
	if diff := cmp.Diff([]int{0}, rec.frames); diff != "" {
		t.Errorf("saved frames (-want +got):\n%s", diff)
	}
	if rec.summary.Frames != 1 || !rec.closed {
		t.Errorf("unexpected finish %+v closed %v", rec.summary, rec.closed)
	}
}

func TestOutputWritingTimeout(t *testing.T) {
	s := smallSim()
	rec := &recorder{delay: 300 * time.Millisecond}
	opts := DefaultOptions()
	opts.WritingTimeout = 50 * time.Millisecond
	c := simCamera(t, s, s, rec, opts)
	err := acquire(c, 3, 1, 0.005)
	if KindOf(err) != OutputWritingTimeout {
		t.Fatalf("expected an output writing timeout, got %v", err)
	}
	if diff := cmp.Diff([]int{0}, rec.frames); diff != "" {
		t.Errorf("saved frames (-want +got):\n%s", diff)
	}
	if s.Exposures() != 1 {
		t.Errorf("expected one exposure with the ring full, got %d", s.Exposures())
	}
}

// triggerTrace records reads (R) and writes (W) of the trigger register
type triggerTrace struct {
	cameralink.Transport

	mu       sync.Mutex
	selected byte
	ops      []string
}

func (t *triggerTrace) Write(p []byte) (int, error) {
	payload := p
	if len(p) >= 2 {
		payload = p[:len(p)-2] // ETX and check sum
	}
	t.mu.Lock()
	switch {
	case len(payload) == 4 && bytes.Equal(payload[:3], cameralink.CmdSetAddress[:3]):
		t.selected = payload[3]
	case bytes.Equal(payload, cameralink.CmdReadValue) && t.selected == regTrigger:
		t.ops = append(t.ops, "R")
	case len(payload) == 5 && bytes.Equal(payload[:3], cameralink.CmdWriteValue[:3]) && payload[3] == regTrigger:
		t.ops = append(t.ops, "W")
	}
	t.mu.Unlock()
	return t.Transport.Write(p)
}

func TestTriggerPulsesDoNotInterleave(t *testing.T) {
	s := smallSim()
	c := simCamera(t, s, s, &recorder{}, DefaultOptions())
	trace := &triggerTrace{Transport: s}
	c.eng.T = trace

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := c.dev.Snapshot(); err != nil {
				t.Error(err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := c.dev.Abort(); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if len(trace.ops) != 80 {
		t.Fatalf("expected 40 reads and 40 writes, got %d operations", len(trace.ops))
	}
	for i := 0; i < len(trace.ops); i += 2 {
		if trace.ops[i] != "R" || trace.ops[i+1] != "W" {
			t.Fatalf("trigger register accesses interleaved at %d: %v", i, trace.ops)
		}
	}
}
