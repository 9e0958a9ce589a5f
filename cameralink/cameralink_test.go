package cameralink

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// scripted is a Transport whose replies are computed from each written packet
type scripted struct {
	mu    sync.Mutex
	rx    bytes.Buffer
	sent  [][]byte
	space int
	reply func(frame []byte) []byte
}

func (s *scripted) Available() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rx.Len(), nil
}

func (s *scripted) Space() (int, error) {
	return s.space, nil
}

func (s *scripted) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rx.Read(p)
}

func (s *scripted) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), p...))
	if s.reply != nil {
		s.rx.Write(s.reply(p))
	}
	return len(p), nil
}

func newTestEngine(s *scripted) *Engine {
	e := NewEngine(s, nil)
	e.PollInterval = time.Millisecond
	e.Timeout = 50 * time.Millisecond
	e.ExecDelay = 0
	return e
}

// ack replies with payload + ETX + check sum
func ack(payload ...byte) []byte {
	return Frame(payload, true)
}

func TestChecksumManualExample(t *testing.T) {
	// set address 0x00 as it appears in the camera manual
	frame := Frame([]byte{0x53, 0xE0, 0x01, 0x00}, true)
	expected := []byte{0x53, 0xE0, 0x01, 0x00, 0x50, 0xE2}
	if diff := cmp.Diff(expected, frame); diff != "" {
		t.Errorf("framing mismatch (-want +got):\n%s", diff)
	}
}

func TestFrameWithoutChecksum(t *testing.T) {
	frame := Frame([]byte{0x49}, false)
	if diff := cmp.Diff([]byte{0x49, 0x50}, frame); diff != "" {
		t.Errorf("framing mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteThenReadDocumentedExchange(t *testing.T) {
	s := &scripted{space: 64}
	e := newTestEngine(s)
	if _, err := e.Write([]byte{0x53, 0xE0, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	s.rx.Write(ack()) // ack of the set address
	if _, err := e.Read(0, false); err != nil {
		t.Fatal(err)
	}
	s.rx.Write(ack(0x2A))
	v, err := e.Read(1, false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0x2A}, v); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0x53, 0xE0, 0x01, 0x00, 0x50, 0xE2}, s.sent[0]); diff != "" {
		t.Errorf("wire mismatch (-want +got):\n%s", diff)
	}
}

func TestReadDeviceError(t *testing.T) {
	s := &scripted{space: 64}
	e := newTestEngine(s)
	s.rx.Write([]byte{0x00, ETXUnknownCmd, 0x00})
	_, err := e.Read(1, false)
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeviceError got %v", err)
	}
	if de.Code != ETXUnknownCmd {
		t.Errorf("expected code %#x got %#x", ETXUnknownCmd, de.Code)
	}
}

func TestReadLoneStatusByte(t *testing.T) {
	s := &scripted{space: 64}
	e := newTestEngine(s)
	// the camera rejects the command with only a status byte and its check sum
	s.rx.Write([]byte{ETXI2CErr, ETXI2CErr})
	_, err := e.Read(1, false)
	var de *DeviceError
	if !errors.As(err, &de) || de.Code != ETXI2CErr {
		t.Fatalf("expected I2C DeviceError got %v", err)
	}
}

func TestReadChecksumMismatch(t *testing.T) {
	s := &scripted{space: 64}
	e := newTestEngine(s)
	s.rx.Write([]byte{0x01, ETX, 0x00})
	_, err := e.Read(1, false)
	var de *DeviceError
	if !errors.As(err, &de) || de.Code != ETXChecksumErr {
		t.Fatalf("expected check sum DeviceError got %v", err)
	}
}

func TestReadTimeout(t *testing.T) {
	s := &scripted{space: 64}
	e := newTestEngine(s)
	start := time.Now()
	_, err := e.Read(1, false)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout got %v", err)
	}
	if time.Since(start) < e.Timeout {
		t.Errorf("returned before the timeout elapsed")
	}
}

func TestWriteTimeoutWhenNoSpace(t *testing.T) {
	s := &scripted{space: 0}
	e := newTestEngine(s)
	_, err := e.Write([]byte{0x49})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout got %v", err)
	}
	if len(s.sent) != 0 {
		t.Errorf("nothing should be written, got %d packets", len(s.sent))
	}
}

func TestReadAllDoesNotWait(t *testing.T) {
	s := &scripted{space: 64}
	e := newTestEngine(s)
	e.Timeout = time.Second
	start := time.Now()
	b, err := e.Read(10, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 0 {
		t.Errorf("expected nothing got %v", b)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("read all blocked")
	}
	s.rx.Write([]byte{1, 2, 3})
	b, _ = e.Read(0, true)
	if diff := cmp.Diff([]byte{1, 2, 3}, b); diff != "" {
		t.Errorf("drain mismatch (-want +got):\n%s", diff)
	}
}

func TestFramingWithoutAckOrChecksum(t *testing.T) {
	s := &scripted{space: 64, reply: func([]byte) []byte { return []byte{0x07} }}
	e := newTestEngine(s)
	e.SetFraming(false, false)
	v, err := e.Exec([]byte{0x49}, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v[0] != 0x07 {
		t.Errorf("expected 0x07 got %#x", v[0])
	}
	if diff := cmp.Diff([]byte{0x49, 0x50}, s.sent[0]); diff != "" {
		t.Errorf("wire mismatch (-want +got):\n%s", diff)
	}
}

func TestReadRegisters(t *testing.T) {
	regs := map[byte]byte{0xA1: 0x01, 0xA2: 0x03}
	var addr byte
	s := &scripted{space: 64}
	s.reply = func(frame []byte) []byte {
		switch {
		case bytes.HasPrefix(frame, []byte{0x53, 0xE0, 0x01}):
			addr = frame[3]
			return ack()
		case bytes.HasPrefix(frame, []byte{0x53, 0xE1, 0x01}):
			return ack(regs[addr])
		}
		return []byte{ETXUnknownCmd}
	}
	e := newTestEngine(s)
	v, err := e.ReadRegisters([]byte{0xA1, 0xA2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0x01, 0x03}, v); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
	if len(s.sent) != 4 {
		t.Errorf("expected 4 packets (set, read) x 2, got %d", len(s.sent))
	}
}

func TestReadRegistersAddressCommandFirst(t *testing.T) {
	s := &scripted{space: 64}
	s.reply = func(frame []byte) []byte {
		if bytes.HasPrefix(frame, []byte{0x53, 0xE1}) {
			return ack(0)
		}
		return ack()
	}
	e := newTestEngine(s)
	trig := []byte{0x53, 0xE0, 0x02, 0x6E, 0x00}
	if _, err := e.ReadRegisters([]byte{0x70, 0x71}, trig); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Frame(trig, true), s.sent[0]); diff != "" {
		t.Errorf("first packet should be the address command (-want +got):\n%s", diff)
	}
	if len(s.sent) != 5 {
		t.Errorf("expected 5 packets got %d", len(s.sent))
	}
}

func TestReadRegistersEmpty(t *testing.T) {
	s := &scripted{space: 64}
	e := newTestEngine(s)
	v, err := e.ReadRegisters(nil, nil)
	if err != nil || len(v) != 0 || len(s.sent) != 0 {
		t.Errorf("expected early exit, got %v %v %d packets", v, err, len(s.sent))
	}
}

func TestWriteRegisters(t *testing.T) {
	s := &scripted{space: 64, reply: func([]byte) []byte { return ack() }}
	e := newTestEngine(s)
	if err := e.WriteRegisters([]byte{0xA5}, []byte{0x02}); err != nil {
		t.Fatal(err)
	}
	expected := [][]byte{
		Frame([]byte{0x53, 0xE0, 0x01, 0xA5}, true),
		Frame([]byte{0x53, 0xE0, 0x02, 0xA5, 0x02}, true),
	}
	if diff := cmp.Diff(expected, s.sent); diff != "" {
		t.Errorf("packets mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteRegistersLengthMismatch(t *testing.T) {
	s := &scripted{space: 64}
	e := newTestEngine(s)
	if err := e.WriteRegisters([]byte{1, 2}, []byte{1}); err == nil {
		t.Error("expected an error for mismatched lengths")
	}
}

func TestDeviceErrorText(t *testing.T) {
	err := &DeviceError{Code: ETXUnknownCmd}
	if got := err.Error(); got[:5] != "84 - " {
		t.Errorf("expected \"84 - ...\" got %q", got)
	}
}

func TestTraceLogsWireBytes(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.TraceLevel)
	s := &scripted{space: 64}
	e := newTestEngine(s)
	e.Log = log
	if _, err := e.Write([]byte{0x49}); err != nil {
		t.Fatal(err)
	}
	s.rx.Write(ack(0x2A))
	if _, err := e.Read(1, false); err != nil {
		t.Fatal(err)
	}
	var msgs []string
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.TraceLevel {
			msgs = append(msgs, entry.Message)
		}
	}
	expected := []string{"cameralink: write [49 50 19]", "cameralink: read [2A 50 7A]"}
	if diff := cmp.Diff(expected, msgs); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}
