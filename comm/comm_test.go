package comm_test

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tarm/serial"
	"github.jpl.nasa.gov/bdube/eaglecam/comm"
)

// pipeLink returns an open link whose far end is returned as the camera side
func pipeLink(t *testing.T) (*comm.SerialLink, net.Conn) {
	t.Helper()
	host, cam := net.Pipe()
	l := comm.NewSerialLink(comm.DefaultSerialConfig("pipe"))
	l.Dial = func(*serial.Config) (io.ReadWriteCloser, error) { return host, nil }
	if err := l.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close(); cam.Close() })
	return l, cam
}

func waitAvailable(t *testing.T, l *comm.SerialLink, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		a, err := l.Available()
		if err != nil {
			t.Fatal(err)
		}
		if a >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never saw %d bytes available", n)
}

func TestSerialLinkBuffersReceivedBytes(t *testing.T) {
	l, cam := pipeLink(t)
	go cam.Write([]byte{0x11, 0x50, 0x41})
	waitAvailable(t, l, 3)
	buf := make([]byte, 2)
	n, err := l.Read(buf)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 bytes, got %d %v", n, err)
	}
	if a, _ := l.Available(); a != 1 {
		t.Errorf("expected 1 byte left, got %d", a)
	}
}

func TestSerialLinkReadDoesNotBlock(t *testing.T) {
	l, _ := pipeLink(t)
	done := make(chan struct{})
	go func() {
		l.Read(make([]byte, 4))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Read blocked on an empty buffer")
	}
}

func TestSerialLinkWrite(t *testing.T) {
	l, cam := pipeLink(t)
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 3)
		io.ReadFull(cam, buf)
		got <- buf
	}()
	if _, err := l.Write([]byte{0x49, 0x50, 0x19}); err != nil {
		t.Fatal(err)
	}
	select {
	case b := <-got:
		if b[0] != 0x49 || b[2] != 0x19 {
			t.Errorf("unexpected bytes %v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("camera side never received the write")
	}
}

func TestSerialLinkClosed(t *testing.T) {
	l := comm.NewSerialLink(comm.DefaultSerialConfig("nowhere"))
	if _, err := l.Available(); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected got %v", err)
	}
	if _, err := l.Write([]byte{1}); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected got %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("closing a closed link should be a no-op, got %v", err)
	}
}

func TestSerialLinkSpace(t *testing.T) {
	l, _ := pipeLink(t)
	if s, err := l.Space(); err != nil || s != comm.TxSpace {
		t.Errorf("expected %d got %d %v", comm.TxSpace, s, err)
	}
}

// idleConn reports (0, io.EOF) for each quiet read timeout, as tarm/serial
// does on Linux, then hands out whatever was queued with send
type idleConn struct {
	mu     sync.Mutex
	idle   int
	queued []byte
	closed bool
}

func (c *idleConn) send(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued = append(c.queued, b...)
}

func (c *idleConn) Read(p []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	if len(c.queued) == 0 {
		c.idle++
		return 0, io.EOF
	}
	n := copy(p, c.queued)
	c.queued = c.queued[n:]
	return n, nil
}

func (c *idleConn) Write(p []byte) (int, error) { return len(p), nil }

func (c *idleConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *idleConn) idleReads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

func TestSerialLinkSurvivesIdleTimeouts(t *testing.T) {
	conn := &idleConn{}
	l := comm.NewSerialLink(comm.DefaultSerialConfig("idle"))
	l.Dial = func(*serial.Config) (io.ReadWriteCloser, error) { return conn, nil }
	if err := l.Open(); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	deadline := time.Now().Add(time.Second)
	for conn.idleReads() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if conn.idleReads() < 3 {
		t.Fatal("pump stopped reading after an idle timeout")
	}
	conn.send([]byte{0x50, 0x00, 0x50})
	waitAvailable(t, l, 3)
}

func TestSerialLinkCloseStopsIdlePump(t *testing.T) {
	conn := &idleConn{}
	l := comm.NewSerialLink(comm.DefaultSerialConfig("idle"))
	l.Dial = func(*serial.Config) (io.ReadWriteCloser, error) { return conn, nil }
	if err := l.Open(); err != nil {
		t.Fatal(err)
	}
	closed := make(chan error, 1)
	go func() { closed <- l.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not return while the port was idle")
	}
}
