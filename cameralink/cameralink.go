/*Package cameralink implements the register protocol the Eagle camera
microcontroller speaks over the CameraLink serial pass-through.

Every host packet is terminated by ETX (0x50) and, when check sum mode is
enabled, one more byte holding the XOR of the packet and the ETX.  The
camera answers with its payload followed by ETX when acknowledgements are
enabled, and the same XOR check sum when check sum mode is enabled.  A
rejected command is answered with an error status byte in place of ETX.

The grabber SDKs expose the serial line as a non-blocking "how many bytes
are waiting" interface, so every read polls the transport on a fixed
period until enough bytes are available or an absolute deadline passes.

Usage:

	e := cameralink.NewEngine(transport, log)
	vals, err := e.ReadRegisters([]byte{0xA1}, nil) // XBIN
	if err != nil {
		return err
	}
*/
package cameralink

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.jpl.nasa.gov/bdube/eaglecam/util"
)

const (
	// DefaultPollInterval is the period between transport polls
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultTimeout bounds any single read or write
	DefaultTimeout = 10 * time.Second

	// DefaultExecDelay is the pause between the write and read halves of Exec
	DefaultExecDelay = 10 * time.Millisecond
)

var (
	// CmdSetAddress selects a register; the last byte is the address
	CmdSetAddress = []byte{0x53, 0xE0, 0x01, 0x00}

	// CmdReadValue reads the selected register
	CmdReadValue = []byte{0x53, 0xE1, 0x01}

	// CmdWriteValue writes a register; the last two bytes are address and value
	CmdWriteValue = []byte{0x53, 0xE0, 0x02, 0x00, 0x00}
)

// Transport is the serial byte pipe to the camera.  Available and Space
// must not block.
type Transport interface {
	io.Reader
	io.Writer

	// Available returns the number of bytes waiting in the receive buffer
	Available() (int, error)

	// Space returns the number of bytes the transmit buffer can accept
	Space() (int, error)
}

// Engine executes framed exchanges over a Transport.  Exchanges are
// serialized by an internal mutex; multi-packet register operations hold it
// for their whole duration.
type Engine struct {
	T Transport

	// PollInterval and Timeout control waiting on the transport
	PollInterval time.Duration
	Timeout      time.Duration

	// ExecDelay is the pause between writing a command and reading its reply
	ExecDelay time.Duration

	Log logrus.Ext1FieldLogger

	mu       sync.Mutex
	ack      bool
	checksum bool
}

// NewEngine returns an Engine with ACK and check sum framing enabled, the
// camera's power-on defaults
func NewEngine(t Transport, log logrus.Ext1FieldLogger) *Engine {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Engine{
		T:            t,
		PollInterval: DefaultPollInterval,
		Timeout:      DefaultTimeout,
		ExecDelay:    DefaultExecDelay,
		Log:          log,
		ack:          true,
		checksum:     true,
	}
}

// SetFraming updates the cached ACK and check sum modes.  It must mirror the
// camera's system state register.
func (e *Engine) SetFraming(ack, checksum bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ack = ack
	e.checksum = checksum
}

// Framing returns the cached ACK and check sum modes
func (e *Engine) Framing() (ack, checksum bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ack, e.checksum
}

// Checksum computes the XOR of every byte in p
func Checksum(p []byte) byte {
	var c byte
	for _, b := range p {
		c ^= b
	}
	return c
}

// Frame returns p as it goes on the wire: p, ETX, and the check sum if enabled
func Frame(p []byte, checksum bool) []byte {
	out := make([]byte, 0, len(p)+2)
	out = append(out, p...)
	out = append(out, ETX)
	if checksum {
		out = append(out, Checksum(out))
	}
	return out
}

// schedule is a constant-period backoff; MaxElapsedTime of zero would never stop
func (e *Engine) schedule() backoff.BackOff {
	interval, timeout := e.PollInterval, e.Timeout
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &backoff.ExponentialBackOff{
		InitialInterval:     interval,
		RandomizationFactor: 0,
		Multiplier:          1,
		MaxInterval:         interval,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock}
}

// poll calls ready until it reports true, returns an error, or the timeout passes
func (e *Engine) poll(ready func() (bool, error)) error {
	op := func() error {
		ok, err := ready()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrTimeout
		}
		return nil
	}
	err := backoff.Retry(op, e.schedule())
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Write sends p as one framed packet and returns the number of bytes put on the wire
func (e *Engine) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.write(p)
}

func (e *Engine) write(p []byte) (int, error) {
	frame := Frame(p, e.checksum)
	err := e.poll(func() (bool, error) {
		n, err := e.T.Space()
		return n >= len(frame), err
	})
	if err != nil {
		return 0, fmt.Errorf("cameralink: waiting to write %s: %w", util.HexBytes(p), err)
	}
	e.Log.Tracef("cameralink: write %s", util.HexBytes(frame))
	n, err := e.T.Write(frame)
	if err != nil {
		return n, fmt.Errorf("cameralink: write %s: %w", util.HexBytes(p), err)
	}
	return n, nil
}

// Read returns an n byte reply payload.  If all is true it instead returns
// whatever is waiting in the receive buffer without blocking, and n is
// ignored.
func (e *Engine) Read(n int, all bool) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.read(n, all)
}

func (e *Engine) drain() ([]byte, error) {
	avail, err := e.T.Available()
	if err != nil || avail == 0 {
		return []byte{}, err
	}
	buf := make([]byte, avail)
	n, err := io.ReadFull(e.T, buf)
	return buf[:n], err
}

func (e *Engine) read(n int, all bool) ([]byte, error) {
	if all {
		return e.drain()
	}
	want := n
	if e.ack {
		want++
	}
	if e.checksum {
		want++
	}
	if want == 0 {
		return []byte{}, nil
	}

	err := e.poll(func() (bool, error) {
		avail, err := e.T.Available()
		return avail >= want, err
	})
	if err != nil {
		// a rejected command is answered by a lone status byte, shorter than
		// the reply we were waiting for
		if errors.Is(err, ErrTimeout) {
			if rest, _ := e.drain(); len(rest) > 0 && isStatus(rest[0]) {
				return nil, &DeviceError{Code: rest[0]}
			}
		}
		return nil, fmt.Errorf("cameralink: waiting for %d bytes: %w", want, err)
	}

	buf := make([]byte, want)
	if _, err := io.ReadFull(e.T, buf); err != nil {
		return nil, fmt.Errorf("cameralink: read: %w", err)
	}
	e.Log.Tracef("cameralink: read %s", util.HexBytes(buf))

	payload := buf[:n]
	tail := n
	if e.ack {
		if buf[tail] != ETX {
			return nil, &DeviceError{Code: buf[tail]}
		}
		tail++
	}
	if e.checksum {
		if sum := Checksum(buf[:tail]); sum != buf[tail] {
			return nil, &DeviceError{Code: ETXChecksumErr}
		}
	}
	return payload, nil
}

// Exec writes cmd, waits delay, then reads an n byte reply.  A negative
// delay uses ExecDelay.
func (e *Engine) Exec(cmd []byte, n int, delay time.Duration) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec(cmd, n, delay)
}

func (e *Engine) exec(cmd []byte, n int, delay time.Duration) ([]byte, error) {
	if _, err := e.write(cmd); err != nil {
		return nil, err
	}
	if delay < 0 {
		delay = e.ExecDelay
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return e.read(n, false)
}

// ReadRegisters reads one byte from each address, in order.  If addrCmd is
// not empty it is executed once before the reads; the temperature sensors
// need it to latch a fresh sample.
func (e *Engine) ReadRegisters(addrs []byte, addrCmd []byte) ([]byte, error) {
	if len(addrs) == 0 {
		return []byte{}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(addrCmd) > 0 {
		if _, err := e.exec(addrCmd, 0, -1); err != nil {
			return nil, err
		}
	}
	out := make([]byte, len(addrs))
	for i, a := range addrs {
		set := append([]byte(nil), CmdSetAddress...)
		set[3] = a
		if _, err := e.exec(set, 0, -1); err != nil {
			return nil, fmt.Errorf("set address %#02x: %w", a, err)
		}
		v, err := e.exec(CmdReadValue, 1, -1)
		if err != nil {
			return nil, fmt.Errorf("read address %#02x: %w", a, err)
		}
		out[i] = v[0]
	}
	return out, nil
}

// WriteRegisters writes values[i] to addrs[i], in order
func (e *Engine) WriteRegisters(addrs, values []byte) error {
	if len(addrs) == 0 {
		return nil
	}
	if len(addrs) != len(values) {
		return fmt.Errorf("cameralink: %d addresses but %d values", len(addrs), len(values))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, a := range addrs {
		set := append([]byte(nil), CmdSetAddress...)
		set[3] = a
		if _, err := e.exec(set, 0, -1); err != nil {
			return fmt.Errorf("set address %#02x: %w", a, err)
		}
		w := append([]byte(nil), CmdWriteValue...)
		w[3] = a
		w[4] = values[i]
		if _, err := e.exec(w, 0, -1); err != nil {
			return fmt.Errorf("write address %#02x: %w", a, err)
		}
	}
	return nil
}
