/*Package comm provides the serial byte transport to the camera's control
channel for grabbers that expose CameraLink serial as an ordinary port.

A SerialLink owns the port and a goroutine that continuously moves received
bytes into an in-memory buffer, so callers can ask how many bytes are
waiting without blocking, the way the frame grabber SDKs present their
serial pass-through:

	l := comm.NewSerialLink(comm.SerialConfig{Name: "/dev/ttyS0", Baud: 115200})
	if err := l.Open(); err != nil {
		return err
	}
	defer l.Close()
	n, _ := l.Available()
*/
package comm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// TxSpace is the transmit space reported by a SerialLink; the OS driver buffers writes
const TxSpace = 4096

// idlePause spaces out reads that return nothing, for ports that report a
// read timeout as io.EOF without blocking
const idlePause = time.Millisecond

var (
	// ErrNotConnected is generated when the port is not open
	ErrNotConnected = errors.New("serial link is not open")
)

// SerialConfig describes the serial line parameters
type SerialConfig struct {
	// Name is the OS name of the port, e.g. /dev/ttyS0 or COM3
	Name string `koanf:"Name" yaml:"Name"`

	// Baud is the baud rate
	Baud int `koanf:"Baud" yaml:"Baud"`

	// DataBits is the number of data bits, 5 to 8
	DataBits int `koanf:"DataBits" yaml:"DataBits"`

	// StopBits is 1 or 2
	StopBits int `koanf:"StopBits" yaml:"StopBits"`

	// ReadTimeout is how long a single OS read may block
	ReadTimeout time.Duration `koanf:"ReadTimeout" yaml:"ReadTimeout"`
}

// DefaultSerialConfig is 115200 8N1, the camera's fixed line settings
func DefaultSerialConfig(name string) SerialConfig {
	return SerialConfig{
		Name:        name,
		Baud:        115200,
		DataBits:    8,
		StopBits:    1,
		ReadTimeout: 100 * time.Millisecond,
	}
}

func (c SerialConfig) tarm() *serial.Config {
	stop := serial.Stop1
	if c.StopBits == 2 {
		stop = serial.Stop2
	}
	size := byte(c.DataBits)
	if size == 0 {
		size = 8
	}
	return &serial.Config{
		Name:        c.Name,
		Baud:        c.Baud,
		Size:        size,
		Parity:      serial.ParityNone,
		StopBits:    stop,
		ReadTimeout: c.ReadTimeout,
	}
}

// SerialLink is a non-blocking view of a serial port
type SerialLink struct {
	// Dial opens the port.  It defaults to tarm/serial's OpenPort.
	Dial func(*serial.Config) (io.ReadWriteCloser, error)

	conf SerialConfig

	mu   sync.Mutex
	conn io.ReadWriteCloser
	rx   bytes.Buffer
	rerr error
	quit chan struct{}
	done chan struct{}
}

// NewSerialLink creates a link that is not yet open
func NewSerialLink(conf SerialConfig) *SerialLink {
	return &SerialLink{
		Dial: func(c *serial.Config) (io.ReadWriteCloser, error) { return serial.OpenPort(c) },
		conf: conf,
	}
}

// Config returns the line settings in use
func (l *SerialLink) Config() SerialConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conf
}

// Open the port.  Ports held briefly by another process are retried with an
// exponential backoff for a few seconds.
func (l *SerialLink) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	var conn io.ReadWriteCloser
	op := func() error {
		var err error
		conn, err = l.Dial(l.conf.tarm())
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "no such file") {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("opening serial port %s: %w", l.conf.Name, err)
	}
	l.conn = conn
	l.rx.Reset()
	l.rerr = nil
	l.quit = make(chan struct{})
	l.done = make(chan struct{})
	go l.pump(conn, l.quit, l.done)
	return nil
}

// Configure changes the line settings, reopening the port if it is open
func (l *SerialLink) Configure(conf SerialConfig) error {
	l.mu.Lock()
	open := l.conn != nil
	l.mu.Unlock()
	if open {
		if err := l.Close(); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.conf = conf
	l.mu.Unlock()
	if open {
		return l.Open()
	}
	return nil
}

// pump moves bytes from the port into the receive buffer until Close.
// tarm/serial reports an idle ReadTimeout as (0, io.EOF), so EOF only means
// nothing arrived.
func (l *SerialLink) pump(conn io.Reader, quit, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			l.mu.Lock()
			l.rx.Write(buf[:n])
			l.mu.Unlock()
		}
		switch {
		case err != nil && err != io.EOF:
			select {
			case <-quit:
			default:
				l.mu.Lock()
				l.rerr = err
				l.mu.Unlock()
			}
			return
		case n == 0:
			select {
			case <-quit:
				return
			case <-time.After(idlePause):
			}
		}
	}
}

// Available returns the number of received bytes not yet read
func (l *SerialLink) Available() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return 0, ErrNotConnected
	}
	if l.rx.Len() == 0 && l.rerr != nil {
		return 0, l.rerr
	}
	return l.rx.Len(), nil
}

// Space returns TxSpace while the port is open
func (l *SerialLink) Space() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return 0, ErrNotConnected
	}
	return TxSpace, nil
}

// Read copies buffered bytes into p without blocking
func (l *SerialLink) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return 0, ErrNotConnected
	}
	if l.rx.Len() == 0 {
		if l.rerr != nil {
			return 0, l.rerr
		}
		return 0, nil
	}
	return l.rx.Read(p)
}

// Write sends p to the port
func (l *SerialLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.Write(p)
}

// Close the port and wait for the receive goroutine to exit
func (l *SerialLink) Close() error {
	l.mu.Lock()
	conn, quit, done := l.conn, l.quit, l.done
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	close(quit)
	err := conn.Close()
	<-done
	return err
}
