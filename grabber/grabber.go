/*Package grabber is the boundary between the camera driver and the frame
grabber that carries its video and serial links.

A Grabber offers two things: a serial pass-through to the camera
microcontroller in the non-blocking "how many bytes are waiting" style of
the vendor SDKs, and snap/read primitives over a small set of hardware frame
buffers organized in fixed-width scan lines.

Sim is a register-level simulator of the camera behind a grabber, and
Serial pairs a real serial port with a FrameSource for pixels.
*/
package grabber

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotOpen is generated when the grabber session has not been opened
	ErrNotOpen = errors.New("grabber: session is not open")

	// ErrSnapTimeout is generated when no frame arrives before the snap deadline
	ErrSnapTimeout = errors.New("grabber: timed out waiting for frame")

	// ErrNoFrame is generated when reading a buffer that holds no frame
	ErrNoFrame = errors.New("grabber: buffer holds no frame")

	// ErrBufferIndex is generated for a buffer index outside [0, Buffers())
	ErrBufferIndex = errors.New("grabber: buffer index out of range")
)

// SerialConfig holds the serial line parameters of the camera link
type SerialConfig struct {
	Baud     int
	DataBits int
	StopBits int
}

// CameraSerial is the camera's fixed line setting, 115200 8N1
var CameraSerial = SerialConfig{Baud: 115200, DataBits: 8, StopBits: 1}

// Grabber is a frame grabber session with a camera attached
type Grabber interface {
	// Open starts a session.  Sessions are reference counted; every Open
	// must be paired with a Close.
	Open() error

	// Close ends a session
	Close() error

	// ConfigureSerial sets the serial line parameters
	ConfigureSerial(SerialConfig) error

	// Available returns the number of received serial bytes waiting
	Available() (int, error)

	// Space returns the room in the serial transmit buffer
	Space() (int, error)

	// Read copies waiting serial bytes into p without blocking
	Read(p []byte) (int, error)

	// Write sends p on the serial line
	Write(p []byte) (int, error)

	// Snap arms hardware buffer buf and waits up to timeout for the
	// camera to deliver a frame into it
	Snap(ctx context.Context, buf int, timeout time.Duration) error

	// ReadFrame copies lines*lineLen pixels of buffer buf into dst,
	// truncated to len(dst)
	ReadFrame(buf int, dst []uint16, lines, lineLen int) error

	// Geometry returns the CCD width, which is also the scan line length,
	// its height and the pixel bit depth
	Geometry() (w, h, bits int)

	// Buffers returns the number of hardware frame buffers
	Buffers() int
}

// refcount tracks Open/Close pairing for a shared session
type refcount struct {
	n int
}

// acquire returns true on the first reference
func (r *refcount) acquire() bool {
	r.n++
	return r.n == 1
}

// release returns true when the last reference is dropped
func (r *refcount) release() (last bool, err error) {
	if r.n == 0 {
		return false, ErrNotOpen
	}
	r.n--
	return r.n == 0, nil
}

func (r *refcount) open() bool {
	return r.n > 0
}

// copyLines copies the leading lines*lineLen pixels of src into dst, zero
// filling what src does not cover
func copyLines(dst, src []uint16, lines, lineLen int) {
	n := lines * lineLen
	if n > len(dst) {
		n = len(dst)
	}
	m := copy(dst[:n], src)
	for i := m; i < n; i++ {
		dst[i] = 0
	}
}
