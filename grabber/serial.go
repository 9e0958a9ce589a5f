package grabber

import (
	"context"
	"sync"
	"time"

	"github.jpl.nasa.gov/bdube/eaglecam/comm"
)

// FrameSource provides the pixel half of a Grabber
type FrameSource interface {
	Geometry() (w, h, bits int)
	Buffers() int
	Snap(ctx context.Context, buf int, timeout time.Duration) error
	ReadFrame(buf int, dst []uint16, lines, lineLen int) error
}

// Serial is a Grabber whose camera control channel is an ordinary serial
// port, as with grabbers that register their CameraLink serial with the OS.
// Pixels come from Frames.
type Serial struct {
	Link   *comm.SerialLink
	Frames FrameSource

	mu   sync.Mutex
	refs refcount
}

// NewSerial returns a Serial grabber on the named port
func NewSerial(port string, frames FrameSource) *Serial {
	return &Serial{
		Link:   comm.NewSerialLink(comm.DefaultSerialConfig(port)),
		Frames: frames,
	}
}

// Open implements Grabber
func (s *Serial) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs.acquire() {
		if err := s.Link.Open(); err != nil {
			s.refs.release()
			return err
		}
	}
	return nil
}

// Close implements Grabber
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, err := s.refs.release()
	if err != nil {
		return err
	}
	if last {
		return s.Link.Close()
	}
	return nil
}

// ConfigureSerial implements Grabber
func (s *Serial) ConfigureSerial(c SerialConfig) error {
	conf := s.Link.Config()
	conf.Baud = c.Baud
	conf.DataBits = c.DataBits
	conf.StopBits = c.StopBits
	return s.Link.Configure(conf)
}

// Available implements Grabber
func (s *Serial) Available() (int, error) { return s.Link.Available() }

// Space implements Grabber
func (s *Serial) Space() (int, error) { return s.Link.Space() }

// Read implements Grabber
func (s *Serial) Read(p []byte) (int, error) { return s.Link.Read(p) }

// Write implements Grabber
func (s *Serial) Write(p []byte) (int, error) { return s.Link.Write(p) }

// Snap implements Grabber
func (s *Serial) Snap(ctx context.Context, buf int, timeout time.Duration) error {
	return s.Frames.Snap(ctx, buf, timeout)
}

// ReadFrame implements Grabber
func (s *Serial) ReadFrame(buf int, dst []uint16, lines, lineLen int) error {
	return s.Frames.ReadFrame(buf, dst, lines, lineLen)
}

// Geometry implements Grabber
func (s *Serial) Geometry() (w, h, bits int) { return s.Frames.Geometry() }

// Buffers implements Grabber
func (s *Serial) Buffers() int { return s.Frames.Buffers() }

// PatternSource is a FrameSource that produces a full frame ramp Delay
// after each Snap.  It stands in for a video link when only the control
// channel is wired.
type PatternSource struct {
	Width, Height int
	NBuffers      int
	Delay         time.Duration

	mu     sync.Mutex
	frames map[int][]uint16
	n      int
}

// Geometry implements FrameSource
func (p *PatternSource) Geometry() (w, h, bits int) {
	return p.Width, p.Height, 16
}

// Buffers implements FrameSource
func (p *PatternSource) Buffers() int {
	if p.NBuffers < 1 {
		return 1
	}
	return p.NBuffers
}

// Snap implements FrameSource
func (p *PatternSource) Snap(ctx context.Context, buf int, timeout time.Duration) error {
	if buf < 0 || buf >= p.Buffers() {
		return ErrBufferIndex
	}
	if p.Delay > timeout {
		return ErrSnapTimeout
	}
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frames == nil {
		p.frames = make(map[int][]uint16)
	}
	p.n++
	frame := make([]uint16, p.Width*p.Height)
	for i := range frame {
		frame[i] = uint16(i + p.n)
	}
	p.frames[buf] = frame
	return nil
}

// ReadFrame implements FrameSource
func (p *PatternSource) ReadFrame(buf int, dst []uint16, lines, lineLen int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[buf]
	if !ok {
		return ErrNoFrame
	}
	copyLines(dst, f, lines, lineLen)
	return nil
}
