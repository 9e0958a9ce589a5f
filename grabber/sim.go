package grabber

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.jpl.nasa.gov/bdube/eaglecam/codec"
)

// microcontroller command set and register map of the simulated camera
const (
	etx        = 0x50
	stI2CErr   = 0x53
	stUnknown  = 0x54
	stSerTmout = 0x51
	stCkSumErr = 0x52

	sysCkSum   = 0x40
	sysAck     = 0x10
	sysBootOK  = 0x04
	sysRstHold = 0x02
	sysEprom   = 0x01

	trigAbort    = 0x08
	trigSnapshot = 0x01

	ctrlTEC = 0x01

	regCtrl     = 0x00
	regTECSet   = 0x03
	regCCDTemp  = 0x6E
	regPCBTemp  = 0x70
	regFPGAVer  = 0x7E
	regXBin     = 0xA1
	regYBin     = 0xA2
	regRate     = 0xA3
	regShutter  = 0xA5
	regWidth    = 0xB4
	regLeft     = 0xB6
	regHeight   = 0xB8
	regTop      = 0xBA
	regTrigger  = 0xD4
	regFrameRt  = 0xDC
	regExposure = 0xED
	regMode     = 0xF7

	modeTest = 0x04
)

var (
	cmdGetState   = []byte{0x49}
	cmdMicroVer   = []byte{0x56}
	cmdResetMicro = []byte{0x55, 0x99, 0x66, 0x11}
	cmdSetAddr    = []byte{0x53, 0xE0, 0x01}
	cmdReadVal    = []byte{0x53, 0xE1, 0x01}
	cmdWriteVal   = []byte{0x53, 0xE0, 0x02}
	cmdEprom1     = []byte{0x53, 0xAE, 0x05, 0x01, 0x00, 0x00, 0x02, 0x00}
	cmdEprom2     = []byte{0x53, 0xAF, 0x12}
)

// SimConfig describes the simulated camera
type SimConfig struct {
	// Width and Height of the CCD in pixels
	Width, Height int

	// Buffers is the number of grabber frame buffers
	Buffers int

	// Baud the camera listens at; bytes sent at any other rate are lost
	Baud int

	// BootDelay is how long the FPGA takes to boot once released from reset
	BootDelay time.Duration

	// RebootDelay is how long the microcontroller ignores the line after a reset
	RebootDelay time.Duration

	// ReadoutTime is added to each exposure before the frame lands
	ReadoutTime time.Duration

	SerialNumber int
	BuildDate    time.Time
	BuildCode    string

	// ADC and DAC raw counts at 0 and 40 Celsius
	ADC, DAC [2]uint16

	MicroVersion, FPGAVersion [2]byte
}

// DefaultSimConfig is a full size Eagle V 4240
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Width:        2048,
		Height:       2048,
		Buffers:      4,
		Baud:         115200,
		BootDelay:    20 * time.Millisecond,
		RebootDelay:  50 * time.Millisecond,
		ReadoutTime:  time.Millisecond,
		SerialNumber: 4240,
		BuildDate:    time.Date(2019, 3, 14, 0, 0, 0, 0, time.UTC),
		BuildCode:    "EGV01",
		ADC:          [2]uint16{1600, 2400},
		DAC:          [2]uint16{2000, 3200},
		MicroVersion: [2]byte{2, 11},
		FPGAVersion:  [2]byte{3, 21},
	}
}

// exposure is one triggered frame
type exposure struct {
	n     int
	start time.Time
	dur   time.Duration
	abort chan struct{}
	ended bool

	w, h, xbin, ybin, left, top int
	test                        bool
}

// Sim simulates an Eagle camera behind a frame grabber.  It decodes each
// serial Write as one packet, answers in the camera's framing, and renders
// a synthetic image for every SNAPSHOT pulse.
type Sim struct {
	conf SimConfig

	mu          sync.Mutex
	refs        refcount
	serial      SerialConfig
	rx          bytes.Buffer
	regs        [256]byte
	state       byte
	addr        byte
	eprom       bool
	rebootUntil time.Time
	bootAt      time.Time
	exp         *exposure
	taken       bool
	shots       int
	frames      [][]uint16
	triggered   chan struct{}
}

// NewSim returns a powered on simulator.  The serial line starts at 9600
// baud, so the host must configure it before talking to the camera.
func NewSim(conf SimConfig) *Sim {
	if conf.Buffers < 1 {
		conf.Buffers = 1
	}
	if conf.Baud == 0 {
		conf.Baud = 115200
	}
	s := &Sim{
		conf:      conf,
		serial:    SerialConfig{Baud: 9600, DataBits: 8, StopBits: 1},
		triggered: make(chan struct{}, 1),
	}
	s.powerOn()
	return s
}

func (s *Sim) powerOn() {
	s.state = sysCkSum | sysAck | sysBootOK | sysRstHold
	s.regs = [256]byte{}
	s.put(regWidth, codec.Int12ToBytes(s.conf.Width))
	s.put(regHeight, codec.Int12ToBytes(s.conf.Height))
	s.put(regRate, []byte{0x02, 0x02})
	s.regs[regMode] = 0x01
	s.regs[regShutter] = 0x02
	s.put(regExposure, codec.Counts40ToBytes(codec.SecondsToCounts(1)))
	s.put(regFrameRt, codec.Counts40ToBytes(codec.RateToCounts(1)))
	s.put(regTECSet, codec.Int12ToBytes(int(s.conf.DAC[0])))
	s.regs[regFPGAVer] = s.conf.FPGAVersion[0]
	s.regs[regFPGAVer+1] = s.conf.FPGAVersion[1]
	s.latchTemperatures()
}

func (s *Sim) put(addr byte, b []byte) {
	copy(s.regs[addr:], b)
}

func (s *Sim) get(addr byte, n int) []byte {
	return s.regs[int(addr) : int(addr)+n]
}

func (s *Sim) int12(addr byte) int {
	v, _ := codec.BytesToInt12(s.get(addr, 2))
	return v
}

// Open implements Grabber
func (s *Sim) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs.acquire() {
		s.frames = make([][]uint16, s.conf.Buffers)
	}
	return nil
}

// Close implements Grabber
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, err := s.refs.release()
	if last {
		s.frames = nil
	}
	return err
}

// ConfigureSerial implements Grabber
func (s *Sim) ConfigureSerial(c SerialConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refs.open() {
		return ErrNotOpen
	}
	s.serial = c
	return nil
}

// Available implements Grabber
func (s *Sim) Available() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refs.open() {
		return 0, ErrNotOpen
	}
	return s.rx.Len(), nil
}

// Space implements Grabber
func (s *Sim) Space() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refs.open() {
		return 0, ErrNotOpen
	}
	return 1024, nil
}

// Read implements Grabber
func (s *Sim) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refs.open() {
		return 0, ErrNotOpen
	}
	if s.rx.Len() == 0 {
		return 0, nil
	}
	return s.rx.Read(p)
}

// Write implements Grabber.  p must hold exactly one packet.
func (s *Sim) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refs.open() {
		return 0, ErrNotOpen
	}
	now := time.Now()
	s.tick(now)
	if s.serial.Baud != s.conf.Baud || now.Before(s.rebootUntil) {
		return len(p), nil
	}

	n := len(p)
	var payload []byte
	if s.state&sysCkSum != 0 {
		if n < 2 || p[n-2] != etx {
			s.rx.WriteByte(stSerTmout)
			return n, nil
		}
		var sum byte
		for _, b := range p[:n-1] {
			sum ^= b
		}
		if sum != p[n-1] {
			s.rx.WriteByte(stCkSumErr)
			return n, nil
		}
		payload = p[:n-2]
	} else {
		if n < 1 || p[n-1] != etx {
			s.rx.WriteByte(stSerTmout)
			return n, nil
		}
		payload = p[:n-1]
	}
	s.dispatch(payload, now)
	return n, nil
}

// tick advances the boot and reboot timers
func (s *Sim) tick(now time.Time) {
	if !s.rebootUntil.IsZero() && !now.Before(s.rebootUntil) {
		s.rebootUntil = time.Time{}
		s.state = sysCkSum | sysAck | sysBootOK | sysRstHold
		s.eprom = false
	}
	if !s.bootAt.IsZero() && !now.Before(s.bootAt) {
		s.bootAt = time.Time{}
		s.state |= sysBootOK
	}
}

// reply queues a payload in the current framing
func (s *Sim) reply(payload []byte) {
	out := append([]byte(nil), payload...)
	if s.state&sysAck != 0 {
		out = append(out, etx)
	}
	if s.state&sysCkSum != 0 {
		var sum byte
		for _, b := range out {
			sum ^= b
		}
		out = append(out, sum)
	}
	s.rx.Write(out)
}

func (s *Sim) fpgaReady() bool {
	return s.state&sysRstHold != 0 && s.state&sysBootOK != 0
}

func (s *Sim) dispatch(p []byte, now time.Time) {
	switch {
	case bytes.Equal(p, cmdGetState):
		s.reply([]byte{s.state})
	case len(p) == 2 && p[0] == 0x4F:
		s.reply(nil)
		s.setState(p[1], now)
	case bytes.Equal(p, cmdResetMicro):
		s.rx.Reset()
		s.rebootUntil = now.Add(s.conf.RebootDelay)
	case bytes.Equal(p, cmdMicroVer):
		s.reply(s.conf.MicroVersion[:])
	case len(p) == 4 && bytes.HasPrefix(p, cmdSetAddr):
		if !s.fpgaReady() {
			s.rx.WriteByte(stI2CErr)
			return
		}
		s.addr = p[3]
		s.reply(nil)
	case bytes.Equal(p, cmdReadVal):
		if !s.fpgaReady() {
			s.rx.WriteByte(stI2CErr)
			return
		}
		s.reply([]byte{s.regs[s.addr]})
	case len(p) == 5 && bytes.HasPrefix(p, cmdWriteVal):
		if !s.fpgaReady() {
			s.rx.WriteByte(stI2CErr)
			return
		}
		s.writeReg(p[3], p[4], now)
		s.reply(nil)
	case bytes.Equal(p, cmdEprom1):
		if s.state&sysEprom == 0 {
			s.rx.WriteByte(stI2CErr)
			return
		}
		s.eprom = true
		s.reply(nil)
	case bytes.Equal(p, cmdEprom2):
		if !s.eprom || s.state&sysEprom == 0 {
			s.rx.WriteByte(stI2CErr)
			return
		}
		s.eprom = false
		s.reply(s.manufacturerData())
	default:
		s.rx.WriteByte(stUnknown)
	}
}

func (s *Sim) setState(v byte, now time.Time) {
	wasHeld := s.state&sysRstHold == 0
	s.state = v&^sysBootOK | s.state&sysBootOK
	switch {
	case v&sysRstHold == 0:
		s.state &^= sysBootOK
		s.bootAt = time.Time{}
	case wasHeld:
		s.bootAt = now.Add(s.conf.BootDelay)
		if s.conf.BootDelay <= 0 {
			s.tick(now)
		}
	}
}

func (s *Sim) writeReg(addr, v byte, now time.Time) {
	switch addr {
	case regCCDTemp:
		// writing the CCD temperature address samples both sensors
		s.latchTemperatures()
	case regTrigger:
		if v&trigAbort != 0 && s.exp != nil && !s.exp.ended {
			s.exp.ended = true
			close(s.exp.abort)
		}
		if v&trigSnapshot != 0 {
			s.startExposure(now)
		}
		s.regs[addr] = v &^ (trigAbort | trigSnapshot)
	default:
		s.regs[addr] = v
	}
}

func (s *Sim) startExposure(now time.Time) {
	counts, _ := codec.BytesToCounts40(s.get(regExposure, 5))
	s.shots++
	e := &exposure{
		n:     s.shots,
		start: now,
		dur:   time.Duration(codec.CountsToSeconds(counts) * float64(time.Second)),
		abort: make(chan struct{}),
		xbin:  int(s.regs[regXBin]) + 1,
		ybin:  int(s.regs[regYBin]) + 1,
		left:  s.int12(regLeft),
		top:   s.int12(regTop),
		w:     s.int12(regWidth),
		h:     s.int12(regHeight),
		test:  s.regs[regMode] == modeTest,
	}
	if e.w == 0 || e.left+e.w > s.conf.Width {
		e.w = s.conf.Width - e.left
	}
	if e.h == 0 || e.top+e.h > s.conf.Height {
		e.h = s.conf.Height - e.top
	}
	s.exp = e
	s.taken = false
	select {
	case s.triggered <- struct{}{}:
	default:
	}
}

// ccdCelsius is the simulated sensor temperature: the set point when the
// TEC runs, room temperature otherwise
func (s *Sim) ccdCelsius() float64 {
	if s.regs[regCtrl]&ctrlTEC == 0 {
		return 20
	}
	dac := codec.CalibrationPair{
		Raw:      [2]int{int(s.conf.DAC[0]), int(s.conf.DAC[1])},
		Physical: [2]float64{0, 40}}
	lin, err := codec.NewLinear(dac)
	if err != nil {
		return 20
	}
	return lin.ToPhysical(s.int12(regTECSet))
}

func (s *Sim) latchTemperatures() {
	adc := codec.CalibrationPair{
		Raw:      [2]int{int(s.conf.ADC[0]), int(s.conf.ADC[1])},
		Physical: [2]float64{0, 40}}
	raw := 0
	if lin, err := codec.NewLinear(adc); err == nil {
		raw = lin.ToRaw12(s.ccdCelsius())
	}
	s.put(regCCDTemp, codec.Int12ToBytes(raw))
	s.put(regPCBTemp, codec.Int12ToBytes(int(35.5*16)))
}

func (s *Sim) manufacturerData() []byte {
	c := s.conf
	out := make([]byte, 18)
	out[0], out[1] = byte(c.SerialNumber), byte(c.SerialNumber>>8)
	out[2] = byte(c.BuildDate.Day())
	out[3] = byte(c.BuildDate.Month())
	out[4] = byte(c.BuildDate.Year() % 100)
	copy(out[5:10], []byte(c.BuildCode+"     ")[:5])
	le := func(i int, v uint16) { out[i], out[i+1] = byte(v), byte(v>>8) }
	le(10, c.ADC[0])
	le(12, c.ADC[1])
	le(14, c.DAC[0])
	le(16, c.DAC[1])
	return out
}

// Snap implements Grabber.  It waits for a SNAPSHOT pulse, then for the
// exposure and readout to finish or be aborted.
func (s *Sim) Snap(ctx context.Context, buf int, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var e *exposure
	for e == nil {
		s.mu.Lock()
		if !s.refs.open() {
			s.mu.Unlock()
			return ErrNotOpen
		}
		if buf < 0 || buf >= len(s.frames) {
			s.mu.Unlock()
			return ErrBufferIndex
		}
		if s.exp != nil && !s.taken {
			e = s.exp
			s.taken = true
		}
		s.mu.Unlock()
		if e != nil {
			break
		}
		select {
		case <-s.triggered:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrSnapTimeout
		}
	}

	ready := time.NewTimer(time.Until(e.start.Add(e.dur + s.conf.ReadoutTime)))
	defer ready.Stop()
	select {
	case <-ready.C:
	case <-e.abort:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSnapTimeout
	}

	frame := render(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ended = true
	if buf >= len(s.frames) {
		return ErrNotOpen
	}
	s.frames[buf] = frame
	return nil
}

// render draws the binned image of an exposure.  Test mode is a ramp; the
// normal image is a bias plus a gradient that shifts with every frame.
func render(e *exposure) []uint16 {
	w := (e.w + e.xbin - 1) / e.xbin
	h := (e.h + e.ybin - 1) / e.ybin
	out := make([]uint16, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if e.test {
				out[i] = uint16(i)
				continue
			}
			out[i] = uint16(100 + (3*(x+e.left/e.xbin)+5*(y+e.top/e.ybin)+e.n)%1024)
		}
	}
	return out
}

// ReadFrame implements Grabber
func (s *Sim) ReadFrame(buf int, dst []uint16, lines, lineLen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refs.open() {
		return ErrNotOpen
	}
	if buf < 0 || buf >= len(s.frames) {
		return ErrBufferIndex
	}
	if s.frames[buf] == nil {
		return ErrNoFrame
	}
	copyLines(dst, s.frames[buf], lines, lineLen)
	return nil
}

// Geometry implements Grabber
func (s *Sim) Geometry() (w, h, bits int) {
	return s.conf.Width, s.conf.Height, 16
}

// Buffers implements Grabber
func (s *Sim) Buffers() int {
	return s.conf.Buffers
}

// Register returns the value of a camera register
func (s *Sim) Register(addr byte) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[addr]
}

// SystemState returns the system state byte as the camera would report it
func (s *Sim) SystemState() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick(time.Now())
	return s.state
}

// Exposures returns the number of SNAPSHOT pulses seen
func (s *Sim) Exposures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shots
}
