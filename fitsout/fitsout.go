/*Package fitsout writes acquisition runs to FITS files.

Two layouts are supported.  EXTEN writes an empty primary HDU and then one
IMAGE extension per frame, each carrying its own timing and temperature
cards.  CUBE writes every frame into one three dimensional primary array at
its byte offset, then appends a binary table of per-frame metadata and
corrects NAXIS3 when the run ended early.

Both layouts create the file and write the primary header before the first
frame, so a run that dies part way still leaves a readable file.  Pixels are
16-bit unsigned, stored as signed with BZERO = 32768.
*/
package fitsout

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/snksoft/crc"
)

// Layout selects how frames are arranged in the file
type Layout string

const (
	// EXTEN puts each frame in its own IMAGE extension
	EXTEN Layout = "EXTEN"

	// CUBE stacks frames in a 3-D primary array
	CUBE Layout = "CUBE"

	// DateFormat is the layout of DATE and DATE-OBS values, to tenths of a second
	DateFormat = "2006-01-02T15:04:05.0"

	// Origin is the value of the ORIGIN card
	Origin = "Acquisition system"

	blockSize = 2880
	cardSize  = 80
)

// error codes carried by Error
const (
	CodeCreate = iota + 1
	CodeHeader
	CodeWrite
	CodeTable
	CodePatch
	CodeClose
	CodeHeaderFile
	CodeSequence
)

// Error is a failure of the output container
type Error struct {
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fitsout: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(code int, op string, err error) error {
	return &Error{Op: op, Code: code, Err: err}
}

var crcTable = crc.NewTable(crc.CRC32)

// ContainerInfo describes a run at the time the file is created
type ContainerInfo struct {
	// Width and Height of each frame in (binned) pixels
	Width, Height int

	// Frames is the number of frames requested
	Frames int

	// ExpTime is the requested exposure time in seconds
	ExpTime float64

	// Cards are written to the primary header after the mandatory keywords
	Cards []fitsio.Card
}

// Frame is one exposure and its metadata
type Frame struct {
	Index   int
	Start   time.Time
	ExpTime float64
	CCDTemp float64
	PCBTemp float64
	Pixels  []uint16
}

// Summary is what is known once a run ends
type Summary struct {
	// Frames actually written
	Frames int

	// Aborted is true when the run was stopped by the user
	Aborted bool

	// ExpTime of the last frame, recorded in the primary header when Aborted
	ExpTime float64
}

// Writer streams the frames of one run into a FITS file.  A Writer is not
// safe for concurrent use.
type Writer struct {
	path   string
	layout Layout
	info   ContainerInfo
	f      *os.File
	n      int
	first  time.Time
	done   bool

	// exten
	fits *fitsio.File

	// cube
	dataStart int64
	rows      []cubeRow
}

// Create makes the file at path and writes its primary header
func Create(path string, layout Layout, info ContainerInfo) (*Writer, error) {
	if info.Width < 1 || info.Height < 1 {
		return nil, fail(CodeCreate, "create", fmt.Errorf("invalid frame size %dx%d", info.Width, info.Height))
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fail(CodeCreate, "create", err)
	}
	w := &Writer{path: path, layout: layout, info: info, f: f}
	switch layout {
	case EXTEN:
		err = w.startExten()
	case CUBE:
		err = w.startCube()
	default:
		err = fail(CodeCreate, "create", fmt.Errorf("unknown layout %q", layout))
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

// Path returns the file name
func (w *Writer) Path() string {
	return w.path
}

// Frames returns the number of frames written so far
func (w *Writer) Frames() int {
	return w.n
}

// primaryCards are the cards every layout puts in the primary header
func (w *Writer) primaryCards(now time.Time) []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "DATE", Value: now.UTC().Format(DateFormat), Comment: "file creation date (UTC)"},
		{Name: "DATE-OBS", Value: now.UTC().Format(DateFormat), Comment: "start of the first exposure (UTC)"},
		{Name: "ORIGIN", Value: Origin},
		{Name: "EXPTIME", Value: w.info.ExpTime, Comment: "exposure time [s]"},
		{Name: "NFRAMES", Value: w.info.Frames, Comment: "number of frames"},
	}
	return merge(cards, w.info.Cards)
}

// reserved keywords describe the data layout and are never taken from user cards
func reserved(name string) bool {
	switch strings.ToUpper(name) {
	case "SIMPLE", "BITPIX", "EXTEND", "BZERO", "BSCALE", "END", "NFRAMES", "XTENSION", "PCOUNT", "GCOUNT":
		return true
	}
	return strings.HasPrefix(strings.ToUpper(name), "NAXIS")
}

// merge appends extra to cards; an extra card replaces a card of the same name
func merge(cards, extra []fitsio.Card) []fitsio.Card {
	out := append([]fitsio.Card(nil), cards...)
	index := make(map[string]int, len(out))
	for i, c := range out {
		index[c.Name] = i
	}
	for _, c := range extra {
		if reserved(c.Name) {
			continue
		}
		if i, ok := index[c.Name]; ok {
			out[i] = c
			continue
		}
		index[c.Name] = len(out)
		out = append(out, c)
	}
	return out
}

// WriteFrame appends the next frame.  Frames must arrive in index order.
func (w *Writer) WriteFrame(fr Frame) error {
	if w.done {
		return fail(CodeWrite, "write frame", os.ErrClosed)
	}
	if fr.Index != w.n {
		return fail(CodeSequence, "write frame", fmt.Errorf("frame %d written out of order, expected %d", fr.Index, w.n))
	}
	if want := w.info.Width * w.info.Height; len(fr.Pixels) < want {
		return fail(CodeWrite, "write frame", fmt.Errorf("frame %d has %d pixels, need %d", fr.Index, len(fr.Pixels), want))
	}
	fr.Pixels = fr.Pixels[:w.info.Width*w.info.Height]
	if w.n == 0 {
		w.first = fr.Start
	}
	var err error
	if w.layout == EXTEN {
		err = w.writeExten(fr)
	} else {
		err = w.writeCube(fr)
	}
	if err != nil {
		return err
	}
	w.n++
	return nil
}

// Finish patches the summary into the headers and closes the file
func (w *Writer) Finish(s Summary) error {
	if w.done {
		return nil
	}
	var err error
	if w.layout == EXTEN {
		err = w.finishExten(s)
	} else {
		err = w.finishCube(s)
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the file without patching headers.  It is safe to call
// more than once.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if w.fits != nil {
		w.fits.Close()
	}
	if err := w.f.Close(); err != nil {
		return fail(CodeClose, "close", err)
	}
	return nil
}

// bigEndian converts pixels to FITS int16 with BZERO 32768 and returns the
// CRC-32 of the bytes as stored
func bigEndian(px []uint16) ([]byte, uint32) {
	b := make([]byte, 2*len(px))
	for i, v := range px {
		v ^= 0x8000
		b[2*i] = byte(v >> 8)
		b[2*i+1] = byte(v)
	}
	c := crcTable.UpdateCrc(crcTable.InitCrc(), b)
	return b, crcTable.CRC32(c)
}

func padding(n int64) int64 {
	if r := n % blockSize; r != 0 {
		return blockSize - r
	}
	return 0
}
