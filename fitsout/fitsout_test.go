package fitsout_test

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/go-cmp/cmp"

	"github.jpl.nasa.gov/bdube/eaglecam/fitsout"
)

const w, h = 8, 6

func frame(i int, start time.Time) fitsout.Frame {
	px := make([]uint16, w*h)
	for j := range px {
		px[j] = uint16(1000*i + j)
	}
	px[0] = 65535
	return fitsout.Frame{
		Index:   i,
		Start:   start.Add(time.Duration(i) * 200 * time.Millisecond),
		ExpTime: 0.1,
		CCDTemp: -20.5,
		PCBTemp: 35.5,
		Pixels:  px,
	}
}

func open(t *testing.T, path string) *fitsio.File {
	t.Helper()
	r, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	f, err := fitsio.Open(r)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func value(t *testing.T, hdr *fitsio.Header, key string) interface{} {
	t.Helper()
	c := hdr.Get(key)
	if c == nil {
		t.Fatalf("header has no %s card", key)
	}
	return c.Value
}

func number(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return math.NaN()
}

func writeRun(t *testing.T, layout fitsout.Layout, requested, written int, s fitsout.Summary) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.fits")
	info := fitsout.ContainerInfo{
		Width: w, Height: h, Frames: requested, ExpTime: 0.1,
		Cards: []fitsio.Card{{Name: "XBIN", Value: 1}, {Name: "SHUTTER", Value: "EXP"}},
	}
	out, err := fitsout.Create(path, layout, info)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	for i := 0; i < written; i++ {
		if err := out.WriteFrame(frame(i, start)); err != nil {
			t.Fatal(err)
		}
	}
	s.Frames = written
	if err := out.Finish(s); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtenThreeFrames(t *testing.T) {
	path := writeRun(t, fitsout.EXTEN, 3, 3, fitsout.Summary{})
	f := open(t, path)
	hdus := f.HDUs()
	if len(hdus) != 4 {
		t.Fatalf("expected primary and 3 extensions, got %d HDUs", len(hdus))
	}
	if n := number(value(t, hdus[0].Header(), "NFRAMES")); n != 3 {
		t.Errorf("expected NFRAMES 3 got %v", n)
	}
	if s := value(t, hdus[0].Header(), "SHUTTER"); s != "EXP" {
		t.Errorf("user card lost, SHUTTER = %v", s)
	}
	seen := map[string]bool{}
	for i, hdu := range hdus[1:] {
		hdr := hdu.Header()
		date := fmt.Sprint(value(t, hdr, "DATE-OBS"))
		if seen[date] {
			t.Errorf("extension %d repeats DATE-OBS %s", i, date)
		}
		seen[date] = true
		if e := number(value(t, hdr, "EXPTIME")); math.Abs(e-0.1) > 1e-9 {
			t.Errorf("extension %d EXPTIME %v", i, e)
		}
		if got := hdr.Axes(); !cmp.Equal(got, []int{w, h}) {
			t.Errorf("extension %d axes %v", i, got)
		}
	}

	img := hdus[2].(fitsio.Image)
	data := make([]int16, w*h)
	if err := img.Read(&data); err != nil {
		t.Fatal(err)
	}
	want := frame(1, time.Now()).Pixels
	for i, v := range data {
		if uint16(v)^0x8000 != want[i] {
			t.Fatalf("pixel %d: expected %d got %d", i, want[i], uint16(v)^0x8000)
		}
	}
}

func TestCubeComplete(t *testing.T) {
	path := writeRun(t, fitsout.CUBE, 5, 5, fitsout.Summary{})
	f := open(t, path)
	primary := f.HDU(0)
	if got := primary.Header().Axes(); !cmp.Equal(got, []int{w, h, 5}) {
		t.Errorf("expected axes [%d %d 5] got %v", w, h, got)
	}
	tbl, ok := f.HDU(1).(*fitsio.Table)
	if !ok {
		t.Fatalf("second HDU is %T, not a table", f.HDU(1))
	}
	if tbl.NumRows() != 5 {
		t.Errorf("expected 5 table rows got %d", tbl.NumRows())
	}
	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	next := int32(0)
	for rows.Next() {
		var (
			idx           int32
			date          string
			exp, ccd, pcb float64
			sum           int64
		)
		if err := rows.Scan(&idx, &date, &exp, &ccd, &pcb, &sum); err != nil {
			t.Fatal(err)
		}
		if idx != next {
			t.Errorf("expected frame %d got %d", next, idx)
		}
		if sum == 0 {
			t.Errorf("frame %d has no CRC", idx)
		}
		next++
	}

	img := primary.(fitsio.Image)
	data := make([]int16, w*h*5)
	if err := img.Read(&data); err != nil {
		t.Fatal(err)
	}
	want := frame(4, time.Now()).Pixels
	if got := uint16(data[4*w*h+1]) ^ 0x8000; got != want[1] {
		t.Errorf("frame 4 pixel 1: expected %d got %d", want[1], got)
	}
}

func TestCubeAbortedAfterTwo(t *testing.T) {
	path := writeRun(t, fitsout.CUBE, 5, 2, fitsout.Summary{Aborted: true, ExpTime: 0.042})
	f := open(t, path)
	hdr := f.HDU(0).Header()
	if got := hdr.Axes(); !cmp.Equal(got, []int{w, h, 2}) {
		t.Errorf("expected depth corrected to 2, got %v", got)
	}
	if n := number(value(t, hdr, "NFRAMES")); n != 2 {
		t.Errorf("expected NFRAMES 2 got %v", n)
	}
	if e := number(value(t, hdr, "EXPTIME")); math.Abs(e-0.042) > 1e-9 {
		t.Errorf("expected aborted EXPTIME 0.042 got %v", e)
	}
}

func TestCubeCollapsesSingleFrame(t *testing.T) {
	path := writeRun(t, fitsout.CUBE, 5, 1, fitsout.Summary{Aborted: true, ExpTime: 0.01})
	f := open(t, path)
	if got := f.HDU(0).Header().Axes(); !cmp.Equal(got, []int{w, h}) {
		t.Errorf("expected a 2-D image, got axes %v", got)
	}
}

func TestWriteFrameOutOfOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.fits")
	out, err := fitsout.Create(path, fitsout.CUBE, fitsout.ContainerInfo{Width: w, Height: h, Frames: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	err = out.WriteFrame(frame(1, time.Now()))
	var fe *fitsout.Error
	if !errors.As(err, &fe) || fe.Code != fitsout.CodeSequence {
		t.Errorf("expected a sequence error got %v", err)
	}
}

func TestCreateUnknownLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.fits")
	if _, err := fitsout.Create(path, fitsout.Layout("TILE"), fitsout.ContainerInfo{Width: 1, Height: 1}); err == nil {
		t.Error("expected an error for an unknown layout")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("failed Create should not leave a file behind")
	}
}

func TestFormatCard(t *testing.T) {
	var tests = []struct {
		card fitsio.Card
		want string
	}{
		{fitsio.Card{Name: "NAXIS", Value: 3}, "NAXIS   =                    3"},
		{fitsio.Card{Name: "SIMPLE", Value: true}, "SIMPLE  =                    T"},
		{fitsio.Card{Name: "ORIGIN", Value: "Acquisition system"}, "ORIGIN  = 'Acquisition system'"},
		{fitsio.Card{Name: "SHUTTER", Value: "EXP"}, "SHUTTER = 'EXP     '"},
		{fitsio.Card{Name: "EXPTIME", Value: 0.5, Comment: "s"}, "EXPTIME =                  0.5 / s"},
		{fitsio.Card{Name: "BSCALE", Value: 1.0}, "BSCALE  =                   1."},
	}
	for _, tt := range tests {
		got := fitsout.FormatCard(tt.card)
		if len(got) != 80 {
			t.Errorf("%s: card is %d characters", tt.card.Name, len(got))
		}
		if strings.TrimRight(got, " ") != tt.want {
			t.Errorf("expected %q got %q", tt.want, strings.TrimRight(got, " "))
		}
	}
}

func TestParseCards(t *testing.T) {
	src := `# observatory cards
OBSERVER= 'Brandon' / who ran it
TELESCOP = 'HCIT ''B'''
AIRMASS = 1.25
NIGHT   = 3
DOME    = T / open

not a card`
	got, err := fitsout.ParseCards(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	want := []fitsio.Card{
		{Name: "OBSERVER", Value: "Brandon", Comment: "who ran it"},
		{Name: "TELESCOP", Value: "HCIT 'B'"},
		{Name: "AIRMASS", Value: 1.25},
		{Name: "NIGHT", Value: 3},
		{Name: "DOME", Value: true, Comment: "open"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Error(diff)
	}
}

func TestLongCommentIsShortened(t *testing.T) {
	c := fitsio.Card{Name: "OBJECT", Value: strings.Repeat("x", 50), Comment: strings.Repeat("c", 40)}
	got := fitsout.FormatCard(c)
	if len(got) != 80 {
		t.Fatalf("card is %d characters", len(got))
	}
	prefix := "OBJECT  = '" + strings.Repeat("x", 50) + "' / "
	if !strings.HasPrefix(got, prefix) {
		t.Errorf("value was cut: %q", got)
	}
}

func TestParseCardsRejectsLongValues(t *testing.T) {
	src := "TARGET = '" + strings.Repeat("x", 75) + "'\n"
	if _, err := fitsout.ParseCards(strings.NewReader(src)); err == nil {
		t.Error("expected a value longer than a card to be rejected")
	}
	src = "TARGET = '" + strings.Repeat("x", 60) + "' / " + strings.Repeat("c", 30) + "\n"
	cards, err := fitsout.ParseCards(strings.NewReader(src))
	if err != nil {
		t.Fatalf("a long comment should be accepted, got %v", err)
	}
	if err := fitsout.CheckCard(cards[0]); err != nil {
		t.Error(err)
	}
}

func TestReadHeaderFileMissing(t *testing.T) {
	_, err := fitsout.ReadHeaderFile(filepath.Join(t.TempDir(), "nope.hdr"))
	var fe *fitsout.Error
	if !errors.As(err, &fe) || fe.Code != fitsout.CodeHeaderFile {
		t.Errorf("expected a header file error got %v", err)
	}
}
