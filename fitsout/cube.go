package fitsout

import (
	"bytes"
	"time"

	"github.com/astrogo/fitsio"
)

type cubeRow struct {
	Frame
	crc uint32
}

func (w *Writer) frameBytes() int64 {
	return int64(w.info.Width) * int64(w.info.Height) * 2
}

func (w *Writer) startCube() error {
	cards := []fitsio.Card{
		{Name: "SIMPLE", Value: true, Comment: "conforms to FITS standard"},
		{Name: "BITPIX", Value: 16, Comment: "array data type"},
		{Name: "NAXIS", Value: 3, Comment: "number of array dimensions"},
		{Name: "NAXIS1", Value: w.info.Width},
		{Name: "NAXIS2", Value: w.info.Height},
		{Name: "NAXIS3", Value: w.info.Frames},
		{Name: "EXTEND", Value: true},
		{Name: "BZERO", Value: 32768},
		{Name: "BSCALE", Value: 1.0},
	}
	cards = append(cards, w.primaryCards(time.Now())...)
	hdr := encodeHeader(cards)
	if _, err := w.f.Write(hdr); err != nil {
		return fail(CodeHeader, "primary header", err)
	}
	w.dataStart = int64(len(hdr))
	return nil
}

func (w *Writer) writeCube(fr Frame) error {
	b, sum := bigEndian(fr.Pixels)
	off := w.dataStart + int64(fr.Index)*w.frameBytes()
	if _, err := w.f.WriteAt(b, off); err != nil {
		return fail(CodeWrite, "frame data", err)
	}
	fr.Pixels = nil
	w.rows = append(w.rows, cubeRow{Frame: fr, crc: sum})
	return nil
}

func (w *Writer) finishCube(s Summary) error {
	end := w.dataStart + int64(w.n)*w.frameBytes()
	if p := padding(end); p > 0 {
		if _, err := w.f.WriteAt(make([]byte, p), end); err != nil {
			return fail(CodeWrite, "data padding", err)
		}
		end += p
	}
	tbl, err := w.table()
	if err != nil {
		return err
	}
	if _, err := w.f.WriteAt(tbl, end); err != nil {
		return fail(CodeTable, "frame table", err)
	}
	if err := w.f.Truncate(end + int64(len(tbl))); err != nil {
		return fail(CodeTable, "frame table", err)
	}

	if w.n == 1 {
		if err := patchCard(w.f, 0, "NAXIS", fitsio.Card{Name: "NAXIS", Value: 2, Comment: "number of array dimensions"}); err != nil {
			return fail(CodePatch, "collapse", err)
		}
		err = patchCard(w.f, 0, "NAXIS3", fitsio.Card{Name: "COMMENT", Comment: "single frame, third axis removed"})
	} else {
		err = patchCard(w.f, 0, "NAXIS3", fitsio.Card{Name: "NAXIS3", Value: w.n})
	}
	if err != nil {
		return fail(CodePatch, "NAXIS3", err)
	}
	return w.patchPrimary(s)
}

// table renders the per-frame binary table extension.  fitsio only writes
// whole files, so the table is written after an empty primary HDU into
// memory and the primary is cut off.
func (w *Writer) table() ([]byte, error) {
	var buf bytes.Buffer
	f, err := fitsio.Create(&buf)
	if err != nil {
		return nil, fail(CodeTable, "frame table", err)
	}
	defer f.Close()
	primary := fitsio.NewImage(8, nil)
	defer primary.Close()
	if err := f.Write(primary); err != nil {
		return nil, fail(CodeTable, "frame table", err)
	}

	cols := []fitsio.Column{
		{Name: "FRAME", Format: "1J"},
		{Name: "DATE-OBS", Format: "21A"},
		{Name: "EXPTIME", Format: "1D", Unit: "s"},
		{Name: "CCDTEMP", Format: "1D", Unit: "C"},
		{Name: "PCBTEMP", Format: "1D", Unit: "C"},
		{Name: "FRAMECRC", Format: "1K"},
	}
	tbl, err := fitsio.NewTable("FRAMES", cols, fitsio.BINARY_TBL)
	if err != nil {
		return nil, fail(CodeTable, "frame table", err)
	}
	defer tbl.Close()
	for _, r := range w.rows {
		idx := int32(r.Index)
		date := r.Start.UTC().Format(DateFormat)
		exp, ccd, pcb := r.ExpTime, r.CCDTemp, r.PCBTemp
		sum := int64(r.crc)
		if err := tbl.Write(&idx, &date, &exp, &ccd, &pcb, &sum); err != nil {
			return nil, fail(CodeTable, "frame table row", err)
		}
	}
	if err := f.Write(tbl); err != nil {
		return nil, fail(CodeTable, "frame table", err)
	}
	if err := f.Close(); err != nil {
		return nil, fail(CodeTable, "frame table", err)
	}
	b := buf.Bytes()
	start, err := headerEnd(bytes.NewReader(b), 0)
	if err != nil {
		return nil, fail(CodeTable, "frame table", err)
	}
	return b[start:], nil
}
