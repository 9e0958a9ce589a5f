package fitsout

import (
	"time"

	"github.com/astrogo/fitsio"
)

func (w *Writer) startExten() error {
	fits, err := fitsio.Create(w.f)
	if err != nil {
		return fail(CodeCreate, "create", err)
	}
	w.fits = fits
	primary := fitsio.NewImage(8, nil)
	defer primary.Close()
	if err := primary.Header().Append(w.primaryCards(time.Now())...); err != nil {
		return fail(CodeHeader, "primary header", err)
	}
	if err := fits.Write(primary); err != nil {
		return fail(CodeWrite, "primary header", err)
	}
	return nil
}

func (w *Writer) writeExten(fr Frame) error {
	_, sum := bigEndian(fr.Pixels)
	data := make([]int16, len(fr.Pixels))
	for i, v := range fr.Pixels {
		data[i] = int16(v - 32768)
	}
	im := fitsio.NewImage(16, []int{w.info.Width, w.info.Height})
	defer im.Close()
	err := im.Header().Append(
		fitsio.Card{Name: "BZERO", Value: 32768},
		fitsio.Card{Name: "BSCALE", Value: 1.0},
		fitsio.Card{Name: "FRAME", Value: fr.Index, Comment: "frame index in the run"},
		fitsio.Card{Name: "DATE-OBS", Value: fr.Start.UTC().Format(DateFormat), Comment: "exposure start (UTC)"},
		fitsio.Card{Name: "EXPTIME", Value: fr.ExpTime, Comment: "exposure time [s]"},
		fitsio.Card{Name: "CCDTEMP", Value: fr.CCDTemp, Comment: "CCD temperature [C]"},
		fitsio.Card{Name: "PCBTEMP", Value: fr.PCBTemp, Comment: "PCB temperature [C]"},
		fitsio.Card{Name: "FRAMECRC", Value: int64(sum), Comment: "CRC-32 of the stored pixels"},
	)
	if err != nil {
		return fail(CodeHeader, "frame header", err)
	}
	if err := im.Write(data); err != nil {
		return fail(CodeWrite, "frame data", err)
	}
	if err := w.fits.Write(im); err != nil {
		return fail(CodeWrite, "frame", err)
	}
	return nil
}

func (w *Writer) finishExten(s Summary) error {
	// flush the encoder before patching behind it
	if err := w.fits.Close(); err != nil {
		return fail(CodeClose, "close", err)
	}
	w.fits = nil
	return w.patchPrimary(s)
}

// patchPrimary writes the run summary into the primary header
func (w *Writer) patchPrimary(s Summary) error {
	cards := []fitsio.Card{
		{Name: "NFRAMES", Value: s.Frames, Comment: "number of frames"},
	}
	if s.Frames > 0 {
		cards = append(cards, fitsio.Card{Name: "DATE-OBS", Value: w.first.UTC().Format(DateFormat), Comment: "start of the first exposure (UTC)"})
	}
	if s.Aborted {
		cards = append(cards, fitsio.Card{Name: "EXPTIME", Value: s.ExpTime, Comment: "exposure time [s], aborted"})
	}
	for _, c := range cards {
		if err := patchCard(w.f, 0, c.Name, c); err != nil {
			return fail(CodePatch, "patch primary", err)
		}
	}
	return nil
}
