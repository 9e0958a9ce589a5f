// Package imgrec names the output files of successive acquisitions, with
// incrementing sequence numbers in yyyy-mm-dd subfolders.
package imgrec

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Recorder hands out file names of the form Root/yyyy-mm-dd/Prefix000001.fits.
// It is not thread safe.
type Recorder struct {
	// counter is the sequence number of the last name handed out
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// timeFldr is the subfolder with yyyy-mm-dd format
	timeFldr string

	// Enabled is a flag unused by this struct that allows consumers to disable its use in their code
	Enabled bool

	// Now is the clock used to pick the day folder; time.Now if nil
	Now func() time.Time
}

// updateFolder checks the current time and updates the day folder.  The
// counter starts over in a new folder.
func (r *Recorder) updateFolder() {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	fldr := now().Format("2006-01-02")
	if fldr != r.timeFldr {
		r.timeFldr = fldr
		r.counter = 0
	}
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := filepath.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// Next returns the path of the next file in the sequence, creating the day
// folder if needed.  Files already in the folder are never reused.
func (r *Recorder) Next() (string, error) {
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	if err := r.scan(fldr); err != nil {
		return "", err
	}
	r.counter++
	return filepath.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter)), nil
}

// scan raises the counter to the highest sequence number in fldr
func (r *Recorder) scan(fldr string) error {
	files, err := os.ReadDir(fldr)
	if err != nil {
		return err
	}
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if r.counter < n {
			r.counter = n
		}
	}
	return nil
}
