package imgrec

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNextSequence(t *testing.T) {
	root := t.TempDir()
	day := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	r := &Recorder{Root: root, Prefix: "eagle", Now: func() time.Time { return day }}
	first, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "2026-10-15", "eagle000001.fits")
	if first != want {
		t.Errorf("expected %s got %s", want, first)
	}

	// a file written by someone else moves the sequence on
	other := filepath.Join(root, "2026-10-15", "eagle000007.fits")
	if err := os.WriteFile(other, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	second, _ := r.Next()
	if want := filepath.Join(root, "2026-10-15", "eagle000008.fits"); second != want {
		t.Errorf("expected %s got %s", want, second)
	}
}

func TestNextNewDay(t *testing.T) {
	root := t.TempDir()
	day := time.Date(2026, 10, 15, 23, 59, 0, 0, time.UTC)
	r := &Recorder{Root: root, Prefix: "x", Now: func() time.Time { return day }}
	r.Next()
	r.Next()
	day = day.Add(time.Hour)
	got, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(root, "2026-10-16", "x000001.fits"); got != want {
		t.Errorf("expected the count to restart in a new day, got %s", got)
	}
}
