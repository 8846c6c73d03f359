package preview

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}

func TestSave(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ref, err := s.Save(newTestImage(40, 30), "crop_run-1_7")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if !strings.HasPrefix(ref.Filename, "crop_run-1_7_") || !strings.HasSuffix(ref.Filename, ".png") {
		t.Errorf("unexpected filename: %s", ref.Filename)
	}
	if ref.Subfolder != "" || ref.Type != "temp" {
		t.Errorf("ref metadata: got %+v", ref)
	}

	path, err := s.Path(ref.Filename)
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open saved preview: %v", err)
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode saved preview: %v", err)
	}
	if format != "png" {
		t.Errorf("format: got %s, want png", format)
	}
	if cfg.Width != 40 || cfg.Height != 30 {
		t.Errorf("dimensions: got %dx%d, want 40x30", cfg.Width, cfg.Height)
	}
}

func TestSave_UniqueNames(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	a, err := s.Save(newTestImage(10, 10), "p")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	b, err := s.Save(newTestImage(10, 10), "p")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if a.Filename == b.Filename {
		t.Errorf("filenames must be unique, both %s", a.Filename)
	}
}

func TestSave_DownscalesOversized(t *testing.T) {
	s, err := NewStore(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ref, err := s.Save(newTestImage(128, 64), "big")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	path, _ := s.Path(ref.Filename)
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open preview: %v", err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if cfg.Width != 64 || cfg.Height != 32 {
		t.Errorf("downscaled dimensions: got %dx%d, want 64x32", cfg.Width, cfg.Height)
	}
}

func TestSave_SanitizesPrefix(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ref, err := s.Save(newTestImage(10, 10), "../run/1")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if strings.ContainsAny(ref.Filename, "/\\") {
		t.Errorf("prefix not sanitized: %s", ref.Filename)
	}
	if _, err := s.Path(ref.Filename); err != nil {
		t.Errorf("saved preview not reachable: %v", err)
	}
}

func TestPath_RejectsTraversal(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	for _, bad := range []string{"", "../etc/passwd", "a/b.png", "..", "."} {
		if _, err := s.Path(bad); err == nil {
			t.Errorf("Path(%q) should fail", bad)
		}
	}
}

func TestSweep(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	old, err := s.Save(newTestImage(10, 10), "old")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	fresh, err := s.Save(newTestImage(10, 10), "fresh")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Age the first preview past the cutoff.
	oldPath := filepath.Join(s.Dir(), old.Filename)
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	removed, err := s.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d, want 1", removed)
	}
	if _, err := s.Path(old.Filename); err == nil {
		t.Error("stale preview should be gone")
	}
	if _, err := s.Path(fresh.Filename); err != nil {
		t.Errorf("fresh preview should survive: %v", err)
	}
}
