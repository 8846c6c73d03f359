// Package preview persists temporary preview images handed to the external
// decision-maker. Previews are PNG files in a dedicated temp directory,
// named with a unique suffix so concurrent runs never collide, and swept
// after they go stale.
package preview

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anthonynsimon/bild/transform"
	"github.com/google/uuid"
)

// DefaultMaxDimension bounds the longer side of a stored preview. The
// decision-maker only needs to see the frame, not receive it at full
// resolution.
const DefaultMaxDimension = 2048

// Ref points at a stored preview. The field names match the reference shape
// the decision-maker UI already understands.
type Ref struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Store writes and serves preview files under a single directory.
type Store struct {
	dir    string
	maxDim int
}

// NewStore creates the preview directory if needed. An empty dir selects a
// subdirectory of the OS temp dir; maxDim <= 0 selects DefaultMaxDimension.
func NewStore(dir string, maxDim int) (*Store, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "cropgate-previews")
	}
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create preview directory: %w", err)
	}
	return &Store{dir: dir, maxDim: maxDim}, nil
}

// Dir returns the directory previews are stored in.
func (s *Store) Dir() string { return s.dir }

// Save encodes img as PNG under "<prefix>_<unique>.png" and returns its
// reference. Images larger than the store's max dimension are downscaled
// first.
func (s *Store) Save(img image.Image, prefix string) (*Ref, error) {
	img = s.bounded(img)

	name := fmt.Sprintf("%s_%s.png", sanitize(prefix), strings.ReplaceAll(uuid.NewString(), "-", ""))
	full := filepath.Join(s.dir, name)

	f, err := os.Create(full)
	if err != nil {
		return nil, fmt.Errorf("failed to create preview file: %w", err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		os.Remove(full)
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}

	return &Ref{Filename: name, Subfolder: "", Type: "temp"}, nil
}

// Path resolves filename to its on-disk path. Only bare filenames inside
// the store directory are valid.
func (s *Store) Path(filename string) (string, error) {
	// Base() maps "." and ".." to themselves, so they need explicit rejection
	// or Join would resolve to the store directory or its parent.
	if filename == "" || filename == "." || filename == ".." || filename != filepath.Base(filename) {
		return "", fmt.Errorf("invalid preview filename %q", filename)
	}
	full := filepath.Join(s.dir, filename)
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("preview not found: %w", err)
	}
	return full, nil
}

// Sweep deletes previews older than maxAge and reports how many were
// removed.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read preview directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".png") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// bounded downscales img so neither side exceeds the store's max dimension.
func (s *Store) bounded(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= s.maxDim && h <= s.maxDim {
		return img
	}

	longest := w
	if h > longest {
		longest = h
	}
	scale := float64(s.maxDim) / float64(longest)
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return transform.Resize(img, nw, nh, transform.Linear)
}

// sanitize keeps prefix filesystem-safe.
func sanitize(prefix string) string {
	if prefix == "" {
		return "preview"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, prefix)
}
