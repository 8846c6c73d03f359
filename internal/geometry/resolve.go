// Package geometry turns a submitted decision into a final image. It owns
// rectangle normalization (sort, clamp, degenerate fallback) and the action
// state machine; pixel work is delegated to the imaging library.
package geometry

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/pixeltools/cropgate/internal/rendezvous"
)

var (
	// ErrCancelled propagates a "cancel" decision as a run-level abort.
	ErrCancelled = errors.New("run cancelled by decision")

	// ErrInvalidAction reports an unrecognized decision action. This is
	// fatal to the run, never a silent passthrough.
	ErrInvalidAction = errors.New("unrecognized decision action")
)

// Options control how a "continue" decision is applied.
type Options struct {
	// ForceOriginalRatio is advisory: it is forwarded to the decision-maker
	// so the selection UI constrains the rectangle. The resolver does not
	// re-shape rectangles.
	ForceOriginalRatio bool

	// ResizeToOriginal resamples the cropped region back to the source
	// image's dimensions (bilinear).
	ResizeToOriginal bool
}

// Normalize sorts the coordinate pairs per axis and clamps them into the
// image: x0,y0 into [0,dim-1] and x1,y1 into [0,dim]. The second return is
// false when the region degenerates to zero width or height, which callers
// treat as "no crop".
func Normalize(x0, y0, x1, y1, width, height int) (image.Rectangle, bool) {
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	if y1 < y0 {
		y0, y1 = y1, y0
	}

	x0 = clamp(x0, 0, width-1)
	x1 = clamp(x1, 0, width)
	y0 = clamp(y0, 0, height-1)
	y1 = clamp(y1, 0, height)

	if x1 <= x0 || y1 <= y0 {
		return image.Rectangle{}, false
	}
	return image.Rect(x0, y0, x1, y1), true
}

// Resolve applies a decision to img and reports whether a crop happened.
//
//   - cancel: returns ErrCancelled regardless of coordinates.
//   - passthrough: returns img unchanged.
//   - continue: normalizes the rectangle against img's actual bounds and
//     extracts it; a degenerate rectangle falls back to passthrough.
//
// Any other action is ErrInvalidAction.
func Resolve(img image.Image, d rendezvous.Decision, opts Options) (image.Image, bool, error) {
	switch d.Action {
	case rendezvous.ActionCancel:
		return nil, false, ErrCancelled
	case rendezvous.ActionPassthrough:
		return img, false, nil
	case rendezvous.ActionContinue:
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidAction, d.Action)
	}

	bounds := img.Bounds()
	rect, ok := Normalize(d.X0, d.Y0, d.X1, d.Y1, bounds.Dx(), bounds.Dy())
	if !ok {
		return img, false, nil
	}

	out := image.Image(imaging.Crop(img, rect))
	if opts.ResizeToOriginal {
		out = imaging.Resize(out, bounds.Dx(), bounds.Dy(), imaging.Linear)
	}
	return out, true, nil
}

// clamp applies the upper bound before the lower one. The order matters for
// zero-dimension images, where hi = dim-1 is below lo: the lower bound must
// win so coordinates never go negative and the region degenerates.
func clamp(v, lo, hi int) int {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
