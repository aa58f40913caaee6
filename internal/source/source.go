// Package source provides the videos the pipeline displays and samples.
package source

import (
	"image"

	"golang.org/x/image/draw"
)

// Source is a playing video. DrawTo may be called concurrently with decoding.
type Source interface {
	Ready() bool
	DrawTo(dst draw.Image) bool
	// Size is the native frame size, zero until known.
	Size() (width, height int)
	// Done is closed when a finite source runs out of frames.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Looper is implemented by sources that wrap around to their first frame.
// Loops counts completed passes.
type Looper interface {
	Loops() uint64
}

// Scale resamples src to fill dst.
func Scale(dst draw.Image, src image.Image) {
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
}

// Aspect returns width/height of s, or 0 when the size is unknown.
func Aspect(s Source) float64 {
	w, h := s.Size()
	if w <= 0 || h <= 0 {
		return 0
	}
	return float64(w) / float64(h)
}
