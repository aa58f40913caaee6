package source

import (
	"image"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/draw"
)

const (
	PatternWidth  = 320
	PatternHeight = 180

	// hueSpeed is degrees per second, 8 degrees per frame at 60 fps.
	hueSpeed = 480.0
)

// PatternSource is a synthetic, always-ready video: a hue-cycling field
// whose lightness falls off from the center, so depth models see a dome.
type PatternSource struct {
	clock clock.Clock
	start time.Time

	mu    sync.Mutex
	frame *image.RGBA
	done  chan struct{}
}

// NewPattern starts a pattern on c, or on the wall clock when c is nil.
func NewPattern(c clock.Clock) *PatternSource {
	if c == nil {
		c = clock.New()
	}
	return &PatternSource{
		clock: c,
		start: c.Now(),
		frame: image.NewRGBA(image.Rect(0, 0, PatternWidth, PatternHeight)),
		done:  make(chan struct{}),
	}
}

func (p *PatternSource) Ready() bool { return true }

// Hue is the base hue in degrees at the current clock time.
func (p *PatternSource) Hue() float64 {
	elapsed := p.clock.Since(p.start).Seconds()
	return math.Mod(elapsed*hueSpeed, 360)
}

func (p *PatternSource) DrawTo(dst draw.Image) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	paint(p.frame, p.Hue())
	Scale(dst, p.frame)
	return true
}

func paint(img *image.RGBA, hue float64) {
	b := img.Bounds()
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2
	maxR := math.Hypot(cx, cy)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r := math.Hypot(float64(x)+0.5-cx, float64(y)+0.5-cy) / maxR
			h := math.Mod(hue+r*60, 360)
			c := colorful.Hsl(h, 0.7, 0.75-0.5*r)
			r8, g8, b8 := c.Clamped().RGB255()
			i := img.PixOffset(x, y)
			img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = r8, g8, b8, 255
		}
	}
}

func (p *PatternSource) Size() (int, int) {
	return PatternWidth, PatternHeight
}

// Done never closes; the pattern plays until Close.
func (p *PatternSource) Done() <-chan struct{} {
	return p.done
}

func (p *PatternSource) Err() error { return nil }

func (p *PatternSource) Close() error { return nil }
