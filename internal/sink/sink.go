// Package sink owns the depth buffer read by the displacement stage.
//
// The buffer is written and read on the render goroutine only: Publish
// overwrites it in full after a worker reply, TakeDirty hands it to the
// upload step once per change.
package sink

import (
	"fmt"

	"github.com/andresmejia3/parallax/internal/types"
)

// Layout is the texel format of the published buffer.
type Layout int

const (
	// LayoutR32F stores one float per texel.
	LayoutR32F Layout = iota
	// LayoutRGBA32F replicates depth into RGB with alpha 1, for consumers
	// without single-channel float textures.
	LayoutRGBA32F
)

func (l Layout) String() string {
	switch l {
	case LayoutR32F:
		return "r32f"
	case LayoutRGBA32F:
		return "rgba32f"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// Channels returns floats per texel.
func (l Layout) Channels() int {
	if l == LayoutRGBA32F {
		return 4
	}
	return 1
}

// Capabilities describes what the depth consumer supports.
type Capabilities struct {
	SingleChannelFloat bool
}

// Probe picks the layout once at startup.
func Probe(caps Capabilities) Layout {
	if caps.SingleChannelFloat {
		return LayoutR32F
	}
	return LayoutRGBA32F
}

// ParseLayout maps a flag value to capabilities: "auto" and "r32f" select the
// single-channel layout, "rgba32f" forces the four-channel fallback.
func ParseLayout(s string) (Capabilities, error) {
	switch s {
	case "auto", "r32f", "":
		return Capabilities{SingleChannelFloat: true}, nil
	case "rgba32f":
		return Capabilities{SingleChannelFloat: false}, nil
	default:
		return Capabilities{}, fmt.Errorf("unknown layout %q (use auto, r32f or rgba32f)", s)
	}
}

// Buffer is the published depth texture.
type Buffer struct {
	layout  Layout
	width   int
	height  int
	data    []float32
	dirty   bool
	version uint64
}

// NewBuffer allocates a width x height buffer filled with the neutral depth.
func NewBuffer(width, height int, layout Layout, neutral float32) *Buffer {
	b := &Buffer{
		layout: layout,
		width:  width,
		height: height,
		data:   make([]float32, width*height*layout.Channels()),
	}
	b.fill(neutral)
	b.dirty = true
	return b
}

func (b *Buffer) fill(v float32) {
	if b.layout == LayoutRGBA32F {
		for i := 0; i < len(b.data); i += 4 {
			b.data[i], b.data[i+1], b.data[i+2], b.data[i+3] = v, v, v, 1
		}
		return
	}
	for i := range b.data {
		b.data[i] = v
	}
}

// Publish overwrites the whole buffer with d and marks it dirty.
func (b *Buffer) Publish(d types.DepthMap) error {
	if d.Width != b.width || d.Height != b.height || len(d.Data) != b.width*b.height {
		return fmt.Errorf("depth map %dx%d (%d values) does not fit %dx%d buffer",
			d.Width, d.Height, len(d.Data), b.width, b.height)
	}
	switch b.layout {
	case LayoutRGBA32F:
		for i, v := range d.Data {
			j := i * 4
			b.data[j], b.data[j+1], b.data[j+2], b.data[j+3] = v, v, v, 1
		}
	default:
		copy(b.data, d.Data)
	}
	b.dirty = true
	b.version++
	return nil
}

// Reset restores the neutral depth.
func (b *Buffer) Reset(neutral float32) {
	b.fill(neutral)
	b.dirty = true
	b.version++
}

// TakeDirty reports whether the buffer changed since the last call and clears the flag.
func (b *Buffer) TakeDirty() bool {
	d := b.dirty
	b.dirty = false
	return d
}

// Data returns the backing texels. Valid until the next Publish.
func (b *Buffer) Data() []float32 { return b.data }

func (b *Buffer) Layout() Layout  { return b.layout }
func (b *Buffer) Width() int      { return b.width }
func (b *Buffer) Height() int     { return b.height }
func (b *Buffer) Version() uint64 { return b.version }

// At returns the depth at texel (x, y), clamped to the buffer edges.
func (b *Buffer) At(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= b.width {
		x = b.width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= b.height {
		y = b.height - 1
	}
	return b.data[(y*b.width+x)*b.layout.Channels()]
}

// Depth copies the buffer out as a single-channel map.
func (b *Buffer) Depth() types.DepthMap {
	out := make([]float32, b.width*b.height)
	ch := b.layout.Channels()
	for i := range out {
		out[i] = b.data[i*ch]
	}
	return types.DepthMap{Width: b.width, Height: b.height, Data: out}
}

// Sink publishes smoothed depth into a Buffer.
type Sink struct {
	buf *Buffer
}

func New(buf *Buffer) *Sink {
	return &Sink{buf: buf}
}

// Publish overwrites the buffer with d.
func (s *Sink) Publish(d types.DepthMap) error {
	return s.buf.Publish(d)
}

func (s *Sink) Buffer() *Buffer {
	return s.buf
}
