// Package displace is the reference CPU implementation of the displacement
// contract: every vertex moves along its normal by (depth - 0.5) * depthScale.
package displace

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// DepthSampler is a single-channel depth texture.
type DepthSampler interface {
	At(x, y int) float32
	Width() int
	Height() int
}

// Mesh is a tessellated grid. UV v grows downward, matching image row order.
type Mesh struct {
	Positions []mgl32.Vec3
	Normals   []mgl32.Vec3
	UVs       []mgl32.Vec2
	Indices   []uint32
	SegX      int
	SegY      int
}

// Plane builds a width x height plane centered on the origin in the XY plane,
// facing +Z, split into segX x segY quads.
func Plane(width, height float32, segX, segY int) *Mesh {
	if segX < 1 {
		segX = 1
	}
	if segY < 1 {
		segY = 1
	}
	n := (segX + 1) * (segY + 1)
	m := &Mesh{
		Positions: make([]mgl32.Vec3, 0, n),
		Normals:   make([]mgl32.Vec3, 0, n),
		UVs:       make([]mgl32.Vec2, 0, n),
		Indices:   make([]uint32, 0, segX*segY*6),
		SegX:      segX,
		SegY:      segY,
	}

	for iy := 0; iy <= segY; iy++ {
		v := float32(iy) / float32(segY)
		y := height/2 - v*height
		for ix := 0; ix <= segX; ix++ {
			u := float32(ix) / float32(segX)
			x := u*width - width/2
			m.Positions = append(m.Positions, mgl32.Vec3{x, y, 0})
			m.Normals = append(m.Normals, mgl32.Vec3{0, 0, 1})
			m.UVs = append(m.UVs, mgl32.Vec2{u, v})
		}
	}

	row := uint32(segX + 1)
	for iy := 0; iy < segY; iy++ {
		for ix := 0; ix < segX; ix++ {
			a := uint32(iy)*row + uint32(ix)
			b := a + row
			m.Indices = append(m.Indices, a, b, a+1, b, b+1, a+1)
		}
	}
	return m
}

// AspectPlane sizes a plane to a video's aspect ratio the way the viewer
// does: the short side is 1.
func AspectPlane(aspect float64, segs int) *Mesh {
	if aspect <= 0 || math.IsNaN(aspect) || math.IsInf(aspect, 0) {
		aspect = 16.0 / 9.0
	}
	if aspect >= 1 {
		return Plane(float32(aspect), 1, segs, segs)
	}
	return Plane(1, float32(1/aspect), segs, segs)
}

// Offset is the displacement along the normal for one depth sample.
func Offset(depth, depthScale float32) float32 {
	return (depth - 0.5) * depthScale
}

// Sample reads the nearest texel at normalized coordinate (u, v).
func Sample(d DepthSampler, u, v float32) float32 {
	w, h := d.Width(), d.Height()
	x := int(u * float32(w))
	y := int(v * float32(h))
	// At clamps, so u == 1 lands on the last texel.
	return d.At(x, y)
}

// Displace writes displaced positions of m into out (reallocated if too short)
// and returns it.
func Displace(m *Mesh, d DepthSampler, depthScale float32, out []mgl32.Vec3) []mgl32.Vec3 {
	if cap(out) < len(m.Positions) {
		out = make([]mgl32.Vec3, len(m.Positions))
	}
	out = out[:len(m.Positions)]
	for i, p := range m.Positions {
		uv := m.UVs[i]
		off := Offset(Sample(d, uv.X(), uv.Y()), depthScale)
		out[i] = p.Add(m.Normals[i].Mul(off))
	}
	return out
}
