package displace

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// grid is a row-major depth texture for tests.
type grid struct {
	w, h int
	data []float32
}

func (g grid) Width() int  { return g.w }
func (g grid) Height() int { return g.h }
func (g grid) At(x, y int) float32 {
	if x >= g.w {
		x = g.w - 1
	}
	if y >= g.h {
		y = g.h - 1
	}
	return g.data[y*g.w+x]
}

func uniform(w, h int, v float32) grid {
	g := grid{w: w, h: h, data: make([]float32, w*h)}
	for i := range g.data {
		g.data[i] = v
	}
	return g
}

func TestOffset(t *testing.T) {
	assert.Equal(t, float32(0), Offset(0.5, 10))
	assert.InDelta(t, 0.125, Offset(1, 0.25), 1e-7)
	assert.InDelta(t, -0.125, Offset(0, 0.25), 1e-7)
	assert.Equal(t, float32(0), Offset(0.9, 0))
}

func TestPlane(t *testing.T) {
	m := Plane(2, 1, 2, 1)
	require.Len(t, m.Positions, 6)
	require.Len(t, m.Indices, 12)
	assert.Equal(t, mgl32.Vec3{-1, 0.5, 0}, m.Positions[0])
	assert.Equal(t, mgl32.Vec3{1, -0.5, 0}, m.Positions[5])
	assert.Equal(t, mgl32.Vec2{1, 1}, m.UVs[5])
	for _, n := range m.Normals {
		assert.Equal(t, mgl32.Vec3{0, 0, 1}, n)
	}
}

func TestAspectPlane(t *testing.T) {
	wide := AspectPlane(2, 1)
	assert.Equal(t, float32(-1), wide.Positions[0].X())
	assert.Equal(t, float32(0.5), wide.Positions[0].Y())

	tall := AspectPlane(0.5, 1)
	assert.Equal(t, float32(-0.5), tall.Positions[0].X())
	assert.Equal(t, float32(1), tall.Positions[0].Y())

	fallback := AspectPlane(0, 1)
	assert.InDelta(t, -16.0/18.0, fallback.Positions[0].X(), 1e-6)
}

func TestNeutralDepthDoesNotMove(t *testing.T) {
	m := Plane(1, 1, 8, 8)
	out := Displace(m, uniform(4, 4, 0.5), 3, nil)
	assert.Equal(t, m.Positions, out)
}

func TestDisplaceAlongNormal(t *testing.T) {
	m := Plane(1, 1, 1, 1)
	// Left column near (1), right column far (0).
	d := grid{w: 2, h: 1, data: []float32{1, 0}}
	out := Displace(m, d, 0.5, nil)

	assert.InDelta(t, 0.25, out[0].Z(), 1e-6)  // u=0 samples texel 0
	assert.InDelta(t, -0.25, out[1].Z(), 1e-6) // u=1 clamps to texel 1
	assert.Equal(t, m.Positions[0].X(), out[0].X())
}

func TestMeshStage(t *testing.T) {
	m := Plane(1, 1, 2, 2)
	s := NewMeshStage(m, nil)

	s.Render(1)
	assert.Equal(t, m.Positions, s.Vertices(), "unbound stage renders flat")

	s.Upload(uniform(2, 2, 1))
	s.Render(0.2)
	for _, v := range s.Vertices() {
		assert.InDelta(t, 0.1, v.Z(), 1e-6)
	}
	assert.Equal(t, uint64(2), s.Renders())
	assert.Same(t, m, s.Mesh())
}

func TestMeshStageUploadCopies(t *testing.T) {
	s := NewMeshStage(Plane(1, 1, 1, 1), nil)
	g := uniform(2, 2, 1)
	s.Upload(g)
	g.data[0] = 0

	s.Render(1)
	assert.InDelta(t, 0.5, s.Vertices()[0].Z(), 1e-6, "later writes need a new upload")
	assert.Equal(t, uint64(1), s.Uploads())
}
