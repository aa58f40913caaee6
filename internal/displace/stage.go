package displace

import (
	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
)

// texture is an uploaded copy of a depth sampler.
type texture struct {
	w, h int
	data []float32
}

func (t *texture) Width() int  { return t.w }
func (t *texture) Height() int { return t.h }

func (t *texture) At(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= t.w {
		x = t.w - 1
	}
	if y < 0 {
		y = 0
	} else if y >= t.h {
		y = t.h - 1
	}
	return t.data[y*t.w+x]
}

// MeshStage displaces a plane on the CPU every render tick. It stands in for
// a GPU vertex shader and is what the pipeline tests render through.
type MeshStage struct {
	mesh     *Mesh
	tex      *texture
	vertices []mgl32.Vec3
	renders  uint64
	uploads  uint64
	logger   *zap.Logger
}

func NewMeshStage(mesh *Mesh, logger *zap.Logger) *MeshStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MeshStage{mesh: mesh, logger: logger.Named("mesh")}
}

// Upload copies d into the stage's texture for the following renders.
func (s *MeshStage) Upload(d DepthSampler) {
	w, h := d.Width(), d.Height()
	if w <= 0 || h <= 0 {
		s.logger.Warn("ignoring empty depth upload")
		return
	}
	if s.tex == nil || s.tex.w != w || s.tex.h != h {
		s.tex = &texture{w: w, h: h, data: make([]float32, w*h)}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s.tex.data[y*w+x] = d.At(x, y)
		}
	}
	s.uploads++
}

// Render displaces the mesh with the uploaded depth. Before the first upload
// the mesh stays flat.
func (s *MeshStage) Render(depthScale float64) {
	s.renders++
	if s.tex == nil {
		s.vertices = append(s.vertices[:0], s.mesh.Positions...)
		return
	}
	s.vertices = Displace(s.mesh, s.tex, float32(depthScale), s.vertices)
}

// Vertices returns the positions produced by the last Render.
func (s *MeshStage) Vertices() []mgl32.Vec3 {
	return s.vertices
}

// Renders counts Render calls.
func (s *MeshStage) Renders() uint64 {
	return s.renders
}

func (s *MeshStage) Uploads() uint64 {
	return s.uploads
}

func (s *MeshStage) Mesh() *Mesh {
	return s.mesh
}
