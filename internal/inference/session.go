package inference

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Session is a loaded depth model. Implementations are driven from the
// worker goroutine only and need not be safe for concurrent use.
type Session interface {
	// Load prepares the model for inputs of width x height. Called at most once.
	Load(modelPath string, width, height int) error
	// Run executes one forward pass on a (1,3,H,W) input and returns the first
	// output tensor.
	Run(input *tensor.Dense) (*tensor.Dense, error)
	Close() error
}

// LumaSession is a built-in backend that treats Rec.601 luminance as relative
// inverse depth: brighter pixels come out nearer. It needs no model file.
type LumaSession struct {
	width, height int
	loaded        bool
}

func NewLumaSession() *LumaSession {
	return &LumaSession{}
}

func (s *LumaSession) Load(_ string, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("luma: invalid input size %dx%d", width, height)
	}
	s.width, s.height = width, height
	s.loaded = true
	return nil
}

func (s *LumaSession) Run(input *tensor.Dense) (*tensor.Dense, error) {
	if !s.loaded {
		return nil, ErrNoSession
	}
	shape := input.Shape()
	if len(shape) != 4 || shape[0] != 1 || shape[1] != 3 || shape[2] != s.height || shape[3] != s.width {
		return nil, fmt.Errorf("luma: unexpected input shape %v", shape)
	}
	chw, ok := input.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("luma: unexpected input dtype %v", input.Dtype())
	}

	plane := s.width * s.height
	out := make([]float32, plane)
	for i := range out {
		out[i] = 0.299*chw[i] + 0.587*chw[plane+i] + 0.114*chw[2*plane+i]
	}
	return tensor.New(tensor.WithShape(1, s.height, s.width), tensor.WithBacking(out)), nil
}

func (s *LumaSession) Close() error {
	s.loaded = false
	return nil
}
