// Package smoother blends successive depth maps with an exponential moving average.
package smoother

import "github.com/andresmejia3/parallax/internal/types"

// Smoother keeps the previous smoothed map as its only state. It is not safe
// for concurrent use; call Smooth once per received depth map, in arrival order.
type Smoother struct {
	alpha float32
	state []float32
	w, h  int
}

// New returns a smoother giving weight alpha to each incoming map.
func New(alpha float32) *Smoother {
	return &Smoother{alpha: alpha}
}

// Smooth folds incoming into the running state and returns it. On the first
// call, or when the length changes, the state restarts from a copy of incoming.
//
// The returned map aliases the internal state: it stays valid until the next
// call and must not be modified.
func (s *Smoother) Smooth(incoming types.DepthMap) types.DepthMap {
	if s.state == nil || len(s.state) != len(incoming.Data) {
		s.state = append(make([]float32, 0, len(incoming.Data)), incoming.Data...)
	} else {
		a, b := s.alpha, 1-s.alpha
		for i, v := range incoming.Data {
			s.state[i] = a*v + b*s.state[i]
		}
	}
	s.w, s.h = incoming.Width, incoming.Height
	return types.DepthMap{Seq: incoming.Seq, Width: s.w, Height: s.h, Data: s.state}
}

// Reset forgets the previous map; the next Smooth starts cold.
func (s *Smoother) Reset() {
	s.state = nil
}

// Alpha returns the blend weight of incoming maps.
func (s *Smoother) Alpha() float32 {
	return s.alpha
}
