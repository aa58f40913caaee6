// Package config holds the fixed pipeline constants and the externally mutable
// runtime configuration read by the render loop on every tick.
package config

import (
	"fmt"
	"math"
	"sync/atomic"
)

const (
	// DepthWidth and DepthHeight are the capture and depth-map resolution.
	DepthWidth  = 256
	DepthHeight = 256

	// SmoothingAlpha is the EMA weight given to the newest depth map.
	SmoothingAlpha = 0.6

	// NeutralDepth produces zero displacement.
	NeutralDepth = 0.5

	DefaultDepthScale = 0.25
	DefaultStride     = 1
)

// Snapshot is a point-in-time copy of PipelineConfig.
type Snapshot struct {
	DepthScale float64 `json:"depthScale"`
	Stride     int     `json:"stride"`
	Paused     bool    `json:"paused"`
}

// PipelineConfig is safe for concurrent use: writers (CLI, viewer) may update
// it from any goroutine while the render loop reads it once per tick.
type PipelineConfig struct {
	depthScale atomic.Uint64 // math.Float64bits
	stride     atomic.Int64
	paused     atomic.Bool
}

// New returns a config with the given initial values. Invalid values are clamped.
func New(depthScale float64, stride int, paused bool) *PipelineConfig {
	c := &PipelineConfig{}
	c.SetDepthScale(depthScale)
	c.SetStride(stride)
	c.SetPaused(paused)
	return c
}

// Default returns the startup configuration.
func Default() *PipelineConfig {
	return New(DefaultDepthScale, DefaultStride, false)
}

func (c *PipelineConfig) DepthScale() float64 {
	return math.Float64frombits(c.depthScale.Load())
}

// SetDepthScale stores v; negative and NaN values clamp to 0.
func (c *PipelineConfig) SetDepthScale(v float64) {
	if v < 0 || math.IsNaN(v) {
		v = 0
	}
	c.depthScale.Store(math.Float64bits(v))
}

func (c *PipelineConfig) Stride() int {
	return int(c.stride.Load())
}

// SetStride stores v; values below 1 clamp to 1.
func (c *PipelineConfig) SetStride(v int) {
	c.stride.Store(int64(ClampStride(v)))
}

func (c *PipelineConfig) Paused() bool {
	return c.paused.Load()
}

func (c *PipelineConfig) SetPaused(v bool) {
	c.paused.Store(v)
}

// Snapshot reads all fields once.
func (c *PipelineConfig) Snapshot() Snapshot {
	return Snapshot{
		DepthScale: c.DepthScale(),
		Stride:     c.Stride(),
		Paused:     c.Paused(),
	}
}

// Update applies the non-nil fields of u after validating them.
func (c *PipelineConfig) Update(u Update) error {
	if u.DepthScale != nil {
		if *u.DepthScale < 0 || math.IsNaN(*u.DepthScale) || math.IsInf(*u.DepthScale, 0) {
			return fmt.Errorf("depthScale must be a finite value >= 0, got %v", *u.DepthScale)
		}
		c.SetDepthScale(*u.DepthScale)
	}
	if u.Stride != nil {
		c.SetStride(*u.Stride)
	}
	if u.Paused != nil {
		c.SetPaused(*u.Paused)
	}
	return nil
}

// Update is a partial configuration change; nil fields are left untouched.
type Update struct {
	DepthScale *float64 `json:"depthScale,omitempty"`
	Stride     *int     `json:"stride,omitempty"`
	Paused     *bool    `json:"paused,omitempty"`
}

// ClampStride treats any stride below 1 as 1.
func ClampStride(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
