// Package sampler captures downsampled frames from the video source on the
// render cadence and hands them to the inference worker.
package sampler

import (
	"image"

	"github.com/andresmejia3/parallax/internal/config"
	"github.com/andresmejia3/parallax/internal/logging"
	"github.com/andresmejia3/parallax/internal/metrics"
	"github.com/andresmejia3/parallax/internal/types"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// Source is the video being displayed.
type Source interface {
	// Ready reports whether a decoded frame is available.
	Ready() bool
	// DrawTo scales the frame on screen now into dst. It returns false when
	// there is nothing to draw.
	DrawTo(dst draw.Image) bool
}

// Dispatcher receives captured frames. It must not block.
type Dispatcher interface {
	Infer(frame types.RawFrame) error
}

// Sampler is driven from the render goroutine only.
type Sampler struct {
	width, height int
	counter       uint64
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

func New(width, height int, logger *zap.Logger, m *metrics.Metrics) *Sampler {
	return &Sampler{
		width:   width,
		height:  height,
		logger:  logging.OrNop(logger).Named("sampler"),
		metrics: m,
	}
}

// Tick runs once per render tick. While the source is ready and the pipeline
// is not paused it advances the frame counter, and every stride-th count it
// captures a fresh frame and dispatches it. It reports whether a frame was
// handed over.
func (s *Sampler) Tick(cfg config.Snapshot, src Source, dst Dispatcher) bool {
	if cfg.Paused || src == nil || !src.Ready() {
		return false
	}
	s.counter++
	if s.counter%uint64(config.ClampStride(cfg.Stride)) != 0 {
		return false
	}

	// A new canvas per capture: the previous one now belongs to the worker.
	canvas := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	if !src.DrawTo(canvas) {
		return false
	}
	frame := types.RawFrame{
		Seq:    s.counter,
		Width:  s.width,
		Height: s.height,
		Pix:    canvas.Pix,
	}

	if err := dst.Infer(frame.Take()); err != nil {
		s.logger.Debug("frame not accepted", zap.Uint64("seq", s.counter), zap.Error(err))
		return false
	}
	s.metrics.Dispatched()
	return true
}

// Count returns the frame counter.
func (s *Sampler) Count() uint64 {
	return s.counter
}
