// Package pipeline drives the render tick: it drains depth replies into the
// smoother and sink, uploads and renders the depth buffer, and samples the
// next frame for the worker.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/andresmejia3/parallax/internal/config"
	"github.com/andresmejia3/parallax/internal/displace"
	"github.com/andresmejia3/parallax/internal/logging"
	"github.com/andresmejia3/parallax/internal/metrics"
	"github.com/andresmejia3/parallax/internal/sampler"
	"github.com/andresmejia3/parallax/internal/sink"
	"github.com/andresmejia3/parallax/internal/smoother"
	"github.com/andresmejia3/parallax/internal/source"
	"github.com/andresmejia3/parallax/internal/types"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrWorkerUnavailable means no inference worker could be started. The
// pipeline still runs and shows the neutral depth.
var ErrWorkerUnavailable = errors.New("inference worker unavailable")

const DefaultFPS = 60

// Worker is the inference side of the pipeline.
type Worker interface {
	Init(modelPath string, width, height int) error
	Infer(frame types.RawFrame) error
	Replies() <-chan types.Reply
	Close() error
}

// Stage consumes the depth buffer. Upload runs only when the buffer changed,
// Render runs every tick. Both are called on the render goroutine and must
// not retain buf past the call.
type Stage interface {
	Upload(buf *sink.Buffer)
	Render(depthScale float64)
}

// Recorder receives every published depth map. It must not block or retain d.
type Recorder interface {
	Record(d types.DepthMap)
}

// State is everything the render goroutine owns.
type State struct {
	Config   *config.PipelineConfig
	Sampler  *sampler.Sampler
	Smoother *smoother.Smoother
	Sink     *sink.Sink
}

// Options configures a Pipeline.
type Options struct {
	Config *config.PipelineConfig
	Source source.Source
	// Worker may be nil when ErrWorkerUnavailable was hit.
	Worker    Worker
	ModelPath string
	Layout    sink.Layout
	Stages    []Stage
	Recorder  Recorder
	FPS       float64
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Stats summarizes a run so far.
type Stats struct {
	Ticks      uint64
	Dispatched uint64
	Depths     uint64
	Errors     uint64
	Restarts   uint64
	Ready      bool
	Failed     bool
}

type Pipeline struct {
	state    State
	source   source.Source
	worker   Worker
	replies  <-chan types.Reply
	stages   []Stage
	recorder Recorder
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	stats    Stats
	loops    uint64
}

// New builds the pipeline state and sends the worker its init request.
func New(opts Options) *Pipeline {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	logger := logging.OrNop(opts.Logger).Named("pipeline")

	p := &Pipeline{
		state: State{
			Config:   opts.Config,
			Sampler:  sampler.New(config.DepthWidth, config.DepthHeight, logger, opts.Metrics),
			Smoother: smoother.New(config.SmoothingAlpha),
			Sink:     sink.New(sink.NewBuffer(config.DepthWidth, config.DepthHeight, opts.Layout, config.NeutralDepth)),
		},
		source:   opts.Source,
		stages:   opts.Stages,
		recorder: opts.Recorder,
		interval: time.Duration(float64(time.Second) / opts.FPS),
		clock:    opts.Clock,
		logger:   logger,
		metrics:  opts.Metrics,
	}

	if opts.Worker == nil {
		logger.Warn("rendering neutral depth", zap.Error(ErrWorkerUnavailable))
		return p
	}
	if err := opts.Worker.Init(opts.ModelPath, config.DepthWidth, config.DepthHeight); err != nil {
		logger.Error("worker refused init, rendering neutral depth", zap.Error(err))
		return p
	}
	p.worker = opts.Worker
	p.replies = opts.Worker.Replies()
	return p
}

// State exposes the render-goroutine state. Only touch it between ticks.
func (p *Pipeline) State() *State {
	return &p.state
}

func (p *Pipeline) Stats() Stats {
	return p.stats
}

// Tick runs one render tick.
func (p *Pipeline) Tick() {
	p.stats.Ticks++
	p.metrics.Tick()

	if l, ok := p.source.(source.Looper); ok {
		if n := l.Loops(); n != p.loops {
			p.loops = n
			p.Reset()
		}
	}
	p.drain()

	cfg := p.state.Config.Snapshot()
	buf := p.state.Sink.Buffer()
	if buf.TakeDirty() {
		for _, s := range p.stages {
			s.Upload(buf)
		}
		p.metrics.Upload()
	}
	for _, s := range p.stages {
		s.Render(cfg.DepthScale)
	}

	if p.worker != nil && p.state.Sampler.Tick(cfg, p.source, p.worker) {
		p.stats.Dispatched++
	}
}

// Reset drops the smoothing history and shows the neutral depth until the
// next depth map arrives. It runs when the source starts over.
func (p *Pipeline) Reset() {
	p.state.Smoother.Reset()
	p.state.Sink.Buffer().Reset(config.NeutralDepth)
	p.stats.Restarts++
	p.logger.Debug("source restarted, depth reset", zap.Uint64("loops", p.loops))
}

// drain applies every reply that has already arrived without waiting for more.
func (p *Pipeline) drain() {
	for p.replies != nil {
		select {
		case reply, ok := <-p.replies:
			if !ok {
				p.logger.Warn("worker stopped, keeping last depth")
				p.replies = nil
				p.worker = nil
				return
			}
			p.handle(reply)
		default:
			return
		}
	}
}

func (p *Pipeline) handle(reply types.Reply) {
	switch r := reply.(type) {
	case types.ReadyReply:
		p.stats.Ready = true
		p.logger.Info("depth model ready")
	case types.DepthReply:
		smoothed := p.state.Smoother.Smooth(r.Depth.Take())
		if err := p.state.Sink.Publish(smoothed); err != nil {
			p.logger.Warn("dropping depth map", zap.Error(err))
			return
		}
		p.stats.Depths++
		p.metrics.Depth()
		if p.recorder != nil {
			p.recorder.Record(smoothed)
		}
	case types.ErrorReply:
		p.stats.Errors++
		if !p.stats.Ready {
			p.stats.Failed = true
		}
		p.logger.Warn("worker error", zap.String("msg", r.Msg))
	}
}

// Run ticks at the configured rate until ctx is cancelled or a finite source
// runs out. It returns the source's error, if any.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	var ended <-chan struct{}
	if p.source != nil {
		ended = p.source.Done()
	}

	p.logger.Info("pipeline running", zap.Duration("interval", p.interval), zap.Bool("worker", p.worker != nil))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			p.Tick()
			p.logger.Info("source finished", zap.Uint64("ticks", p.stats.Ticks), zap.Uint64("depths", p.stats.Depths))
			return p.source.Err()
		case <-ticker.C:
			p.Tick()
		}
	}
}

// MeshStage adapts a CPU displacement stage to the pipeline.
func MeshStage(m *displace.MeshStage) Stage {
	return meshStage{m}
}

type meshStage struct {
	mesh *displace.MeshStage
}

func (s meshStage) Upload(buf *sink.Buffer)   { s.mesh.Upload(buf) }
func (s meshStage) Render(depthScale float64) { s.mesh.Render(depthScale) }
