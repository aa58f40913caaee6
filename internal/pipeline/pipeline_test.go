package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andresmejia3/parallax/internal/config"
	"github.com/andresmejia3/parallax/internal/displace"
	"github.com/andresmejia3/parallax/internal/inference"
	"github.com/andresmejia3/parallax/internal/sink"
	"github.com/andresmejia3/parallax/internal/source"
	"github.com/andresmejia3/parallax/internal/types"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

type failingSession struct{}

func (failingSession) Load(string, int, int) error { return errors.New("model missing") }
func (failingSession) Run(*tensor.Dense) (*tensor.Dense, error) {
	panic("run called on an unloaded session")
}
func (failingSession) Close() error { return nil }

type finiteSource struct {
	source.Source
	done chan struct{}
	err  error
}

func (f *finiteSource) Done() <-chan struct{} { return f.done }
func (f *finiteSource) Err() error            { return f.err }

type countingRecorder struct {
	seqs []uint64
}

func (r *countingRecorder) Record(d types.DepthMap) {
	r.seqs = append(r.seqs, d.Seq)
}

func tickUntil(t *testing.T, p *Pipeline, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, stats: %+v", p.Stats())
		}
		p.Tick()
		time.Sleep(time.Millisecond)
	}
}

func newMesh() *displace.MeshStage {
	return displace.NewMeshStage(displace.Plane(1, 1, 2, 2), nil)
}

func TestEndToEndWithLumaBackend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := inference.Start(ctx, inference.NewLumaSession(), inference.Options{})
	defer w.Close()

	mesh := newMesh()
	rec := &countingRecorder{}
	p := New(Options{
		Config:   config.New(0.25, 1, false),
		Source:   source.NewPattern(clock.NewMock()),
		Worker:   w,
		Layout:   sink.LayoutR32F,
		Stages:   []Stage{MeshStage(mesh)},
		Recorder: rec,
	})

	tickUntil(t, p, func() bool { return p.Stats().Depths > 0 })
	p.Tick()

	st := p.Stats()
	assert.True(t, st.Ready)
	assert.False(t, st.Failed)
	assert.NotEmpty(t, rec.seqs)

	buf := p.State().Sink.Buffer()
	for _, v := range buf.Data() {
		require.True(t, v >= 0 && v <= 1, "depth %v out of range", v)
	}
	// The pattern is brightest in the middle, so the center vertex comes forward.
	center := mesh.Vertices()[4]
	assert.Greater(t, center.Z(), float32(0))
	assert.GreaterOrEqual(t, mesh.Uploads(), uint64(2))
}

func TestWorkerUnavailableRendersNeutralDepth(t *testing.T) {
	mesh := newMesh()
	p := New(Options{
		Source: source.NewPattern(clock.NewMock()),
		Layout: sink.LayoutR32F,
		Stages: []Stage{MeshStage(mesh)},
	})

	for i := 0; i < 20; i++ {
		p.Tick()
	}

	for _, v := range p.State().Sink.Buffer().Data() {
		require.Equal(t, float32(config.NeutralDepth), v)
	}
	assert.Equal(t, uint64(1), mesh.Uploads(), "neutral buffer uploads once")
	assert.Equal(t, uint64(20), mesh.Renders())
	for _, v := range mesh.Vertices() {
		assert.Equal(t, float32(0), v.Z())
	}
	assert.Equal(t, uint64(0), p.Stats().Dispatched)
}

func TestInitFailureKeepsRendering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := inference.Start(ctx, failingSession{}, inference.Options{})
	defer w.Close()

	p := New(Options{
		Source: source.NewPattern(clock.NewMock()),
		Worker: w,
		Layout: sink.LayoutRGBA32F,
	})

	tickUntil(t, p, func() bool { return p.Stats().Failed })
	for i := 0; i < 30; i++ {
		p.Tick()
	}
	time.Sleep(20 * time.Millisecond)
	p.Tick()

	st := p.Stats()
	assert.Equal(t, uint64(0), st.Depths)
	assert.Equal(t, uint64(1), st.Errors)
	assert.False(t, st.Ready)
	assert.Greater(t, st.Dispatched, uint64(0), "frames keep flowing to the inert worker")
	assert.Equal(t, float32(config.NeutralDepth), p.State().Sink.Buffer().At(10, 10))
}

func TestPausedDispatchesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := inference.Start(ctx, inference.NewLumaSession(), inference.Options{})
	defer w.Close()

	p := New(Options{
		Config: config.New(0.25, 1, true),
		Source: source.NewPattern(clock.NewMock()),
		Worker: w,
	})
	for i := 0; i < 50; i++ {
		p.Tick()
	}
	assert.Equal(t, uint64(0), p.Stats().Dispatched)
	assert.Equal(t, uint64(0), p.State().Sampler.Count())
}

func TestStrideThinsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := inference.Start(ctx, inference.NewLumaSession(), inference.Options{})
	defer w.Close()

	p := New(Options{
		Config: config.New(0.25, 3, false),
		Source: source.NewPattern(clock.NewMock()),
		Worker: w,
	})
	for i := 0; i < 12; i++ {
		p.Tick()
	}
	assert.Equal(t, uint64(4), p.Stats().Dispatched)
}

func TestRunStopsWhenSourceEnds(t *testing.T) {
	src := &finiteSource{
		Source: source.NewPattern(clock.NewMock()),
		done:   make(chan struct{}),
		err:    errors.New("decoder crashed"),
	}
	close(src.done)

	p := New(Options{Source: src, Clock: clock.NewMock()})
	err := p.Run(context.Background())
	assert.EqualError(t, err, "decoder crashed")
	assert.Equal(t, uint64(1), p.Stats().Ticks)
}

func TestRunTicksOnClock(t *testing.T) {
	mock := clock.NewMock()
	p := New(Options{
		Source: source.NewPattern(mock),
		Clock:  mock,
		FPS:    10,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < 20; i++ {
		mock.Add(100 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, p.Stats().Ticks, uint64(1))
}

func TestWorkerStopKeepsLastDepth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := inference.Start(ctx, inference.NewLumaSession(), inference.Options{})

	p := New(Options{
		Source: source.NewPattern(clock.NewMock()),
		Worker: w,
	})
	tickUntil(t, p, func() bool { return p.Stats().Depths > 0 })

	cancel()
	require.NoError(t, w.Close())
	// Apply whatever was still buffered, then see the channel close.
	tickUntil(t, p, func() bool { return p.replies == nil })
	before := append([]float32(nil), p.State().Sink.Buffer().Data()...)

	for i := 0; i < 10; i++ {
		p.Tick()
	}
	assert.Equal(t, before, p.State().Sink.Buffer().Data())
	assert.Nil(t, p.worker)
}

// scriptedWorker hands out replies queued by the test.
type scriptedWorker struct {
	replies chan types.Reply
	infers  int
}

func newScriptedWorker() *scriptedWorker {
	return &scriptedWorker{replies: make(chan types.Reply, 8)}
}

func (w *scriptedWorker) Init(string, int, int) error { return nil }
func (w *scriptedWorker) Infer(types.RawFrame) error  { w.infers++; return nil }
func (w *scriptedWorker) Replies() <-chan types.Reply { return w.replies }
func (w *scriptedWorker) Close() error                { return nil }

func constDepth(seq uint64, v float32) types.DepthMap {
	data := make([]float32, config.DepthWidth*config.DepthHeight)
	for i := range data {
		data[i] = v
	}
	return types.DepthMap{Seq: seq, Width: config.DepthWidth, Height: config.DepthHeight, Data: data}
}

func TestErrorReplyKeepsLastDepth(t *testing.T) {
	w := newScriptedWorker()
	rec := &countingRecorder{}
	p := New(Options{Source: source.NewPattern(clock.NewMock()), Worker: w, Recorder: rec})

	w.replies <- types.ReadyReply{}
	w.replies <- types.DepthReply{Depth: constDepth(1, 0.2)}
	p.Tick()
	before := append([]float32(nil), p.State().Sink.Buffer().Data()...)
	assert.InDelta(t, 0.2, before[0], 1e-6)

	w.replies <- types.ErrorReply{Msg: "infer failed: boom", Err: errors.New("boom")}
	p.Tick()
	p.Tick()
	assert.Equal(t, before, p.State().Sink.Buffer().Data())
	assert.Equal(t, uint64(1), p.Stats().Errors)
	assert.False(t, p.Stats().Failed)
	assert.Equal(t, []uint64{1}, rec.seqs)

	// The smoother still blends from the pre-error map.
	w.replies <- types.DepthReply{Depth: constDepth(2, 1)}
	p.Tick()
	alpha := config.SmoothingAlpha
	assert.InDelta(t, alpha*1+(1-alpha)*0.2, p.State().Sink.Buffer().Data()[0], 1e-6)
}

// loopingSource reports wraps set by the test.
type loopingSource struct {
	*source.PatternSource
	loops uint64
}

func (l *loopingSource) Loops() uint64 { return l.loops }

func TestSourceRestartResetsDepth(t *testing.T) {
	w := newScriptedWorker()
	src := &loopingSource{PatternSource: source.NewPattern(clock.NewMock())}
	p := New(Options{Source: src, Worker: w})

	w.replies <- types.ReadyReply{}
	w.replies <- types.DepthReply{Depth: constDepth(1, 0.2)}
	p.Tick()
	assert.InDelta(t, 0.2, p.State().Sink.Buffer().Data()[0], 1e-6)

	src.loops = 1
	p.Tick()
	for _, v := range p.State().Sink.Buffer().Data() {
		require.Equal(t, float32(config.NeutralDepth), v)
	}
	assert.Equal(t, uint64(1), p.Stats().Restarts)

	// No blending with the previous pass.
	w.replies <- types.DepthReply{Depth: constDepth(2, 0.9)}
	p.Tick()
	assert.InDelta(t, 0.9, p.State().Sink.Buffer().Data()[0], 1e-6)

	p.Tick()
	assert.Equal(t, uint64(1), p.Stats().Restarts)
}
