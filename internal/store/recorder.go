package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/parallax/internal/logging"
	"github.com/andresmejia3/parallax/internal/metrics"
	"github.com/andresmejia3/parallax/internal/types"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	DefaultRecorderBuffer = 256
	DefaultBatchSize      = 64

	// finalFlushTimeout bounds the last write after the run context is gone.
	finalFlushTimeout = 5 * time.Second
)

// FrameWriter persists frame statistics. *Store implements it.
type FrameWriter interface {
	InsertFrameStats(ctx context.Context, runID string, stats []FrameStats) error
}

type RecorderOptions struct {
	Buffer    int
	BatchSize int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Recorder writes depth statistics in the background. Record is called from
// the render goroutine and never waits on the database.
type Recorder struct {
	w      FrameWriter
	runID  string
	ch     chan FrameStats
	batch  int
	done   chan struct{}
	logger *zap.Logger
	m      *metrics.Metrics

	mu      sync.RWMutex
	closed  bool
	scratch []float64

	written atomic.Int64
	dropped atomic.Int64
}

// NewRecorder starts the writer goroutine. It stops after Close, or early
// when ctx is cancelled, writing whatever was queued at that point.
func NewRecorder(ctx context.Context, w FrameWriter, runID string, opts RecorderOptions) *Recorder {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultRecorderBuffer
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	r := &Recorder{
		w:      w,
		runID:  runID,
		ch:     make(chan FrameStats, opts.Buffer),
		batch:  opts.BatchSize,
		done:   make(chan struct{}),
		logger: logging.OrNop(opts.Logger).Named("recorder"),
		m:      opts.Metrics,
	}
	go r.loop(ctx)
	return r
}

// Record summarizes d and queues the result. d is not retained.
func (r *Recorder) Record(d types.DepthMap) {
	var st FrameStats
	st, r.scratch = summarize(d, r.scratch)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- st:
	default:
		r.dropped.Add(1)
		r.m.RecorderDropped()
	}
}

func (r *Recorder) loop(ctx context.Context) {
	defer close(r.done)

	pending := make([]FrameStats, 0, r.batch)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		wctx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			defer cancel()
		}
		if err := r.w.InsertFrameStats(wctx, r.runID, pending); err != nil {
			r.m.Error(metrics.KindRecorder)
			r.logger.Warn("failed to write frame stats", zap.Int("frames", len(pending)), zap.Error(err))
		} else {
			r.written.Add(int64(len(pending)))
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Keep what was already queued.
		rest:
			for {
				select {
				case st, ok := <-r.ch:
					if !ok {
						break rest
					}
					pending = append(pending, st)
				default:
					break rest
				}
			}
			flush()
			return
		case st, ok := <-r.ch:
			if !ok {
				flush()
				return
			}
			pending = append(pending, st)
			// Take whatever else is already queued, up to a batch.
		drain:
			for len(pending) < r.batch {
				select {
				case st, ok := <-r.ch:
					if !ok {
						flush()
						return
					}
					pending = append(pending, st)
				default:
					break drain
				}
			}
			flush()
		}
	}
}

// Close flushes queued statistics and returns how many were written.
func (r *Recorder) Close() int64 {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
	return r.written.Load()
}

// Dropped counts statistics discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Summarize computes the statistics of one depth map.
func Summarize(d types.DepthMap) FrameStats {
	st, _ := summarize(d, nil)
	return st
}

func summarize(d types.DepthMap, scratch []float64) (FrameStats, []float64) {
	st := FrameStats{Seq: d.Seq, RecordedAt: time.Now()}
	if len(d.Data) == 0 {
		return st, scratch
	}
	if cap(scratch) < len(d.Data) {
		scratch = make([]float64, len(d.Data))
	}
	x := scratch[:len(d.Data)]
	for i, v := range d.Data {
		x[i] = float64(v)
	}
	st.Min = floats.Min(x)
	st.Max = floats.Max(x)
	st.Mean, st.StdDev = stat.MeanStdDev(x, nil)
	if len(x) == 1 {
		st.StdDev = 0
	}
	return st, scratch
}
