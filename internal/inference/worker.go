// Package inference runs depth estimation on a dedicated goroutine.
//
// The Worker owns a Session and processes requests strictly in arrival order,
// one at a time. Producers hand frames over with Infer and never wait for the
// forward pass; results come back on Replies.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/parallax/internal/logging"
	"github.com/andresmejia3/parallax/internal/metrics"
	"github.com/andresmejia3/parallax/internal/types"
	"go.uber.org/zap"
)

var (
	ErrNoSession       = errors.New("no session loaded")
	ErrAlreadyInit     = errors.New("worker already initialized")
	ErrShortOutput     = errors.New("model output shorter than depth map")
	ErrFrameLayout     = errors.New("frame does not match session input layout")
	ErrQueueFull       = errors.New("worker queue full")
	ErrMailboxClosed   = errors.New("worker closed")
	ErrSessionPanicked = errors.New("session panicked")
)

const defaultReplyBuffer = 16

// Options configures a Worker.
type Options struct {
	// QueueSize bounds pending infer requests; 0 keeps the queue unbounded.
	QueueSize int
	Overload  Policy
	// ReplyBuffer is the capacity of the reply channel.
	ReplyBuffer int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type workerState int

const (
	stateIdle workerState = iota // waiting for init
	stateReady
	stateInert // init failed, permanently
)

type Worker struct {
	session Session
	inbox   *Mailbox
	replies chan types.Reply
	logger  *zap.Logger
	metrics *metrics.Metrics

	// Owned by the run goroutine.
	state         workerState
	width, height int

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Start launches the worker goroutine. It stops when ctx is cancelled or
// Close is called; Replies is closed once it has stopped.
func Start(ctx context.Context, session Session, opts Options) *Worker {
	if opts.ReplyBuffer <= 0 {
		opts.ReplyBuffer = defaultReplyBuffer
	}
	w := &Worker{
		session: session,
		inbox:   NewMailbox(opts.QueueSize, opts.Overload),
		replies: make(chan types.Reply, opts.ReplyBuffer),
		logger:  logging.OrNop(opts.Logger).Named("worker"),
		metrics: opts.Metrics,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go func() {
		select {
		case <-ctx.Done():
			w.inbox.Close()
		case <-w.done:
		}
	}()
	go w.run(ctx)
	return w
}

// Init asks the worker to load its session for inputs of width x height.
func (w *Worker) Init(modelPath string, width, height int) error {
	_, err := w.inbox.Send(types.InitRequest{ModelPath: modelPath, InputSize: [2]int{width, height}})
	return err
}

// Infer hands frame to the worker. The caller gives up the frame's pixel
// buffer whether or not the request is accepted.
func (w *Worker) Infer(frame types.RawFrame) error {
	evicted, err := w.inbox.Send(types.InferRequest{Frame: frame})
	if evicted {
		w.metrics.Evicted()
	}
	if errors.Is(err, ErrQueueFull) {
		w.metrics.Rejected()
	}
	w.metrics.SetQueueDepth(w.inbox.Len())
	return err
}

// Replies delivers ready, depth and error messages in processing order.
func (w *Worker) Replies() <-chan types.Reply {
	return w.replies
}

// Pending returns the number of queued requests.
func (w *Worker) Pending() int {
	return w.inbox.Len()
}

// Close stops the worker, discards pending requests, waits for an in-flight
// inference to finish and closes the session. It does not wait for anyone to
// read Replies.
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if n := w.Pending(); n > 0 {
			w.logger.Debug("discarding pending requests", zap.Int("pending", n))
		}
		close(w.quit)
		w.inbox.Close()
		<-w.done
		err = w.session.Close()
	})
	return err
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.replies)

	for {
		req, ok := w.inbox.Receive()
		if !ok {
			return
		}
		w.metrics.SetQueueDepth(w.inbox.Len())

		var reply types.Reply
		switch r := req.(type) {
		case types.InitRequest:
			reply = w.handleInit(r)
		case types.InferRequest:
			reply = w.handleInfer(r)
		}
		if reply == nil {
			continue
		}

		select {
		case w.replies <- reply:
		case <-w.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) handleInit(r types.InitRequest) types.Reply {
	if w.state != stateIdle {
		return types.ErrorReply{Msg: "init ignored: " + ErrAlreadyInit.Error(), Err: ErrAlreadyInit}
	}

	width, height := r.InputSize[0], r.InputSize[1]
	w.logger.Info("loading model", zap.String("model", r.ModelPath), zap.Int("width", width), zap.Int("height", height))

	if err := w.safeLoad(r.ModelPath, width, height); err != nil {
		w.state = stateInert
		w.metrics.Error(metrics.KindInit)
		w.logger.Error("init failed, worker is inert", zap.Error(err))
		return types.ErrorReply{Msg: fmt.Sprintf("init failed: %v", err), Err: err}
	}

	w.state = stateReady
	w.width, w.height = width, height
	w.logger.Info("model loaded")
	return types.ReadyReply{}
}

func (w *Worker) handleInfer(r types.InferRequest) types.Reply {
	if w.state != stateReady {
		w.logger.Debug("infer dropped, no session", zap.Uint64("seq", r.Frame.Seq))
		return nil
	}

	start := time.Now()
	depth, err := w.infer(r.Frame)
	w.metrics.ObserveInference(time.Since(start))
	if err != nil {
		w.metrics.Error(metrics.KindInference)
		w.logger.Warn("infer failed", zap.Uint64("seq", r.Frame.Seq), zap.Error(err))
		return types.ErrorReply{Msg: fmt.Sprintf("infer failed: %v", err), Err: err}
	}
	return types.DepthReply{Depth: depth.Take()}
}

func (w *Worker) infer(frame types.RawFrame) (depth types.DepthMap, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrSessionPanicked, p)
		}
	}()

	input, err := ToPlanar(frame, w.width, w.height)
	if err != nil {
		return types.DepthMap{}, err
	}
	out, err := w.session.Run(input)
	if err != nil {
		return types.DepthMap{}, err
	}
	raw, err := outputFloats(out)
	if err != nil {
		return types.DepthMap{}, err
	}
	data, err := Normalize(raw, w.width*w.height)
	if err != nil {
		return types.DepthMap{}, err
	}
	return types.DepthMap{Seq: frame.Seq, Width: w.width, Height: w.height, Data: data}, nil
}

func (w *Worker) safeLoad(modelPath string, width, height int) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrSessionPanicked, p)
		}
	}()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid input size %dx%d", width, height)
	}
	return w.session.Load(modelPath, width, height)
}
