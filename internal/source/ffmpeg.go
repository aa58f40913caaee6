package source

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/parallax/internal/logging"
	"github.com/andresmejia3/parallax/internal/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// FFmpegOptions controls how a file is played.
type FFmpegOptions struct {
	Realtime bool
	Loop     bool
	// OnFrame runs on the decode goroutine after each decoded frame.
	OnFrame func(n uint64)
	Logger  *zap.Logger
	// Info skips probing when the caller already has the stream properties.
	Info *utils.VideoInfo
}

// FFmpegSource decodes a video file through an ffmpeg rawvideo pipe and keeps
// only the most recent frame.
type FFmpegSource struct {
	info   utils.VideoInfo
	cmd    *utils.SafeCommand
	cancel context.CancelFunc
	opts   FFmpegOptions
	logger *zap.Logger

	mu    sync.RWMutex
	front *image.RGBA
	back  *image.RGBA

	ready  atomic.Bool
	frames atomic.Uint64
	done   chan struct{}
	err    error
	once   sync.Once
}

// OpenFFmpeg probes path unless opts.Info is set and starts decoding it.
func OpenFFmpeg(ctx context.Context, path string, opts FFmpegOptions) (*FFmpegSource, error) {
	var info utils.VideoInfo
	if opts.Info != nil {
		info = *opts.Info
	} else {
		var err error
		if info, err = utils.ProbeVideo(ctx, path); err != nil {
			return nil, errors.Wrapf(err, "probing %s", path)
		}
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("%s: no video stream with a usable size", path)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegRawDecoder(ctx, path, opts.Realtime, opts.Loop)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "ffmpeg stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrap(err, "starting ffmpeg")
	}

	rect := image.Rect(0, 0, info.Width, info.Height)
	s := &FFmpegSource{
		info:   info,
		cmd:    cmd,
		cancel: cancel,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("ffmpeg"),
		front:  image.NewRGBA(rect),
		back:   image.NewRGBA(rect),
		done:   make(chan struct{}),
	}
	go s.decode(stdout)
	return s, nil
}

func (s *FFmpegSource) decode(r io.Reader) {
	defer close(s.done)

	var readErr error
	for {
		if _, err := io.ReadFull(r, s.back.Pix); err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
		s.mu.Lock()
		s.front, s.back = s.back, s.front
		s.mu.Unlock()
		s.ready.Store(true)

		n := s.frames.Add(1)
		if s.opts.OnFrame != nil {
			s.opts.OnFrame(n)
		}
	}

	waitErr := s.cmd.Wait()
	switch {
	case readErr == io.ErrUnexpectedEOF && waitErr == nil:
		s.logger.Warn("stream ended mid-frame", zap.Uint64("frames", s.frames.Load()))
	case readErr != nil && waitErr != nil:
		s.err = errors.Wrapf(waitErr, "ffmpeg: %s", s.cmd.Stderr.String())
	case waitErr != nil && s.frames.Load() == 0:
		s.err = errors.Wrapf(waitErr, "ffmpeg: %s", s.cmd.Stderr.String())
	}
	s.logger.Debug("decoder finished", zap.Uint64("frames", s.frames.Load()), zap.Error(s.err))
}

// Ready reports whether at least one frame has been decoded. A finished
// stream stays ready and keeps showing its last frame.
func (s *FFmpegSource) Ready() bool {
	return s.ready.Load()
}

func (s *FFmpegSource) DrawTo(dst draw.Image) bool {
	if !s.Ready() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	Scale(dst, s.front)
	return true
}

func (s *FFmpegSource) Size() (int, int) {
	return s.info.Width, s.info.Height
}

func (s *FFmpegSource) Info() utils.VideoInfo {
	return s.info
}

// Frames counts decoded frames.
func (s *FFmpegSource) Frames() uint64 {
	return s.frames.Load()
}

// Loops counts how many times a looping file has wrapped. It stays 0 when
// looping is off or the frame count is unknown.
func (s *FFmpegSource) Loops() uint64 {
	return loopsAt(s.frames.Load(), s.info.Frames, s.opts.Loop)
}

func loopsAt(decoded uint64, total int, loop bool) uint64 {
	if !loop || total <= 0 || decoded == 0 {
		return 0
	}
	return (decoded - 1) / uint64(total)
}

func (s *FFmpegSource) Done() <-chan struct{} {
	return s.done
}

// Err is the decode error, valid after Done is closed.
func (s *FFmpegSource) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close stops ffmpeg and waits for the decoder to exit.
func (s *FFmpegSource) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Command exposes the underlying process for error reporting.
func (s *FFmpegSource) Command() *utils.SafeCommand {
	return s.cmd
}
