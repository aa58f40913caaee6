// Package snapshot periodically exports the depth buffer as grayscale PNGs.
package snapshot

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/parallax/internal/logging"
	"github.com/andresmejia3/parallax/internal/metrics"
	"github.com/andresmejia3/parallax/internal/sink"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

const queueSize = 4

type Options struct {
	// Every writes one snapshot per this many uploads.
	Every int
	// Size, when positive, resizes snapshots to Size x Size.
	Size    int
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type job struct {
	img  *image.Gray
	path string
}

// Writer is a pipeline stage that hands every Nth uploaded buffer to a
// background goroutine for encoding.
type Writer struct {
	dir     string
	opts    Options
	uploads uint64
	jobs    chan job
	wg      sync.WaitGroup
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	written []string
}

// New creates dir if needed and starts the encoder goroutine.
func New(dir string, opts Options) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}
	if opts.Every <= 0 {
		opts.Every = 1
	}
	w := &Writer{
		dir:     dir,
		opts:    opts,
		jobs:    make(chan job, queueSize),
		logger:  logging.OrNop(opts.Logger).Named("snapshot"),
		metrics: opts.Metrics,
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Upload counts uploads and queues a copy of every Nth buffer.
func (w *Writer) Upload(buf *sink.Buffer) {
	w.uploads++
	if w.uploads%uint64(w.opts.Every) != 0 {
		return
	}
	j := job{
		img:  ToGray(buf),
		path: filepath.Join(w.dir, fmt.Sprintf("depth_%08d.png", buf.Version())),
	}
	select {
	case w.jobs <- j:
	default:
		w.logger.Debug("encoder busy, skipping snapshot", zap.Uint64("version", buf.Version()))
	}
}

func (w *Writer) Render(float64) {}

func (w *Writer) loop() {
	defer w.wg.Done()
	for j := range w.jobs {
		var img image.Image = j.img
		if w.opts.Size > 0 {
			img = imaging.Resize(img, w.opts.Size, w.opts.Size, imaging.Lanczos)
		}
		if err := imaging.Save(img, j.path); err != nil {
			w.metrics.Error(metrics.KindSnapshot)
			w.logger.Warn("failed to save snapshot", zap.String("path", j.path), zap.Error(err))
			continue
		}
		w.mu.Lock()
		w.written = append(w.written, j.path)
		w.mu.Unlock()
	}
}

// Close waits for queued snapshots to be written.
func (w *Writer) Close() {
	close(w.jobs)
	w.wg.Wait()
}

// Written lists the files saved so far.
func (w *Writer) Written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.written...)
}

// ToGray maps depth [0,1] to 8-bit gray, near is white.
func ToGray(buf *sink.Buffer) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, buf.Width(), buf.Height()))
	for y := 0; y < buf.Height(); y++ {
		for x := 0; x < buf.Width(); x++ {
			v := buf.At(x, y)
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			img.Pix[y*img.Stride+x] = uint8(v*255 + 0.5)
		}
	}
	return img
}
