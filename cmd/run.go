package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/parallax/internal/config"
	"github.com/andresmejia3/parallax/internal/displace"
	"github.com/andresmejia3/parallax/internal/inference"
	"github.com/andresmejia3/parallax/internal/metrics"
	"github.com/andresmejia3/parallax/internal/pipeline"
	"github.com/andresmejia3/parallax/internal/sink"
	"github.com/andresmejia3/parallax/internal/snapshot"
	"github.com/andresmejia3/parallax/internal/source"
	"github.com/andresmejia3/parallax/internal/store"
	"github.com/andresmejia3/parallax/internal/utils"
	"github.com/andresmejia3/parallax/internal/viewer"
	"github.com/andresmejia3/parallax/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	enginePython = "python"
	engineLuma   = "luma"
)

// Options holds the configuration of the run command
type Options struct {
	InputPath     string
	Pattern       bool
	Loop          bool
	Stride        int
	DepthScale    float64
	Paused        bool
	Engine        string
	ModelPath     string
	Python        string
	Script        string
	FPS           float64
	QueueSize     int
	Overload      string
	Layout        string
	Serve         string
	Record        bool
	SnapshotDir   string
	SnapshotEvery int
	SnapshotSize  int
	Segments      int
}

var runOpts Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Play a video and displace it by its estimated depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runPipeline(cmd.Context(), runOpts)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.InputPath, "input", "i", "", "Path to video")
	runCmd.Flags().BoolVar(&runOpts.Pattern, "pattern", false, "Use the built-in animated test pattern instead of a video")
	runCmd.Flags().BoolVar(&runOpts.Loop, "loop", false, "Loop the input video")
	runCmd.Flags().IntVarP(&runOpts.Stride, "stride", "n", config.DefaultStride, "Sample every Nth rendered frame for depth")
	runCmd.Flags().Float64VarP(&runOpts.DepthScale, "depth-scale", "s", config.DefaultDepthScale, "Displacement strength")
	runCmd.Flags().BoolVar(&runOpts.Paused, "paused", false, "Start with sampling paused")
	runCmd.Flags().StringVar(&runOpts.Engine, "engine", enginePython, "Depth engine: python, luma")
	runCmd.Flags().StringVarP(&runOpts.ModelPath, "model", "m", "models/depth-anything-small.onnx", "ONNX depth model (python engine)")
	runCmd.Flags().StringVar(&runOpts.Python, "python", "python3", "Python interpreter")
	runCmd.Flags().StringVar(&runOpts.Script, "script", "python/depth_worker.py", "Python worker script")
	runCmd.Flags().Float64Var(&runOpts.FPS, "fps", pipeline.DefaultFPS, "Render ticks per second")
	runCmd.Flags().IntVar(&runOpts.QueueSize, "queue", 0, "Bound on pending frames (0 = unbounded)")
	runCmd.Flags().StringVar(&runOpts.Overload, "overload", "drop-oldest", "Policy when the queue is full: drop-oldest, reject-new")
	runCmd.Flags().StringVar(&runOpts.Layout, "layout", "auto", "Depth buffer layout: auto, r32f, rgba32f")
	runCmd.Flags().StringVar(&runOpts.Serve, "serve", "", "Serve the depth stream and config API on this address (e.g. :8080)")
	runCmd.Flags().BoolVar(&runOpts.Record, "record", false, "Record per-frame depth statistics to PostgreSQL")
	runCmd.Flags().StringVar(&runOpts.SnapshotDir, "snapshot-dir", "", "Write depth PNG snapshots to this directory")
	runCmd.Flags().IntVar(&runOpts.SnapshotEvery, "snapshot-every", 30, "Write a snapshot every N depth uploads")
	runCmd.Flags().IntVar(&runOpts.SnapshotSize, "snapshot-size", 0, "Resize snapshots to NxN pixels (0 = depth map size)")
	runCmd.Flags().IntVar(&runOpts.Segments, "segments", 256, "Mesh segments per side")

	rootCmd.AddCommand(runCmd)
}

func validateRunFlags(opts *Options) error {
	if opts.InputPath == "" && !opts.Pattern {
		err := fmt.Errorf("either --input or --pattern is required")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.InputPath != "" && opts.Pattern {
		err := fmt.Errorf("--input and --pattern are mutually exclusive")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.InputPath != "" {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			if os.IsNotExist(err) {
				utils.ShowError("Input file does not exist", err, nil)
				return err
			}
			utils.ShowError("Unable to access input file", err, nil)
			return err
		}
		if info.IsDir() {
			err := fmt.Errorf("is a directory")
			utils.ShowError("Input path is a directory, expected a video file", err, nil)
			return err
		}
	}
	if opts.Engine != enginePython && opts.Engine != engineLuma {
		err := fmt.Errorf("invalid engine '%s'. Must be 'python' or 'luma'", opts.Engine)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.DepthScale < 0 {
		err := fmt.Errorf("depth scale must be >= 0, got %v", opts.DepthScale)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.FPS <= 0 {
		err := fmt.Errorf("fps must be positive, got %v", opts.FPS)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.QueueSize < 0 {
		err := fmt.Errorf("queue must be >= 0, got %d", opts.QueueSize)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if _, err := inference.ParsePolicy(opts.Overload); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if _, err := sink.ParseLayout(opts.Layout); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.SnapshotSize < 0 {
		err := fmt.Errorf("snapshot size must be >= 0, got %d", opts.SnapshotSize)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.Segments < 1 {
		opts.Segments = 1
	}
	opts.Stride = config.ClampStride(opts.Stride)
	return nil
}

// openSession starts the depth backend. An error here is WorkerUnavailable.
func openSession(ctx context.Context, opts Options) (inference.Session, *utils.SafeCommand, error) {
	switch opts.Engine {
	case engineLuma:
		return inference.NewLumaSession(), nil, nil
	case enginePython:
		s, err := worker.NewPythonSession(ctx, 0, worker.Config{Python: opts.Python, Script: opts.Script})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", pipeline.ErrWorkerUnavailable, err)
		}
		return s, s.Cmd, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown engine %q", pipeline.ErrWorkerUnavailable, opts.Engine)
	}
}

func openSource(ctx context.Context, opts Options) (source.Source, *progressbar.ProgressBar, error) {
	if opts.Pattern {
		fmt.Fprintf(os.Stderr, "🌈 Using test pattern (%dx%d)\n", source.PatternWidth, source.PatternHeight)
		return source.NewPattern(nil), nil, nil
	}

	info, err := utils.ProbeVideo(ctx, opts.InputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("probing %s: %w", opts.InputPath, err)
	}
	total := progressTotal(info, opts.Loop, func() int { return utils.GetTotalFrames(ctx, opts.InputPath) })
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🎞️  Playing"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	src, err := source.OpenFFmpeg(ctx, opts.InputPath, source.FFmpegOptions{
		Realtime: true,
		Loop:     opts.Loop,
		OnFrame:  func(uint64) { _ = bar.Add(1) },
		Logger:   Logger,
		Info:     &info,
	})
	if err != nil {
		return nil, nil, err
	}
	w, h := src.Size()
	fmt.Fprintf(os.Stderr, "📼 %s: %dx%d @ %.2f fps\n", filepath.Base(opts.InputPath), w, h, src.Info().FPS)
	return src, bar, nil
}

// runSource names the input of a recorded run. Files also get a content key
// so runs over the same video can be grouped.
func runSource(opts Options, logger *zap.Logger) (name, id string) {
	if opts.InputPath == "" {
		return "pattern", ""
	}
	id, err := utils.GenerateSourceID(opts.InputPath)
	if err != nil {
		logger.Warn("cannot identify source", zap.String("path", opts.InputPath), zap.Error(err))
	}
	return opts.InputPath, id
}

// progressTotal is the bar length: -1 while looping or when the length is
// unknown. The packet count runs only when the container has no frame count.
func progressTotal(info utils.VideoInfo, loop bool, countFrames func() int) int {
	if loop {
		return -1
	}
	if info.Frames > 0 {
		return info.Frames
	}
	if n := countFrames(); n > 0 {
		return n
	}
	return -1
}

// runPipeline wires source, worker, stages and recorder and renders until the
// video ends or the user interrupts.
func runPipeline(ctx context.Context, opts Options) error {
	// Cancelling on return kills ffmpeg and the Python worker on any early exit.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateRunFlags(&opts); err != nil {
		return err
	}
	logger := Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := metrics.New()
	cfg := config.New(opts.DepthScale, opts.Stride, opts.Paused)
	policy, _ := inference.ParsePolicy(opts.Overload)
	caps, _ := sink.ParseLayout(opts.Layout)
	layout := sink.Probe(caps)

	// 1. Source
	src, bar, err := openSource(ctx, opts)
	if err != nil {
		utils.ShowError("Failed to open video", err, nil)
		return err
	}
	defer src.Close()

	// 2. Worker. Failing to start it is not fatal: the video plays flat.
	var w *inference.Worker
	session, pyCmd, err := openSession(ctx, opts)
	if err != nil {
		utils.ShowError("Depth worker unavailable, rendering without depth", err, pyCmd)
	} else {
		fmt.Fprintf(os.Stderr, "🧠 Starting %s depth engine...\n", opts.Engine)
		w = inference.Start(ctx, session, inference.Options{
			QueueSize: opts.QueueSize,
			Overload:  policy,
			Logger:    logger,
			Metrics:   m,
		})
		defer w.Close()
	}

	// 3. Stages
	mesh := displace.NewMeshStage(displace.AspectPlane(source.Aspect(src), opts.Segments), logger)
	stages := []pipeline.Stage{pipeline.MeshStage(mesh)}

	if opts.Serve != "" {
		v := viewer.New(cfg, viewer.Options{Logger: logger, Metrics: m})
		stages = append(stages, v)
		go func() {
			if err := v.ListenAndServe(ctx, opts.Serve); err != nil {
				logger.Error("viewer stopped", zap.Error(err))
			}
		}()
		fmt.Fprintf(os.Stderr, "📡 Streaming depth on ws://%s/depth\n", opts.Serve)
	}

	if opts.SnapshotDir != "" {
		snap, err := snapshot.New(opts.SnapshotDir, snapshot.Options{
			Every:   opts.SnapshotEvery,
			Size:    opts.SnapshotSize,
			Logger:  logger,
			Metrics: m,
		})
		if err != nil {
			utils.ShowError("Failed to prepare snapshot directory", err, nil)
			return err
		}
		defer snap.Close()
		stages = append(stages, snap)
	}

	// 4. Recorder
	var rec *store.Recorder
	var runID string
	if opts.Record {
		db, err := connectDB(ctx)
		if err != nil {
			utils.ShowError("Recording requested but the database is unreachable", err, nil)
			return err
		}
		sourceName, sourceID := runSource(opts, logger)
		runID, err = db.StartRun(ctx, store.Run{
			Source:   sourceName,
			SourceID: sourceID,
			Engine:   opts.Engine,
			Model:    opts.ModelPath,
			Stride:   opts.Stride,
		})
		if err != nil {
			utils.ShowError("Failed to register run", err, nil)
			return err
		}
		rec = store.NewRecorder(ctx, db, runID, store.RecorderOptions{Logger: logger, Metrics: m})
		fmt.Fprintf(os.Stderr, "🗃️  Recording run %s\n", runID[:8])
	}

	// 5. Render
	popts := pipeline.Options{
		Config:    cfg,
		Source:    src,
		ModelPath: opts.ModelPath,
		Layout:    layout,
		Stages:    stages,
		FPS:       opts.FPS,
		Logger:    logger,
		Metrics:   m,
	}
	if w != nil {
		popts.Worker = w
	}
	if rec != nil {
		popts.Recorder = rec
	}
	p := pipeline.New(popts)

	runErr := p.Run(ctx)
	if bar != nil {
		_ = bar.Finish()
	}

	if rec != nil {
		written := rec.Close()
		// Background: the run context is likely cancelled by Ctrl+C.
		if err := DB.FinishRun(context.Background(), runID, written); err != nil {
			logger.Warn("failed to finish run", zap.String("run", runID), zap.Error(err))
		}
	}

	st := p.Stats()
	if w != nil {
		// Stop the process before reading its captured stderr.
		_ = w.Close()
	}
	if st.Failed {
		utils.ShowError("Depth model failed to load", errors.New("rendered without depth"), pyCmd)
	}
	if runErr != nil {
		utils.ShowError("Video playback failed", runErr, nil)
		return runErr
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Done. %d ticks, %d frames sampled, %d depth maps, %d errors.\n",
		st.Ticks, st.Dispatched, st.Depths, st.Errors)
	return nil
}
