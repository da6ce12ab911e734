// Package controller implements the per-channel Detection Controller: frame
// dispatch with bounded buffering, parallel tile motion workers, the
// reconstructor/classifier gate with continuous-detection de-duplication,
// and the wiring to the event recorder, emitter and annotated re-streamer.
package controller

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/delphis/internal/cache"
	"github.com/zsiec/delphis/internal/config"
	"github.com/zsiec/delphis/internal/encoder"
	"github.com/zsiec/delphis/internal/event"
	"github.com/zsiec/delphis/internal/motion"
	"github.com/zsiec/delphis/internal/recorder"
	"github.com/zsiec/delphis/internal/restream"
	"github.com/zsiec/delphis/internal/vision"
	"github.com/zsiec/delphis/internal/workspace"
	"github.com/zsiec/delphis/media"
)

// Defaults for the controller's recovery and gating knobs. Tests shrink the
// timings through the exported fields.
const (
	DefaultCacheMissRetries = 24
	DefaultCacheMissDelay   = 100 * time.Millisecond
	DefaultTileDeadline     = 50 * time.Millisecond
	DefaultMaxRectsPerTile  = 3
	DefaultSSDConfidence    = 0.7

	renderCacheMax = 500
	pushGrace      = 6 * time.Second
)

// Deps are the external collaborators a controller is assembled with. Motion
// is required; Classifier or SSD must match the configured detect mode. Nil
// factories fall back to the ffmpeg-backed encoders; a nil Sink discards
// messages.
type Deps struct {
	Motion     motion.Detector
	Classifier vision.Classifier
	SSD        vision.Detector
	Sink       event.Sink

	NewClipWriter recorder.WriterFactory
	NewPushSink   restream.SinkFactory
	Workspace     *workspace.Workspace
	Log           *slog.Logger
}

// Stats is a point-in-time snapshot of the controller's counters.
type Stats struct {
	FramesIn     int64 `json:"frames_in"`
	Dispatched   int64 `json:"dispatched"`
	TileSetDrops int64 `json:"tile_set_drops"`
	CacheMisses  int64 `json:"cache_misses"`
	Detections   int64 `json:"detections"`
	Suppressed   int64 `json:"suppressed"`
	Clips        int64 `json:"clips"`
	Messages     int64 `json:"messages"`
	RestreamDrop int64 `json:"restream_drops"`
}

// Controller owns one channel's detection pipeline.
type Controller struct {
	log  *slog.Logger
	cfg  *config.Video
	mode string

	targetClass int
	deps        Deps

	// Tuning, overridable before Run.
	CacheMissRetries int
	CacheMissDelay   time.Duration
	TileDeadline     time.Duration
	IdleTimeout      time.Duration
	MaxRectsPerTile  int
	SSDConfidence    float64

	frames *cache.Index[*media.Frame]
	render *cache.Index[*image.RGBA]
	rects  *cache.Index[[]media.Rect]

	in      chan *media.Frame
	tileIn  []chan media.Tile
	reconIn chan media.TileResult
	fullIn  chan *media.Frame // SSD mode

	emitter    *event.Emitter
	rec        *recorder.Recorder
	restreamer *restream.Restreamer
	boxes      *workspace.Writer

	// Reconstructor state. Owned by the reconstruct goroutine.
	session       bool // true while a track is open
	dolID         int64
	lastDetection int64
	lastCompleted int64

	framesIn     atomic.Int64
	dispatched   atomic.Int64
	tileSetDrops atomic.Int64
	cacheMisses  atomic.Int64
	detections   atomic.Int64
	suppressed   atomic.Int64
}

// New assembles a controller for one channel. mode is the server-level
// detect mode; targetClass the classifier class treated as positive.
func New(cfg *config.Video, mode string, targetClass int, deps Deps) (*Controller, error) {
	if deps.Motion == nil {
		return nil, errors.New("controller: motion detector is required")
	}
	switch mode {
	case config.ModeClassify:
		if deps.Classifier == nil {
			return nil, errors.New("controller: CLASSIFY mode requires a classifier")
		}
	case config.ModeSSD:
		if deps.SSD == nil {
			return nil, errors.New("controller: SSD mode requires a detector")
		}
	default:
		return nil, errors.New("controller: unknown detect mode " + mode)
	}

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "controller", "channel", cfg.Index)

	c := &Controller{
		log:         log,
		cfg:         cfg,
		mode:        mode,
		targetClass: targetClass,
		deps:        deps,

		CacheMissRetries: DefaultCacheMissRetries,
		CacheMissDelay:   DefaultCacheMissDelay,
		TileDeadline:     DefaultTileDeadline,
		IdleTimeout:      idleTimeout(cfg),
		MaxRectsPerTile:  DefaultMaxRectsPerTile,
		SSDConfidence:    DefaultSSDConfidence,

		frames: cache.NewIndex[*media.Frame](cfg.MaxCache),
		render: cache.NewIndex[*image.RGBA](renderCacheMax),
		rects:  cache.NewIndex[[]media.Rect](renderCacheMax),

		in: make(chan *media.Frame, cfg.MaxStreamsCache),

		dolID:         event.FirstDolID,
		lastDetection: -1,
	}

	grid := cfg.Routine.Row * cfg.Routine.Col
	if mode == config.ModeClassify {
		c.tileIn = make([]chan media.Tile, grid)
		for i := range c.tileIn {
			c.tileIn[i] = make(chan media.Tile, media.TileQueueSize)
		}
		c.reconIn = make(chan media.TileResult, media.ReconstructQueueSize(cfg.Routine.Row, cfg.Routine.Col))
	} else {
		c.fullIn = make(chan *media.Frame, media.TileQueueSize)
	}

	sink := deps.Sink
	if sink == nil {
		sink = discardSink{}
	}
	c.emitter = event.NewEmitter(sink, log)

	newClip := deps.NewClipWriter
	if newClip == nil {
		shape := cfg.Shape
		newClip = func(path string) (encoder.FrameSink, error) {
			return encoder.NewClipWriter(path, shape.W, shape.H, encoder.DefaultFPS, log)
		}
	}
	var renderDir, originalDir string
	if deps.Workspace != nil {
		renderDir = deps.Workspace.RenderStreamsDir()
		originalDir = deps.Workspace.OriginalStreamsDir()
	}
	c.rec = recorder.New(recorder.Options{
		Caches: recorder.Caches{
			Frames: c.frames,
			Render: c.render,
			Rects:  c.rects,
		},
		RenderDir:    renderDir,
		OriginalDir:  originalDir,
		NewWriter:    newClip,
		PreFrames:    int64(cfg.PreFrames),
		FutureFrames: int64(cfg.FutureFrames),
		SaveOriginal: cfg.SaveOriginalClip() && originalDir != "",
		Log:          log,
	})

	if cfg.PushStream {
		newPush := deps.NewPushSink
		if newPush == nil {
			shape := cfg.Shape
			target := cfg.PushTo
			newPush = func() (encoder.FrameSink, error) {
				return encoder.NewPusher(target, shape.W, shape.H, encoder.DefaultFPS, pushGrace, log)
			}
		}
		c.restreamer = restream.New(restream.Options{NewSink: newPush, Log: log})
	}

	if cfg.SaveBox && deps.Workspace != nil {
		c.boxes = workspace.NewWriter(deps.Workspace, log)
	}

	return c, nil
}

// In returns the ingest queue. The frame source sends decoded frames here
// and closes the channel when it is exhausted.
func (c *Controller) In() chan *media.Frame { return c.in }

// Stats returns a snapshot of the pipeline counters.
func (c *Controller) Stats() Stats {
	s := Stats{
		FramesIn:     c.framesIn.Load(),
		Dispatched:   c.dispatched.Load(),
		TileSetDrops: c.tileSetDrops.Load(),
		CacheMisses:  c.cacheMisses.Load(),
		Detections:   c.detections.Load(),
		Suppressed:   c.suppressed.Load(),
		Clips:        c.rec.Clips(),
		Messages:     c.emitter.Sent(),
	}
	if c.restreamer != nil {
		s.RestreamDrop = c.restreamer.Dropped()
	}
	return s
}

// Run starts every pipeline task and blocks until the ingest channel closes
// or the context is cancelled, then drains the stages in order: dispatcher,
// workers, reconstructor, recorder/emitter/re-streamer.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info("controller starting",
		"mode", c.mode,
		"routine", c.cfg.Routine,
		"sample_rate", c.cfg.SampleRate,
		"url", c.cfg.URL,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.dispatch(ctx) })

	if c.mode == config.ModeClassify {
		var wg sync.WaitGroup
		wg.Add(len(c.tileIn))
		for i := range c.tileIn {
			i := i
			g.Go(func() error {
				defer wg.Done()
				return c.worker(ctx, i)
			})
		}
		g.Go(func() error {
			wg.Wait()
			close(c.reconIn)
			return nil
		})
	}

	g.Go(func() error { return c.reconstruct(ctx) })
	g.Go(func() error { return c.emitter.Run(ctx) })
	g.Go(func() error { return c.rec.Run(ctx) })
	if c.restreamer != nil {
		g.Go(func() error { return c.restreamer.Run(ctx) })
	}
	if c.boxes != nil {
		g.Go(func() error { return c.boxes.Run(ctx) })
	}

	err := g.Wait()
	c.log.Info("controller stopped", "stats", c.Stats())
	return err
}

func idleTimeout(cfg *config.Video) time.Duration {
	if cfg.IdleTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(cfg.IdleTimeoutSec) * time.Second
}

// discardSink drops messages when no transport is wired.
type discardSink struct{}

func (discardSink) Send(context.Context, event.Message) error { return nil }
func (discardSink) Close() error                              { return nil }
