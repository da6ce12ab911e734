// Package restream implements the annotated re-streamer: frames are drawn
// with the active detection overlay and a wall-clock timestamp, then pushed
// to an external encoder subprocess at the output frame rate. An overlay
// persists for a hold window after its detection so short positives stay
// visible in the output stream.
package restream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/delphis/internal/annotate"
	"github.com/zsiec/delphis/internal/encoder"
	"github.com/zsiec/delphis/media"
)

// DefaultHoldFrames is how many frames an overlay survives past its
// detection at the 24 fps output rate.
const DefaultHoldFrames = 36

// Item is one frame queued for re-streaming, with the reconstructor's
// verdict when the frame was a sampled one.
type Item struct {
	Frame  *media.Frame
	Result *media.DetectionResult
}

// SinkFactory opens the push encoder. It is called once at startup and again
// whenever the encoder dies.
type SinkFactory func() (encoder.FrameSink, error)

// Restreamer drains a bounded frame queue to the push encoder.
type Restreamer struct {
	log        *slog.Logger
	newSink    SinkFactory
	holdFrames int
	frameGap   time.Duration

	in chan Item

	pushed   atomic.Int64
	dropped  atomic.Int64
	restarts atomic.Int64

	closeOnce sync.Once
}

// Options configures a Restreamer.
type Options struct {
	NewSink    SinkFactory
	HoldFrames int           // 0 means DefaultHoldFrames
	FrameGap   time.Duration // pacing between pushes; 0 means 1s/24
	Log        *slog.Logger
}

// New creates a re-streamer. A nil Options.Log falls back to slog.Default().
func New(opts Options) *Restreamer {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	hold := opts.HoldFrames
	if hold == 0 {
		hold = DefaultHoldFrames
	}
	gap := opts.FrameGap
	if gap == 0 {
		gap = time.Second / encoder.DefaultFPS
	}
	return &Restreamer{
		log:        log.With("component", "restream"),
		newSink:    opts.NewSink,
		holdFrames: hold,
		frameGap:   gap,
		in:         make(chan Item, media.RestreamQueueSize),
	}
}

// Offer enqueues an item without blocking. A slow encoder must never stall
// detection, so a full queue drops the frame.
func (r *Restreamer) Offer(item Item) bool {
	select {
	case r.in <- item:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// CloseInput signals that no further items will be offered. Run drains the
// queue, closes the encoder and returns.
func (r *Restreamer) CloseInput() {
	r.closeOnce.Do(func() { close(r.in) })
}

// Pushed returns the number of frames delivered to the encoder.
func (r *Restreamer) Pushed() int64 { return r.pushed.Load() }

// Dropped returns the number of frames lost to a full queue.
func (r *Restreamer) Dropped() int64 { return r.dropped.Load() }

// Restarts returns how many times the encoder was recreated.
func (r *Restreamer) Restarts() int64 { return r.restarts.Load() }

// Run pushes frames until CloseInput drains or the context is cancelled.
// A dead encoder is recreated and pushing resumes at the next frame.
func (r *Restreamer) Run(ctx context.Context) error {
	sink, err := r.newSink()
	if err != nil {
		r.log.Error("push encoder failed to start", "error", err)
		return nil
	}
	defer func() {
		if sink != nil {
			sink.Close()
		}
	}()

	var activeOverlay []media.Rect
	holdCounter := 0
	ticker := time.NewTicker(r.frameGap)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-r.in:
			if !ok {
				return nil
			}
			if item.Result.Detected() {
				activeOverlay = item.Result.Rects
				holdCounter = 0
			} else if activeOverlay != nil {
				// The overlay covers the detection frame plus the next
				// holdFrames frames, so it drops only once the counter passes
				// the window.
				holdCounter++
				if holdCounter > r.holdFrames {
					activeOverlay = nil
					holdCounter = 0
				}
			}

			out := item.Frame.Clone()
			if activeOverlay != nil {
				annotate.Rectangles(out, activeOverlay)
			}
			annotate.Timestamp(out, item.Frame.At)

			if err := sink.WriteFrame(out); err != nil {
				r.log.Warn("push encoder died, recreating", "error", err)
				sink.Close()
				sink, err = r.newSink()
				if err != nil {
					r.log.Error("push encoder restart failed", "error", err)
					return nil
				}
				r.restarts.Add(1)
				continue // the failed frame is gone; resume at the next one
			}
			r.pushed.Add(1)

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}
