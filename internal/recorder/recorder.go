// Package recorder implements the per-channel event clip recorder: for each
// positive detection it writes an MP4 covering the pre-roll and post-roll
// around the trigger, pinning the covered frame-cache range so eviction can
// never lose a promised frame. Overlapping triggers coalesce into the active
// clip.
package recorder

import (
	"context"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/delphis/internal/annotate"
	"github.com/zsiec/delphis/internal/cache"
	"github.com/zsiec/delphis/internal/encoder"
	"github.com/zsiec/delphis/internal/workspace"
	"github.com/zsiec/delphis/media"
)

// inputQueueSize bounds the recorder's input queue.
const inputQueueSize = 256

// Trigger asks for a clip around one positive detection.
type Trigger struct {
	Index int64
	Rects []media.Rect
	At    time.Time
}

// input is one queued command. Triggers and completion notifications share a
// single queue so they are applied in exactly the order the reconstructor
// sent them; separate channels would let a notification overtake a trigger
// and flip a coalescing decision.
type input struct {
	trigger   *Trigger
	completed int64
}

// Caches gives the recorder read access to the controller's shared state.
type Caches struct {
	Frames *cache.Index[*media.Frame]
	Render *cache.Index[*image.RGBA]
	Rects  *cache.Index[[]media.Rect]
}

// WriterFactory opens a frame sink for a clip path. Production wiring uses
// encoder.NewClipWriter; tests capture frames in memory.
type WriterFactory func(path string) (encoder.FrameSink, error)

// DefaultGrace bounds how long a cancelled recorder keeps serving
// notifications before it force-finishes the active clip from cache.
const DefaultGrace = 10 * time.Second

// Options configures a Recorder.
type Options struct {
	Caches       Caches
	RenderDir    string
	OriginalDir  string
	NewWriter    WriterFactory
	PreFrames    int64
	FutureFrames int64
	SaveOriginal bool
	Grace        time.Duration // 0 means DefaultGrace
	Log          *slog.Logger
}

// Recorder is the clip state machine. At most one recording is active at a
// time; its covered range stays pinned until the clip is flushed or
// abandoned.
type Recorder struct {
	log  *slog.Logger
	opts Options

	in chan input

	// Active recording. Owned by the Run goroutine.
	active      bool
	start, end  int64
	lastWritten int64
	writer      encoder.FrameSink
	rawWriter   encoder.FrameSink
	clipPath    string
	rawPath     string

	counter   int64
	clips     atomic.Int64
	abandoned atomic.Int64

	closeOnce sync.Once
}

// New creates a recorder. A nil Options.Log falls back to slog.Default().
func New(opts Options) *Recorder {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		log:  log.With("component", "recorder"),
		opts: opts,
		in:   make(chan input, inputQueueSize),
	}
}

// Trigger requests a clip for a positive detection.
func (r *Recorder) Trigger(t Trigger) {
	r.in <- input{trigger: &t}
}

// Notify reports the highest frame index the reconstructor has completed.
// Frames at or below it are stable and may be written.
func (r *Recorder) Notify(completed int64) {
	r.in <- input{completed: completed}
}

// CloseInput signals that no further triggers or notifications will arrive.
// Run finishes the active clip from cache and returns.
func (r *Recorder) CloseInput() {
	r.closeOnce.Do(func() { close(r.in) })
}

// Clips returns the number of clips flushed.
func (r *Recorder) Clips() int64 { return r.clips.Load() }

// Abandoned returns the number of clips dropped on write failure.
func (r *Recorder) Abandoned() int64 { return r.abandoned.Load() }

// Run processes triggers and notifications until CloseInput. Cancellation
// arms a grace timer instead of returning: the reconstructor is still
// draining its pending work on shutdown, and the promised frames must land.
// Either way an active recording is completed from cache before returning,
// so no partial file remains.
func (r *Recorder) Run(ctx context.Context) error {
	grace := r.opts.Grace
	if grace == 0 {
		grace = DefaultGrace
	}
	ctxDone := ctx.Done()
	var graceExpired <-chan time.Time

	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			graceExpired = time.After(grace)
		case <-graceExpired:
			r.log.Warn("grace period expired with input still open")
			r.finishFromCache()
			// The reconstructor may still be sending; discard its input
			// until CloseInput so it can never block on a full queue.
			go func() {
				for range r.in {
				}
			}()
			return nil
		case ev, ok := <-r.in:
			if !ok {
				r.finishFromCache()
				return nil
			}
			if ev.trigger != nil {
				r.handleTrigger(*ev.trigger)
			} else {
				r.handleNotify(ev.completed)
			}
		}
	}
}

func (r *Recorder) handleTrigger(t Trigger) {
	if r.active {
		// Coalesce: extend the post-roll when the new trigger reaches past
		// the current end, refresh rectangles either way.
		if newEnd := t.Index + r.opts.FutureFrames; newEnd > r.end {
			r.opts.Caches.Frames.Pin(r.end+1, newEnd)
			r.end = newEnd
			r.log.Debug("recording extended", "trigger", t.Index, "end", r.end)
		}
		r.opts.Caches.Rects.Put(t.Index, t.Rects)
		return
	}

	start := t.Index - r.opts.PreFrames
	if start < 1 {
		start = 1
	}
	end := t.Index + r.opts.FutureFrames
	r.opts.Caches.Frames.Pin(start, end)

	r.counter++
	name := workspace.ArtifactName(t.At, r.counter)
	r.clipPath = filepath.Join(r.opts.RenderDir, name+".mp4")

	w, err := r.opts.NewWriter(r.clipPath)
	if err != nil {
		r.log.Error("clip writer open failed", "path", r.clipPath, "error", err)
		r.opts.Caches.Frames.Unpin(start, end)
		return
	}
	r.writer = w

	if r.opts.SaveOriginal && r.opts.OriginalDir != "" {
		r.rawPath = filepath.Join(r.opts.OriginalDir, name+".mp4")
		if raw, err := r.opts.NewWriter(r.rawPath); err != nil {
			r.log.Warn("original clip writer open failed", "path", r.rawPath, "error", err)
			r.rawPath = ""
		} else {
			r.rawWriter = raw
		}
	}

	r.active = true
	r.start, r.end = start, end
	r.lastWritten = start - 1
	r.opts.Caches.Rects.Put(t.Index, t.Rects)
	r.log.Info("recording armed", "trigger", t.Index, "start", start, "end", end, "clip", r.clipPath)
}

func (r *Recorder) handleNotify(completed int64) {
	if !r.active {
		return
	}
	to := completed
	if to > r.end {
		to = r.end
	}
	if !r.writeUpTo(to) {
		return // abandoned
	}
	if r.lastWritten == r.end {
		r.flush()
	}
}

// writeUpTo appends frames (lastWritten, to] in index order. Returns false
// when the recording was abandoned on a write failure.
func (r *Recorder) writeUpTo(to int64) bool {
	for k := r.lastWritten + 1; k <= to; k++ {
		annotated, raw := r.frameFor(k)
		if annotated == nil {
			r.log.Warn("no frame available for clip index", "index", k)
			continue
		}
		if err := r.writer.WriteFrame(annotated); err != nil {
			r.abandon(err)
			return false
		}
		if r.rawWriter != nil && raw != nil {
			if err := r.rawWriter.WriteFrame(raw); err != nil {
				r.log.Warn("original clip write failed, dropping companion", "error", err)
				r.rawWriter.Close()
				os.Remove(r.rawPath)
				r.rawWriter = nil
			}
		}
		r.lastWritten = k
	}
	return true
}

// frameFor resolves the annotated and raw images for index k: render cache
// first, then the raw frame with its stored rectangles drawn, then the
// nearest prior raw frame to fill gaps left by sampling or eviction races.
func (r *Recorder) frameFor(k int64) (annotated, raw *image.RGBA) {
	if f, ok := r.opts.Caches.Frames.Get(k); ok {
		raw = f.Image
	} else if f, _, ok := r.opts.Caches.Frames.NearestBefore(k); ok {
		raw = f.Image
	}

	if img, ok := r.opts.Caches.Render.Get(k); ok {
		return img, raw
	}
	if raw == nil {
		return nil, nil
	}
	if rects, ok := r.opts.Caches.Rects.Get(k); ok && len(rects) > 0 {
		clone := media.CloneRGBA(raw)
		annotate.Rectangles(clone, rects)
		return clone, raw
	}
	return raw, raw
}

func (r *Recorder) flush() {
	if err := r.writer.Close(); err != nil {
		r.log.Warn("clip close failed", "clip", r.clipPath, "error", err)
	}
	if r.rawWriter != nil {
		if err := r.rawWriter.Close(); err != nil {
			r.log.Warn("original clip close failed", "clip", r.rawPath, "error", err)
		}
	}
	r.releaseRange()
	r.clips.Add(1)
	r.log.Info("clip flushed", "clip", r.clipPath, "frames", r.end-r.start+1)
	r.reset()
}

// abandon drops the active clip after a write failure: the partial files are
// removed and the recorder returns to idle.
func (r *Recorder) abandon(err error) {
	r.log.Error("clip write failed, abandoning", "clip", r.clipPath, "error", err)
	r.writer.Close()
	os.Remove(r.clipPath)
	if r.rawWriter != nil {
		r.rawWriter.Close()
		os.Remove(r.rawPath)
	}
	r.releaseRange()
	r.abandoned.Add(1)
	r.reset()
}

// finishFromCache completes an active recording at shutdown: every index up
// to end is written from the caches without waiting for notifications.
func (r *Recorder) finishFromCache() {
	if !r.active {
		return
	}
	r.log.Info("finishing active recording at shutdown", "written", r.lastWritten, "end", r.end)
	if r.writeUpTo(r.end) {
		r.flush()
	}
}

func (r *Recorder) releaseRange() {
	r.opts.Caches.Frames.Unpin(r.start, r.end)
	r.opts.Caches.Render.EvictRange(r.start, r.end)
	r.opts.Caches.Rects.EvictRange(r.start, r.end)
}

func (r *Recorder) reset() {
	r.active = false
	r.writer = nil
	r.rawWriter = nil
	r.clipPath = ""
	r.rawPath = ""
}
