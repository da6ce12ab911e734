package workspace

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/delphis/media"
)

// writerQueueSize bounds the save_box queue; the reconstructor never waits
// on disk.
const writerQueueSize = 64

// Box is one positive frame queued for saving.
type Box struct {
	Frame *image.RGBA
	Rects []media.Rect
	At    time.Time
}

// Writer drains queued boxes to the workspace on its own task.
type Writer struct {
	log *slog.Logger
	ws  *Workspace
	in  chan Box

	counter atomic.Int64
	saved   atomic.Int64
	dropped atomic.Int64

	closeOnce sync.Once
}

// NewWriter creates a writer for ws. If log is nil, slog.Default() is used.
func NewWriter(ws *Workspace, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		log: log.With("component", "workspace-writer"),
		ws:  ws,
		in:  make(chan Box, writerQueueSize),
	}
}

// Offer enqueues a box without blocking; a full queue drops it.
func (w *Writer) Offer(b Box) bool {
	select {
	case w.in <- b:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// CloseInput signals that no further boxes will be offered.
func (w *Writer) CloseInput() {
	w.closeOnce.Do(func() { close(w.in) })
}

// Run saves queued boxes until CloseInput drains or the context is
// cancelled. Save failures are logged, not propagated.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-w.in:
			if !ok {
				return nil
			}
			name := ArtifactName(b.At, w.counter.Add(1))
			if err := w.ws.SaveFrame(name, b.Frame, b.Rects); err != nil {
				w.log.Warn("save_box write failed", "name", name, "error", err)
				continue
			}
			w.saved.Add(1)
		}
	}
}

// Saved returns the number of boxes written.
func (w *Writer) Saved() int64 { return w.saved.Load() }

// Dropped returns the number of boxes lost to a full queue.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }
