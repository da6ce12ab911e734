// Package event defines the detection messages a controller produces and the
// emitter task that drains them to an external transport. The in-repo
// FileSink appends NDJSON so messages land somewhere observable without a
// live transport.
package event

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/zsiec/delphis/media"
)

// Message types.
const (
	TypeDetect      = "detect"       // one per positive frame
	TypeDetectEmpty = "detect_empty" // once per Present -> Absent transition
)

// FirstDolID is the initial track id of every controller.
const FirstDolID = 10000

// Message is one detection event. Timestamp is the frame index on the
// channel; DolID groups a contiguous run of positives.
type Message struct {
	VideoStream string       `json:"video_stream"`
	Channel     int          `json:"channel"`
	Timestamp   int64        `json:"timestamp"`
	Rects       []media.Rect `json:"rects"`
	DolID       int64        `json:"dol_id"`
	Type        string       `json:"type"`
}

// Detect builds a positive-frame message.
func Detect(stream string, channel int, frameIndex int64, rects []media.Rect, dolID int64) Message {
	return Message{
		VideoStream: stream,
		Channel:     channel,
		Timestamp:   frameIndex,
		Rects:       rects,
		DolID:       dolID,
		Type:        TypeDetect,
	}
}

// DetectEmpty builds the end-of-run message for dolID.
func DetectEmpty(stream string, channel int, frameIndex int64, dolID int64) Message {
	return Message{
		VideoStream: stream,
		Channel:     channel,
		Timestamp:   frameIndex,
		DolID:       dolID,
		Type:        TypeDetectEmpty,
	}
}

// Sink is the external message transport boundary.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Emitter decouples the reconstructor from the transport: Offer never
// blocks, the Run task drains the outbox to the sink.
type Emitter struct {
	log  *slog.Logger
	sink Sink
	out  chan Message

	sent    atomic.Int64
	dropped atomic.Int64

	closeOnce sync.Once
}

// NewEmitter creates an emitter draining to sink. If log is nil,
// slog.Default() is used.
func NewEmitter(sink Sink, log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{
		log:  log.With("component", "emitter"),
		sink: sink,
		out:  make(chan Message, media.OutboxSize),
	}
}

// Offer enqueues msg without blocking. A full outbox drops the message and
// reports false.
func (e *Emitter) Offer(msg Message) bool {
	select {
	case e.out <- msg:
		return true
	default:
		n := e.dropped.Add(1)
		e.log.Warn("outbox full, message dropped", "type", msg.Type, "timestamp", msg.Timestamp, "dropped", n)
		return false
	}
}

// CloseInput signals that no further messages will be offered. Run returns
// once the outbox is drained.
func (e *Emitter) CloseInput() {
	e.closeOnce.Do(func() { close(e.out) })
}

// Run drains the outbox until CloseInput and the queue is empty. The
// reconstructor closes the input on its way out, so shutdown still delivers
// the final messages of an open track. Send failures are logged and the
// message is discarded; the transport owns its own retry policy.
func (e *Emitter) Run(ctx context.Context) error {
	defer e.sink.Close()
	for msg := range e.out {
		if err := e.sink.Send(ctx, msg); err != nil {
			e.log.Warn("sink send failed", "type", msg.Type, "error", err)
			continue
		}
		e.sent.Add(1)
	}
	return nil
}

// Sent returns the number of messages delivered to the sink.
func (e *Emitter) Sent() int64 { return e.sent.Load() }

// Dropped returns the number of messages lost to a full outbox.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// FileSink appends messages as NDJSON lines.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// NewFileSink opens (creating or appending) the NDJSON file at path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("event: open message log: %w", err)
	}
	return &FileSink{f: f, w: bufio.NewWriter(f)}, nil
}

// Send appends one JSON line and flushes it.
func (s *FileSink) Send(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("event: marshal message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("event: append message: %w", err)
	}
	return s.w.Flush()
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.f.Close()
}
