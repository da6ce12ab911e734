package recorder

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/delphis/internal/cache"
	"github.com/zsiec/delphis/internal/encoder"
	"github.com/zsiec/delphis/media"
)

// memWriter records how many frames were appended to one clip path.
type memWriter struct {
	path   string
	frames int
	closed bool
	fail   bool
}

func (w *memWriter) WriteFrame(img *image.RGBA) error {
	if w.fail {
		return errors.New("disk full")
	}
	w.frames++
	return nil
}

func (w *memWriter) Close() error {
	w.closed = true
	return nil
}

type writerLog struct {
	mu      sync.Mutex
	writers []*memWriter
	fail    bool
}

func (l *writerLog) factory(path string) (encoder.FrameSink, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := &memWriter{path: path, fail: l.fail}
	l.writers = append(l.writers, w)
	return w, nil
}

func (l *writerLog) byDir(dir string) []*memWriter {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*memWriter
	for _, w := range l.writers {
		if strings.HasPrefix(w.path, dir) {
			out = append(out, w)
		}
	}
	return out
}

func frame(idx int64) *media.Frame {
	return &media.Frame{
		Index: idx,
		Image: image.NewRGBA(image.Rect(0, 0, 32, 24)),
		At:    time.Now(),
	}
}

func testCaches(maxFrame int64) Caches {
	c := Caches{
		Frames: cache.NewIndex[*media.Frame](10000),
		Render: cache.NewIndex[*image.RGBA](10000),
		Rects:  cache.NewIndex[[]media.Rect](10000),
	}
	for i := int64(1); i <= maxFrame; i++ {
		c.Frames.Put(i, frame(i))
	}
	return c
}

func newTestRecorder(c Caches, wl *writerLog, pre, future int64) *Recorder {
	return New(Options{
		Caches:       c,
		RenderDir:    "/render/",
		OriginalDir:  "/original/",
		NewWriter:    wl.factory,
		PreFrames:    pre,
		FutureFrames: future,
	})
}

// Scenario: positive at frame 10 with pre/post roll of 2 covers 8..12, five
// frames, even when later frames were never positives.
func TestClipCoversPrePlusPostRoll(t *testing.T) {
	t.Parallel()

	c := testCaches(20)
	wl := &writerLog{}
	r := newTestRecorder(c, wl, 2, 2)

	r.handleTrigger(Trigger{Index: 10, Rects: []media.Rect{{X: 1, Y: 1, W: 4, H: 4}}, At: time.Now()})
	for i := int64(10); i <= 13; i++ {
		r.handleNotify(i)
	}

	writers := wl.byDir("/render/")
	require.Len(t, writers, 1)
	assert.Equal(t, 5, writers[0].frames, "clip covers 8..12")
	assert.True(t, writers[0].closed)
	assert.Equal(t, int64(1), r.Clips())
	assert.False(t, r.active, "recorder idle after flush")
}

func TestStartClampsToFirstFrame(t *testing.T) {
	t.Parallel()

	c := testCaches(10)
	wl := &writerLog{}
	r := newTestRecorder(c, wl, 5, 2)

	r.handleTrigger(Trigger{Index: 3, At: time.Now()}) // pre-roll would reach -2
	for i := int64(3); i <= 6; i++ {
		r.handleNotify(i)
	}

	writers := wl.byDir("/render/")
	require.Len(t, writers, 1)
	assert.Equal(t, 5, writers[0].frames, "clip covers 1..5")
}

func TestPinnedRangeSurvivesSweep(t *testing.T) {
	t.Parallel()

	c := Caches{
		Frames: cache.NewIndex[*media.Frame](10),
		Render: cache.NewIndex[*image.RGBA](10),
		Rects:  cache.NewIndex[[]media.Rect](10),
	}
	for i := int64(1); i <= 10; i++ {
		c.Frames.Put(i, frame(i))
	}

	wl := &writerLog{}
	r := newTestRecorder(c, wl, 2, 5)
	r.handleTrigger(Trigger{Index: 5, At: time.Now()}) // pins 3..10
	r.handleNotify(5)

	// Push the cache over its watermark and sweep; the pinned range stays.
	for i := int64(11); i <= 30; i++ {
		c.Frames.Put(i, frame(i))
	}
	c.Frames.Sweep()
	for i := int64(3); i <= 10; i++ {
		_, ok := c.Frames.Get(i)
		assert.True(t, ok, "pinned frame %d evicted", i)
	}

	for i := int64(6); i <= 10; i++ {
		r.handleNotify(i)
	}
	assert.Equal(t, int64(1), r.Clips())
	assert.Zero(t, c.Frames.Pinned(5), "flush releases the pin")
}

func TestOverlappingTriggersCoalesce(t *testing.T) {
	t.Parallel()

	c := testCaches(40)
	wl := &writerLog{}
	r := newTestRecorder(c, wl, 2, 5)

	r.handleTrigger(Trigger{Index: 10, At: time.Now()}) // 8..15
	r.handleNotify(10)
	r.handleTrigger(Trigger{Index: 14, At: time.Now()}) // extends end to 19
	for i := int64(11); i <= 20; i++ {
		r.handleNotify(i)
	}

	writers := wl.byDir("/render/")
	require.Len(t, writers, 1, "coalesced into one clip")
	assert.Equal(t, 12, writers[0].frames, "clip covers 8..19")
}

func TestNonExtendingTriggerRefreshesRectsOnly(t *testing.T) {
	t.Parallel()

	c := testCaches(40)
	wl := &writerLog{}
	r := newTestRecorder(c, wl, 2, 10)

	r.handleTrigger(Trigger{Index: 10, At: time.Now()}) // 8..20
	r.handleTrigger(Trigger{Index: 12, Rects: []media.Rect{{X: 2, Y: 2, W: 3, H: 3}}, At: time.Now()})

	assert.Equal(t, int64(20), r.end, "end unchanged")
	rects, ok := c.Rects.Get(12)
	require.True(t, ok)
	assert.Len(t, rects, 1)
}

func TestGapsFilledFromNearestPrior(t *testing.T) {
	t.Parallel()

	c := Caches{
		Frames: cache.NewIndex[*media.Frame](10000),
		Render: cache.NewIndex[*image.RGBA](10000),
		Rects:  cache.NewIndex[[]media.Rect](10000),
	}
	// Only odd indices cached, as if sampling skipped the rest.
	for i := int64(1); i <= 15; i += 2 {
		c.Frames.Put(i, frame(i))
	}

	wl := &writerLog{}
	r := newTestRecorder(c, wl, 2, 2)

	r.handleTrigger(Trigger{Index: 9, At: time.Now()}) // 7..11
	for i := int64(9); i <= 12; i++ {
		r.handleNotify(i)
	}

	writers := wl.byDir("/render/")
	require.Len(t, writers, 1)
	assert.Equal(t, 5, writers[0].frames, "gaps filled, frame count preserved")
}

// Scenario: shutdown while recording (written through 50, end 60) completes
// the clip from cache; nothing is left partial.
func TestShutdownFinishesActiveClip(t *testing.T) {
	t.Parallel()

	c := testCaches(60)
	wl := &writerLog{}
	r := newTestRecorder(c, wl, 0, 10)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	r.Trigger(Trigger{Index: 50, At: time.Now()}) // 50..60
	r.Notify(50)
	r.CloseInput()
	require.NoError(t, <-done)

	writers := wl.byDir("/render/")
	require.Len(t, writers, 1)
	assert.Equal(t, 11, writers[0].frames, "50..60 written from cache")
	assert.True(t, writers[0].closed)
	assert.Equal(t, int64(1), r.Clips())
}

// A notification queued before a later trigger is applied first, so a clip
// whose range is already complete flushes instead of coalescing with the new
// trigger.
// After the shutdown grace expires, the recorder keeps discarding input so a
// reconstructor still draining its pending work never blocks on a full
// queue.
func TestExpiredGraceKeepsAcceptingInput(t *testing.T) {
	t.Parallel()

	c := testCaches(10)
	wl := &writerLog{}
	r := New(Options{
		Caches:       c,
		RenderDir:    "/render/",
		NewWriter:    wl.factory,
		PreFrames:    1,
		FutureFrames: 1,
		Grace:        5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.NoError(t, <-done, "grace expires with input still open")

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 0; i < inputQueueSize+50; i++ {
			r.Notify(int64(i))
		}
		r.Trigger(Trigger{Index: 5, At: time.Now()})
		r.CloseInput()
	}()
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("sends blocked after the recorder exited")
	}
}

func TestQueuedNotifyAppliesBeforeTrigger(t *testing.T) {
	t.Parallel()

	c := testCaches(30)
	wl := &writerLog{}
	r := newTestRecorder(c, wl, 2, 2)

	r.Trigger(Trigger{Index: 3, At: time.Now()}) // 1..5
	r.Notify(6)
	r.Trigger(Trigger{Index: 15, At: time.Now()}) // 13..17

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	r.CloseInput()
	require.NoError(t, <-done)

	writers := wl.byDir("/render/")
	require.Len(t, writers, 2, "separate clips, no false coalesce")
	assert.Equal(t, 5, writers[0].frames, "1..5")
	assert.Equal(t, 5, writers[1].frames, "13..17")
	assert.Equal(t, int64(2), r.Clips())
}

func TestWriteFailureAbandonsClip(t *testing.T) {
	t.Parallel()

	c := testCaches(30)
	wl := &writerLog{fail: true}
	r := newTestRecorder(c, wl, 2, 2)

	r.handleTrigger(Trigger{Index: 10, At: time.Now()})
	for i := int64(10); i <= 13; i++ {
		r.handleNotify(i)
	}
	assert.Equal(t, int64(1), r.Abandoned())
	assert.Zero(t, c.Frames.Pinned(10), "abandon releases the pin")
	assert.False(t, r.active)

	// The recorder is idle again and accepts a fresh trigger.
	wl.mu.Lock()
	wl.fail = false
	wl.mu.Unlock()
	r.handleTrigger(Trigger{Index: 20, At: time.Now()})
	for i := int64(20); i <= 23; i++ {
		r.handleNotify(i)
	}
	assert.Equal(t, int64(1), r.Clips())
}

func TestRenderCacheEvictedAfterFlush(t *testing.T) {
	t.Parallel()

	c := testCaches(20)
	c.Render.Put(10, image.NewRGBA(image.Rect(0, 0, 32, 24)))

	wl := &writerLog{}
	r := newTestRecorder(c, wl, 1, 1)

	r.handleTrigger(Trigger{Index: 10, At: time.Now()})
	for i := int64(10); i <= 12; i++ {
		r.handleNotify(i)
	}

	_, ok := c.Render.Get(10)
	assert.False(t, ok, "render entry released with the clip")
}
