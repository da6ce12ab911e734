package restream

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/delphis/internal/encoder"
	"github.com/zsiec/delphis/media"
)

// captureSink records pushed frames and can be scripted to fail.
type captureSink struct {
	mu      sync.Mutex
	frames  []*image.RGBA
	failAt  int // 1-based write that fails; 0 never fails
	writes  int
	closed  bool
}

func (s *captureSink) WriteFrame(img *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failAt != 0 && s.writes == s.failAt {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, img)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func blackFrame(idx int64) *media.Frame {
	return &media.Frame{
		Index: idx,
		Image: image.NewRGBA(image.Rect(0, 0, 160, 120)),
		At:    time.Unix(1700000000, 0),
	}
}

// overlayDrawn reports whether any pixel in the detection box region was
// colored. The timestamp lands at (100,100) so the probe region avoids it.
func overlayDrawn(img *image.RGBA) bool {
	for y := 10; y < 40; y++ {
		for x := 10; x < 60; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			if r|g|b != 0 {
				return true
			}
		}
	}
	return false
}

func runToCompletion(t *testing.T, r *Restreamer, items []Item) {
	t.Helper()
	for _, item := range items {
		require.True(t, r.Offer(item))
	}
	r.CloseInput()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Run(ctx))
}

func TestOverlayHeldForHoldWindow(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	r := New(Options{
		NewSink:    func() (encoder.FrameSink, error) { return sink, nil },
		HoldFrames: 3,
		FrameGap:   time.Microsecond,
	})

	detection := &media.DetectionResult{
		FrameIndex: 1,
		Rects:      []media.Rect{{X: 10, Y: 10, W: 40, H: 25}},
	}
	items := []Item{
		{Frame: blackFrame(1), Result: detection},
		{Frame: blackFrame(2)},
		{Frame: blackFrame(3)},
		{Frame: blackFrame(4)}, // last held frame
		{Frame: blackFrame(5)}, // hold expired
	}
	runToCompletion(t, r, items)

	require.Equal(t, 5, sink.count())
	assert.True(t, overlayDrawn(sink.frames[0]), "detection frame carries the overlay")
	assert.True(t, overlayDrawn(sink.frames[1]), "overlay held")
	assert.True(t, overlayDrawn(sink.frames[2]), "overlay held")
	assert.True(t, overlayDrawn(sink.frames[3]), "overlay held on the full hold window")
	assert.False(t, overlayDrawn(sink.frames[4]), "overlay dropped after hold window")
}

func TestNewDetectionResetsHold(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	r := New(Options{
		NewSink:    func() (encoder.FrameSink, error) { return sink, nil },
		HoldFrames: 2,
		FrameGap:   time.Microsecond,
	})

	det := func(idx int64) Item {
		return Item{
			Frame:  blackFrame(idx),
			Result: &media.DetectionResult{FrameIndex: idx, Rects: []media.Rect{{X: 10, Y: 10, W: 30, H: 20}}},
		}
	}
	items := []Item{
		det(1),
		{Frame: blackFrame(2)},
		det(3), // resets the counter
		{Frame: blackFrame(4)},
		{Frame: blackFrame(5)}, // last held frame
		{Frame: blackFrame(6)}, // hold expired
	}
	runToCompletion(t, r, items)

	require.Equal(t, 6, sink.count())
	assert.True(t, overlayDrawn(sink.frames[3]), "hold restarted by second detection")
	assert.True(t, overlayDrawn(sink.frames[4]), "restarted hold runs its full window")
	assert.False(t, overlayDrawn(sink.frames[5]))
}

func TestTimestampAlwaysStamped(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	r := New(Options{
		NewSink:  func() (encoder.FrameSink, error) { return sink, nil },
		FrameGap: time.Microsecond,
	})
	runToCompletion(t, r, []Item{{Frame: blackFrame(1)}})

	require.Equal(t, 1, sink.count())
	marked := false
	img := sink.frames[0]
	for y := 90; y < 105 && !marked; y++ {
		for x := 95; x < 250; x++ {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			if cr|cg|cb != 0 {
				marked = true
				break
			}
		}
	}
	assert.True(t, marked, "timestamp must be drawn on every frame")
}

func TestEncoderRecreatedOnWriteFailure(t *testing.T) {
	t.Parallel()

	first := &captureSink{failAt: 2}
	second := &captureSink{}
	var calls int
	r := New(Options{
		NewSink: func() (encoder.FrameSink, error) {
			calls++
			if calls == 1 {
				return first, nil
			}
			return second, nil
		},
		FrameGap: time.Microsecond,
	})

	runToCompletion(t, r, []Item{
		{Frame: blackFrame(1)},
		{Frame: blackFrame(2)}, // write fails, encoder recreated
		{Frame: blackFrame(3)},
	})

	assert.Equal(t, 2, calls, "sink recreated once")
	assert.True(t, first.closed, "dead encoder closed")
	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count(), "stream resumes at the next frame")
	assert.Equal(t, int64(1), r.Restarts())
}

func TestOfferDropsWhenFull(t *testing.T) {
	t.Parallel()

	r := New(Options{
		NewSink: func() (encoder.FrameSink, error) { return &captureSink{}, nil },
	})
	accepted := 0
	for i := 0; i < media.RestreamQueueSize+5; i++ {
		if r.Offer(Item{Frame: blackFrame(int64(i))}) {
			accepted++
		}
	}
	assert.Equal(t, media.RestreamQueueSize, accepted)
	assert.Equal(t, int64(5), r.Dropped())
}

func TestFrameNotMutated(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	r := New(Options{
		NewSink:  func() (encoder.FrameSink, error) { return sink, nil },
		FrameGap: time.Microsecond,
	})

	f := blackFrame(1)
	runToCompletion(t, r, []Item{{
		Frame:  f,
		Result: &media.DetectionResult{FrameIndex: 1, Rects: []media.Rect{{X: 10, Y: 10, W: 40, H: 25}}},
	}})

	assert.False(t, overlayDrawn(f.Image), "source frame stays pristine")
}
