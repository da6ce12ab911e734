package controller

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/zsiec/delphis/internal/config"
	"github.com/zsiec/delphis/internal/motion"
	"github.com/zsiec/delphis/internal/restream"
	"github.com/zsiec/delphis/media"
)

// dispatch assigns monotonic indices, commits frames to the cache, and on
// sample boundaries tiles the cursor frame out to the motion workers (or, in
// SSD mode, hands the whole preprocessed frame to the reconstructor). It is
// the only stage allowed to drop work: a tile set that cannot be reserved
// within the deadline is dropped whole.
func (c *Controller) dispatch(ctx context.Context) error {
	defer func() {
		for _, ch := range c.tileIn {
			close(ch)
		}
		if c.fullIn != nil {
			close(c.fullIn)
		}
	}()

	var frameCnt, processedCnt int64
	for {
		var f *media.Frame
		select {
		case <-ctx.Done():
			return nil
		case got, ok := <-c.in:
			if !ok {
				c.log.Info("ingest channel closed", "frames", frameCnt)
				return nil
			}
			f = got
		case <-time.After(c.IdleTimeout):
			c.log.Warn("ingest idle", "timeout", c.IdleTimeout, "frames", frameCnt)
			continue
		}

		frameCnt++
		f.Index = frameCnt
		if c.frames.Put(frameCnt, f) {
			go c.frames.Sweep()
		}
		c.framesIn.Add(1)

		// Warm-up: the cursor below reads lagging indices, so dispatch only
		// starts once the pre-cache is filled.
		if frameCnt <= int64(c.cfg.PreCache) {
			continue
		}
		processedCnt++

		if processedCnt%int64(c.cfg.SampleRate) != 0 {
			if c.restreamer != nil {
				c.restreamer.Offer(restream.Item{Frame: f})
			}
			continue
		}

		cur, ok := c.frames.Get(processedCnt)
		if !ok {
			c.log.Warn("cursor frame missing from cache", "index", processedCnt)
			continue
		}
		img := media.Resize(cur.Image, c.cfg.Shape.W, c.cfg.Shape.H)
		if c.cfg.Blur {
			img = motion.Blur(img, 1)
		}

		if c.mode == config.ModeSSD {
			sampled := &media.Frame{Index: processedCnt, Image: img, At: cur.At}
			select {
			case <-ctx.Done():
				return nil
			case c.fullIn <- sampled:
				c.dispatched.Add(1)
			}
			continue
		}

		if c.sendTileSet(media.SplitGrid(processedCnt, img, c.cfg.Routine.Row, c.cfg.Routine.Col)) {
			c.dispatched.Add(1)
		} else {
			c.tileSetDrops.Add(1)
			c.log.Warn("tile set dropped, workers backlogged", "index", processedCnt)
		}
	}
}

// sendTileSet delivers one frame's tiles in (row, col) order, all or none.
// The dispatcher is the sole sender on every tile channel, so reserving
// capacity first makes the subsequent sends non-blocking.
func (c *Controller) sendTileSet(tiles []media.Tile) bool {
	deadline := time.Now().Add(c.TileDeadline)
	for i := range c.tileIn {
		for len(c.tileIn[i]) == cap(c.tileIn[i]) {
			if time.Now().After(deadline) {
				return false
			}
			time.Sleep(time.Millisecond)
		}
	}
	for i, t := range tiles {
		c.tileIn[i] <- t
	}
	return true
}

// worker runs the motion stage for one tile coordinate. Exactly one result
// is emitted per input tile; a stage error degrades to an empty result so
// the reconstructor can still join the frame. A panic is logged with its
// stack and ends the worker without restart.
func (c *Controller) worker(ctx context.Context, i int) (err error) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("motion worker panicked",
				"worker", i,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			err = nil
		}
	}()

	for t := range c.tileIn[i] {
		res, derr := c.deps.Motion.DetectTile(t)
		if derr != nil {
			c.log.Warn("motion stage failed", "worker", i, "index", t.FrameIndex, "error", derr)
			res = media.TileResult{FrameIndex: t.FrameIndex, Row: t.Row, Col: t.Col}
		}
		select {
		case <-ctx.Done():
			return nil
		case c.reconIn <- res:
		}
	}
	return nil
}
