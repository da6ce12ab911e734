package controller

import (
	"context"
	"image"
	"time"

	"github.com/zsiec/delphis/internal/annotate"
	"github.com/zsiec/delphis/internal/event"
	"github.com/zsiec/delphis/internal/motion"
	"github.com/zsiec/delphis/internal/recorder"
	"github.com/zsiec/delphis/internal/restream"
	"github.com/zsiec/delphis/internal/vision"
	"github.com/zsiec/delphis/internal/workspace"
	"github.com/zsiec/delphis/media"
)

// pendingSet collects tile results for one frame index until all R*C have
// arrived.
type pendingSet struct {
	results []media.TileResult
	count   int
}

// reconstruct is the single-threaded join-and-gate stage. It assembles tile
// results by frame index, runs the classifier gate (or consumes SSD frames
// directly), maintains the track session, and fans out to the recorder,
// emitter, re-streamer and workspace writer. Running it serially keeps
// message ordering and session transitions trivially correct.
func (c *Controller) reconstruct(ctx context.Context) error {
	defer func() {
		// An open track is closed on the way out so every dol_id's run ends
		// with exactly one empty message.
		if c.session {
			c.emitter.Offer(event.DetectEmpty(c.cfg.URL, c.cfg.Index, c.lastCompleted, c.dolID))
			c.dolID++
			c.session = false
		}
		c.emitter.CloseInput()
		c.rec.CloseInput()
		if c.restreamer != nil {
			c.restreamer.CloseInput()
		}
		if c.boxes != nil {
			c.boxes.CloseInput()
		}
	}()

	grid := c.cfg.Routine.Row * c.cfg.Routine.Col
	pending := make(map[int64]*pendingSet)

	reconIn, fullIn := c.reconIn, c.fullIn
	for reconIn != nil || fullIn != nil {
		select {
		case res, ok := <-reconIn:
			if !ok {
				reconIn = nil
				continue
			}
			set := pending[res.FrameIndex]
			if set == nil {
				set = &pendingSet{results: make([]media.TileResult, grid)}
				pending[res.FrameIndex] = set
			}
			set.results[res.Row*c.cfg.Routine.Col+res.Col] = res
			set.count++
			if set.count == grid {
				delete(pending, res.FrameIndex)
				c.processTileSet(ctx, res.FrameIndex, set.results)
			}
		case f, ok := <-fullIn:
			if !ok {
				fullIn = nil
				continue
			}
			c.processSSDFrame(ctx, f)
		}
	}
	if n := len(pending); n > 0 {
		c.log.Info("incomplete tile sets discarded at shutdown", "count", n)
	}
	return nil
}

// processTileSet gates one joined frame in CLASSIFY mode.
func (c *Controller) processTileSet(ctx context.Context, idx int64, results []media.TileResult) {
	frame := c.frameAt(ctx, idx)
	if frame == nil {
		c.finishFrame(idx, nil, nil, nil)
		return
	}

	// A tile spraying candidates is scene noise (rain, glare), not motion
	// worth classifying.
	noise := false
	var candidates []media.Rect
	for _, tr := range results {
		if len(tr.Rects) >= c.MaxRectsPerTile {
			noise = true
			break
		}
		candidates = append(candidates, tr.Rects...)
	}
	if noise {
		c.log.Debug("frame discarded as noise", "index", idx)
		c.finishFrame(idx, frame, nil, nil)
		return
	}

	var retained []media.Rect
	var scores []float64
	for _, r := range candidates {
		crop := vision.Crop(frame.Image, r)
		if crop == nil {
			continue
		}
		cl, err := c.deps.Classifier.Predict(ctx, crop)
		if err != nil {
			c.log.Warn("classifier failed, treating crop as negative", "index", idx, "error", err)
			continue
		}
		if cl.ID == c.targetClass {
			retained = append(retained, r)
			scores = append(scores, cl.Score)
		}
	}
	c.finishFrame(idx, frame, retained, scores)
}

// processSSDFrame gates one preprocessed frame in SSD mode: boxes above the
// confidence threshold are the retained rectangles, no second classifier
// pass.
func (c *Controller) processSSDFrame(ctx context.Context, f *media.Frame) {
	boxes, err := c.deps.SSD.Detect(ctx, []image.Image{f.Image})
	if err != nil || len(boxes) == 0 {
		if err != nil {
			c.log.Warn("ssd detector failed, treating frame as negative", "index", f.Index, "error", err)
		}
		c.finishFrame(f.Index, f, nil, nil)
		return
	}
	var retained []media.Rect
	var scores []float64
	for _, b := range boxes[0] {
		if b.Score >= c.SSDConfidence {
			retained = append(retained, b.Rect)
			scores = append(scores, b.Score)
		}
	}
	c.finishFrame(f.Index, f, retained, scores)
}

// finishFrame applies the session/suppression/fan-out steps shared by both
// gate modes, then advances last_completed and notifies the recorder. A nil
// frame means the index was dropped on a cache miss; only the bookkeeping
// steps run.
func (c *Controller) finishFrame(idx int64, frame *media.Frame, retained []media.Rect, scores []float64) {
	switch {
	case frame == nil:
		// dropped

	case len(retained) > 0:
		if c.suppress(idx, retained, frame) {
			c.lastDetection = idx
			c.suppressed.Add(1)
			c.log.Debug("detection suppressed as continuous", "index", idx)
		} else {
			c.session = true
			c.emitter.Offer(event.Detect(c.cfg.URL, c.cfg.Index, idx, retained, c.dolID))
			c.rec.Trigger(recorder.Trigger{Index: idx, Rects: retained, At: frame.At})
			c.rects.Put(idx, retained)
			if c.cfg.Render {
				annotated := frame.Clone()
				annotate.Rectangles(annotated, retained)
				if c.render.Put(idx, annotated) {
					go c.render.Sweep()
				}
			}
			if c.restreamer != nil {
				c.restreamer.Offer(restream.Item{
					Frame:  frame,
					Result: &media.DetectionResult{FrameIndex: idx, Rects: retained, Scores: scores},
				})
			}
			if c.boxes != nil {
				c.boxes.Offer(workspace.Box{Frame: frame.Clone(), Rects: retained, At: frame.At})
			}
			c.lastDetection = idx
			c.detections.Add(1)
			c.log.Info("detection", "index", idx, "rects", len(retained), "dol_id", c.dolID)
		}

	default:
		if c.session {
			c.emitter.Offer(event.DetectEmpty(c.cfg.URL, c.cfg.Index, idx, c.dolID))
			c.log.Info("track ended", "index", idx, "dol_id", c.dolID)
			c.dolID++
			c.session = false
		}
		if c.restreamer != nil {
			c.restreamer.Offer(restream.Item{
				Frame:  frame,
				Result: &media.DetectionResult{FrameIndex: idx},
			})
		}
	}

	if idx > c.lastCompleted {
		c.lastCompleted = idx
	}
	c.rec.Notify(c.lastCompleted)
}

// suppress decides whether a positive inside the detect_internal window is a
// stationary repeat offender: the motion stage is re-run over the next
// search_window_size cached frames and the SSIM of matching crops against
// the current ones is collected. A tight similarity spread means the object
// is not going anywhere.
func (c *Controller) suppress(idx int64, retained []media.Rect, frame *media.Frame) bool {
	if c.lastDetection < 0 {
		return false
	}
	if gap := idx - c.lastDetection; gap < 0 || gap > int64(c.cfg.DetectInternal) {
		return false
	}

	curCrops := make([]*image.RGBA, len(retained))
	for i, r := range retained {
		curCrops[i] = vision.Crop(frame.Image, r)
	}

	var sims []float64
	for k := idx + 1; k <= idx+int64(c.cfg.SearchWindowSize); k++ {
		f, ok := c.frames.Get(k)
		if !ok {
			continue
		}
		img := media.Resize(f.Image, c.cfg.Shape.W, c.cfg.Shape.H)
		cand, err := motion.ScanGrid(c.deps.Motion, img, c.cfg.Routine.Row, c.cfg.Routine.Col)
		if err != nil {
			continue
		}
		n := len(cand)
		if len(retained) < n {
			n = len(retained)
		}
		for i := 0; i < n; i++ {
			crop := vision.Crop(img, cand[i])
			if crop == nil || curCrops[i] == nil {
				continue
			}
			sims = append(sims, vision.SSIM(crop, curCrops[i]))
		}
	}

	if len(sims) == 0 {
		return false
	}
	return vision.StdDev(sims) <= c.cfg.SimilarityThresh
}

// frameAt fetches the raw frame for idx, retrying while the dispatcher
// commit or an eviction race settles. Exhausted retries drop the frame.
func (c *Controller) frameAt(ctx context.Context, idx int64) *media.Frame {
	for attempt := 0; ; attempt++ {
		if f, ok := c.frames.Get(idx); ok {
			return f
		}
		if attempt >= c.CacheMissRetries {
			c.cacheMisses.Add(1)
			c.log.Warn("frame missing from cache, dropped", "index", idx, "retries", attempt)
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.CacheMissDelay):
		}
	}
}
