// Package workspace owns the per-channel directory tree and the save_box
// artifact writer: positive frames, their crops, and the bbox.json mapping
// saved filenames to rectangle lists.
package workspace

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/zsiec/delphis/media"
)

// Subdirectories of every channel workspace.
var subdirs = []string{
	"blocks", "frames", "crops", "render-streams", "original-streams", "tests",
}

// Workspace is one channel's directory tree rooted at
// <root>/<channel-index>/.
type Workspace struct {
	dir string
}

// Open creates the channel tree under root and returns it.
func Open(root string, channel int) (*Workspace, error) {
	dir := filepath.Join(root, strconv.Itoa(channel))
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("workspace: create %s: %w", sub, err)
		}
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string { return w.dir }

// RenderStreamsDir returns the directory for annotated event clips.
func (w *Workspace) RenderStreamsDir() string { return filepath.Join(w.dir, "render-streams") }

// OriginalStreamsDir returns the directory for raw companion clips.
func (w *Workspace) OriginalStreamsDir() string { return filepath.Join(w.dir, "original-streams") }

// FramesDir returns the directory for saved positive frames.
func (w *Workspace) FramesDir() string { return filepath.Join(w.dir, "frames") }

// CropsDir returns the directory for saved candidate crops.
func (w *Workspace) CropsDir() string { return filepath.Join(w.dir, "crops") }

// BBoxPath returns the path of the bbox.json index.
func (w *Workspace) BBoxPath() string { return filepath.Join(w.dir, "bbox.json") }

// ArtifactName builds the shared basename for clips and saved frames:
// start timestamp (MMDDhhmmss) plus a monotonic counter.
func ArtifactName(at time.Time, counter int64) string {
	return fmt.Sprintf("%s_%d", at.Format("0102150405"), counter)
}

// SaveFrame writes the full frame under frames/<name>.png, one crop per
// rectangle under crops/<name>_<i>.png, and records the rectangles in
// bbox.json.
func (w *Workspace) SaveFrame(name string, frame *image.RGBA, rects []media.Rect) error {
	if err := writePNG(filepath.Join(w.FramesDir(), name+".png"), frame); err != nil {
		return err
	}
	for i, r := range rects {
		b := r.Bounds().Intersect(frame.Bounds())
		if b.Empty() {
			continue
		}
		crop := media.CloneRGBA(frame.SubImage(b).(*image.RGBA))
		path := filepath.Join(w.CropsDir(), fmt.Sprintf("%s_%d.png", name, i))
		if err := writePNG(path, crop); err != nil {
			return err
		}
	}
	return w.recordBBox(name+".png", rects)
}

// BBoxes reads the current bbox.json content. A missing file is an empty map.
func (w *Workspace) BBoxes() (map[string][]media.Rect, error) {
	data, err := os.ReadFile(w.BBoxPath())
	if os.IsNotExist(err) {
		return map[string][]media.Rect{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: read bbox.json: %w", err)
	}
	boxes := make(map[string][]media.Rect)
	if err := json.Unmarshal(data, &boxes); err != nil {
		return nil, fmt.Errorf("workspace: parse bbox.json: %w", err)
	}
	return boxes, nil
}

// recordBBox merges one entry into bbox.json via temp file and rename, so a
// crash never leaves a torn index.
func (w *Workspace) recordBBox(filename string, rects []media.Rect) error {
	boxes, err := w.BBoxes()
	if err != nil {
		return err
	}
	boxes[filename] = rects

	data, err := json.MarshalIndent(boxes, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: marshal bbox.json: %w", err)
	}
	tmp := w.BBoxPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("workspace: write bbox.json: %w", err)
	}
	if err := os.Rename(tmp, w.BBoxPath()); err != nil {
		return fmt.Errorf("workspace: commit bbox.json: %w", err)
	}
	return nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("workspace: create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("workspace: encode %s: %w", filepath.Base(path), err)
	}
	return nil
}
