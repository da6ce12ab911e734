package workspace

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/delphis/media"
)

func testFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

func TestOpenCreatesTree(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	ws, err := Open(root, 7)
	require.NoError(t, err)

	for _, sub := range []string{"blocks", "frames", "crops", "render-streams", "original-streams", "tests"} {
		info, err := os.Stat(filepath.Join(root, "7", sub))
		require.NoError(t, err, sub)
		assert.True(t, info.IsDir(), sub)
	}
	assert.Equal(t, filepath.Join(root, "7", "render-streams"), ws.RenderStreamsDir())
}

func TestArtifactName(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 6, 3, 14, 25, 9, 0, time.UTC)
	assert.Equal(t, "0603142509_12", ArtifactName(at, 12))
}

func TestSaveFrameWritesArtifacts(t *testing.T) {
	t.Parallel()

	ws, err := Open(t.TempDir(), 1)
	require.NoError(t, err)

	rects := []media.Rect{{X: 5, Y: 5, W: 10, H: 10}, {X: 20, Y: 8, W: 6, H: 6}}
	require.NoError(t, ws.SaveFrame("0101000000_1", testFrame(64, 48), rects))

	assert.FileExists(t, filepath.Join(ws.FramesDir(), "0101000000_1.png"))
	assert.FileExists(t, filepath.Join(ws.CropsDir(), "0101000000_1_0.png"))
	assert.FileExists(t, filepath.Join(ws.CropsDir(), "0101000000_1_1.png"))

	boxes, err := ws.BBoxes()
	require.NoError(t, err)
	assert.Equal(t, rects, boxes["0101000000_1.png"])
}

func TestBBoxMergesAcrossSaves(t *testing.T) {
	t.Parallel()

	ws, err := Open(t.TempDir(), 1)
	require.NoError(t, err)

	require.NoError(t, ws.SaveFrame("a", testFrame(32, 32), []media.Rect{{X: 1, Y: 1, W: 4, H: 4}}))
	require.NoError(t, ws.SaveFrame("b", testFrame(32, 32), []media.Rect{{X: 2, Y: 2, W: 8, H: 8}}))

	boxes, err := ws.BBoxes()
	require.NoError(t, err)
	require.Len(t, boxes, 2)
	assert.Contains(t, boxes, "a.png")
	assert.Contains(t, boxes, "b.png")

	// No stray temp file after the atomic rewrite.
	assert.NoFileExists(t, ws.BBoxPath()+".tmp")
}

func TestWriterDrains(t *testing.T) {
	t.Parallel()

	ws, err := Open(t.TempDir(), 2)
	require.NoError(t, err)
	w := NewWriter(ws, nil)

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.True(t, w.Offer(Box{Frame: testFrame(16, 16), Rects: []media.Rect{{X: 0, Y: 0, W: 8, H: 8}}, At: at}))
	require.True(t, w.Offer(Box{Frame: testFrame(16, 16), At: at}))
	w.CloseInput()

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, int64(2), w.Saved())

	boxes, err := ws.BBoxes()
	require.NoError(t, err)
	assert.Len(t, boxes, 2)
}
