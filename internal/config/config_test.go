package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/delphis/media"
)

const sampleConfig = `{
  "server": {
    "detect_mode": "CLASSIFY",
    "workspace": "/tmp/delphis",
    "message_log": "/tmp/delphis/messages.ndjson"
  },
  "videos": [
    {
      "index": 3,
      "name": "harbor-east",
      "url": "rtsp://camera.local/stream1",
      "online": "rtsp",
      "shape": [1280, 720],
      "routine": {"row": 2, "col": 2},
      "sample_rate": 5,
      "pre_cache": 120,
      "future_frames": 48,
      "detect_internal": 100,
      "search_window_size": 5,
      "similarity_thresh": 0.02,
      "render": true,
      "push_stream": true,
      "push_to": "rtmp://out.local/live/3",
      "save_box": true
    }
  ]
}`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "video.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Videos, 1)
	v := cfg.Videos[0]
	assert.Equal(t, 3, v.Index)
	assert.True(t, v.Enabled())
	assert.Equal(t, Shape{W: 1280, H: 720}, v.Shape)
	assert.Equal(t, 2, v.Routine.Row)
	assert.Equal(t, 2, v.Routine.Col)
	assert.Equal(t, "rtmp://out.local/live/3", v.PushTo)

	// Defaults filled where the document is silent.
	assert.Equal(t, 48, v.PreFrames, "pre_frames defaults to future_frames")
	assert.Equal(t, 1000, v.MaxCache)
	assert.Equal(t, media.IngestQueueSize, v.MaxStreamsCache, "ingest queue bound")
	assert.True(t, v.SaveOriginalClip())
	assert.Equal(t, ModeClassify, cfg.Server.DetectMode)
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "unknown detect mode",
			doc:  `{"server": {"detect_mode": "YOLO"}, "videos": []}`,
		},
		{
			name: "duplicate channel index",
			doc: `{"videos": [
				{"index": 1, "url": "rtsp://a"},
				{"index": 1, "url": "rtsp://b"}
			]}`,
		},
		{
			name: "missing url on enabled channel",
			doc:  `{"videos": [{"index": 1}]}`,
		},
		{
			name: "unknown online mode",
			doc:  `{"videos": [{"index": 1, "url": "rtsp://a", "online": "udp"}]}`,
		},
		{
			name: "push without target",
			doc:  `{"videos": [{"index": 1, "url": "rtsp://a", "push_stream": true}]}`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestDisabledChannelSkipsURLCheck(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `{"videos": [{"index": 1, "enable": false}]}`))
	require.NoError(t, err)
	assert.False(t, cfg.Videos[0].Enabled())
}

func TestShapeRoundTrip(t *testing.T) {
	t.Parallel()

	s := Shape{W: 640, H: 480}
	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "[640,480]", string(data))

	var got Shape
	require.NoError(t, got.UnmarshalJSON(data))
	assert.Equal(t, s, got)
}
