// Package config loads and validates the Delphis configuration document: a
// JSON file with one server block and an array of per-channel video configs.
package config

import (
	"encoding/json"
	"fmt"
	"image"
	"os"

	"github.com/zsiec/delphis/internal/motion"
	"github.com/zsiec/delphis/media"
)

// Detection gate modes.
const (
	ModeClassify = "CLASSIFY" // tile motion + per-crop classifier
	ModeSSD      = "SSD"      // full-frame SSD detector
)

// Online source modes recognised by the ingest registry.
const (
	OnlineRTSP    = "rtsp"
	OnlineHTTP    = "http"
	OnlineOffline = "offline"
)

// Shape is a frame resolution. It serialises as the JSON array [w, h].
type Shape struct {
	W, H int
}

// Point converts the shape to an image.Point.
func (s Shape) Point() image.Point { return image.Pt(s.W, s.H) }

func (s Shape) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.W, s.H})
}

func (s *Shape) UnmarshalJSON(data []byte) error {
	var a [2]int
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	s.W, s.H = a[0], a[1]
	return nil
}

// Routine is the tile grid of the motion stage.
type Routine struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Video configures one channel's detection controller.
type Video struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Enable *bool  `json:"enable"` // nil means enabled

	// Source.
	URL    string `json:"url"`
	Online string `json:"online"` // rtsp | http | offline

	// Detection geometry and cadence.
	Shape      Shape   `json:"shape"`
	Routine    Routine `json:"routine"`
	SampleRate int     `json:"sample_rate"`
	PreCache   int     `json:"pre_cache"`
	Blur       bool    `json:"blur"`

	// Buffering.
	MaxStreamsCache int `json:"max_streams_cache"`
	MaxCache        int `json:"max_cache"`
	IdleTimeoutSec  int `json:"idle_timeout_sec"`

	// Event clips.
	FutureFrames int `json:"future_frames"`
	PreFrames    int `json:"pre_frames"` // 0 means future_frames

	// Continuous-detection de-duplication.
	DetectInternal   int     `json:"detect_internal"`
	SearchWindowSize int     `json:"search_window_size"`
	SimilarityThresh float64 `json:"similarity_thresh"`

	// Outputs.
	Render       bool   `json:"render"`
	PushStream   bool   `json:"push_stream"`
	PushTo       string `json:"push_to"`
	SaveBox      bool   `json:"save_box"`
	SaveOriginal *bool  `json:"save_original"` // nil means enabled

	// Motion stage tuning.
	Alg motion.Params `json:"alg"`
}

// Enabled reports whether the channel should be started.
func (v *Video) Enabled() bool { return v.Enable == nil || *v.Enable }

// SaveOriginalClip reports whether raw companion clips are written.
func (v *Video) SaveOriginalClip() bool { return v.SaveOriginal == nil || *v.SaveOriginal }

// Server holds the process-level options shared by all channels.
type Server struct {
	DetectMode  string `json:"detect_mode"` // CLASSIFY | SSD
	TargetClass int    `json:"target_class"`
	Workspace   string `json:"workspace"`
	MessageLog  string `json:"message_log"`
	LogLevel    string `json:"log_level"`
}

// Config is the whole document.
type Config struct {
	Server Server   `json:"server"`
	Videos []*Video `json:"videos"`
}

// Load reads, defaults and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields in place.
func (c *Config) ApplyDefaults() {
	if c.Server.DetectMode == "" {
		c.Server.DetectMode = ModeClassify
	}
	if c.Server.Workspace == "" {
		c.Server.Workspace = "workspace"
	}
	for _, v := range c.Videos {
		v.applyDefaults()
	}
}

func (v *Video) applyDefaults() {
	if v.Online == "" {
		v.Online = OnlineRTSP
	}
	if v.Shape.W == 0 || v.Shape.H == 0 {
		v.Shape = Shape{W: 1920, H: 1080}
	}
	if v.Routine.Row == 0 {
		v.Routine.Row = 1
	}
	if v.Routine.Col == 0 {
		v.Routine.Col = 1
	}
	if v.SampleRate == 0 {
		v.SampleRate = 5
	}
	if v.MaxStreamsCache == 0 {
		v.MaxStreamsCache = media.IngestQueueSize
	}
	if v.MaxCache == 0 {
		v.MaxCache = 1000
	}
	if v.IdleTimeoutSec == 0 {
		v.IdleTimeoutSec = 10
	}
	if v.FutureFrames == 0 {
		v.FutureFrames = 60
	}
	if v.PreFrames == 0 {
		v.PreFrames = v.FutureFrames
	}
	if v.DetectInternal == 0 {
		v.DetectInternal = 120
	}
	if v.SearchWindowSize == 0 {
		v.SearchWindowSize = 10
	}
	if v.SimilarityThresh == 0 {
		v.SimilarityThresh = 0.01
	}
}

// Validate rejects configurations the controller cannot run.
func (c *Config) Validate() error {
	if c.Server.DetectMode != ModeClassify && c.Server.DetectMode != ModeSSD {
		return fmt.Errorf("config: unknown detect_mode %q", c.Server.DetectMode)
	}
	seen := make(map[int]bool)
	for _, v := range c.Videos {
		if seen[v.Index] {
			return fmt.Errorf("config: duplicate channel index %d", v.Index)
		}
		seen[v.Index] = true
		if err := v.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (v *Video) validate() error {
	switch v.Online {
	case OnlineRTSP, OnlineHTTP, OnlineOffline:
	default:
		return fmt.Errorf("config: channel %d: unknown online mode %q", v.Index, v.Online)
	}
	if v.Enabled() && v.URL == "" {
		return fmt.Errorf("config: channel %d: url is required", v.Index)
	}
	if v.Routine.Row < 1 || v.Routine.Col < 1 {
		return fmt.Errorf("config: channel %d: routine must be at least 1x1", v.Index)
	}
	if v.SampleRate < 1 {
		return fmt.Errorf("config: channel %d: sample_rate must be positive", v.Index)
	}
	if v.PushStream && v.PushTo == "" {
		return fmt.Errorf("config: channel %d: push_stream requires push_to", v.Index)
	}
	return nil
}
