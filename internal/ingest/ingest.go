// Package ingest supplies the decoded-frame channels the detection
// controllers consume. Online sources (rtsp, http) and offline files are
// decoded by an ffmpeg subprocess emitting raw rgb24 on stdout; an in-memory
// image source serves tests and smoke runs.
package ingest

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zsiec/delphis/internal/config"
	"github.com/zsiec/delphis/media"
)

// Source produces decoded frames on out until the context is cancelled or
// the source is exhausted. Sources stamp the arrival time and leave Index
// zero; the dispatcher assigns indices.
type Source interface {
	Run(ctx context.Context, out chan<- *media.Frame) error
}

// respawnBackoff is the delay before an online source restarts its decoder.
const respawnBackoff = time.Second

// New returns the source for a channel config, selected by its online mode.
func New(cfg *config.Video, log *slog.Logger) (Source, error) {
	switch cfg.Online {
	case config.OnlineRTSP, config.OnlineHTTP, config.OnlineOffline:
		return NewPipeSource(cfg, log), nil
	default:
		return nil, fmt.Errorf("ingest: unknown online mode %q", cfg.Online)
	}
}

// PipeSource decodes a URL or file through ffmpeg into rgb24 frames at the
// channel's configured shape.
type PipeSource struct {
	log  *slog.Logger
	url  string
	mode string
	w, h int

	frames   atomic.Int64
	respawns atomic.Int64
}

// NewPipeSource builds a pipe source from the channel config. If log is nil,
// slog.Default() is used.
func NewPipeSource(cfg *config.Video, log *slog.Logger) *PipeSource {
	if log == nil {
		log = slog.Default()
	}
	return &PipeSource{
		log:  log.With("component", "ingest", "channel", cfg.Index),
		url:  cfg.URL,
		mode: cfg.Online,
		w:    cfg.Shape.W,
		h:    cfg.Shape.H,
	}
}

// DecodeArgs builds the ffmpeg command line decoding url to rgb24 stdout.
// RTSP sources force TCP transport; offline files pace at native rate.
func DecodeArgs(mode, url string, w, h int) []string {
	var args []string
	switch {
	case mode == config.OnlineRTSP || strings.HasPrefix(url, "rtsp://"):
		args = append(args, "-rtsp_transport", "tcp")
	case mode == config.OnlineOffline:
		args = append(args, "-re")
	}
	return append(args,
		"-i", url,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-",
	)
}

// Run decodes frames until the context ends. Online sources respawn the
// decoder after a backoff when it dies; offline sources return at EOF.
func (s *PipeSource) Run(ctx context.Context, out chan<- *media.Frame) error {
	for {
		err := s.decodeOnce(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if s.mode == config.OnlineOffline {
			return err
		}
		s.respawns.Add(1)
		s.log.Warn("decoder exited, respawning", "error", err, "backoff", respawnBackoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(respawnBackoff):
		}
	}
}

func (s *PipeSource) decodeOnce(ctx context.Context, out chan<- *media.Frame) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", DecodeArgs(s.mode, s.url, s.w, s.h)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ingest: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ingest: start decoder: %w", err)
	}
	defer cmd.Wait()

	s.log.Info("decoder started", "url", s.url, "pid", cmd.Process.Pid)

	frameLen := s.w * s.h * 3
	buf := make([]byte, frameLen)
	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("ingest: read frame: %w", err)
		}
		img := image.NewRGBA(image.Rect(0, 0, s.w, s.h))
		for i, o := 0, 0; i < frameLen; i, o = i+3, o+4 {
			img.Pix[o] = buf[i]
			img.Pix[o+1] = buf[i+1]
			img.Pix[o+2] = buf[i+2]
			img.Pix[o+3] = 255
		}
		select {
		case <-ctx.Done():
			return nil
		case out <- &media.Frame{Image: img, At: time.Now()}:
			s.frames.Add(1)
		}
	}
}

// Frames returns the total frames decoded so far.
func (s *PipeSource) Frames() int64 { return s.frames.Load() }

// Respawns returns how many times the decoder was restarted.
func (s *PipeSource) Respawns() int64 { return s.respawns.Load() }

// ImageSource replays an in-memory slice of frames at a fixed interval. An
// interval of zero replays as fast as the consumer accepts.
type ImageSource struct {
	Images   []*image.RGBA
	Interval time.Duration
}

// Run sends every image once, then returns.
func (s *ImageSource) Run(ctx context.Context, out chan<- *media.Frame) error {
	for _, img := range s.Images {
		select {
		case <-ctx.Done():
			return nil
		case out <- &media.Frame{Image: img, At: time.Now()}:
		}
		if s.Interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.Interval):
			}
		}
	}
	return nil
}
