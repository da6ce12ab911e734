// Package encoder wraps ffmpeg subprocesses that consume raw rgb24 frames on
// stdin: an MP4 clip writer used by the event recorder and an RTMP/RTSP
// pusher used by the annotated re-streamer. Argument construction is kept in
// pure functions so tests can verify the command lines without spawning
// anything.
package encoder

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultFPS is the output frame rate of both clips and pushed streams.
const DefaultFPS = 24

// ErrClosed is returned by WriteFrame after Close, or after the subprocess
// has died.
var ErrClosed = errors.New("encoder: writer closed")

// FrameSink receives annotated frames. The recorder and re-streamer depend
// on this interface so tests can capture frames without ffmpeg.
type FrameSink interface {
	WriteFrame(img *image.RGBA) error
	Close() error
}

// ClipArgs builds the ffmpeg command line for writing an MP4 clip from raw
// rgb24 frames on stdin.
func ClipArgs(path string, w, h, fps int) []string {
	return []string{
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", fmt.Sprintf("%d", fps),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		path,
	}
}

// PushArgs builds the ffmpeg command line for pushing raw rgb24 stdin frames
// to a live sink. RTSP targets use the rtsp muxer, everything else flv.
func PushArgs(url string, w, h, fps int) []string {
	format := "flv"
	if strings.HasPrefix(url, "rtsp://") {
		format = "rtsp"
	}
	return []string{
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", fmt.Sprintf("%d", fps),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-f", format,
		url,
	}
}

// Writer feeds rgb24 frames to an ffmpeg subprocess.
type Writer struct {
	log    *slog.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	w, h   int
	buf    []byte
	closed bool
}

// NewClipWriter spawns ffmpeg writing an MP4 at path.
func NewClipWriter(path string, w, h, fps int, log *slog.Logger) (*Writer, error) {
	return start(ClipArgs(path, w, h, fps), w, h, log)
}

// NewPusher spawns ffmpeg pushing to url, writes one zero frame and waits
// out the grace period so the remote mux can accept the connection before
// real frames arrive.
func NewPusher(url string, w, h, fps int, grace time.Duration, log *slog.Logger) (*Writer, error) {
	pw, err := start(PushArgs(url, w, h, fps), w, h, log)
	if err != nil {
		return nil, err
	}
	if err := pw.WriteFrame(image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		pw.Close()
		return nil, fmt.Errorf("encoder: prime push stream: %w", err)
	}
	time.Sleep(grace)
	return pw, nil
}

func start(args []string, w, h int, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	cmd := exec.Command("ffmpeg", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("encoder: start ffmpeg: %w", err)
	}
	log.Debug("encoder started", "pid", cmd.Process.Pid, "args", strings.Join(args, " "))
	return &Writer{
		log:   log,
		cmd:   cmd,
		stdin: stdin,
		w:     w,
		h:     h,
		buf:   make([]byte, w*h*3),
	}, nil
}

// WriteFrame encodes img as one rgb24 frame. The image must match the
// writer's resolution.
func (e *Writer) WriteFrame(img *image.RGBA) error {
	if e.closed {
		return ErrClosed
	}
	b := img.Bounds()
	if b.Dx() != e.w || b.Dy() != e.h {
		return fmt.Errorf("encoder: frame is %dx%d, writer expects %dx%d", b.Dx(), b.Dy(), e.w, e.h)
	}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for x := 0; x < len(row); x += 4 {
			e.buf[i] = row[x]
			e.buf[i+1] = row[x+1]
			e.buf[i+2] = row[x+2]
			i += 3
		}
	}
	if _, err := e.stdin.Write(e.buf); err != nil {
		e.closed = true
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Close shuts stdin and waits for ffmpeg to finish muxing.
func (e *Writer) Close() error {
	if e.cmd == nil {
		return nil
	}
	e.closed = true
	e.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- e.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("encoder: ffmpeg exit: %w", err)
		}
		return nil
	case <-time.After(30 * time.Second):
		e.cmd.Process.Kill()
		e.log.Warn("encoder did not exit, killed", "pid", e.cmd.Process.Pid)
		return <-done
	}
}
