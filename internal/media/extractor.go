package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Runner executes an external program and returns its standard output.
// stdin may be nil.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := lastLine(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// Options configures an Extractor. Zero values fall back to defaults.
type Options struct {
	FFmpegPath   string
	FFprobePath  string
	FrameTimeout time.Duration
	RangeTimeout time.Duration
	Runner       Runner
	Logger       *slog.Logger
}

// Extractor pulls frames, sub-ranges and audio tracks out of a video file
// using ffmpeg and ffprobe.
type Extractor struct {
	ffmpeg       string
	ffprobe      string
	frameTimeout time.Duration
	rangeTimeout time.Duration
	runner       Runner
	logger       *slog.Logger
}

// NewExtractor creates an Extractor. Frame extraction defaults to a 5s
// timeout and range extraction to 60s.
func NewExtractor(opts Options) *Extractor {
	e := &Extractor{
		ffmpeg:       opts.FFmpegPath,
		ffprobe:      opts.FFprobePath,
		frameTimeout: opts.FrameTimeout,
		rangeTimeout: opts.RangeTimeout,
		runner:       opts.Runner,
		logger:       opts.Logger,
	}
	if e.ffmpeg == "" {
		e.ffmpeg = "ffmpeg"
	}
	if e.ffprobe == "" {
		e.ffprobe = "ffprobe"
	}
	if e.frameTimeout <= 0 {
		e.frameTimeout = 5 * time.Second
	}
	if e.rangeTimeout <= 0 {
		e.rangeTimeout = 60 * time.Second
	}
	if e.runner == nil {
		e.runner = ExecRunner{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Runner returns the runner used for external programs so that other
// components can share it.
func (e *Extractor) Runner() Runner {
	return e.runner
}

// Duration returns the media duration of path in seconds.
func (e *Extractor) Duration(ctx context.Context, path string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.frameTimeout)
	defer cancel()

	out, err := e.runner.Run(callCtx, nil, e.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, &ExtractionError{Op: "duration", Path: path, Err: err}
	}
	raw := strings.TrimSpace(string(out))
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &ExtractionError{Op: "duration", Path: path, Err: fmt.Errorf("parsing %q: %w", raw, err)}
	}
	return d, nil
}

// Frame extracts a single PNG still at the given timestamp.
func (e *Extractor) Frame(ctx context.Context, path string, at float64) Result {
	callCtx, cancel := context.WithTimeout(ctx, e.frameTimeout)
	defer cancel()

	out, err := e.runner.Run(callCtx, nil, e.ffmpeg,
		"-v", "error",
		"-ss", formatSeconds(at),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"pipe:1",
	)
	res := classify(ctx, callCtx, "frame", path, at, out, err)
	if res.Outcome != OK {
		e.logger.Debug("frame extraction produced no data", "at", at, "outcome", res.Outcome, "error", res.Err)
	}
	return res
}

// Range copies [start, end) of path into dst without re-encoding.
// On success the Result carries no data; dst holds the media.
func (e *Extractor) Range(ctx context.Context, path string, start, end float64, dst string) Result {
	callCtx, cancel := context.WithTimeout(ctx, e.rangeTimeout)
	defer cancel()

	_, err := e.runner.Run(callCtx, nil, e.ffmpeg,
		"-v", "error",
		"-y",
		"-ss", formatSeconds(start),
		"-to", formatSeconds(end),
		"-i", path,
		"-c:v", "copy",
		"-c:a", "copy",
		dst,
	)
	if err == nil {
		fi, statErr := os.Stat(dst)
		switch {
		case statErr != nil:
			err = statErr
		case fi.Size() == 0:
			err = errNoOutput
		default:
			return Result{Outcome: OK}
		}
	}
	return classify(ctx, callCtx, "range", path, start, nil, err)
}

// ExtractAudio writes a 16kHz mono PCM WAV track of path to dst.
// It runs without the per-call timeout since it covers the whole file.
func (e *Extractor) ExtractAudio(ctx context.Context, path, dst string) error {
	_, err := e.runner.Run(ctx, nil, e.ffmpeg,
		"-v", "error",
		"-y",
		"-i", path,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		dst,
	)
	if err != nil {
		return &ExtractionError{Op: "audio", Path: path, Err: err}
	}
	return nil
}

func classify(parent, callCtx context.Context, op, path string, at float64, out []byte, err error) Result {
	if err == nil && len(out) > 0 {
		return Result{Outcome: OK, Data: out}
	}
	if err == nil {
		err = errNoOutput
	}
	xerr := &ExtractionError{Op: op, Path: path, At: at, Err: err}
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		xerr.Err = fmt.Errorf("%w: %v", ErrTimeout, err)
		return Result{Outcome: TimedOut, Err: xerr}
	}
	return Result{Outcome: Empty, Err: xerr}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}
