package transcribe

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

//go:embed assets/whisper_helper.py
var helperScript []byte

// closeTimeout bounds how long Close waits for the helper to exit after its
// stdin is closed.
const closeTimeout = 10 * time.Second

// WhisperConfig configures the faster-whisper helper.
type WhisperConfig struct {
	Python string // defaults to python3
	Model  string // defaults to large-v3
	Device string // auto|cpu|cuda
	Logger *slog.Logger
}

// helperProc is a running helper. Requests are written to stdin and answered
// on stdout, one JSON document per line.
type helperProc struct {
	stdin  io.WriteCloser
	stdout *bufio.Reader
	kill   func() error
	wait   func() error
}

type startFunc func(name string, args ...string) (*helperProc, error)

// WhisperEngine runs faster-whisper in a long-lived python helper that loads
// the model once. The helper is started on the first Transcribe call and
// serves one request at a time; Close stops it.
type WhisperEngine struct {
	cfg    WhisperConfig
	start  startFunc
	logger *slog.Logger

	mu     sync.Mutex
	proc   *helperProc
	script string
	closed bool
}

// NewWhisperEngine creates a WhisperEngine. No process is started until the
// first call.
func NewWhisperEngine(cfg WhisperConfig) *WhisperEngine {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Model == "" {
		cfg.Model = "large-v3"
	}
	if cfg.Device == "" {
		cfg.Device = "auto"
	}
	w := &WhisperEngine{cfg: cfg, logger: cfg.Logger}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.start = w.execStart
	return w
}

// Compile-time check that WhisperEngine implements Engine.
var _ Engine = (*WhisperEngine)(nil)

// helperRequest is one line on the helper's stdin.
type helperRequest struct {
	Audio         string `json:"audio"`
	Language      string `json:"language,omitempty"`
	InitialPrompt string `json:"initial_prompt,omitempty"`
	Condition     bool   `json:"condition_on_previous_text"`
}

// helperResponse is one line on the helper's stdout.
type helperResponse struct {
	Transcript
	Error string `json:"error,omitempty"`
}

func (w *WhisperEngine) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	line, err := json.Marshal(helperRequest{
		Audio:         req.Path,
		Language:      req.Language,
		InitialPrompt: req.Prompt,
		Condition:     req.ConditionOnPreviousText,
	})
	if err != nil {
		return Transcript{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Transcript{}, errors.New("faster-whisper: engine closed")
	}
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	if w.proc == nil {
		if err := w.launch(); err != nil {
			return Transcript{}, err
		}
	}
	proc := w.proc

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		if _, err := proc.stdin.Write(append(line, '\n')); err != nil {
			done <- result{err: fmt.Errorf("writing request: %w", err)}
			return
		}
		out, err := proc.stdout.ReadBytes('\n')
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		// The helper is still busy with this request; its answer would be
		// read by the next call, so the process is discarded.
		w.discard()
		<-done
		return Transcript{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			w.discard()
			return Transcript{}, fmt.Errorf("faster-whisper helper exited: %w", r.err)
		}
		return parseHelperOutput(r.out)
	}
}

// Close stops the helper. It is safe to call more than once.
func (w *WhisperEngine) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.proc == nil {
		w.removeScript()
		return nil
	}
	proc := w.proc
	w.proc = nil
	defer w.removeScript()

	proc.stdin.Close()
	exited := make(chan error, 1)
	go func() { exited <- proc.wait() }()
	select {
	case err := <-exited:
		return err
	case <-time.After(closeTimeout):
		proc.kill()
		return <-exited
	}
}

// launch writes the embedded script to a temp file and starts the helper.
// Callers hold w.mu.
func (w *WhisperEngine) launch() error {
	if w.script == "" {
		f, err := os.CreateTemp("", "lecseg-whisper-*.py")
		if err != nil {
			return fmt.Errorf("creating helper script: %w", err)
		}
		if _, err := f.Write(helperScript); err != nil {
			f.Close()
			os.Remove(f.Name())
			return fmt.Errorf("writing helper script: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return fmt.Errorf("writing helper script: %w", err)
		}
		w.script = f.Name()
	}

	w.logger.Info("starting faster-whisper helper", "model", w.cfg.Model, "device", w.cfg.Device)
	proc, err := w.start(w.cfg.Python, w.args()...)
	if err != nil {
		return fmt.Errorf("starting faster-whisper helper: %w", err)
	}
	w.proc = proc
	return nil
}

func (w *WhisperEngine) args() []string {
	return []string{w.script, "--model", w.cfg.Model, "--device", w.cfg.Device}
}

// discard kills the current helper so the next call starts a fresh one.
// Callers hold w.mu.
func (w *WhisperEngine) discard() {
	if w.proc == nil {
		return
	}
	w.proc.kill()
	w.proc.stdin.Close()
	go w.proc.wait()
	w.proc = nil
}

func (w *WhisperEngine) removeScript() {
	if w.script != "" {
		os.Remove(w.script)
		w.script = ""
	}
}

func (w *WhisperEngine) execStart(name string, args ...string) (*helperProc, error) {
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = logWriter{w.logger}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &helperProc{
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		kill:   cmd.Process.Kill,
		wait:   cmd.Wait,
	}, nil
}

// logWriter forwards helper stderr to the logger.
type logWriter struct{ logger *slog.Logger }

func (l logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			l.logger.Warn("faster-whisper", "line", line)
		}
	}
	return len(p), nil
}

func parseHelperOutput(out []byte) (Transcript, error) {
	var resp helperResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return Transcript{}, fmt.Errorf("parsing helper output: %w", err)
	}
	if resp.Error != "" {
		return Transcript{}, fmt.Errorf("faster-whisper: %s", resp.Error)
	}
	tr := resp.Transcript
	for i := range tr.Segments {
		tr.Segments[i].Text = strings.TrimSpace(tr.Segments[i].Text)
	}
	return tr, nil
}
