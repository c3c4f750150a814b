package transcribe

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeHelper stands in for the python helper process. Every request line is
// answered with reply(req); an empty reply makes the process exit.
type fakeHelper struct {
	reply func(req helperRequest) string

	mu       sync.Mutex
	starts   int
	name     string
	args     []string
	script   string
	requests []helperRequest
}

func (f *fakeHelper) start(name string, args ...string) (*helperProc, error) {
	f.mu.Lock()
	f.starts++
	f.name = name
	f.args = args
	if b, err := os.ReadFile(args[0]); err == nil {
		f.script = string(b)
	}
	f.mu.Unlock()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		defer outW.Close()
		sc := bufio.NewScanner(inR)
		for sc.Scan() {
			var req helperRequest
			if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
				return
			}
			f.mu.Lock()
			f.requests = append(f.requests, req)
			f.mu.Unlock()

			resp := f.reply(req)
			if resp == "" {
				return
			}
			if _, err := io.WriteString(outW, resp+"\n"); err != nil {
				return
			}
		}
	}()

	return &helperProc{
		stdin:  inW,
		stdout: bufio.NewReader(outR),
		kill: func() error {
			inR.CloseWithError(errors.New("killed"))
			outW.CloseWithError(errors.New("killed"))
			return nil
		},
		wait: func() error {
			<-exited
			return nil
		},
	}, nil
}

func (f *fakeHelper) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func newFakeWhisper(cfg WhisperConfig, reply func(helperRequest) string) (*WhisperEngine, *fakeHelper) {
	f := &fakeHelper{reply: reply}
	w := NewWhisperEngine(cfg)
	w.start = f.start
	return w, f
}

func transcriptLine(text string) string {
	return fmt.Sprintf(`{"text":%q,"language":"ja","segments":[{"start":0,"end":1.5,"text":" %s "}]}`, text, text)
}

func TestWhisperEngine_Request(t *testing.T) {
	w, f := newFakeWhisper(WhisperConfig{Model: "small"}, func(helperRequest) string {
		return transcriptLine("講義です")
	})
	defer w.Close()

	tr, err := w.Transcribe(context.Background(), Request{Path: "slide-0.mp4", Prompt: "機械 学習", Language: "ja"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if f.name != "python3" {
		t.Errorf("program = %q, want python3", f.name)
	}
	if !strings.Contains(f.script, "faster_whisper") {
		t.Error("helper script was not written before starting")
	}
	want := []string{f.args[0], "--model", "small", "--device", "auto"}
	if strings.Join(f.args, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", f.args, want)
	}

	got := f.requests[0]
	if got.Audio != "slide-0.mp4" || got.InitialPrompt != "機械 学習" || got.Language != "ja" || got.Condition {
		t.Errorf("request = %+v", got)
	}
	if tr.Language != "ja" || len(tr.Segments) != 1 || tr.Segments[0].Text != "講義です" {
		t.Errorf("transcript = %+v", tr)
	}
}

func TestWhisperEngine_RequestEncoding(t *testing.T) {
	line, err := json.Marshal(helperRequest{Audio: "a.wav", Condition: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(line); got != `{"audio":"a.wav","condition_on_previous_text":true}` {
		t.Errorf("request line = %s", got)
	}
}

func TestWhisperEngine_ReusesHelper(t *testing.T) {
	w, f := newFakeWhisper(WhisperConfig{}, func(req helperRequest) string {
		return transcriptLine(req.Audio)
	})
	defer w.Close()

	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("slide-%d.mp4", i)
		tr, err := w.Transcribe(context.Background(), Request{Path: path})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if tr.Text != path {
			t.Errorf("call %d: text = %q, want %q", i, tr.Text, path)
		}
	}
	if n := f.startCount(); n != 1 {
		t.Errorf("helper started %d times, want 1", n)
	}
}

func TestWhisperEngine_ConcurrentCallsShareHelper(t *testing.T) {
	w, f := newFakeWhisper(WhisperConfig{}, func(req helperRequest) string {
		return transcriptLine(req.Audio)
	})
	defer w.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := fmt.Sprintf("slide-%d.mp4", i)
			tr, err := w.Transcribe(context.Background(), Request{Path: path})
			if err == nil && tr.Text != path {
				err = fmt.Errorf("got %q for %s", tr.Text, path)
			}
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if n := f.startCount(); n != 1 {
		t.Errorf("helper started %d times, want 1", n)
	}
	if len(f.requests) != 8 {
		t.Errorf("helper saw %d requests, want 8", len(f.requests))
	}
}

func TestWhisperEngine_HelperErrorKeepsProcess(t *testing.T) {
	var calls atomic.Int32
	w, f := newFakeWhisper(WhisperConfig{}, func(helperRequest) string {
		if calls.Add(1) == 1 {
			return `{"error":"RuntimeError: CUDA out of memory"}`
		}
		return transcriptLine("ok")
	})
	defer w.Close()

	if _, err := w.Transcribe(context.Background(), Request{Path: "a.wav"}); err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Fatalf("err = %v, want the helper error", err)
	}
	if _, err := w.Transcribe(context.Background(), Request{Path: "b.wav"}); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if n := f.startCount(); n != 1 {
		t.Errorf("helper started %d times, want 1", n)
	}
}

func TestWhisperEngine_RestartsAfterExit(t *testing.T) {
	var calls atomic.Int32
	w, f := newFakeWhisper(WhisperConfig{}, func(helperRequest) string {
		if calls.Add(1) == 1 {
			return ""
		}
		return transcriptLine("ok")
	})
	defer w.Close()

	if _, err := w.Transcribe(context.Background(), Request{Path: "a.wav"}); err == nil {
		t.Fatal("expected error when the helper exits")
	}
	tr, err := w.Transcribe(context.Background(), Request{Path: "b.wav"})
	if err != nil {
		t.Fatalf("call after restart: %v", err)
	}
	if tr.Text != "ok" {
		t.Errorf("text = %q", tr.Text)
	}
	if n := f.startCount(); n != 2 {
		t.Errorf("helper started %d times, want 2", n)
	}
}

func TestWhisperEngine_BadOutput(t *testing.T) {
	w, _ := newFakeWhisper(WhisperConfig{}, func(helperRequest) string {
		return "Traceback (most recent call last)"
	})
	defer w.Close()
	if _, err := w.Transcribe(context.Background(), Request{Path: "a.wav"}); err == nil {
		t.Fatal("expected error for non-JSON output")
	}
}

func TestWhisperEngine_CancelDiscardsHelper(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	var calls atomic.Int32
	w, f := newFakeWhisper(WhisperConfig{}, func(helperRequest) string {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return transcriptLine("fresh")
	})
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	if _, err := w.Transcribe(ctx, Request{Path: "long.wav"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	tr, err := w.Transcribe(context.Background(), Request{Path: "next.wav"})
	if err != nil {
		t.Fatalf("call after cancel: %v", err)
	}
	if tr.Text != "fresh" {
		t.Errorf("text = %q, want the answer to the new request", tr.Text)
	}
	if n := f.startCount(); n != 2 {
		t.Errorf("helper started %d times, want 2", n)
	}
}

func TestWhisperEngine_Close(t *testing.T) {
	w, f := newFakeWhisper(WhisperConfig{}, func(helperRequest) string {
		return transcriptLine("ok")
	})
	if _, err := w.Transcribe(context.Background(), Request{Path: "a.wav"}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(f.args[0]); !os.IsNotExist(err) {
		t.Errorf("helper script not removed: %v", err)
	}
	if _, err := w.Transcribe(context.Background(), Request{Path: "b.wav"}); err == nil {
		t.Error("expected error after Close")
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if n := f.startCount(); n != 1 {
		t.Errorf("helper started %d times, want 1", n)
	}
}

func TestWhisperEngine_CloseWithoutStart(t *testing.T) {
	w, f := newFakeWhisper(WhisperConfig{}, nil)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.startCount() != 0 {
		t.Error("Close started a helper")
	}
}
