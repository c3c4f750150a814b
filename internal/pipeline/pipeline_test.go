package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalambet/lecseg/internal/media"
	"github.com/kalambet/lecseg/internal/retrieval"
	"github.com/kalambet/lecseg/internal/segment"
	"github.com/kalambet/lecseg/internal/storage"
	"github.com/kalambet/lecseg/internal/transcribe"
)

type mockMedia struct {
	duration    float64
	durationErr error
	probed      string
}

func (m *mockMedia) Duration(_ context.Context, path string) (float64, error) {
	m.probed = path
	return m.duration, m.durationErr
}
func (m *mockMedia) Frame(_ context.Context, _ string, _ float64) media.Result {
	return media.Result{Outcome: media.Empty}
}
func (m *mockMedia) Range(_ context.Context, _ string, _, _ float64, _ string) media.Result {
	return media.Result{Outcome: media.Empty}
}
func (m *mockMedia) ExtractAudio(_ context.Context, _, _ string) error { return nil }

type mockDetector struct {
	detectFn func(ctx context.Context, path string, duration float64) (*segment.Detection, error)
}

func (m *mockDetector) Detect(ctx context.Context, path string, duration float64) (*segment.Detection, error) {
	return m.detectFn(ctx, path, duration)
}

type mockAligner struct {
	perSegmentFn func(spans []segment.Span, ws *media.Workspace) ([]transcribe.Unit, error)
	twoPassFn    func() ([]transcribe.Unit, error)
	baselineFn   func(ws *media.Workspace) (string, error)
}

func (m *mockAligner) PerSegment(_ context.Context, _ string, spans []segment.Span, _ []segment.Sample, ws *media.Workspace) ([]transcribe.Unit, error) {
	return m.perSegmentFn(spans, ws)
}
func (m *mockAligner) TwoPass(_ context.Context, _ string) ([]transcribe.Unit, error) {
	return m.twoPassFn()
}
func (m *mockAligner) Baseline(_ context.Context, _ string, ws *media.Workspace) (string, error) {
	return m.baselineFn(ws)
}

type mockEmbedder struct {
	short bool
	err   error
	texts []string
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.texts = texts
	if m.err != nil {
		return nil, m.err
	}
	n := len(texts)
	if m.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{1, float32(i)}
	}
	return out, nil
}

type failingStore struct{ retrieval.VectorStore }

func (failingStore) Upsert(_ context.Context, collection string, records []retrieval.Record) error {
	return &retrieval.StoreWriteError{Collection: collection, Count: len(records), Err: errors.New("disk full")}
}

func testVideo(t *testing.T) Video {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lecture.mp4")
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	return Video{ID: "stat101-w1", Name: "lecture.mp4", Course: "statistics", Section: "week1", Path: path}
}

func testStore(t *testing.T) *retrieval.SQLiteStore {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return retrieval.NewSQLiteStore(st.DB())
}

// threeSlides detects boundaries [0 10 20 30] and transcribes every slide
// except the middle one, which comes back empty.
func threeSlides() (*mockDetector, *mockAligner) {
	det := &mockDetector{detectFn: func(_ context.Context, _ string, duration float64) (*segment.Detection, error) {
		return &segment.Detection{
			Samples:    []segment.Sample{{At: 0, Keywords: []string{"平均"}}},
			Boundaries: segment.Boundaries{0, 10, 20, duration},
		}, nil
	}}
	al := &mockAligner{perSegmentFn: func(spans []segment.Span, _ *media.Workspace) ([]transcribe.Unit, error) {
		texts := []string{"平均の話", "   ", "分散の話"}
		var units []transcribe.Unit
		for _, s := range spans {
			units = append(units, transcribe.Unit{Index: s.Index, Start: s.Start, End: s.End, Text: texts[s.Index], OCR: "平均"})
		}
		return units, nil
	}}
	return det, al
}

func TestRun_Slides(t *testing.T) {
	v := testVideo(t)
	det, al := threeSlides()
	store := testStore(t)
	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	p := New(&mockMedia{duration: 30}, det, al, &mockEmbedder{}, store, Options{
		WorkDir: t.TempDir(),
		Now:     func() time.Time { return created },
	})

	report, err := p.Run(context.Background(), v, StrategySlides)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"stat101-w1-slide0", "stat101-w1-slide2"}
	if len(report.IDs) != 2 || report.IDs[0] != want[0] || report.IDs[1] != want[1] {
		t.Errorf("IDs = %v, want %v", report.IDs, want)
	}
	if report.NoSegments || report.Duration != 30 || len(report.Boundaries) != 4 {
		t.Errorf("report = %+v", report)
	}

	recs, err := store.Get(context.Background(), retrieval.DefaultCollection, retrieval.Filter{VideoID: v.ID})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("stored %d records, want 2", len(recs))
	}
	m := recs[1].Meta
	if m.Start != 20 || m.End != 30 || m.Course != "statistics" || m.Section != "week1" || m.Video != "lecture.mp4" {
		t.Errorf("metadata = %+v", m)
	}
	if !m.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", m.CreatedAt, created)
	}
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	v := testVideo(t)
	det, al := threeSlides()
	store := testStore(t)
	p := New(&mockMedia{duration: 30}, det, al, &mockEmbedder{}, store, Options{WorkDir: t.TempDir()})

	for i := 0; i < 2; i++ {
		if _, err := p.Run(context.Background(), v, StrategySlides); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	n, _ := store.Count(context.Background(), retrieval.DefaultCollection, retrieval.Filter{VideoID: v.ID})
	if n != 2 {
		t.Errorf("count after re-run = %d, want 2", n)
	}
}

func TestRun_WorkspaceRemoved(t *testing.T) {
	v := testVideo(t)
	det, _ := threeSlides()
	var wsDir string
	al := &mockAligner{perSegmentFn: func(_ []segment.Span, ws *media.Workspace) ([]transcribe.Unit, error) {
		wsDir = ws.Dir
		return nil, errors.New("boom")
	}}
	p := New(&mockMedia{duration: 30}, det, al, &mockEmbedder{}, testStore(t), Options{WorkDir: t.TempDir()})

	if _, err := p.Run(context.Background(), v, StrategySlides); err == nil {
		t.Fatal("expected error")
	}
	if wsDir == "" {
		t.Fatal("aligner never saw a workspace")
	}
	if _, err := os.Stat(wsDir); !os.IsNotExist(err) {
		t.Errorf("workspace %s still exists", wsDir)
	}
}

func TestRun_Chunks(t *testing.T) {
	v := testVideo(t)
	al := &mockAligner{twoPassFn: func() ([]transcribe.Unit, error) {
		return []transcribe.Unit{
			{Index: 0, Start: 0, End: 40, Text: "前半", OCR: "回帰"},
			{Index: 1, Start: 40, End: 80, Text: "後半", OCR: "回帰"},
		}, nil
	}}
	emb := &mockEmbedder{}
	p := New(&mockMedia{duration: 80}, nil, al, emb, testStore(t), Options{WorkDir: t.TempDir()})

	report, err := p.Run(context.Background(), v, StrategyChunks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.IDs) != 2 || report.IDs[1] != "stat101-w1-chunk1" {
		t.Errorf("IDs = %v", report.IDs)
	}
	if len(emb.texts) != 2 || emb.texts[0] != "前半" {
		t.Errorf("embedded texts = %v", emb.texts)
	}
}

func TestRun_NoSegments(t *testing.T) {
	v := testVideo(t)
	al := &mockAligner{twoPassFn: func() ([]transcribe.Unit, error) {
		return nil, transcribe.ErrNoSegments
	}}
	emb := &mockEmbedder{}
	p := New(&mockMedia{duration: 80}, nil, al, emb, testStore(t), Options{WorkDir: t.TempDir()})

	report, err := p.Run(context.Background(), v, StrategyChunks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.NoSegments || len(report.IDs) != 0 {
		t.Errorf("report = %+v, want NoSegments", report)
	}
	if emb.texts != nil {
		t.Error("embedder called with no segments")
	}
}

func TestRun_EmbeddingCountMismatch(t *testing.T) {
	v := testVideo(t)
	det, al := threeSlides()
	p := New(&mockMedia{duration: 30}, det, al, &mockEmbedder{short: true}, testStore(t), Options{WorkDir: t.TempDir()})

	_, err := p.Run(context.Background(), v, StrategySlides)
	var ae *segment.AlignmentError
	if !errors.As(err, &ae) {
		t.Errorf("err = %v, want *segment.AlignmentError", err)
	}
}

func TestRun_StoreWriteError(t *testing.T) {
	v := testVideo(t)
	det, al := threeSlides()
	p := New(&mockMedia{duration: 30}, det, al, &mockEmbedder{}, failingStore{}, Options{WorkDir: t.TempDir()})

	_, err := p.Run(context.Background(), v, StrategySlides)
	var we *retrieval.StoreWriteError
	if !errors.As(err, &we) {
		t.Errorf("err = %v, want *retrieval.StoreWriteError", err)
	}
}

func TestRun_SourceMissing(t *testing.T) {
	p := New(&mockMedia{duration: 30}, nil, nil, nil, nil, Options{})
	_, err := p.Run(context.Background(), Video{ID: "x", Path: "/nonexistent/lecture.mp4"}, StrategySlides)
	if !errors.Is(err, media.ErrSourceMissing) {
		t.Errorf("err = %v, want ErrSourceMissing", err)
	}
}

func TestRun_SourceFallsBackToUploads(t *testing.T) {
	uploads := t.TempDir()
	if err := os.WriteFile(filepath.Join(uploads, "lecture.mp4"), []byte("v"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := &mockMedia{duration: 0}
	p := New(m, nil, nil, nil, nil, Options{UploadsDir: uploads})

	_, err := p.Run(context.Background(), Video{ID: "x", Path: "/elsewhere/lecture.mp4"}, StrategySlides)
	if m.probed != filepath.Join(uploads, "lecture.mp4") {
		t.Errorf("probed %q, want uploads copy", m.probed)
	}
	var ee *media.ExtractionError
	if !errors.As(err, &ee) {
		t.Errorf("err = %v, want *media.ExtractionError for zero duration", err)
	}
}

func TestRun_RequiresVideoID(t *testing.T) {
	p := New(&mockMedia{duration: 30}, nil, nil, nil, nil, Options{})
	if _, err := p.Run(context.Background(), Video{Path: "x.mp4"}, StrategySlides); err == nil {
		t.Fatal("expected error without video id")
	}
}

func TestBaseline(t *testing.T) {
	v := testVideo(t)
	al := &mockAligner{baselineFn: func(ws *media.Workspace) (string, error) {
		if ws == nil {
			t.Error("nil workspace")
		}
		return "講義全体", nil
	}}
	p := New(&mockMedia{duration: 30}, nil, al, nil, nil, Options{WorkDir: t.TempDir()})

	text, err := p.Baseline(context.Background(), v.Path)
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if text != "講義全体" {
		t.Errorf("text = %q", text)
	}
}

func TestAssemble_DropsEmpty(t *testing.T) {
	v := Video{ID: "v1", Name: "a.mp4"}
	recs := Assemble(v, []transcribe.Unit{
		{Index: 0, Text: " a "},
		{Index: 1, Text: ""},
		{Index: 2, Text: "c"},
	}, KindSlide, time.Unix(0, 0))
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Text != "a" || recs[1].ID != "v1-slide2" {
		t.Errorf("records = %+v", recs)
	}
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{"": StrategySlides, "slides": StrategySlides, "chunks": StrategyChunks} {
		got, err := ParseStrategy(in)
		if err != nil || got != want {
			t.Errorf("ParseStrategy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseStrategy("words"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestDefaultName(t *testing.T) {
	for in, want := range map[string]string{
		"/videos/Lecture 1.mp4": "Lecture 1",
		"week3.MOV":             "week3",
		"stats.week1.mp4":       "stats.week1",
		"noext":                 "noext",
	} {
		if got := DefaultName(in); got != want {
			t.Errorf("DefaultName(%q) = %q, want %q", in, got, want)
		}
	}
}
