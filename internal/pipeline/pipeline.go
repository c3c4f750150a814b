package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/lecseg/internal/media"
	"github.com/kalambet/lecseg/internal/retrieval"
	"github.com/kalambet/lecseg/internal/segment"
	"github.com/kalambet/lecseg/internal/transcribe"
)

// ErrNoSegments is reported when a video yields nothing to store.
var ErrNoSegments = transcribe.ErrNoSegments

// Strategy selects how a video is transcribed.
type Strategy string

const (
	// StrategySlides transcribes every detected slide separately.
	StrategySlides Strategy = "slides"
	// StrategyChunks transcribes the whole video twice and splits it into
	// fixed-size chunks.
	StrategyChunks Strategy = "chunks"
)

// ParseStrategy validates s. An empty string selects StrategySlides.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategySlides:
		return StrategySlides, nil
	case StrategyChunks:
		return StrategyChunks, nil
	}
	return "", fmt.Errorf("unknown strategy %q (want slides or chunks)", s)
}

// Video identifies one lecture recording.
type Video struct {
	ID      string `json:"video_id"`
	Name    string `json:"name"`
	Course  string `json:"course"`
	Section string `json:"section"`
	Path    string `json:"path"`
}

// DefaultName is the display name of a video given without one: the file
// name without its extension.
func DefaultName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Report summarizes a run. It is also the stored result of a job.
type Report struct {
	VideoID    string    `json:"video_id"`
	Strategy   Strategy  `json:"strategy"`
	Duration   float64   `json:"duration"`
	Boundaries []float64 `json:"boundaries,omitempty"`
	IDs        []string  `json:"ids"`
	NoSegments bool      `json:"no_segments"`
	ElapsedMs  int64     `json:"elapsed_ms"`
}

// Media is the part of media.Extractor the pipeline needs.
type Media interface {
	transcribe.MediaSource
	Duration(ctx context.Context, path string) (float64, error)
}

// BoundaryDetector finds slide boundaries in a video.
type BoundaryDetector interface {
	Detect(ctx context.Context, path string, duration float64) (*segment.Detection, error)
}

// Aligner produces transcribed units.
type Aligner interface {
	PerSegment(ctx context.Context, path string, spans []segment.Span, samples []segment.Sample, ws *media.Workspace) ([]transcribe.Unit, error)
	TwoPass(ctx context.Context, path string) ([]transcribe.Unit, error)
	Baseline(ctx context.Context, path string, ws *media.Workspace) (string, error)
}

// Embedder embeds record texts in one batch.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Options configures a Pipeline.
type Options struct {
	WorkDir    string
	UploadsDir string
	Collection string
	Logger     *slog.Logger
	Now        func() time.Time
}

// Pipeline runs a video through boundary detection, transcription and
// record storage.
type Pipeline struct {
	media      Media
	detector   BoundaryDetector
	aligner    Aligner
	embedder   Embedder
	store      retrieval.VectorStore
	workDir    string
	uploadsDir string
	collection string
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Pipeline from already constructed components.
func New(m Media, det BoundaryDetector, al Aligner, emb Embedder, store retrieval.VectorStore, opts Options) *Pipeline {
	p := &Pipeline{
		media:      m,
		detector:   det,
		aligner:    al,
		embedder:   emb,
		store:      store,
		workDir:    opts.WorkDir,
		uploadsDir: opts.UploadsDir,
		collection: opts.Collection,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if p.collection == "" {
		p.collection = retrieval.DefaultCollection
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	return p
}

// Run processes v with the given strategy. A video that produces no
// transcript text is not an error: the report has NoSegments set.
func (p *Pipeline) Run(ctx context.Context, v Video, strategy Strategy) (*Report, error) {
	start := time.Now()
	if v.ID == "" {
		return nil, errors.New("video id is required")
	}
	if strategy == "" {
		strategy = StrategySlides
	}
	log := p.logger.With("video_id", v.ID, "strategy", strategy)

	path, duration, err := p.probe(ctx, v.Path)
	if err != nil {
		return nil, err
	}
	report := &Report{VideoID: v.ID, Strategy: strategy, Duration: duration}
	defer func() { report.ElapsedMs = time.Since(start).Milliseconds() }()

	ws, err := media.NewWorkspace(p.workDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			log.Warn("removing workspace", "dir", ws.Dir, "error", err)
		}
	}()

	var (
		units []transcribe.Unit
		kind  string
	)
	switch strategy {
	case StrategySlides:
		kind = KindSlide
		det, err := p.detector.Detect(ctx, path, duration)
		if err != nil {
			return nil, fmt.Errorf("detecting slides: %w", err)
		}
		report.Boundaries = det.Boundaries
		log.Info("slides detected", "slides", len(det.Boundaries)-1, "samples", len(det.Samples))
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		units, err = p.aligner.PerSegment(ctx, path, det.Boundaries.Spans(), det.Samples, ws)
		if err != nil {
			return nil, fmt.Errorf("transcribing slides: %w", err)
		}
	case StrategyChunks:
		kind = KindChunk
		units, err = p.aligner.TwoPass(ctx, path)
		if err != nil && !errors.Is(err, ErrNoSegments) {
			return nil, fmt.Errorf("transcribing chunks: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	records := Assemble(v, units, kind, p.now())
	if len(records) == 0 {
		log.Warn("no transcript segments produced, nothing stored", "path", path)
		report.NoSegments = true
		return report, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}
	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding transcripts: %w", err)
	}
	if err := attachEmbeddings(records, vecs); err != nil {
		return nil, err
	}

	if err := p.store.Upsert(ctx, p.collection, records); err != nil {
		return nil, err
	}
	for _, r := range records {
		report.IDs = append(report.IDs, r.ID)
	}
	log.Info("transcripts stored", "records", len(records), "collection", p.collection)
	return report, nil
}

// Baseline transcribes the whole audio track of path without a prompt.
// Nothing is stored.
func (p *Pipeline) Baseline(ctx context.Context, path string) (string, error) {
	path, _, err := p.probe(ctx, path)
	if err != nil {
		return "", err
	}
	ws, err := media.NewWorkspace(p.workDir)
	if err != nil {
		return "", err
	}
	defer ws.Close()
	return p.aligner.Baseline(ctx, path, ws)
}

// probe resolves the source file and reads its duration.
func (p *Pipeline) probe(ctx context.Context, path string) (string, float64, error) {
	resolved, err := media.ResolveSource(path, p.uploadsDir)
	if err != nil {
		return "", 0, err
	}
	duration, err := p.media.Duration(ctx, resolved)
	if err != nil {
		return "", 0, err
	}
	if duration <= 0 {
		return "", 0, &media.ExtractionError{Op: "duration", Path: resolved, Err: fmt.Errorf("non-positive duration %v", duration)}
	}
	return resolved, duration, nil
}
