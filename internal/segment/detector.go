package segment

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kalambet/lecseg/internal/keywords"
	"github.com/kalambet/lecseg/internal/media"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval  = 5.0
	DefaultThreshold = 0.85
)

// FrameSource extracts still frames from a video.
type FrameSource interface {
	Frame(ctx context.Context, path string, at float64) media.Result
}

// KeywordSource turns a frame into a keyword set.
type KeywordSource interface {
	Extract(ctx context.Context, frame []byte) keywords.Set
}

// Embedder produces one vector per input text.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Sample is a grid timestamp whose frame yielded a non-empty keyword set.
type Sample struct {
	At       float64
	Keywords keywords.Set
}

// Detection is the outcome of boundary detection.
type Detection struct {
	Samples      []Sample
	Similarities []float64
	Boundaries   Boundaries
}

// Options configures a Detector. Zero values fall back to defaults.
type Options struct {
	Interval  float64
	Threshold float64
	Workers   int
	Logger    *slog.Logger
}

// Detector finds slide changes by comparing keyword embeddings of frames
// sampled on a fixed grid.
type Detector struct {
	frames    FrameSource
	keywords  KeywordSource
	embedder  Embedder
	interval  float64
	threshold float64
	workers   int
	logger    *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(frames FrameSource, kw KeywordSource, embedder Embedder, opts Options) *Detector {
	d := &Detector{
		frames:    frames,
		keywords:  kw,
		embedder:  embedder,
		interval:  opts.Interval,
		threshold: opts.Threshold,
		workers:   opts.Workers,
		logger:    opts.Logger,
	}
	if d.interval <= 0 {
		d.interval = DefaultInterval
	}
	if d.threshold <= 0 {
		d.threshold = DefaultThreshold
	}
	if d.workers <= 0 {
		d.workers = 1
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Detect samples path, skips frames without keywords and returns the
// slide boundaries. Frame and OCR failures only drop the affected sample;
// an embedding failure is returned.
func (d *Detector) Detect(ctx context.Context, path string, duration float64) (*Detection, error) {
	samples, err := d.sample(ctx, path, duration)
	if err != nil {
		return nil, err
	}

	det := &Detection{Samples: samples}
	if len(samples) == 0 {
		d.logger.Info("no keywords found in any frame, treating video as one slide", "path", path)
		det.Boundaries = Boundaries{0, duration}
		return det, det.Boundaries.Validate(duration)
	}

	texts := make([]string, len(samples))
	at := make([]float64, len(samples))
	for i, s := range samples {
		texts[i] = s.Keywords.String()
		at[i] = s.At
	}
	vecs, err := d.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding keyword sets: %w", err)
	}

	b, sims, err := Compute(at, vecs, d.threshold, duration)
	if err != nil {
		return nil, err
	}
	for i, s := range sims {
		d.logger.Debug("frame similarity", "at", at[i+1], "similarity", s, "boundary", s < d.threshold)
	}
	det.Similarities = sims
	det.Boundaries = b
	return det, nil
}

func (d *Detector) sample(ctx context.Context, path string, duration float64) ([]Sample, error) {
	grid := SampleGrid(duration, d.interval)
	found := make([]*Sample, len(grid))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, t := range grid {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			res := d.frames.Frame(gCtx, path, t)
			if res.Outcome != media.OK {
				d.logger.Warn("skipping sample", "at", t, "outcome", res.Outcome, "error", res.Err)
				return nil
			}
			kw := d.keywords.Extract(gCtx, res.Data)
			if kw.Empty() {
				d.logger.Debug("no keywords in frame", "at", t)
				return nil
			}
			found[i] = &Sample{At: t, Keywords: kw}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var samples []Sample
	for _, s := range found {
		if s != nil {
			samples = append(samples, *s)
		}
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].At < samples[j].At })
	return samples, nil
}

// NearestKeywords returns the keywords of the latest sample at or before t.
// samples must be sorted by timestamp.
func NearestKeywords(samples []Sample, t float64) keywords.Set {
	i := sort.Search(len(samples), func(i int) bool { return samples[i].At > t })
	if i == 0 {
		return nil
	}
	return samples[i-1].Keywords
}
