package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/lecseg/internal/media"
	"github.com/kalambet/lecseg/internal/segment"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultLanguage    = "ja"
	DefaultChunkSize   = 200
	DefaultPromptLimit = 200
)

// MediaSource is the part of media.Extractor the aligner needs.
type MediaSource interface {
	Frame(ctx context.Context, path string, at float64) media.Result
	Range(ctx context.Context, path string, start, end float64, dst string) media.Result
	ExtractAudio(ctx context.Context, path, dst string) error
}

// TextReader returns the on-screen text of a frame, or "".
type TextReader interface {
	Text(ctx context.Context, frame []byte) string
}

// Unit is one transcribed span ready for record assembly. Index is the
// slide or chunk number; OCR is the on-screen text associated with it.
type Unit struct {
	Index int
	Start float64
	End   float64
	Text  string
	OCR   string
}

// Options configures an Aligner. Zero values fall back to defaults.
type Options struct {
	Language    string
	ChunkSize   int
	PromptLimit int
	Workers     int
	Logger      *slog.Logger
}

// Aligner runs a speech-to-text engine over a video, either per slide or
// over the whole file in two passes.
type Aligner struct {
	engine      Engine
	media       MediaSource
	ocr         TextReader
	language    string
	chunkSize   int
	promptLimit int
	workers     int
	logger      *slog.Logger
}

// NewAligner creates an Aligner.
func NewAligner(engine Engine, src MediaSource, ocr TextReader, opts Options) *Aligner {
	a := &Aligner{
		engine:      engine,
		media:       src,
		ocr:         ocr,
		language:    opts.Language,
		chunkSize:   opts.ChunkSize,
		promptLimit: opts.PromptLimit,
		workers:     opts.Workers,
		logger:      opts.Logger,
	}
	if a.language == "" {
		a.language = DefaultLanguage
	}
	if a.chunkSize <= 0 {
		a.chunkSize = DefaultChunkSize
	}
	if a.promptLimit <= 0 {
		a.promptLimit = DefaultPromptLimit
	}
	if a.workers <= 0 {
		a.workers = 1
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// PerSegment transcribes every span separately, prompting the engine with
// the keywords of the latest sample at or before the span midpoint. Spans
// that fail to extract or transcribe, or that yield no text, are dropped.
// Only context cancellation is returned as an error.
func (a *Aligner) PerSegment(ctx context.Context, path string, spans []segment.Span, samples []segment.Sample, ws *media.Workspace) ([]Unit, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		ext = ".mp4"
	}

	results := make([]*Unit, len(spans))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, span := range spans {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			u, ok := a.transcribeSpan(gCtx, path, span, samples, ws.Path(fmt.Sprintf("slide-%d%s", span.Index, ext)))
			if ok {
				results[i] = u
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var units []Unit
	for _, u := range results {
		if u != nil {
			units = append(units, *u)
		}
	}
	return units, nil
}

func (a *Aligner) transcribeSpan(ctx context.Context, path string, span segment.Span, samples []segment.Sample, dst string) (*Unit, bool) {
	log := a.logger.With("slide", span.Index, "start", span.Start, "end", span.End)

	res := a.media.Range(ctx, path, span.Start, span.End, dst)
	if res.Outcome != media.OK {
		log.Warn("skipping slide, range extraction failed", "outcome", res.Outcome, "error", res.Err)
		return nil, false
	}

	prompt := segment.NearestKeywords(samples, span.Mid()).String()
	log.Debug("transcribing slide", "prompt", prompt)
	tr, err := a.engine.Transcribe(ctx, Request{
		Path:     dst,
		Prompt:   prompt,
		Language: a.language,
	})
	if err != nil {
		log.Warn("skipping slide, transcription failed", "error", &RecognitionError{Path: dst, Err: err})
		return nil, false
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		log.Info("skipping slide, empty transcript")
		return nil, false
	}
	return &Unit{Index: span.Index, Start: span.Start, End: span.End, Text: text, OCR: prompt}, true
}

// TwoPass transcribes the whole file without a prompt, reads the slide text
// at each provisional chunk midpoint, and transcribes again with that text
// as the prompt. Both passes cover one continuous recording, so context
// carry-over stays on. A failed second pass falls back to the first pass
// chunks.
func (a *Aligner) TwoPass(ctx context.Context, path string) ([]Unit, error) {
	first, err := a.engine.Transcribe(ctx, Request{
		Path:                    path,
		Language:                a.language,
		ConditionOnPreviousText: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.logger.Warn("first pass failed", "error", &RecognitionError{Path: path, Err: err})
		return nil, ErrNoSegments
	}
	chunks := Chunk(first.Segments, a.chunkSize)
	if len(chunks) == 0 {
		return nil, ErrNoSegments
	}
	a.readSlides(ctx, path, chunks)

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.OCR
	}
	prompt := BuildPrompt(texts, a.promptLimit)
	a.logger.Debug("second pass prompt", "prompt", prompt, "chunks", len(chunks))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	second, err := a.engine.Transcribe(ctx, Request{
		Path:                    path,
		Prompt:                  prompt,
		Language:                a.language,
		ConditionOnPreviousText: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.logger.Warn("second pass failed, keeping first pass chunks", "error", &RecognitionError{Path: path, Err: err})
		return chunks, nil
	}
	rechunked := Chunk(second.Segments, a.chunkSize)
	if len(rechunked) == 0 {
		a.logger.Warn("second pass produced no segments, keeping first pass chunks")
		return chunks, nil
	}
	a.readSlides(ctx, path, rechunked)
	return rechunked, nil
}

// readSlides fills in the OCR text at every chunk midpoint.
func (a *Aligner) readSlides(ctx context.Context, path string, chunks []Unit) {
	for i := range chunks {
		mid := (chunks[i].Start + chunks[i].End) / 2
		res := a.media.Frame(ctx, path, mid)
		if res.Outcome != media.OK {
			a.logger.Warn("no frame for chunk", "chunk", i, "at", mid, "outcome", res.Outcome)
			continue
		}
		chunks[i].OCR = a.ocr.Text(ctx, res.Data)
	}
}

// Baseline extracts a 16kHz mono track of path into ws and transcribes it
// without a prompt and without context carry-over.
func (a *Aligner) Baseline(ctx context.Context, path string, ws *media.Workspace) (string, error) {
	wav := ws.Path("audio.wav")
	if err := a.media.ExtractAudio(ctx, path, wav); err != nil {
		return "", err
	}
	tr, err := a.engine.Transcribe(ctx, Request{Path: wav, Language: a.language})
	if err != nil {
		return "", &RecognitionError{Path: wav, Err: err}
	}
	return strings.TrimSpace(tr.Text), nil
}

// Chunk groups segments into units of at least size runes. Each segment
// contributes its trimmed text plus a trailing space; blank segments are
// ignored. The final partial chunk is kept.
func Chunk(segs []Segment, size int) []Unit {
	var (
		units []Unit
		buf   strings.Builder
		start float64
		end   float64
	)
	flush := func() {
		if text := strings.TrimSpace(buf.String()); text != "" {
			units = append(units, Unit{Index: len(units), Start: start, End: end, Text: text})
		}
		buf.Reset()
	}
	for _, s := range segs {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if buf.Len() == 0 {
			start = s.Start
		}
		buf.WriteString(text)
		buf.WriteByte(' ')
		end = s.End
		if utf8.RuneCountInString(buf.String()) >= size {
			flush()
		}
	}
	flush()
	return units
}

// BuildPrompt joins the distinct non-empty texts in first-seen order and
// truncates the result to limit runes.
func BuildPrompt(texts []string, limit int) string {
	seen := make(map[string]struct{}, len(texts))
	var parts []string
	for _, t := range texts {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		parts = append(parts, t)
	}
	prompt := strings.TrimSpace(strings.Join(parts, " "))
	if r := []rune(prompt); len(r) > limit {
		prompt = string(r[:limit])
	}
	return prompt
}
