package keywords

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// stopwords are particles and fillers the tokenizer sometimes tags as nouns.
var stopwords = map[string]struct{}{
	"に": {}, "は": {}, "を": {}, "で": {}, "の": {}, "と": {}, "が": {}, "や": {}, "など": {},
	"そして": {}, "です": {}, "ます": {}, "から": {}, "より": {}, "まで": {}, "へ": {}, "ね": {}, "よ": {},
}

const nounClass = "名詞"

// OCR recognizes text in a PNG image.
type OCR interface {
	Recognize(ctx context.Context, png []byte, lang string) (string, error)
}

// Tokenizer splits text into part-of-speech tagged tokens.
type Tokenizer interface {
	Tokenize(ctx context.Context, text string) ([]Token, error)
}

// Token is a single morpheme. Features[0] is the coarse part-of-speech class.
type Token struct {
	Surface  string
	Features []string
}

// Set is the ordered keyword sequence extracted from one frame.
// Duplicates are kept.
type Set []string

// Empty reports whether the set has no tokens.
func (s Set) Empty() bool { return len(s) == 0 }

// String joins the tokens with single spaces.
func (s Set) String() string { return strings.Join(s, " ") }

// RecognitionError wraps a failure inside the OCR/tokenize chain.
type RecognitionError struct {
	Stage string
	Err   error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("keyword recognition (%s): %v", e.Stage, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// Extractor turns video frames into keyword sets.
type Extractor struct {
	ocr       OCR
	tokenizer Tokenizer
	lang      string
	threshold uint8
	logger    *slog.Logger
}

// NewExtractor creates an Extractor. lang defaults to "jpn" and threshold
// to 128 when out of range.
func NewExtractor(ocr OCR, tokenizer Tokenizer, lang string, threshold int) *Extractor {
	if lang == "" {
		lang = "jpn"
	}
	if threshold <= 0 || threshold > 255 {
		threshold = 128
	}
	return &Extractor{
		ocr:       ocr,
		tokenizer: tokenizer,
		lang:      lang,
		threshold: uint8(threshold),
		logger:    slog.Default(),
	}
}

// Extract runs OCR on frame and returns the filtered noun tokens.
// Failures are logged and yield an empty set.
func (e *Extractor) Extract(ctx context.Context, frame []byte) Set {
	text, err := e.recognize(ctx, frame)
	if err != nil {
		e.logger.Warn("keyword extraction failed", "error", err)
		return nil
	}
	if text == "" {
		return nil
	}

	tokens, err := e.tokenizer.Tokenize(ctx, text)
	if err != nil {
		e.logger.Warn("keyword extraction failed", "error", &RecognitionError{Stage: "tokenize", Err: err})
		return nil
	}
	return Filter(tokens)
}

// Text returns the recognized text of frame as captured, without
// binarization, or "" on failure.
func (e *Extractor) Text(ctx context.Context, frame []byte) string {
	if len(frame) == 0 {
		return ""
	}
	text, err := e.ocr.Recognize(ctx, frame, e.lang)
	if err != nil {
		e.logger.Warn("ocr failed", "error", &RecognitionError{Stage: "ocr", Err: err})
		return ""
	}
	return strings.TrimSpace(text)
}

func (e *Extractor) recognize(ctx context.Context, frame []byte) (string, error) {
	bin, err := Binarize(frame, e.threshold)
	if err != nil {
		return "", &RecognitionError{Stage: "decode", Err: err}
	}
	text, err := e.ocr.Recognize(ctx, bin, e.lang)
	if err != nil {
		return "", &RecognitionError{Stage: "ocr", Err: err}
	}
	return strings.TrimSpace(text), nil
}

// Filter keeps noun tokens that are not stopwords, preserving order.
func Filter(tokens []Token) Set {
	var out Set
	for _, tok := range tokens {
		surface := strings.TrimSpace(tok.Surface)
		if surface == "" || len(tok.Features) == 0 {
			continue
		}
		if !strings.Contains(tok.Features[0], nounClass) {
			continue
		}
		if _, stop := stopwords[surface]; stop {
			continue
		}
		out = append(out, surface)
	}
	return out
}
