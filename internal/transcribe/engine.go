package transcribe

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoSegments is returned when a whole-video pass produced nothing to chunk.
var ErrNoSegments = errors.New("no transcript segments")

// Segment is a time-stamped piece of recognized speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is an engine result. Text is always set; Segments only when
// the engine reports timings.
type Transcript struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

// Request describes a single transcription call.
type Request struct {
	Path                    string
	Prompt                  string
	Language                string
	ConditionOnPreviousText bool
}

// Engine is a speech-to-text backend.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}

// RecognitionError wraps a failed transcription of one unit.
type RecognitionError struct {
	Path string
	Err  error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("transcribing %s: %v", e.Path, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }
