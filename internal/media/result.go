package media

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout marks an extraction that exceeded its per-call timeout.
	ErrTimeout = errors.New("extraction timed out")

	// ErrSourceMissing is returned when a video file cannot be located.
	ErrSourceMissing = errors.New("source video not found")

	errNoOutput = errors.New("no output produced")
)

// Outcome classifies the result of a single extraction call.
type Outcome int

const (
	OK Outcome = iota
	Empty
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Empty:
		return "empty"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the typed outcome of Frame and Range. Data is set only for OK
// frames. Err is an *ExtractionError whenever Outcome is not OK.
type Result struct {
	Outcome Outcome
	Data    []byte
	Err     error
}

// ExtractionError describes a failed or timed out ffmpeg/ffprobe call.
type ExtractionError struct {
	Op   string
	Path string
	At   float64
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Op == "frame" || e.Op == "range" {
		return fmt.Sprintf("%s extraction at %gs from %s: %v", e.Op, e.At, e.Path, e.Err)
	}
	return fmt.Sprintf("%s extraction from %s: %v", e.Op, e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
