package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultCollection is the collection transcript records are written to.
const DefaultCollection = "video-transcripts"

// ErrEmptyFilter is returned by Delete when no filter field is set.
var ErrEmptyFilter = errors.New("delete requires a filter")

// VectorStore is the interface for transcript storage and similarity search
// backends. SQLiteStore is the default; PGStore serves shared deployments.
//
// Records are keyed by (collection, ID). Upsert overwrites existing ids so
// re-processing a video replaces its records instead of duplicating them.
type VectorStore interface {
	// Upsert writes all records in one transaction. A failure leaves the
	// collection unchanged and is reported as *StoreWriteError.
	Upsert(ctx context.Context, collection string, records []Record) error

	// Get returns the records matching filter, ordered by start time.
	Get(ctx context.Context, collection string, filter Filter) ([]Record, error)

	// Search returns the topK records most similar to vector.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]ScoredRecord, error)

	// Delete removes the records matching filter and reports how many were removed.
	Delete(ctx context.Context, collection string, filter Filter) (int, error)

	// Count returns the number of records matching filter.
	Count(ctx context.Context, collection string, filter Filter) (int, error)
}

// Metadata is the typed metadata stored with every transcript record.
type Metadata struct {
	Video     string    `json:"video"`
	VideoID   string    `json:"video_id"`
	Course    string    `json:"course"`
	Section   string    `json:"section"`
	Start     float64   `json:"start"`
	End       float64   `json:"end"`
	CreatedAt time.Time `json:"created_at"`
	OCR       string    `json:"ocr"`
}

// Record is one transcript unit.
type Record struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	Meta      Metadata  `json:"metadata"`
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32 `json:"score"`
}

// Filter restricts queries. The zero value matches everything.
type Filter struct {
	VideoID string
}

func (f Filter) empty() bool { return f.VideoID == "" }

// StoreWriteError reports a failed batch write.
type StoreWriteError struct {
	Collection string
	Count      int
	Err        error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("writing %d records to %s: %v", e.Count, e.Collection, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }
