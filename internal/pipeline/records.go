package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/lecseg/internal/retrieval"
	"github.com/kalambet/lecseg/internal/segment"
	"github.com/kalambet/lecseg/internal/transcribe"
)

// Record id kinds.
const (
	KindSlide = "slide"
	KindChunk = "chunk"
)

// RecordID returns the deterministic id of unit i of a video.
func RecordID(videoID, kind string, i int) string {
	return fmt.Sprintf("%s-%s%d", videoID, kind, i)
}

// Assemble turns transcribed units into records for v. Units with blank
// text are dropped. Embeddings are attached separately.
func Assemble(v Video, units []transcribe.Unit, kind string, createdAt time.Time) []retrieval.Record {
	records := make([]retrieval.Record, 0, len(units))
	for _, u := range units {
		text := strings.TrimSpace(u.Text)
		if text == "" {
			continue
		}
		records = append(records, retrieval.Record{
			ID:   RecordID(v.ID, kind, u.Index),
			Text: text,
			Meta: retrieval.Metadata{
				Video:     v.Name,
				VideoID:   v.ID,
				Course:    v.Course,
				Section:   v.Section,
				Start:     u.Start,
				End:       u.End,
				CreatedAt: createdAt,
				OCR:       u.OCR,
			},
		})
	}
	return records
}

// attachEmbeddings sets one embedding per record. Any count mismatch, or a
// duplicate id, is an alignment failure.
func attachEmbeddings(records []retrieval.Record, vecs [][]float32) error {
	if len(vecs) != len(records) {
		return &segment.AlignmentError{Reason: fmt.Sprintf("%d records but %d embeddings", len(records), len(vecs))}
	}
	seen := make(map[string]struct{}, len(records))
	for i := range records {
		if _, dup := seen[records[i].ID]; dup {
			return &segment.AlignmentError{Reason: "duplicate record id " + records[i].ID}
		}
		seen[records[i].ID] = struct{}{}
		if len(vecs[i]) == 0 {
			return &segment.AlignmentError{Reason: "empty embedding for " + records[i].ID}
		}
		records[i].Embedding = vecs[i]
	}
	return nil
}
