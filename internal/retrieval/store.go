package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides transcript storage and brute-force cosine similarity
// search backed by the transcripts table of the lecseg SQLite database.
// This is the default implementation of VectorStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The transcripts table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const recordColumns = `id, text, embedding, video, video_id, course, section, start_sec, end_sec, created_at, ocr`

// Upsert inserts or replaces records by (collection, id) in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.upsert(ctx, collection, records); err != nil {
		return &StoreWriteError{Collection: collection, Count: len(records), Err: err}
	}
	return nil
}

func (s *SQLiteStore) upsert(ctx context.Context, collection string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transcripts (collection, `+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			text = excluded.text,
			embedding = excluded.embedding,
			video = excluded.video,
			video_id = excluded.video_id,
			course = excluded.course,
			section = excluded.section,
			start_sec = excluded.start_sec,
			end_sec = excluded.end_sec,
			created_at = excluded.created_at,
			ocr = excluded.ocr`)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.Meta.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		m := r.Meta
		if _, err := stmt.ExecContext(ctx, collection, r.ID, r.Text, encodeFloat32s(r.Embedding),
			m.Video, m.VideoID, m.Course, m.Section, m.Start, m.End,
			createdAt.UTC().Format(time.RFC3339Nano), m.OCR); err != nil {
			return fmt.Errorf("upserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// where builds the WHERE clause shared by every query.
func where(collection string, f Filter) (string, []any) {
	clause := ` WHERE collection = ?`
	args := []any{collection}
	if f.VideoID != "" {
		clause += ` AND video_id = ?`
		args = append(args, f.VideoID)
	}
	return clause, args
}

// Get returns the matching records ordered by start time.
func (s *SQLiteStore) Get(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	clause, args := where(collection, filter)
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM transcripts`+clause+` ORDER BY start_sec ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transcripts: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// idScore holds only the ID and score during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity search over the matching
// vectors, returning the top-K most similar records.
func (s *SQLiteStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	clause, args := where(collection, filter)
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM transcripts`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	scores := make(map[string]float32, h.Len())
	fullArgs := []any{collection}
	for h.Len() > 0 {
		item := heap.Pop(h).(idScore)
		scores[item.ID] = item.Score
		fullArgs = append(fullArgs, item.ID)
	}
	fullQuery := `SELECT ` + recordColumns + ` FROM transcripts
		WHERE collection = ? AND id IN (?` + strings.Repeat(",?", len(scores)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, fullArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	records, err := scanRecords(fullRows)
	if err != nil {
		return nil, err
	}
	results := make([]ScoredRecord, len(records))
	for i, r := range records {
		results[i] = ScoredRecord{Record: r, Score: scores[r.ID]}
	}

	// Sort results by score descending (IN query doesn't preserve order).
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// Delete removes the matching records. An empty filter is rejected.
func (s *SQLiteStore) Delete(ctx context.Context, collection string, filter Filter) (int, error) {
	if filter.empty() {
		return 0, ErrEmptyFilter
	}
	clause, args := where(collection, filter)
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcripts`+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting transcripts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Count returns the number of matching records.
func (s *SQLiteStore) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	clause, args := where(collection, filter)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcripts`+clause, args...).Scan(&count)
	return count, err
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		var blob []byte
		var createdAt string
		m := &r.Meta
		if err := rows.Scan(&r.ID, &r.Text, &blob, &m.Video, &m.VideoID, &m.Course, &m.Section,
			&m.Start, &m.End, &createdAt, &m.OCR); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		r.Embedding = embedding
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for id %s: %w", r.ID, err)
		}
		m.CreatedAt = t
		records = append(records, r)
	}
	return records, rows.Err()
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
// Used during the scan phase of Search to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
