package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Compile-time check that PGStore implements VectorStore.
var _ VectorStore = (*PGStore)(nil)

// PGStore is a VectorStore backed by PostgreSQL with the pgvector extension.
// Similarity search runs in the database using the cosine distance operator.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to PostgreSQL and verifies the connection.
func NewPGStore(ctx context.Context, connString string) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PGStore{pool: pool}, nil
}

// EnsureSchema creates the vector extension and the transcripts table.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS transcripts (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			video_id   TEXT NOT NULL,
			text       TEXT NOT NULL,
			embedding  vector,
			video      TEXT NOT NULL DEFAULT '',
			course     TEXT NOT NULL DEFAULT '',
			section    TEXT NOT NULL DEFAULT '',
			start_sec  DOUBLE PRECISION NOT NULL,
			end_sec    DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ocr        TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_video ON transcripts(collection, video_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Upsert writes all records through one batch inside a transaction.
func (s *PGStore) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.upsert(ctx, collection, records); err != nil {
		return &StoreWriteError{Collection: collection, Count: len(records), Err: err}
	}
	return nil
}

func (s *PGStore) upsert(ctx context.Context, collection string, records []Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range records {
		m := r.Meta
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		vec := pgvector.NewVector(r.Embedding)
		batch.Queue(
			`INSERT INTO transcripts (collection, id, video_id, text, embedding, video, course, section, start_sec, end_sec, created_at, ocr)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (collection, id) DO UPDATE SET
				video_id = EXCLUDED.video_id,
				text = EXCLUDED.text,
				embedding = EXCLUDED.embedding,
				video = EXCLUDED.video,
				course = EXCLUDED.course,
				section = EXCLUDED.section,
				start_sec = EXCLUDED.start_sec,
				end_sec = EXCLUDED.end_sec,
				created_at = EXCLUDED.created_at,
				ocr = EXCLUDED.ocr`,
			collection, r.ID, m.VideoID, r.Text, &vec, m.Video, m.Course, m.Section,
			m.Start, m.End, createdAt, m.OCR,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < len(records); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("failed to upsert record %s: %w", records[i].ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}
	return tx.Commit(ctx)
}

func pgWhere(collection string, f Filter) (string, []any) {
	clause := ` WHERE collection = $1`
	args := []any{collection}
	if f.VideoID != "" {
		clause += ` AND video_id = $2`
		args = append(args, f.VideoID)
	}
	return clause, args
}

const pgRecordColumns = `id, text, embedding, video, video_id, course, section, start_sec, end_sec, created_at, ocr`

// Get returns the matching records ordered by start time.
func (s *PGStore) Get(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	clause, args := pgWhere(collection, filter)
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgRecordColumns+` FROM transcripts`+clause+` ORDER BY start_sec ASC, id ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get transcripts: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Search orders the matching rows by cosine distance to vector.
func (s *PGStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]ScoredRecord, error) {
	if topK <= 0 || norm(vector) == 0 {
		return nil, nil
	}
	clause, args := pgWhere(collection, filter)
	vec := pgvector.NewVector(vector)
	n := len(args)
	args = append(args, &vec, topK)

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s, 1 - (embedding <=> $%d) AS score
		 FROM transcripts%s AND embedding IS NOT NULL
		 ORDER BY embedding <=> $%d
		 LIMIT $%d`, pgRecordColumns, n+1, clause, n+1, n+2),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search transcripts: %w", err)
	}
	defer rows.Close()

	var results []ScoredRecord
	for rows.Next() {
		var r Record
		var emb pgvector.Vector
		var score float64
		m := &r.Meta
		if err := rows.Scan(&r.ID, &r.Text, &emb, &m.Video, &m.VideoID, &m.Course, &m.Section,
			&m.Start, &m.End, &m.CreatedAt, &m.OCR, &score); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		r.Embedding = emb.Slice()
		results = append(results, ScoredRecord{Record: r, Score: float32(score)})
	}
	return results, rows.Err()
}

// Delete removes the matching records. An empty filter is rejected.
func (s *PGStore) Delete(ctx context.Context, collection string, filter Filter) (int, error) {
	if filter.empty() {
		return 0, ErrEmptyFilter
	}
	clause, args := pgWhere(collection, filter)
	tag, err := s.pool.Exec(ctx, `DELETE FROM transcripts`+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete transcripts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Count returns the number of matching records.
func (s *PGStore) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	clause, args := pgWhere(collection, filter)
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transcripts`+clause, args...).Scan(&count)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// Close closes the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

func scanPGRecord(rows pgx.Rows) (Record, error) {
	var r Record
	var emb pgvector.Vector
	m := &r.Meta
	if err := rows.Scan(&r.ID, &r.Text, &emb, &m.Video, &m.VideoID, &m.Course, &m.Section,
		&m.Start, &m.End, &m.CreatedAt, &m.OCR); err != nil {
		return Record{}, fmt.Errorf("failed to scan transcript: %w", err)
	}
	r.Embedding = emb.Slice()
	return r, nil
}
