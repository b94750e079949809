// Package storage provides the SQLite-backed document store and the
// pool-metrics history database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/forager/internal/database"
	"github.com/aristath/forager/internal/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Collection names for persisted agent state.
const (
	CollAgentState   = "agent_state"
	CollCycles       = "cycles"
	CollPositions    = "positions"
	CollPoolProfiles = "pool_profiles"
	CollMemories     = "memories"
	CollPatterns     = "patterns"
	CollDecisions    = "decisions"
)

const docsSchema = `
CREATE TABLE IF NOT EXISTS docs (
	collection  TEXT NOT NULL,
	id          TEXT NOT NULL,
	body        BLOB NOT NULL,
	category    TEXT,
	doc_type    TEXT,
	pool        TEXT,
	confidence  REAL,
	ts          INTEGER,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_docs_ts ON docs (collection, ts);
CREATE INDEX IF NOT EXISTS idx_docs_category ON docs (collection, category, ts);
CREATE INDEX IF NOT EXISTS idx_docs_pool ON docs (collection, pool, ts);
CREATE INDEX IF NOT EXISTS idx_docs_confidence ON docs (collection, confidence);
`

// DocStore implements domain.DocStore on a single SQLite table. Bodies are
// msgpack. The fields the query language can touch (category, type, pool,
// confidence, timestamp) are extracted into indexed columns at write time.
type DocStore struct {
	db  *database.DB
	log zerolog.Logger
}

// NewDocStore creates the store and ensures its schema exists.
func NewDocStore(db *database.DB, log zerolog.Logger) (*DocStore, error) {
	if _, err := db.Exec(docsSchema); err != nil {
		return nil, fmt.Errorf("failed to create docs schema: %w", err)
	}
	return &DocStore{
		db:  db,
		log: log.With().Str("component", "docstore").Logger(),
	}, nil
}

// PutDoc stores doc under collection/id, replacing any previous version.
func (s *DocStore) PutDoc(ctx context.Context, collection, id string, doc map[string]any) error {
	body, err := msgpack.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode doc %s/%s: %w", collection, id, err)
	}

	category := nullableString(doc["category"])
	docType := nullableString(doc["type"])
	pool := nullableString(doc["pool"])
	confidence := nullableFloat(doc["confidence"])
	ts := nullableUnix(doc["timestamp"])

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO docs
		(collection, id, body, category, doc_type, pool, confidence, ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, collection, id, body, category, docType, pool, confidence, ts, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to put doc %s/%s: %w", collection, id, err)
	}
	return nil
}

// GetDoc returns the doc, or nil when absent (not an error).
func (s *DocStore) GetDoc(ctx context.Context, collection, id string) (map[string]any, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM docs WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get doc %s/%s: %w", collection, id, err)
	}
	return decodeBody(body)
}

// QueryDocs filters, orders, and truncates per the query. Equals keys that
// map onto indexed columns filter in SQL; any other key filters after
// decoding.
func (s *DocStore) QueryDocs(ctx context.Context, collection string, q domain.DocQuery) ([]domain.Doc, error) {
	where := []string{"collection = ?"}
	args := []any{collection}

	postFilter := make(map[string]any)
	for key, want := range q.Equals {
		switch key {
		case "category":
			where = append(where, "category = ?")
			args = append(args, fmt.Sprint(want))
		case "type":
			where = append(where, "doc_type = ?")
			args = append(args, fmt.Sprint(want))
		case "pool":
			where = append(where, "pool = ?")
			args = append(args, fmt.Sprint(want))
		default:
			postFilter[key] = want
		}
	}

	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.Unix())
	}
	if !q.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, q.Until.Unix())
	}
	if q.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, q.MinConfidence)
	}

	var orderBy string
	switch q.OrderBy {
	case "timestamp":
		orderBy = "ts ASC, id ASC"
	case "-timestamp":
		orderBy = "ts DESC, id ASC"
	case "-confidence":
		orderBy = "confidence DESC, id ASC"
	case "":
		orderBy = "id ASC"
	default:
		return nil, fmt.Errorf("unsupported order %q", q.OrderBy)
	}

	query := fmt.Sprintf(
		`SELECT id, body FROM docs WHERE %s ORDER BY %s`,
		strings.Join(where, " AND "), orderBy,
	)
	// SQL LIMIT is only safe when nothing is filtered after decoding.
	if q.Limit > 0 && len(postFilter) == 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query docs in %s: %w", collection, err)
	}
	defer rows.Close()

	var out []domain.Doc
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan doc in %s: %w", collection, err)
		}

		data, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		if !matchesPostFilter(data, postFilter) {
			continue
		}

		out = append(out, domain.Doc{ID: id, Data: data})
		if q.Limit > 0 && len(postFilter) > 0 && len(out) >= q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating docs in %s: %w", collection, err)
	}

	return out, nil
}

// DeleteDoc removes the doc. Deleting a missing doc is not an error.
func (s *DocStore) DeleteDoc(ctx context.Context, collection, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM docs WHERE collection = ? AND id = ?`, collection, id,
	); err != nil {
		return fmt.Errorf("failed to delete doc %s/%s: %w", collection, id, err)
	}
	return nil
}

// CountDocs returns the number of docs in a collection.
func (s *DocStore) CountDocs(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM docs WHERE collection = ?`, collection,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count docs in %s: %w", collection, err)
	}
	return n, nil
}

func decodeBody(body []byte) (map[string]any, error) {
	var data map[string]any
	if err := msgpack.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to decode doc body: %w", err)
	}
	return data, nil
}

// matchesPostFilter compares on printed form. Non-indexed equals keys are
// rare (tests and ad-hoc queries), so loose matching is acceptable there.
func matchesPostFilter(data map[string]any, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := data[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func nullableString(v any) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	s := fmt.Sprint(v)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableFloat(v any) sql.NullFloat64 {
	switch f := v.(type) {
	case float64:
		return sql.NullFloat64{Float64: f, Valid: true}
	case float32:
		return sql.NullFloat64{Float64: float64(f), Valid: true}
	case int:
		return sql.NullFloat64{Float64: float64(f), Valid: true}
	case int64:
		return sql.NullFloat64{Float64: float64(f), Valid: true}
	default:
		return sql.NullFloat64{}
	}
}

func nullableUnix(v any) sql.NullInt64 {
	switch t := v.(type) {
	case time.Time:
		return sql.NullInt64{Int64: t.Unix(), Valid: true}
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return sql.NullInt64{}
		}
		return sql.NullInt64{Int64: parsed.Unix(), Valid: true}
	default:
		return sql.NullInt64{}
	}
}
