package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/valhalla/internal/errors"
)

// Collection names used by the chat service.
const (
	CollectionMission             = "mission"
	CollectionProjects            = "projects"
	CollectionConversations       = "conversations"
	CollectionConversationHistory = "conversation_history"
	CollectionExecutions          = "executions"
)

var fieldRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Document is a stored JSON object with its server-assigned timestamps.
type Document struct {
	Collection string
	ID         string
	Data       json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Decode unmarshals the document body into dst.
func (d Document) Decode(dst any) error {
	return json.Unmarshal(d.Data, dst)
}

// Filter matches documents whose top-level field equals Value.
type Filter struct {
	Field string
	Value any
}

// Query selects documents in one collection.
type Query struct {
	Filters []Filter
	// Since keeps documents created at or after this instant when non-zero.
	Since time.Time
	Limit int
}

// Get loads a document into dst. It reports false when the document does not exist.
func (s *Store) Get(ctx context.Context, collection, id string, dst any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, perrors.Persistence("get", collection, err)
	}
	if dst != nil {
		if err := json.Unmarshal([]byte(body), dst); err != nil {
			return true, perrors.Persistence("decode", collection, err)
		}
	}
	return true, nil
}

// Exists reports whether a document is present.
func (s *Store) Exists(ctx context.Context, collection, id string) (bool, error) {
	return s.Get(ctx, collection, id, nil)
}

// Set writes doc under id, replacing any previous body. Last writer wins.
func (s *Store) Set(ctx context.Context, collection, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return perrors.Persistence("encode", collection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO documents (collection, id, body, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, collection, id, string(body), now, now)
	if err != nil {
		return perrors.Persistence("set", collection, err)
	}
	return nil
}

// SetIfAbsent writes doc only when no document exists under id.
// It reports whether the document was created.
func (s *Store) SetIfAbsent(ctx context.Context, collection, id string, doc any) (bool, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return false, perrors.Persistence("encode", collection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
	INSERT OR IGNORE INTO documents (collection, id, body, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	`, collection, id, string(body), now, now)
	if err != nil {
		return false, perrors.Persistence("create", collection, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, perrors.Persistence("create", collection, err)
	}
	return rows == 1, nil
}

// Merge sets the given top-level fields on an existing document.
// Returns an error wrapping perrors.ErrNotFound if the document is missing.
func (s *Store) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return perrors.Persistence("merge", collection, err)
	}
	defer tx.Rollback()

	var body string
	err = tx.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return perrors.Persistence("merge", collection, fmt.Errorf("%s/%s: %w", collection, id, perrors.ErrNotFound))
	}
	if err != nil {
		return perrors.Persistence("merge", collection, err)
	}

	current := map[string]any{}
	if err := json.Unmarshal([]byte(body), &current); err != nil {
		return perrors.Persistence("decode", collection, err)
	}
	for k, v := range fields {
		current[k] = v
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return perrors.Persistence("encode", collection, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET body = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(merged), s.now().UnixMilli(), collection, id,
	); err != nil {
		return perrors.Persistence("merge", collection, err)
	}
	if err := tx.Commit(); err != nil {
		return perrors.Persistence("merge", collection, err)
	}
	return nil
}

// Add appends doc under a freshly generated ID and returns that ID.
func (s *Store) Add(ctx context.Context, collection string, doc any) (string, error) {
	id := uuid.New().String()
	created, err := s.SetIfAbsent(ctx, collection, id, doc)
	if err != nil {
		return "", err
	}
	if !created {
		return "", perrors.Persistence("add", collection, fmt.Errorf("id collision %s", id))
	}
	return id, nil
}

// Query returns matching documents ordered by creation time.
func (s *Store) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	var (
		where = []string{"collection = ?"}
		args  = []any{collection}
	)
	for _, f := range q.Filters {
		if !fieldRe.MatchString(f.Field) {
			return nil, perrors.Persistence("query", collection, fmt.Errorf("invalid field %q: %w", f.Field, perrors.ErrInvalidInput))
		}
		where = append(where, fmt.Sprintf("json_extract(body, '$.%s') = ?", f.Field))
		args = append(args, f.Value)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UnixMilli())
	}

	query := `SELECT id, body, created_at, updated_at FROM documents WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at, id`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, perrors.Persistence("query", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			d                Document
			body             string
			created, updated int64
		)
		if err := rows.Scan(&d.ID, &body, &created, &updated); err != nil {
			return nil, perrors.Persistence("scan", collection, err)
		}
		d.Collection = collection
		d.Data = json.RawMessage(body)
		d.CreatedAt = time.UnixMilli(created)
		d.UpdatedAt = time.UnixMilli(updated)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, perrors.Persistence("query", collection, err)
	}
	return docs, nil
}

// List returns every document in a collection.
func (s *Store) List(ctx context.Context, collection string) ([]Document, error) {
	return s.Query(ctx, collection, Query{})
}
