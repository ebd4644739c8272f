package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and initializes
// the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			url TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (collection, url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_collection_updated
			ON documents(collection, updated_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, collection string, docs []Document) (UpsertResult, error) {
	var result UpsertResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, doc := range docs {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM documents WHERE collection = ? AND url = ?`,
			collection, doc.URL).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO documents (collection, url, payload, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?)`,
				collection, doc.URL, string(doc.Payload), now, now)
			if err != nil {
				return UpsertResult{}, fmt.Errorf("insert document: %w", err)
			}
			result.Inserted++
		case err != nil:
			return UpsertResult{}, fmt.Errorf("look up document: %w", err)
		default:
			_, err = tx.ExecContext(ctx,
				`UPDATE documents SET payload = ?, updated_at = ? WHERE id = ?`,
				string(doc.Payload), now, existing)
			if err != nil {
				return UpsertResult{}, fmt.Errorf("update document: %w", err)
			}
			result.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit transaction: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) List(ctx context.Context, collection string, opts ListOptions) ([]Document, int64, error) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	size := opts.Size
	if size < 1 {
		size = 20
	}

	where := `collection = ?`
	args := []any{collection}
	if opts.Query != "" {
		where += ` AND (url LIKE ? OR payload LIKE ?)`
		pattern := "%" + opts.Query + "%"
		args = append(args, pattern, pattern)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	listArgs := append(args, size, (page-1)*size)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, payload, created_at, updated_at
		 FROM documents WHERE `+where+`
		 ORDER BY updated_at DESC, id DESC
		 LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	return docs, total, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, collection string, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, payload, created_at, updated_at
		 FROM documents WHERE collection = ? AND id = ?`,
		collection, id)

	doc, err := scanDocument(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection string, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanDocument(scan func(dest ...any) error) (Document, error) {
	var doc Document
	var payload string
	if err := scan(&doc.ID, &doc.URL, &payload, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, err
		}
		return Document{}, fmt.Errorf("scan document: %w", err)
	}
	doc.Payload = []byte(payload)
	return doc, nil
}
