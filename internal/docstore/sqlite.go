package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps documents in a local SQLite file. In ephemeral mode it
// holds them in memory for the life of the process.
type SQLiteStore struct {
	db    *sql.DB
	cfg   config.PersistenceConfig
	log   *slog.Logger
	clock func() time.Time

	mu     sync.Mutex
	memory map[string]Document
}

// OpenSQLite initializes the store according to config.
func OpenSQLite(ctx context.Context, cfg config.PersistenceConfig, log *slog.Logger) (*SQLiteStore, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &SQLiteStore{cfg: cfg, log: log, clock: time.Now, memory: make(map[string]Document)}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("document store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("document store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    text TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(collection, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WriteDocument inserts a new document. An existing (collection, id) pair is
// left untouched and reported as ErrDocumentExists.
func (s *SQLiteStore) WriteDocument(ctx context.Context, collection, id string, fields Fields) error {
	now := s.clock().UTC()
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := collection + "/" + id
		if _, ok := s.memory[key]; ok {
			return ErrDocumentExists
		}
		s.memory[key] = Document{Collection: collection, ID: id, Fields: fields, CreatedAt: now}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents(collection, id, text, timestamp, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO NOTHING`,
		collection, id, fields.Text, fields.Timestamp, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if affected == 0 {
		return ErrDocumentExists
	}
	return nil
}

// GetDocument fetches one document.
func (s *SQLiteStore) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		doc, ok := s.memory[collection+"/"+id]
		if !ok {
			return Document{}, ErrNotFound
		}
		return doc, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT collection, id, text, timestamp, created_at FROM documents WHERE collection = ? AND id = ?`,
		collection, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return doc, err
}

// ListDocuments returns up to limit documents of a collection, oldest first.
func (s *SQLiteStore) ListDocuments(ctx context.Context, collection string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}
	if s.db == nil {
		s.mu.Lock()
		var docs []Document
		for _, doc := range s.memory {
			if doc.Collection == collection {
				docs = append(docs, doc)
			}
		}
		s.mu.Unlock()
		sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.Before(docs[j].CreatedAt) })
		if len(docs) > limit {
			docs = docs[:limit]
		}
		return docs, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT collection, id, text, timestamp, created_at
		 FROM documents WHERE collection = ? ORDER BY created_at ASC, id ASC LIMIT ?`, collection, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (Document, error) {
	var doc Document
	var created int64
	if err := row.Scan(&doc.Collection, &doc.ID, &doc.Text, &doc.Timestamp, &created); err != nil {
		return Document{}, err
	}
	doc.CreatedAt = time.UnixMilli(created).UTC()
	return doc, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *SQLiteStore) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE created_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxDocuments > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE rowid IN (
			SELECT rowid FROM documents ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxDocuments)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
