package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/officepro/historydb/internal/anchoring"
	"github.com/officepro/historydb/internal/delta"
	"github.com/officepro/historydb/internal/history"
	"github.com/officepro/historydb/internal/operations"
)

const sqliteSchemaVersion = 1

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_foreign_keys=1&_txlock=immediate&_busy_timeout=5000"
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	if version > sqliteSchemaVersion {
		return fmt.Errorf("%w: schema version %d is newer than supported %d", ErrInvalidData, version, sqliteSchemaVersion)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		current_version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS versions (
		doc_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		author TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		is_baseline INTEGER NOT NULL,
		encoding TEXT NOT NULL,
		payload BLOB NOT NULL,
		result_length INTEGER NOT NULL,
		result_digest TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (doc_id, sequence_number),
		FOREIGN KEY (doc_id) REFERENCES documents(id)
	);

	CREATE TABLE IF NOT EXISTS annotations (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		anchor_start INTEGER NOT NULL,
		anchor_end INTEGER NOT NULL,
		author TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		thread_parent_id TEXT,
		body TEXT NOT NULL DEFAULT '',
		quote TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (doc_id) REFERENCES documents(id)
	);

	CREATE INDEX IF NOT EXISTS idx_versions_author ON versions(author);
	CREATE INDEX IF NOT EXISTS idx_annotations_document ON annotations(doc_id);
	CREATE INDEX IF NOT EXISTS idx_annotations_parent ON annotations(thread_parent_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, sqliteSchemaVersion))
	return err
}

func (s *SQLiteStore) AppendVersion(ctx context.Context, v *history.Version, annotations []*history.Annotation) error {
	if v == nil || v.DocumentID == "" || v.Sequence == 0 {
		return fmt.Errorf("%w: version requires document and sequence", ErrInvalidData)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("append_version", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	if err := ensureDocument(ctx, tx, v.DocumentID, now); err != nil {
		return unavailable("append_version", err)
	}

	var current uint64
	if err := tx.QueryRowContext(ctx, `SELECT current_version FROM documents WHERE id = ?`, v.DocumentID).Scan(&current); err != nil {
		return unavailable("append_version", err)
	}
	if v.Sequence != current+1 {
		return fmt.Errorf("%w: document %s is at %d, got %d", ErrSequenceConflict, v.DocumentID, current, v.Sequence)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO versions
		(doc_id, sequence_number, author, timestamp, is_baseline, encoding, payload, result_length, result_digest, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.DocumentID,
		int64(v.Sequence),
		string(v.Author),
		v.CreatedAt.UnixNano(),
		v.IsBaseline,
		string(v.Encoding),
		v.Payload,
		v.ResultLength,
		v.ResultDigest,
		v.Description,
	)
	if err != nil {
		return unavailable("append_version", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET current_version = ?, updated_at = ? WHERE id = ?`,
		int64(v.Sequence), now, v.DocumentID); err != nil {
		return unavailable("append_version", err)
	}

	for _, a := range annotations {
		if err := upsertAnnotation(ctx, tx, a); err != nil {
			return err
		}
	}

	return unavailable("append_version", tx.Commit())
}

func (s *SQLiteStore) AppendAnnotation(ctx context.Context, a *history.Annotation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("append_annotation", err)
	}
	defer tx.Rollback()

	if err := ensureDocument(ctx, tx, a.DocumentID, time.Now().UnixNano()); err != nil {
		return unavailable("append_annotation", err)
	}
	if err := upsertAnnotation(ctx, tx, a); err != nil {
		return err
	}
	return unavailable("append_annotation", tx.Commit())
}

func ensureDocument(ctx context.Context, tx *sql.Tx, id string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, current_version, created_at, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, now, now)
	return err
}

func upsertAnnotation(ctx context.Context, tx *sql.Tx, a *history.Annotation) error {
	if a == nil || a.ID == "" || a.DocumentID == "" {
		return fmt.Errorf("%w: annotation requires id and document", ErrInvalidData)
	}

	var parent sql.NullString
	if a.ParentID != "" {
		parent = sql.NullString{String: a.ParentID, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO annotations
		(id, doc_id, kind, anchor_start, anchor_end, author, timestamp, updated_at, status, resolved, thread_parent_id, body, quote)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			anchor_start = excluded.anchor_start,
			anchor_end = excluded.anchor_end,
			updated_at = excluded.updated_at,
			status = excluded.status,
			resolved = excluded.resolved,
			body = excluded.body,
			quote = excluded.quote
	`,
		a.ID,
		a.DocumentID,
		string(a.Kind),
		a.Anchor.Start,
		a.Anchor.End,
		string(a.Author),
		a.CreatedAt.UnixNano(),
		a.UpdatedAt.UnixNano(),
		string(a.Status),
		a.Resolved,
		parent,
		a.Body,
		a.Quote,
	)
	return unavailable("append_annotation", err)
}

func (s *SQLiteStore) LoadHistory(ctx context.Context, documentID string) (*history.History, error) {
	h := &history.History{DocumentID: documentID}

	// one transaction so annotations match the versions read
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, unavailable("load_history", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT doc_id, sequence_number, author, timestamp, is_baseline, encoding, payload, result_length, result_digest, description
		FROM versions WHERE doc_id = ? ORDER BY sequence_number
	`, documentID)
	if err != nil {
		return nil, unavailable("load_history", err)
	}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		h.Versions = append(h.Versions, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, unavailable("load_history", err)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `
		SELECT id, doc_id, kind, anchor_start, anchor_end, author, timestamp, updated_at, status, resolved, thread_parent_id, body, quote
		FROM annotations WHERE doc_id = ? ORDER BY timestamp, id
	`, documentID)
	if err != nil {
		return nil, unavailable("load_history", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		h.Annotations = append(h.Annotations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load_history", err)
	}

	return h, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, current_version, created_at, updated_at FROM documents ORDER BY id`)
	if err != nil {
		return nil, unavailable("list_documents", err)
	}
	defer rows.Close()

	var docs []DocumentInfo
	for rows.Next() {
		var info DocumentInfo
		var current, created, updated int64
		if err := rows.Scan(&info.ID, &current, &created, &updated); err != nil {
			return nil, unavailable("list_documents", err)
		}
		info.CurrentVersion = uint64(current)
		info.CreatedAt = time.Unix(0, created)
		info.UpdatedAt = time.Unix(0, updated)
		docs = append(docs, info)
	}
	return docs, unavailable("list_documents", rows.Err())
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return unavailable("ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(scanner rowScanner) (*history.Version, error) {
	var v history.Version
	var sequence, timestamp int64
	var author, encoding string
	var baseline bool

	err := scanner.Scan(
		&v.DocumentID,
		&sequence,
		&author,
		&timestamp,
		&baseline,
		&encoding,
		&v.Payload,
		&v.ResultLength,
		&v.ResultDigest,
		&v.Description,
	)
	if err != nil {
		return nil, unavailable("scan_version", err)
	}
	if sequence <= 0 {
		return nil, fmt.Errorf("%w: sequence %d", ErrInvalidData, sequence)
	}

	v.Sequence = uint64(sequence)
	v.Author = operations.AuthorID(author)
	v.CreatedAt = time.Unix(0, timestamp)
	v.IsBaseline = baseline
	v.Encoding = delta.Encoding(encoding)
	return &v, nil
}

func scanAnnotation(scanner rowScanner) (*history.Annotation, error) {
	var a history.Annotation
	var kind, author, status string
	var start, end int
	var created, updated int64
	var parent sql.NullString

	err := scanner.Scan(
		&a.ID,
		&a.DocumentID,
		&kind,
		&start,
		&end,
		&author,
		&created,
		&updated,
		&status,
		&a.Resolved,
		&parent,
		&a.Body,
		&a.Quote,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, unavailable("scan_annotation", err)
	}

	a.Kind = history.Kind(kind)
	a.Anchor = anchoring.Range{Start: start, End: end}
	a.Author = operations.AuthorID(author)
	a.CreatedAt = time.Unix(0, created)
	a.UpdatedAt = time.Unix(0, updated)
	a.Status = history.Status(status)
	if parent.Valid {
		a.ParentID = parent.String
	}
	return &a, nil
}
