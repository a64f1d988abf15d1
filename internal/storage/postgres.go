package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/officepro/historydb/internal/anchoring"
	"github.com/officepro/historydb/internal/delta"
	"github.com/officepro/historydb/internal/history"
	"github.com/officepro/historydb/internal/operations"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		current_version BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS versions (
		doc_id TEXT NOT NULL REFERENCES documents(id),
		sequence_number BIGINT NOT NULL,
		author TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		is_baseline BOOLEAN NOT NULL,
		encoding TEXT NOT NULL,
		payload BYTEA NOT NULL,
		result_length INTEGER NOT NULL,
		result_digest TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (doc_id, sequence_number)
	)`,
	`CREATE TABLE IF NOT EXISTS annotations (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL REFERENCES documents(id),
		kind TEXT NOT NULL,
		anchor_start INTEGER NOT NULL,
		anchor_end INTEGER NOT NULL,
		author TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		status TEXT NOT NULL,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		thread_parent_id TEXT,
		body TEXT NOT NULL DEFAULT '',
		quote TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_versions_author ON versions(author)`,
	`CREATE INDEX IF NOT EXISTS idx_annotations_document ON annotations(doc_id)`,
}

// PostgresStore is the Gateway for deployments sharing one history
// database across hosts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	config.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, unavailable("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("connect", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) AppendVersion(ctx context.Context, v *history.Version, annotations []*history.Annotation) error {
	if v == nil || v.DocumentID == "" || v.Sequence == 0 {
		return fmt.Errorf("%w: version requires document and sequence", ErrInvalidData)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return unavailable("append_version", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UnixNano()
	if err := pgEnsureDocument(ctx, tx, v.DocumentID, now); err != nil {
		return unavailable("append_version", err)
	}

	var current int64
	if err := tx.QueryRow(ctx, `SELECT current_version FROM documents WHERE id = $1 FOR UPDATE`, v.DocumentID).Scan(&current); err != nil {
		return unavailable("append_version", err)
	}
	if v.Sequence != uint64(current)+1 {
		return fmt.Errorf("%w: document %s is at %d, got %d", ErrSequenceConflict, v.DocumentID, current, v.Sequence)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO versions
		(doc_id, sequence_number, author, timestamp, is_baseline, encoding, payload, result_length, result_digest, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
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

	if _, err := tx.Exec(ctx, `UPDATE documents SET current_version = $1, updated_at = $2 WHERE id = $3`,
		int64(v.Sequence), now, v.DocumentID); err != nil {
		return unavailable("append_version", err)
	}

	for _, a := range annotations {
		if err := pgUpsertAnnotation(ctx, tx, a); err != nil {
			return err
		}
	}

	return unavailable("append_version", tx.Commit(ctx))
}

func (s *PostgresStore) AppendAnnotation(ctx context.Context, a *history.Annotation) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return unavailable("append_annotation", err)
	}
	defer tx.Rollback(ctx)

	if err := pgEnsureDocument(ctx, tx, a.DocumentID, time.Now().UnixNano()); err != nil {
		return unavailable("append_annotation", err)
	}
	if err := pgUpsertAnnotation(ctx, tx, a); err != nil {
		return err
	}
	return unavailable("append_annotation", tx.Commit(ctx))
}

func pgEnsureDocument(ctx context.Context, tx pgx.Tx, id string, now int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO documents (id, current_version, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, now)
	return err
}

func pgUpsertAnnotation(ctx context.Context, tx pgx.Tx, a *history.Annotation) error {
	if a == nil || a.ID == "" || a.DocumentID == "" {
		return fmt.Errorf("%w: annotation requires id and document", ErrInvalidData)
	}

	var parent sql.NullString
	if a.ParentID != "" {
		parent = sql.NullString{String: a.ParentID, Valid: true}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO annotations
		(id, doc_id, kind, anchor_start, anchor_end, author, timestamp, updated_at, status, resolved, thread_parent_id, body, quote)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			anchor_start = EXCLUDED.anchor_start,
			anchor_end = EXCLUDED.anchor_end,
			updated_at = EXCLUDED.updated_at,
			status = EXCLUDED.status,
			resolved = EXCLUDED.resolved,
			body = EXCLUDED.body,
			quote = EXCLUDED.quote
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

func (s *PostgresStore) LoadHistory(ctx context.Context, documentID string) (*history.History, error) {
	h := &history.History{DocumentID: documentID}

	// repeatable read keeps both queries on one snapshot
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, unavailable("load_history", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT doc_id, sequence_number, author, timestamp, is_baseline, encoding, payload, result_length, result_digest, description
		FROM versions WHERE doc_id = $1 ORDER BY sequence_number
	`, documentID)
	if err != nil {
		return nil, unavailable("load_history", err)
	}
	for rows.Next() {
		var v history.Version
		var sequence, timestamp int64
		var author, encoding string
		if err := rows.Scan(&v.DocumentID, &sequence, &author, &timestamp, &v.IsBaseline, &encoding,
			&v.Payload, &v.ResultLength, &v.ResultDigest, &v.Description); err != nil {
			rows.Close()
			return nil, unavailable("load_history", err)
		}
		v.Sequence = uint64(sequence)
		v.Author = operations.AuthorID(author)
		v.CreatedAt = time.Unix(0, timestamp)
		v.Encoding = delta.Encoding(encoding)
		h.Versions = append(h.Versions, &v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, unavailable("load_history", err)
	}

	rows, err = tx.Query(ctx, `
		SELECT id, doc_id, kind, anchor_start, anchor_end, author, timestamp, updated_at, status, resolved, thread_parent_id, body, quote
		FROM annotations WHERE doc_id = $1 ORDER BY timestamp, id
	`, documentID)
	if err != nil {
		return nil, unavailable("load_history", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a history.Annotation
		var kind, author, status string
		var start, end int
		var created, updated int64
		var parent sql.NullString
		if err := rows.Scan(&a.ID, &a.DocumentID, &kind, &start, &end, &author, &created, &updated,
			&status, &a.Resolved, &parent, &a.Body, &a.Quote); err != nil {
			return nil, unavailable("load_history", err)
		}
		a.Kind = history.Kind(kind)
		a.Anchor = anchoring.Range{Start: start, End: end}
		a.Author = operations.AuthorID(author)
		a.CreatedAt = time.Unix(0, created)
		a.UpdatedAt = time.Unix(0, updated)
		a.Status = history.Status(status)
		a.ParentID = parent.String
		h.Annotations = append(h.Annotations, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load_history", err)
	}

	return h, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, current_version, created_at, updated_at FROM documents ORDER BY id`)
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return unavailable("ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
