package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vidfriends/relationships/internal/db"
)

// ChangeChannel is the LISTEN/NOTIFY channel carrying the kind of each changed document.
const ChangeChannel = "docstore_changes"

// PostgresOptions tunes the PostgreSQL backend.
type PostgresOptions struct {
	// Notify publishes change notifications on ChangeChannel. Subscriptions
	// only receive updates when it is enabled.
	Notify bool
}

// PostgresStore persists documents as JSONB rows in the documents table.
type PostgresStore struct {
	pool db.Pool
	opts PostgresOptions
}

// NewPostgresStore constructs a store backed by PostgreSQL.
func NewPostgresStore(pool db.Pool, opts PostgresOptions) *PostgresStore {
	return &PostgresStore{pool: pool, opts: opts}
}

// Create inserts a new document.
func (s *PostgresStore) Create(ctx context.Context, kind Kind, fields map[string]any) (string, error) {
	payload, err := json.Marshal(fieldsOrEmpty(fields))
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
        INSERT INTO documents (kind, id, fields, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $4)
    `, string(kind), id, payload, now); err != nil {
		return "", mapPgError("insert document", err)
	}

	if err := s.notify(ctx, tx, kind); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", mapPgError("commit create", err)
	}

	return id, nil
}

// Get fetches a single document.
func (s *PostgresStore) Get(ctx context.Context, kind Kind, id string) (Document, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT id, fields, created_at, updated_at
        FROM documents
        WHERE kind = $1 AND id = $2
    `, string(kind), id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, mapPgError("select document", err)
	}
	return doc, nil
}

// Update applies update inside a row-locking transaction.
func (s *PostgresStore) Update(ctx context.Context, kind Kind, id string, update Update) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	exists := true
	err = tx.QueryRow(ctx, `
        SELECT fields FROM documents
        WHERE kind = $1 AND id = $2
        FOR UPDATE
    `, string(kind), id).Scan(&raw)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return mapPgError("lock document", err)
		}
		if !update.Upsert {
			return ErrNotFound
		}
		exists = false
	}

	fields := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("decode document %s/%s: %w", kind, id, err)
		}
	}

	payload, err := json.Marshal(applyUpdate(fields, update))
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	now := time.Now().UTC()
	if exists {
		_, err = tx.Exec(ctx, `
            UPDATE documents SET fields = $3, updated_at = $4
            WHERE kind = $1 AND id = $2
        `, string(kind), id, payload, now)
	} else {
		_, err = tx.Exec(ctx, `
            INSERT INTO documents (kind, id, fields, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $4)
        `, string(kind), id, payload, now)
	}
	if err != nil {
		return mapPgError("write document", err)
	}

	if err := s.notify(ctx, tx, kind); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError("commit update", err)
	}
	return nil
}

// Delete removes a document.
func (s *PostgresStore) Delete(ctx context.Context, kind Kind, id string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE kind = $1 AND id = $2`, string(kind), id)
	if err != nil {
		return mapPgError("delete document", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := s.notify(ctx, tx, kind); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError("commit delete", err)
	}
	return nil
}

// Query returns documents of kind matching every filter, oldest first.
func (s *PostgresStore) Query(ctx context.Context, kind Kind, filters ...Filter) ([]Document, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	query, args := buildQuery(kind, filters)
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError("query documents", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, mapPgError("scan document", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("iterate documents", err)
	}
	return docs, nil
}

// Subscribe holds a dedicated connection LISTENing on ChangeChannel and
// re-reads target whenever a change for its kind is announced.
func (s *PostgresStore) Subscribe(ctx context.Context, target Target, onNext func([]Document), onError func(error)) (CancelFunc, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	subCtx, cancel := context.WithCancel(ctx)

	conn, err := s.pool.Acquire(subCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	if _, err := conn.Exec(subCtx, "LISTEN "+ChangeChannel); err != nil {
		conn.Release()
		cancel()
		return nil, mapPgError("listen", err)
	}

	var once sync.Once
	stop := func() { once.Do(cancel) }

	go func() {
		defer func() {
			cleanupCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_, _ = conn.Exec(cleanupCtx, "UNLISTEN *")
			conn.Release()
		}()

		fail := func(err error) {
			stop()
			if onError != nil {
				onError(err)
			}
		}

		docs, err := s.snapshot(subCtx, target)
		if err != nil {
			if subCtx.Err() == nil {
				fail(err)
			}
			return
		}
		if onNext != nil {
			onNext(docs)
		}

		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					fail(mapPgError("wait for notification", err))
				}
				return
			}
			if n.Payload != string(target.Kind) {
				continue
			}
			docs, err := s.snapshot(subCtx, target)
			if err != nil {
				if subCtx.Err() == nil {
					fail(err)
				}
				return
			}
			if subCtx.Err() != nil {
				return
			}
			if onNext != nil {
				onNext(docs)
			}
		}
	}()

	return stop, nil
}

func (s *PostgresStore) snapshot(ctx context.Context, target Target) ([]Document, error) {
	if !target.IsRef() {
		return s.Query(ctx, target.Kind, target.Filters...)
	}
	doc, err := s.Get(ctx, target.Kind, target.DocID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []Document{}, nil
		}
		return nil, err
	}
	return []Document{doc}, nil
}

func (s *PostgresStore) notify(ctx context.Context, tx pgx.Tx, kind Kind) error {
	if !s.opts.Notify {
		return nil
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChangeChannel, string(kind)); err != nil {
		return mapPgError("notify change", err)
	}
	return nil
}

func buildQuery(kind Kind, filters []Filter) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT id, fields, created_at, updated_at FROM documents WHERE kind = $1")
	args := []any{string(kind)}
	for _, f := range filters {
		args = append(args, f.Field, f.Value)
		fmt.Fprintf(&b, " AND fields->>($%d::text) = $%d::text", len(args)-1, len(args))
	}
	b.WriteString(" ORDER BY created_at, id")
	return b.String(), args
}

func scanDocument(row pgx.Row) (Document, error) {
	var (
		doc Document
		raw []byte
	)
	if err := row.Scan(&doc.ID, &raw, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return Document{}, err
	}
	doc.Fields = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc.Fields); err != nil {
			return Document{}, fmt.Errorf("decode document %s: %w", doc.ID, err)
		}
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func mapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "42501":
			return fmt.Errorf("%s: %w", op, ErrPermissionDenied)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func fieldsOrEmpty(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	return fields
}

var _ Store = (*PostgresStore)(nil)
