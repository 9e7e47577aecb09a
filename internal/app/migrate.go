package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vidfriends/relationships/internal/config"
	"github.com/vidfriends/relationships/internal/db"
)

const (
	migrationMaxRetries  = 3
	migrationBaseBackoff = 100 * time.Millisecond
	migrationMaxBackoff  = 3 * time.Second
)

var retryablePgErrorCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
}

// migrator applies the SQL files that create the documents table and its
// request indexes.
type migrator struct {
	conn   *pgxpool.Conn
	dir    string
	out    io.Writer
	logger *slog.Logger
}

func runMigrations(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	command := "up"
	if len(args) > 0 {
		command = args[0]
	}
	if command == "down" {
		return errors.New("down migrations are not supported: documents are the source of truth")
	}
	if command != "up" && command != "status" && command != "" {
		return fmt.Errorf("unknown migrate command %q", command)
	}

	dir, err := migrationDir(cfg.MigrationDir)
	if err != nil {
		return err
	}
	files, err := loadMigrations(dir)
	if err != nil {
		return err
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	m := &migrator{conn: conn, dir: dir, out: os.Stdout, logger: logger}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	if command == "status" {
		return m.status(ctx, files, applied)
	}
	return m.up(ctx, files, applied)
}

func migrationDir(dir string) (string, error) {
	if filepath.IsAbs(dir) {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine working directory: %w", err)
	}
	return filepath.Join(wd, dir), nil
}

// loadMigrations lists the .sql files in dir in apply order.
func loadMigrations(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (m *migrator) applied(ctx context.Context) (map[string]time.Time, error) {
	if _, err := m.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	rows, err := m.conn.Query(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("fetch applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var (
			version string
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// status prints each migration file with its apply time, then the number of
// stored documents per kind once the documents table exists.
func (m *migrator) status(ctx context.Context, files []string, applied map[string]time.Time) error {
	writeMigrationStatus(m.out, files, applied)

	var exists bool
	if err := m.conn.QueryRow(ctx, `SELECT to_regclass('documents') IS NOT NULL`).Scan(&exists); err != nil {
		return fmt.Errorf("check documents table: %w", err)
	}
	if !exists {
		fmt.Fprintln(m.out, "documents table not created")
		return nil
	}

	rows, err := m.conn.Query(ctx, `SELECT kind, count(*) FROM documents GROUP BY kind ORDER BY kind`)
	if err != nil {
		return fmt.Errorf("count documents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			kind  string
			count int64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return fmt.Errorf("scan document count: %w", err)
		}
		counts[kind] = count
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate document counts: %w", err)
	}
	writeDocumentCounts(m.out, counts)
	return nil
}

func writeMigrationStatus(out io.Writer, files []string, applied map[string]time.Time) {
	for _, name := range files {
		if at, ok := applied[name]; ok {
			fmt.Fprintf(out, "[x] %s (%s)\n", name, at.UTC().Format(time.RFC3339))
		} else {
			fmt.Fprintf(out, "[ ] %s\n", name)
		}
	}
}

func writeDocumentCounts(out io.Writer, counts map[string]int64) {
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	fmt.Fprintln(out, "documents:")
	if len(kinds) == 0 {
		fmt.Fprintln(out, "  (empty)")
	}
	for _, kind := range kinds {
		fmt.Fprintf(out, "  %-22s %d\n", kind, counts[kind])
	}
}

func (m *migrator) up(ctx context.Context, files []string, applied map[string]time.Time) error {
	pending := 0
	for _, name := range files {
		if _, ok := applied[name]; ok {
			continue
		}
		pending++

		contents, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		err = retryMigration(ctx, m.logger, name, func(ctx context.Context) error {
			return m.applyOnce(ctx, name, string(contents))
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(m.out, "applied migration %s\n", name)
	}
	if pending == 0 {
		fmt.Fprintln(m.out, "no migrations to apply")
	}
	return nil
}

// applyOnce runs one migration and records it in a single serializable
// transaction.
func (m *migrator) applyOnce(ctx context.Context, name, contents string) (err error) {
	tx, err := m.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, contents); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	if _, err = tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// retryMigration runs fn until it succeeds, fails with a permanent error or
// the attempt budget is spent.
func retryMigration(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !shouldRetryMigration(err) || attempt >= migrationMaxRetries {
			return fmt.Errorf("migration %s (attempt %d/%d): %w", name, attempt, migrationMaxRetries, err)
		}

		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * migrationBaseBackoff
		if backoff > migrationMaxBackoff {
			backoff = migrationMaxBackoff
		}
		logger.Warn("transient migration error",
			"migration", name,
			"attempt", attempt,
			"max_attempts", migrationMaxRetries,
			"backoff", backoff,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func shouldRetryMigration(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, pgx.ErrTxClosed) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, ok := retryablePgErrorCodes[pgErr.Code]
		return ok
	}
	return false
}
