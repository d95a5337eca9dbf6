package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var documentColumns = []string{
	"name", "snapshot", "snapshot_version", "version", "created_at", "updated_at",
}

const schema = `
CREATE TABLE IF NOT EXISTS docsync_documents (
	name             TEXT PRIMARY KEY,
	snapshot         BYTEA,
	snapshot_version INTEGER NOT NULL DEFAULT 0,
	version          INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS docsync_updates (
	name    TEXT NOT NULL REFERENCES docsync_documents(name) ON DELETE CASCADE,
	version INTEGER NOT NULL,
	payload BYTEA NOT NULL,
	PRIMARY KEY (name, version)
);`

// uniqueViolation is the PostgreSQL error code for a duplicate key.
const uniqueViolation = "23505"

// PostgresStore implements DocumentStore on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. The caller owns db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, name string) error {
	now := time.Now().UTC()
	query, args, err := psq.Insert("docsync_documents").
		Columns("name", "snapshot_version", "version", "created_at", "updated_at").
		Values(name, 0, 0, now, now).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return exists(name)
		}
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, name string) (*DocumentInfo, error) {
	query, args, err := psq.Select(documentColumns...).
		From("docsync_documents").
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	info, err := scanDocument(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, fmt.Errorf("querying document: %w", err)
	}
	return info, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]DocumentInfo, error) {
	query, args, err := psq.Select(documentColumns...).
		From("docsync_documents").
		OrderBy("name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []DocumentInfo
	for rows.Next() {
		info, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		result = append(result, *info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return result, nil
}

// Save stores the snapshot and deletes the updates it covers in one transaction.
func (s *PostgresStore) Save(ctx context.Context, name string, snapshot []byte, version int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		query, args, err := psq.Update("docsync_documents").
			Set("snapshot", snapshot).
			Set("snapshot_version", version).
			Set("version", sq.Expr("GREATEST(version, ?)", version)).
			Set("updated_at", time.Now().UTC()).
			Where(sq.Eq{"name": name}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building update: %w", err)
		}
		if err := execOne(ctx, tx, name, query, args); err != nil {
			return err
		}

		query, args, err = psq.Delete("docsync_updates").
			Where(sq.Eq{"name": name}).
			Where(sq.LtOrEq{"version": version}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("compacting updates: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) AppendUpdate(ctx context.Context, name string, update []byte, version int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		query, args, err := psq.Update("docsync_documents").
			Set("version", version).
			Set("updated_at", time.Now().UTC()).
			Where(sq.Eq{"name": name}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building update: %w", err)
		}
		if err := execOne(ctx, tx, name, query, args); err != nil {
			return err
		}

		query, args, err = psq.Insert("docsync_updates").
			Columns("name", "version", "payload").
			Values(name, version, update).
			ToSql()
		if err != nil {
			return fmt.Errorf("building insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("inserting update: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetUpdates(ctx context.Context, name string, fromVersion int) ([][]byte, error) {
	if _, err := s.Get(ctx, name); err != nil {
		return nil, err
	}
	query, args, err := psq.Select("payload").
		From("docsync_updates").
		Where(sq.Eq{"name": name}).
		Where(sq.Gt{"version": fromVersion}).
		OrderBy("version").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying updates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var updates [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning update: %w", err)
		}
		updates = append(updates, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating updates: %w", err)
	}
	return updates, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// execOne runs a statement that must touch exactly the named document.
func execOne(ctx context.Context, tx *sql.Tx, name, query string, args []any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating document: %w", err)
	}
	if n == 0 {
		return notFound(name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*DocumentInfo, error) {
	var info DocumentInfo
	if err := row.Scan(
		&info.Name,
		&info.Snapshot,
		&info.SnapshotVersion,
		&info.Version,
		&info.CreatedAt,
		&info.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &info, nil
}
