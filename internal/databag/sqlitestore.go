// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag

import (
	"context"
	"database/sql"

	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS databag (
    scope   TEXT NOT NULL,
    key     TEXT NOT NULL,
    value   TEXT NOT NULL,
    version INTEGER NOT NULL,
    PRIMARY KEY (scope, key)
);
CREATE TABLE IF NOT EXISTS revision (
    id    INTEGER PRIMARY KEY CHECK (id = 0),
    value INTEGER NOT NULL
);
INSERT OR IGNORE INTO revision (id, value) VALUES (0, 0);
`

// SQLiteStore is a Store persisted in a SQLite database. Every write is
// a single transaction, so compare-and-set is atomic across processes
// sharing the database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the databag database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, unavailable(err)
	}
	// A single connection serialises writers inside this process; the
	// immediate transaction lock serialises them across processes.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, unavailable(err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return errors.Trace(s.db.Close())
}

// Get is part of the Store interface.
func (s *SQLiteStore) Get(ctx context.Context, scope Scope, key string) (Value, error) {
	var v Value
	err := s.db.QueryRowContext(ctx,
		"SELECT value, version FROM databag WHERE scope = ? AND key = ?", string(scope), key,
	).Scan(&v.Data, &v.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Value{}, errors.NotFoundf("%s key %q", scope, key)
	} else if err != nil {
		return Value{}, unavailable(err)
	}
	return v, nil
}

// CompareAndSet is part of the Store interface.
func (s *SQLiteStore) CompareAndSet(ctx context.Context, scope Scope, key, data string, expected int64) (int64, error) {
	var version int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx,
			"SELECT version FROM databag WHERE scope = ? AND key = ?", string(scope), key,
		).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return unavailable(err)
		}
		if expected != AnyVersion && current != expected {
			return errors.WithType(
				errors.Errorf("%s key %q at version %d, expected %d", scope, key, current, expected),
				ErrVersionConflict,
			)
		}
		version = current + 1
		if current == 0 {
			_, err = tx.ExecContext(ctx,
				"INSERT INTO databag (scope, key, value, version) VALUES (?, ?, ?, ?)",
				string(scope), key, data, version)
		} else {
			_, err = tx.ExecContext(ctx,
				"UPDATE databag SET value = ?, version = ? WHERE scope = ? AND key = ? AND version = ?",
				data, version, string(scope), key, current)
		}
		if isConstraintError(err) {
			return errors.WithType(errors.Annotatef(err, "%s key %q", scope, key), ErrVersionConflict)
		} else if err != nil {
			return unavailable(err)
		}
		return s.bumpRevision(ctx, tx)
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// Delete is part of the Store interface.
func (s *SQLiteStore) Delete(ctx context.Context, scope Scope, key string, expected int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx,
			"SELECT version FROM databag WHERE scope = ? AND key = ?", string(scope), key,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return unavailable(err)
		}
		if expected != AnyVersion && current != expected {
			return errors.WithType(
				errors.Errorf("%s key %q at version %d, expected %d", scope, key, current, expected),
				ErrVersionConflict,
			)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM databag WHERE scope = ? AND key = ?", string(scope), key,
		); err != nil {
			return unavailable(err)
		}
		return s.bumpRevision(ctx, tx)
	})
}

// Snapshot is part of the Store interface.
func (s *SQLiteStore) Snapshot(ctx context.Context) (map[Scope]map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT scope, key, value FROM databag")
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	result := make(map[Scope]map[string]string)
	for rows.Next() {
		var scope, key, value string
		if err := rows.Scan(&scope, &key, &value); err != nil {
			return nil, unavailable(err)
		}
		if result[Scope(scope)] == nil {
			result[Scope(scope)] = make(map[string]string)
		}
		result[Scope(scope)][key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return result, nil
}

// Revision is part of the Store interface.
func (s *SQLiteStore) Revision(ctx context.Context) (int64, error) {
	var revision int64
	if err := s.db.QueryRowContext(ctx, "SELECT value FROM revision WHERE id = 0").Scan(&revision); err != nil {
		return 0, unavailable(err)
	}
	return revision, nil
}

func (s *SQLiteStore) bumpRevision(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, "UPDATE revision SET value = value + 1 WHERE id = 0"); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func unavailable(err error) error {
	return errors.WithType(errors.Trace(err), ErrStateUnavailable)
}
