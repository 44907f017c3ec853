// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite implements persistence.Store on a single SQLite file.
//
// Each collection is a table keyed by handle with a unique key column. The
// global sequence lives in its own single-row table and is advanced inside the
// transaction of every write. Writes are serialized by the store and their
// change events are published after commit, before the next write starts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
)

// Store is a SQLite backed persistence.Store.
type Store struct {
	db     *sql.DB
	closed atomic.Bool

	// mu serializes writes so that sequence order and publish order agree.
	mu     sync.Mutex
	tables sync.Map
	broker *persistence.Broker
}

var _ persistence.Store = (*Store)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", buildConnectionString(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s, err := NewWithDB(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return s, nil
}

// NewWithDB wraps an already opened database handle.
func NewWithDB(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS rxrepo_sequence (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("failed to create sequence table: %w", err)
	}

	if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO rxrepo_sequence (id, value) VALUES (1, 0)`); err != nil {
		return nil, fmt.Errorf("failed to initialize sequence: %w", err)
	}

	return &Store{db: db, broker: persistence.NewBroker()}, nil
}

func buildConnectionString(dbPath string) string {
	baseParams := "?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_cache_size=-64000"

	if runtime.GOOS == "darwin" {
		baseParams += "&_fullfsync=1"
	}

	return dbPath + baseParams
}

func (s *Store) check(ctx context.Context) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	if s.closed.Load() {
		return persistence.ErrClosed
	}

	return nil
}

func (s *Store) CreateCollection(ctx context.Context, name string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	return s.ensureTable(ctx, name)
}

func (s *Store) ensureTable(ctx context.Context, name string) error {
	if _, ok := s.tables.Load(name); ok {
		return nil
	}

	if err := persistence.ValidateCollectionName(name); err != nil {
		return err
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		handle TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		version INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		data BLOB NOT NULL
	)`, name)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	s.tables.Store(name, struct{}{})

	return nil
}

func (s *Store) DropCollection(ctx context.Context, name string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	if err := persistence.ValidateCollectionName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}

	s.tables.Delete(name)

	return nil
}

func (s *Store) Insert(ctx context.Context, collection, key string, doc persistence.Document) (persistence.Record, error) {
	if err := s.check(ctx); err != nil {
		return persistence.Record{}, err
	}

	if err := s.ensureTable(ctx, collection); err != nil {
		return persistence.Record{}, err
	}

	data, err := encodeDocument(doc)
	if err != nil {
		return persistence.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := persistence.Record{Handle: uuid.New().String(), Key: key, Version: 1, Data: doc}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}

		rec.Seq = seq

		query := fmt.Sprintf(`INSERT INTO %s (handle, key, version, seq, data) VALUES (?, ?, ?, ?, ?)`, collection)
		if _, err := tx.ExecContext(ctx, query, rec.Handle, key, rec.Version, int64(seq), data); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%s/%s: %w", collection, key, persistence.ErrDuplicateKey)
			}

			return fmt.Errorf("failed to insert document: %w", err)
		}

		return nil
	})
	if err != nil {
		return persistence.Record{}, err
	}

	current := rec
	s.broker.Publish(persistence.ChangeEvent{
		Collection: collection,
		Kind:       persistence.ChangeCreated,
		Key:        key,
		Handle:     rec.Handle,
		Seq:        rec.Seq,
		Current:    &current,
	})

	return rec, nil
}

func (s *Store) Get(ctx context.Context, collection, handle string) (persistence.Record, error) {
	if err := s.check(ctx); err != nil {
		return persistence.Record{}, err
	}

	if err := persistence.ValidateCollectionName(collection); err != nil {
		return persistence.Record{}, err
	}

	query := fmt.Sprintf(`SELECT handle, key, version, seq, data FROM %s WHERE handle = ?`, collection)

	return scanRecord(s.db.QueryRowContext(ctx, query, handle))
}

func (s *Store) GetByKey(ctx context.Context, collection, key string) (persistence.Record, error) {
	if err := s.check(ctx); err != nil {
		return persistence.Record{}, err
	}

	if err := persistence.ValidateCollectionName(collection); err != nil {
		return persistence.Record{}, err
	}

	query := fmt.Sprintf(`SELECT handle, key, version, seq, data FROM %s WHERE key = ?`, collection)

	return scanRecord(s.db.QueryRowContext(ctx, query, key))
}

func (s *Store) Update(ctx context.Context, collection, handle string, expectedVersion int64, doc persistence.Document) (persistence.Record, error) {
	if err := s.check(ctx); err != nil {
		return persistence.Record{}, err
	}

	if err := persistence.ValidateCollectionName(collection); err != nil {
		return persistence.Record{}, err
	}

	data, err := encodeDocument(doc)
	if err != nil {
		return persistence.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var previous, current persistence.Record

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`SELECT handle, key, version, seq, data FROM %s WHERE handle = ?`, collection)

		previous, err = scanRecord(tx.QueryRowContext(ctx, query, handle))
		if err != nil {
			return err
		}

		if expectedVersion != persistence.AnyVersion && previous.Version != expectedVersion {
			return fmt.Errorf("%s/%s: expected version %d, found %d: %w",
				collection, previous.Key, expectedVersion, previous.Version, persistence.ErrConflict)
		}

		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}

		current = persistence.Record{
			Handle:  handle,
			Key:     previous.Key,
			Version: previous.Version + 1,
			Seq:     seq,
			Data:    doc,
		}

		query = fmt.Sprintf(`UPDATE %s SET version = ?, seq = ?, data = ? WHERE handle = ? AND version = ?`, collection)

		result, err := tx.ExecContext(ctx, query, current.Version, int64(seq), data, handle, previous.Version)
		if err != nil {
			return fmt.Errorf("failed to update document: %w", err)
		}

		return expectOneRow(result, collection, previous.Key)
	})
	if err != nil {
		return persistence.Record{}, err
	}

	prev, cur := previous, current
	s.broker.Publish(persistence.ChangeEvent{
		Collection: collection,
		Kind:       persistence.ChangeUpdated,
		Key:        current.Key,
		Handle:     handle,
		Seq:        current.Seq,
		Previous:   &prev,
		Current:    &cur,
	})

	return current, nil
}

func (s *Store) Delete(ctx context.Context, collection, handle string, expectedVersion int64) (persistence.Record, error) {
	if err := s.check(ctx); err != nil {
		return persistence.Record{}, err
	}

	if err := persistence.ValidateCollectionName(collection); err != nil {
		return persistence.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		previous persistence.Record
		seq      uint64
	)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error

		query := fmt.Sprintf(`SELECT handle, key, version, seq, data FROM %s WHERE handle = ?`, collection)

		previous, err = scanRecord(tx.QueryRowContext(ctx, query, handle))
		if err != nil {
			return err
		}

		if expectedVersion != persistence.AnyVersion && previous.Version != expectedVersion {
			return fmt.Errorf("%s/%s: expected version %d, found %d: %w",
				collection, previous.Key, expectedVersion, previous.Version, persistence.ErrConflict)
		}

		seq, err = nextSeq(ctx, tx)
		if err != nil {
			return err
		}

		query = fmt.Sprintf(`DELETE FROM %s WHERE handle = ? AND version = ?`, collection)

		result, err := tx.ExecContext(ctx, query, handle, previous.Version)
		if err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}

		return expectOneRow(result, collection, previous.Key)
	})
	if err != nil {
		return persistence.Record{}, err
	}

	prev := previous
	s.broker.Publish(persistence.ChangeEvent{
		Collection: collection,
		Kind:       persistence.ChangeDeleted,
		Key:        previous.Key,
		Handle:     handle,
		Seq:        seq,
		Previous:   &prev,
	})

	return previous, nil
}

func (s *Store) Find(ctx context.Context, collection string) ([]persistence.Record, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	if err := persistence.ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT handle, key, version, seq, data FROM `+collection+` ORDER BY seq`)
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to find documents: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var records []persistence.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return records, nil
}

func (s *Store) Watch(ctx context.Context, collection string) (*persistence.Subscription, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.broker.Subscribe(collection), nil
}

func (s *Store) Close(ctx context.Context) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.broker.Close()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `UPDATE rxrepo_sequence SET value = value + 1 WHERE id = 1 RETURNING value`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}

	return uint64(seq), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (persistence.Record, error) {
	var (
		rec  persistence.Record
		seq  int64
		data []byte
	)

	if err := row.Scan(&rec.Handle, &rec.Key, &rec.Version, &seq, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMissingTable(err) {
			return persistence.Record{}, persistence.ErrNotFound
		}

		return persistence.Record{}, fmt.Errorf("failed to get document: %w", err)
	}

	doc, err := decodeDocument(data)
	if err != nil {
		return persistence.Record{}, err
	}

	rec.Seq = uint64(seq)
	rec.Data = doc

	return rec, nil
}

func expectOneRow(result sql.Result, collection, key string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%s/%s: %w", collection, key, persistence.ErrConflict)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	return false
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
