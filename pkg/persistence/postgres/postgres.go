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

// Package postgres implements persistence.Store on PostgreSQL.
//
// Documents are stored as JSONB. The sequence is a database sequence shared by
// all instances. Local writes are published to local watchers after commit.
// Every write also issues pg_notify on ChangeChannel so that watchers in other
// processes connected to the same database observe it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rxrepo/pkg/logger"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
)

// ChangeChannel is the LISTEN/NOTIFY channel carrying change events.
const ChangeChannel = "rxrepo_changes"

// maxNotifyPayload stays below the 8000 byte NOTIFY limit.
const maxNotifyPayload = 7900

// Store is a PostgreSQL backed persistence.Store.
type Store struct {
	pool     *pgxpool.Pool
	instance string
	log      *zap.SugaredLogger

	mu     sync.Mutex
	tables sync.Map
	broker *persistence.Broker
	closed atomic.Bool

	cancelListen context.CancelFunc
	listenDone   chan struct{}
}

var _ persistence.Store = (*Store)(nil)

// NewPostgresStore connects to dsn and starts the notification listener.
func NewPostgresStore(ctx context.Context, dsn string, log *zap.SugaredLogger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, `CREATE SEQUENCE IF NOT EXISTS rxrepo_seq`); err != nil {
		pool.Close()

		return nil, fmt.Errorf("failed to create sequence: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())

	s := &Store{
		pool:         pool,
		instance:     uuid.New().String(),
		log:          logger.OrFor(log, logger.ComponentStore),
		broker:       persistence.NewBroker(),
		cancelListen: cancel,
		listenDone:   make(chan struct{}),
	}

	go s.listen(listenCtx)

	return s, nil
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

func table(name string) string {
	return pgx.Identifier{name}.Sanitize()
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
		version BIGINT NOT NULL,
		seq BIGINT NOT NULL,
		data JSONB NOT NULL
	)`, table(name))

	if _, err := s.pool.Exec(ctx, query); err != nil {
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

	if _, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS `+table(name)); err != nil {
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

	data, err := json.Marshal(doc)
	if err != nil {
		return persistence.Record{}, fmt.Errorf("failed to marshal document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := persistence.Record{Handle: uuid.New().String(), Key: key, Version: 1, Data: doc}

	var ev persistence.ChangeEvent

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}

		rec.Seq = seq

		query := fmt.Sprintf(`INSERT INTO %s (handle, key, version, seq, data) VALUES ($1, $2, $3, $4, $5)`, table(collection))
		if _, err := tx.Exec(ctx, query, rec.Handle, key, rec.Version, int64(seq), data); err != nil {
			if hasCode(err, "23505") {
				return fmt.Errorf("%s/%s: %w", collection, key, persistence.ErrDuplicateKey)
			}

			return fmt.Errorf("failed to insert document: %w", err)
		}

		current := rec
		ev = persistence.ChangeEvent{
			Collection: collection,
			Kind:       persistence.ChangeCreated,
			Key:        key,
			Handle:     rec.Handle,
			Seq:        seq,
			Current:    &current,
		}

		return s.notify(ctx, tx, ev)
	})
	if err != nil {
		return persistence.Record{}, err
	}

	s.broker.Publish(ev)

	return rec, nil
}

func (s *Store) Get(ctx context.Context, collection, handle string) (persistence.Record, error) {
	if err := s.check(ctx); err != nil {
		return persistence.Record{}, err
	}

	if err := persistence.ValidateCollectionName(collection); err != nil {
		return persistence.Record{}, err
	}

	query := fmt.Sprintf(`SELECT handle, key, version, seq, data FROM %s WHERE handle = $1`, table(collection))

	return scanRecord(s.pool.QueryRow(ctx, query, handle))
}

func (s *Store) GetByKey(ctx context.Context, collection, key string) (persistence.Record, error) {
	if err := s.check(ctx); err != nil {
		return persistence.Record{}, err
	}

	if err := persistence.ValidateCollectionName(collection); err != nil {
		return persistence.Record{}, err
	}

	query := fmt.Sprintf(`SELECT handle, key, version, seq, data FROM %s WHERE key = $1`, table(collection))

	return scanRecord(s.pool.QueryRow(ctx, query, key))
}

func (s *Store) Update(ctx context.Context, collection, handle string, expectedVersion int64, doc persistence.Document) (persistence.Record, error) {
	if err := s.check(ctx); err != nil {
		return persistence.Record{}, err
	}

	if err := persistence.ValidateCollectionName(collection); err != nil {
		return persistence.Record{}, err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return persistence.Record{}, fmt.Errorf("failed to marshal document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		current persistence.Record
		ev      persistence.ChangeEvent
	)

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`SELECT handle, key, version, seq, data FROM %s WHERE handle = $1 FOR UPDATE`, table(collection))

		previous, err := scanRecord(tx.QueryRow(ctx, query, handle))
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

		query = fmt.Sprintf(`UPDATE %s SET version = $1, seq = $2, data = $3 WHERE handle = $4`, table(collection))
		if _, err := tx.Exec(ctx, query, current.Version, int64(seq), data, handle); err != nil {
			return fmt.Errorf("failed to update document: %w", err)
		}

		cur := current
		ev = persistence.ChangeEvent{
			Collection: collection,
			Kind:       persistence.ChangeUpdated,
			Key:        current.Key,
			Handle:     handle,
			Seq:        seq,
			Previous:   &previous,
			Current:    &cur,
		}

		return s.notify(ctx, tx, ev)
	})
	if err != nil {
		return persistence.Record{}, err
	}

	s.broker.Publish(ev)

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
		ev       persistence.ChangeEvent
	)

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error

		query := fmt.Sprintf(`SELECT handle, key, version, seq, data FROM %s WHERE handle = $1 FOR UPDATE`, table(collection))

		previous, err = scanRecord(tx.QueryRow(ctx, query, handle))
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

		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE handle = $1`, table(collection)), handle); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}

		prev := previous
		ev = persistence.ChangeEvent{
			Collection: collection,
			Kind:       persistence.ChangeDeleted,
			Key:        previous.Key,
			Handle:     handle,
			Seq:        seq,
			Previous:   &prev,
		}

		return s.notify(ctx, tx, ev)
	})
	if err != nil {
		return persistence.Record{}, err
	}

	s.broker.Publish(ev)

	return previous, nil
}

func (s *Store) Find(ctx context.Context, collection string) ([]persistence.Record, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	if err := persistence.ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT handle, key, version, seq, data FROM %s ORDER BY seq`, table(collection)))
	if err != nil {
		if hasCode(err, "42P01") {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to find documents: %w", err)
	}
	defer rows.Close()

	var records []persistence.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		if hasCode(err, "42P01") {
			return nil, nil
		}

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

	s.cancelListen()

	select {
	case <-s.listenDone:
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.broker.Close()
	s.pool.Close()

	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)

		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func nextSeq(ctx context.Context, tx pgx.Tx) (uint64, error) {
	var seq int64
	if err := tx.QueryRow(ctx, `SELECT nextval('rxrepo_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}

	return uint64(seq), nil
}

func scanRecord(row pgx.Row) (persistence.Record, error) {
	var (
		rec  persistence.Record
		seq  int64
		data []byte
	)

	if err := row.Scan(&rec.Handle, &rec.Key, &rec.Version, &seq, &data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || hasCode(err, "42P01") {
			return persistence.Record{}, persistence.ErrNotFound
		}

		return persistence.Record{}, fmt.Errorf("failed to get document: %w", err)
	}

	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return persistence.Record{}, fmt.Errorf("failed to unmarshal document: %w", err)
	}

	rec.Seq = uint64(seq)

	return rec, nil
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == code
}
