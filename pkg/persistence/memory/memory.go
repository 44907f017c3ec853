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

// Package memory provides an in-memory implementation of persistence.Store.
//
// This implementation is designed for tests and embedded use where data does
// not need to survive a restart.
//
// # Thread Safety
//
// InMemoryStore uses a sync.RWMutex. Get, GetByKey and Find acquire read
// locks; writes acquire the write lock and publish their change event before
// releasing it, so events leave the store in sequence order.
//
// # Data Isolation
//
// All documents are deep-copied on read and write to prevent external
// modifications from affecting stored data.
//
// # Collection Auto-Registration
//
// Collections are created on the first Insert. Read operations do not create
// collections.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
)

type collection struct {
	byHandle map[string]*persistence.Record
	byKey    map[string]string
}

func newCollection() *collection {
	return &collection{
		byHandle: make(map[string]*persistence.Record),
		byKey:    make(map[string]string),
	}
}

// InMemoryStore is a thread-safe in-memory store implementing persistence.Store.
type InMemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*collection
	seq         uint64
	closed      bool

	broker *persistence.Broker
}

var _ persistence.Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new empty in-memory store.
//
// Example:
//
//	store := memory.NewInMemoryStore()
//	rec, err := store.Insert(ctx, "Product", "1", persistence.Document{"id": 1})
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		collections: make(map[string]*collection),
		broker:      persistence.NewBroker(),
	}
}

func (s *InMemoryStore) CreateCollection(ctx context.Context, name string) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	if err := persistence.ValidateCollectionName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.ErrClosed
	}

	if _, exists := s.collections[name]; !exists {
		s.collections[name] = newCollection()
	}

	return nil
}

func (s *InMemoryStore) DropCollection(ctx context.Context, name string) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.ErrClosed
	}

	delete(s.collections, name)

	return nil
}

func (s *InMemoryStore) Insert(ctx context.Context, coll, key string, doc persistence.Document) (persistence.Record, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return persistence.Record{}, err
	}

	stored, err := copyDocument(doc)
	if err != nil {
		return persistence.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.Record{}, persistence.ErrClosed
	}

	c, ok := s.collections[coll]
	if !ok {
		if err := persistence.ValidateCollectionName(coll); err != nil {
			return persistence.Record{}, err
		}

		c = newCollection()
		s.collections[coll] = c
	}

	if _, exists := c.byKey[key]; exists {
		return persistence.Record{}, fmt.Errorf("%s/%s: %w", coll, key, persistence.ErrDuplicateKey)
	}

	s.seq++
	rec := &persistence.Record{
		Handle:  uuid.New().String(),
		Key:     key,
		Version: 1,
		Seq:     s.seq,
		Data:    stored,
	}

	c.byHandle[rec.Handle] = rec
	c.byKey[key] = rec.Handle

	out := snapshot(rec)
	s.broker.Publish(persistence.ChangeEvent{
		Collection: coll,
		Kind:       persistence.ChangeCreated,
		Key:        key,
		Handle:     rec.Handle,
		Seq:        rec.Seq,
		Current:    snapshotPtr(rec),
	})

	return out, nil
}

func (s *InMemoryStore) Get(ctx context.Context, coll, handle string) (persistence.Record, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return persistence.Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return persistence.Record{}, persistence.ErrClosed
	}

	c, ok := s.collections[coll]
	if !ok {
		return persistence.Record{}, persistence.ErrNotFound
	}

	rec, ok := c.byHandle[handle]
	if !ok {
		return persistence.Record{}, persistence.ErrNotFound
	}

	return snapshot(rec), nil
}

func (s *InMemoryStore) GetByKey(ctx context.Context, coll, key string) (persistence.Record, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return persistence.Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return persistence.Record{}, persistence.ErrClosed
	}

	c, ok := s.collections[coll]
	if !ok {
		return persistence.Record{}, persistence.ErrNotFound
	}

	handle, ok := c.byKey[key]
	if !ok {
		return persistence.Record{}, persistence.ErrNotFound
	}

	return snapshot(c.byHandle[handle]), nil
}

func (s *InMemoryStore) Update(ctx context.Context, coll, handle string, expectedVersion int64, doc persistence.Document) (persistence.Record, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return persistence.Record{}, err
	}

	stored, err := copyDocument(doc)
	if err != nil {
		return persistence.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.Record{}, persistence.ErrClosed
	}

	c, ok := s.collections[coll]
	if !ok {
		return persistence.Record{}, persistence.ErrNotFound
	}

	rec, ok := c.byHandle[handle]
	if !ok {
		return persistence.Record{}, persistence.ErrNotFound
	}

	if expectedVersion != persistence.AnyVersion && rec.Version != expectedVersion {
		return persistence.Record{}, fmt.Errorf("%s/%s: expected version %d, found %d: %w",
			coll, rec.Key, expectedVersion, rec.Version, persistence.ErrConflict)
	}

	previous := snapshotPtr(rec)

	s.seq++
	rec.Version++
	rec.Seq = s.seq
	rec.Data = stored

	s.broker.Publish(persistence.ChangeEvent{
		Collection: coll,
		Kind:       persistence.ChangeUpdated,
		Key:        rec.Key,
		Handle:     rec.Handle,
		Seq:        rec.Seq,
		Previous:   previous,
		Current:    snapshotPtr(rec),
	})

	return snapshot(rec), nil
}

func (s *InMemoryStore) Delete(ctx context.Context, coll, handle string, expectedVersion int64) (persistence.Record, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return persistence.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.Record{}, persistence.ErrClosed
	}

	c, ok := s.collections[coll]
	if !ok {
		return persistence.Record{}, persistence.ErrNotFound
	}

	rec, ok := c.byHandle[handle]
	if !ok {
		return persistence.Record{}, persistence.ErrNotFound
	}

	if expectedVersion != persistence.AnyVersion && rec.Version != expectedVersion {
		return persistence.Record{}, fmt.Errorf("%s/%s: expected version %d, found %d: %w",
			coll, rec.Key, expectedVersion, rec.Version, persistence.ErrConflict)
	}

	delete(c.byHandle, handle)
	delete(c.byKey, rec.Key)

	s.seq++

	previous := snapshotPtr(rec)
	s.broker.Publish(persistence.ChangeEvent{
		Collection: coll,
		Kind:       persistence.ChangeDeleted,
		Key:        rec.Key,
		Handle:     rec.Handle,
		Seq:        s.seq,
		Previous:   previous,
	})

	return *previous, nil
}

func (s *InMemoryStore) Find(ctx context.Context, coll string) ([]persistence.Record, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}

	c, ok := s.collections[coll]
	if !ok {
		return nil, nil
	}

	out := make([]persistence.Record, 0, len(c.byHandle))
	for _, rec := range c.byHandle {
		out = append(out, snapshot(rec))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	return out, nil
}

func (s *InMemoryStore) Watch(ctx context.Context, coll string) (*persistence.Subscription, error) {
	if err := persistence.ValidateContext(ctx); err != nil {
		return nil, err
	}

	// Holding the read lock orders the subscription against in-flight writes.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}

	return s.broker.Subscribe(coll), nil
}

// Close marks the store closed and terminates all subscriptions.
func (s *InMemoryStore) Close(ctx context.Context) error {
	if err := persistence.ValidateContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.collections = nil
	s.broker.Close()

	return nil
}

func copyDocument(doc persistence.Document) (persistence.Document, error) {
	if doc == nil {
		return persistence.Document{}, nil
	}

	var out persistence.Document
	if err := deepcopy.Copy(&out, doc); err != nil {
		return nil, fmt.Errorf("failed to copy document: %w", err)
	}

	return out, nil
}

// snapshot copies rec so callers never share the stored document.
func snapshot(rec *persistence.Record) persistence.Record {
	out := *rec
	out.Data, _ = copyDocument(rec.Data)

	return out
}

func snapshotPtr(rec *persistence.Record) *persistence.Record {
	out := snapshot(rec)

	return &out
}
