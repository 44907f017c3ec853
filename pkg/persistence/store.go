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

// Package persistence is the storage layer below the reactive pipeline.
//
// A Store keeps versioned records per collection and publishes a ChangeEvent
// for every committed write. Every write draws a sequence number from a single
// counter, and events of one collection are published in sequence order. The
// backend adapter relies on both to join a snapshot with the change feed
// without gaps or duplicates.
//
// Implementations live in sub-packages: memory (tests, embedded use), sqlite
// (single node, durable) and postgres (shared, LISTEN/NOTIFY based feed).
package persistence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Document represents a JSON-serializable document stored in a collection.
//
// DESIGN DECISION: Use map[string]interface{} instead of custom struct types
// WHY: Every entity type flows through the same pipeline. The pipeline works on
// property maps and the typed facade converts at the edge.
type Document map[string]interface{}

// AnyVersion disables the optimistic version check of Update and Delete.
const AnyVersion int64 = -1

// Record is a stored document together with its storage bookkeeping.
type Record struct {
	// Handle is the backend identifier of the record. It never changes.
	Handle string
	// Key is the normalized entity key. Unique per collection.
	Key string
	// Version starts at 1 and grows by one with every update.
	Version int64
	// Seq is the sequence number of the last write that touched the record.
	Seq  uint64
	Data Document
}

// ChangeKind is the kind of a committed write.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota + 1
	ChangeUpdated
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("change(%d)", int(k))
	}
}

// ChangeEvent describes one committed write. Previous is nil for creations,
// Current is nil for deletions.
type ChangeEvent struct {
	Collection string
	Kind       ChangeKind
	Key        string
	Handle     string
	Seq        uint64
	Previous   *Record
	Current    *Record
}

// Store is the contract every storage backend fulfills.
type Store interface {
	// CreateCollection creates the collection if it does not exist yet.
	CreateCollection(ctx context.Context, name string) error
	// DropCollection removes the collection and all of its records. Dropping a
	// missing collection is not an error. Watchers receive no per-record events.
	DropCollection(ctx context.Context, name string) error

	// Insert stores a new record. Returns ErrDuplicateKey if key exists.
	Insert(ctx context.Context, collection, key string, doc Document) (Record, error)
	Get(ctx context.Context, collection, handle string) (Record, error)
	GetByKey(ctx context.Context, collection, key string) (Record, error)
	// Update replaces the document of an existing record. Returns ErrConflict
	// if expectedVersion is not AnyVersion and differs from the stored version.
	Update(ctx context.Context, collection, handle string, expectedVersion int64, doc Document) (Record, error)
	// Delete removes a record and returns it as it was before deletion.
	Delete(ctx context.Context, collection, handle string, expectedVersion int64) (Record, error)
	// Find returns all records of the collection ordered by Seq.
	Find(ctx context.Context, collection string) ([]Record, error)

	// Watch subscribes to change events of one collection. Events committed
	// after Watch returns are delivered in Seq order.
	Watch(ctx context.Context, collection string) (*Subscription, error)

	Close(ctx context.Context) error
}

// ErrNotFound indicates a document or collection was not found.
//
// DESIGN DECISION: Sentinel error, not custom error type
// WHY: Simple and works with errors.Is for checking.
//
// INSPIRED BY: sql.ErrNoRows, gorm.ErrRecordNotFound.
var ErrNotFound = &storeError{msg: "document not found"}

// ErrConflict indicates a version mismatch.
//
// INSPIRED BY: HTTP 409 Conflict, Optimistic Locking pattern.
var ErrConflict = &storeError{msg: "document conflict"}

// ErrDuplicateKey indicates that Insert found a record with the same key.
var ErrDuplicateKey = &storeError{msg: "duplicate key"}

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = &storeError{msg: "store is closed"}

// storeError implements error interface for persistence package errors.
type storeError struct {
	msg string
}

func (e *storeError) Error() string {
	return e.msg
}

var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateCollectionName rejects names that cannot be used as table names.
func ValidateCollectionName(name string) error {
	if name == "" {
		return errors.New("invalid collection name: cannot be empty")
	}

	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("invalid collection name %q: must contain only alphanumeric characters and underscores, and must start with a letter or underscore", name)
	}

	return nil
}

// ValidateContext checks if the provided context is nil.
func ValidateContext(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}

	return ctx.Err()
}
