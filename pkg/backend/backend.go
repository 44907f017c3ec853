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

// Package backend implements query.Provider over a persistence.Store.
//
// Every entity type is stored in a collection named after the type. Reference
// properties are stored as normalized keys of their targets and resolved back
// into entities on read through the reference cache. Each record carries a
// version used for optimistic concurrency; a version mismatch surfaces as a
// ConflictError.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/logger"
	"github.com/united-manufacturing-hub/rxrepo/pkg/metrics"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
	"github.com/united-manufacturing-hub/rxrepo/pkg/refcache"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

// Backend is the innermost Provider of the pipeline.
type Backend struct {
	store    persistence.Store
	registry *entity.Registry
	cache    *refcache.Cache
	log      *zap.SugaredLogger

	collections sync.Map
}

var _ query.Provider = (*Backend)(nil)

// New creates a backend. registry must contain every type that is written or
// referenced.
func New(store persistence.Store, registry *entity.Registry, cache *refcache.Cache, log *zap.SugaredLogger) *Backend {
	return &Backend{
		store:    store,
		registry: registry,
		cache:    cache,
		log:      logger.OrFor(log, logger.ComponentBackend),
	}
}

// Cache returns the reference cache used by the backend.
func (b *Backend) Cache() *refcache.Cache { return b.cache }

// ensure creates the collection of meta on first use.
func (b *Backend) ensure(ctx context.Context, meta *entity.Meta) error {
	if meta == nil {
		return fmt.Errorf("%w: no entity metadata", standarderrors.ErrUnknownEntityType)
	}

	if _, ok := b.registry.Lookup(meta.Name()); !ok {
		return fmt.Errorf("%w: %s", standarderrors.ErrUnknownEntityType, meta.Name())
	}

	if _, ok := b.collections.Load(meta.Name()); ok {
		return nil
	}

	if err := b.store.CreateCollection(ctx, meta.Name()); err != nil {
		return b.storeError("create collection", meta, "", err)
	}

	b.collections.Store(meta.Name(), struct{}{})

	return nil
}

// storeError maps store failures to the shared error taxonomy.
func (b *Backend) storeError(op string, meta *entity.Meta, key string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, persistence.ErrConflict) || errors.Is(err, persistence.ErrDuplicateKey) {
		return &standarderrors.ConflictError{EntityType: meta.Name(), Key: key, Err: err}
	}

	var (
		conflict *standarderrors.ConflictError
		notFound *standarderrors.ReferenceNotFoundError
		cacheErr *standarderrors.CacheLoadError
		backend  *standarderrors.BackendError
	)

	if errors.As(err, &conflict) || errors.As(err, &notFound) || errors.As(err, &cacheErr) || errors.As(err, &backend) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	metrics.IncErrorCount(metrics.ComponentBackend, meta.Name())

	return &standarderrors.BackendError{Op: op, EntityType: meta.Name(), Err: err}
}

// sameDocument compares two documents by their JSON encoding, which makes
// numbers of different Go types compare equal.
func sameDocument(a, b persistence.Document) bool {
	ea, err := json.Marshal(a)
	if err != nil {
		return false
	}

	eb, err := json.Marshal(b)
	if err != nil {
		return false
	}

	return bytes.Equal(ea, eb)
}
