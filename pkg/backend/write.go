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

package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
	"github.com/united-manufacturing-hub/rxrepo/pkg/refcache"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

// Insert writes entities, overwriting existing keys.
func (b *Backend) Insert(ctx context.Context, meta *entity.Meta, entities []entity.Entity, policy query.RecursionPolicy) (int, error) {
	return b.InsertOrUpdate(ctx, meta, entities, policy)
}

// InsertOrUpdate writes entities in order. With RecursionFull, referenced
// entities that do not exist yet are written before their owner.
func (b *Backend) InsertOrUpdate(ctx context.Context, meta *entity.Meta, entities []entity.Entity, policy query.RecursionPolicy) (int, error) {
	if err := b.ensure(ctx, meta); err != nil {
		return 0, err
	}

	batch := refcache.NewBatch()

	for i, e := range entities {
		if _, err := b.upsert(ctx, batch, meta, e, policy); err != nil {
			return i, err
		}
	}

	return len(entities), nil
}

// InsertOrUpdateOne reads the entity with key, passes it to updater and
// writes the result against the version that was read.
func (b *Backend) InsertOrUpdateOne(ctx context.Context, meta *entity.Meta, key any, updater query.Updater) (entity.Entity, error) {
	if err := b.ensure(ctx, meta); err != nil {
		return nil, err
	}

	normalized, err := entity.NormalizeKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", standarderrors.ErrInvalidEntity, meta.Name(), err)
	}

	var (
		base    *persistence.Record
		current entity.Entity
	)

	rec, err := b.store.GetByKey(ctx, meta.Name(), normalized)

	switch {
	case errors.Is(err, persistence.ErrNotFound):
	case err != nil:
		return nil, b.storeError("get", meta, normalized, err)
	default:
		base = &rec

		if current, err = b.materialize(ctx, meta, rec, nil); err != nil {
			return nil, err
		}
	}

	next, err := updater(current.Clone())
	if err != nil {
		return nil, err
	}

	if next == nil {
		return current, nil
	}

	if _, ok := next[meta.KeyProperty()]; !ok {
		next = next.Clone()
		next[meta.KeyProperty()] = key
	}

	if nextKey, err := meta.KeyOf(next); err != nil || nextKey != normalized {
		return nil, fmt.Errorf("%w: %s: updater changed the key from %s", standarderrors.ErrInvalidEntity, meta.Name(), normalized)
	}

	if err := meta.Validate(next); err != nil {
		return nil, fmt.Errorf("%w: %w", standarderrors.ErrInvalidEntity, err)
	}

	ck := entity.CacheKey{Type: meta.Name(), Key: normalized}

	doc, err := b.toDocument(query.WithInFlight(ctx, ck), nil, meta, next, query.RecursionNone)
	if err != nil {
		return nil, err
	}

	written, err := b.commit(ctx, meta, normalized, doc, base)
	if err != nil {
		return nil, err
	}

	return b.materialize(ctx, meta, written, nil)
}

// upsert writes one entity and records it in batch.
func (b *Backend) upsert(ctx context.Context, batch *refcache.Batch, meta *entity.Meta, e entity.Entity, policy query.RecursionPolicy) (persistence.Record, error) {
	if err := meta.Validate(e); err != nil {
		return persistence.Record{}, fmt.Errorf("%w: %w", standarderrors.ErrInvalidEntity, err)
	}

	ck, err := meta.CacheKeyOf(e)
	if err != nil {
		return persistence.Record{}, fmt.Errorf("%w: %w", standarderrors.ErrInvalidEntity, err)
	}

	doc, err := b.toDocument(query.WithInFlight(ctx, ck), batch, meta, e, policy)
	if err != nil {
		return persistence.Record{}, err
	}

	var written persistence.Record

	// A concurrent writer may create the key between the read and the insert;
	// the second attempt then updates its record.
	for attempt := 0; ; attempt++ {
		rec, err := b.store.GetByKey(ctx, meta.Name(), ck.Key)

		var base *persistence.Record

		switch {
		case errors.Is(err, persistence.ErrNotFound):
		case err != nil:
			return persistence.Record{}, b.storeError("get", meta, ck.Key, err)
		default:
			base = &rec
		}

		written, err = b.commit(ctx, meta, ck.Key, doc, base)
		if err == nil {
			break
		}

		if base != nil || attempt > 0 || !errors.Is(err, persistence.ErrDuplicateKey) {
			return persistence.Record{}, err
		}
	}

	batch.Put(ck, written)

	return written, nil
}

// commit inserts doc when base is nil and otherwise updates base, expecting
// its version. Unchanged documents are not written.
func (b *Backend) commit(ctx context.Context, meta *entity.Meta, key string, doc persistence.Document, base *persistence.Record) (persistence.Record, error) {
	if base == nil {
		rec, err := b.store.Insert(ctx, meta.Name(), key, doc)
		if err != nil {
			return persistence.Record{}, b.storeError("insert", meta, key, err)
		}

		return rec, nil
	}

	if sameDocument(base.Data, doc) {
		return *base, nil
	}

	rec, err := b.store.Update(ctx, meta.Name(), base.Handle, base.Version, doc)
	if errors.Is(err, persistence.ErrNotFound) {
		err = fmt.Errorf("%s/%s was deleted concurrently: %w", meta.Name(), key, persistence.ErrConflict)
	}

	if err != nil {
		return persistence.Record{}, b.storeError("update", meta, key, err)
	}

	b.cache.Evict(meta.Name(), key)

	return rec, nil
}

// toDocument converts e into its stored form, replacing references by the
// keys of their targets. Every target must exist or, with RecursionFull, be
// given as an entity that can be written first.
func (b *Backend) toDocument(ctx context.Context, batch *refcache.Batch, meta *entity.Meta, e entity.Entity, policy query.RecursionPolicy) (persistence.Document, error) {
	doc := make(persistence.Document, len(e))
	for k, v := range e {
		doc[k] = v
	}

	for _, p := range meta.References() {
		v, ok := e[p.Name]
		if !ok || v == nil {
			continue
		}

		target, err := b.registry.Target(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", standarderrors.ErrUnknownEntityType, err)
		}

		switch p.Kind {
		case entity.KindReference:
			key, err := b.resolve(ctx, batch, meta, p, target, v, policy)
			if err != nil {
				return nil, err
			}

			doc[p.Name] = key
		case entity.KindReferenceCollection:
			values := entity.ReferencedValues(p, v)
			keys := make([]interface{}, 0, len(values))

			for _, item := range values {
				key, err := b.resolve(ctx, batch, meta, p, target, item, policy)
				if err != nil {
					return nil, err
				}

				keys = append(keys, key)
			}

			doc[p.Name] = keys
		case entity.KindReferenceMap:
			entries := referenceMap(v)
			keys := make(map[string]interface{}, len(entries))

			for _, name := range sortedKeys(entries) {
				key, err := b.resolve(ctx, batch, meta, p, target, entries[name], policy)
				if err != nil {
					return nil, err
				}

				keys[name] = key
			}

			doc[p.Name] = keys
		}
	}

	return doc, nil
}

// resolve returns the key of the referenced entity v after making sure it
// exists.
func (b *Backend) resolve(ctx context.Context, batch *refcache.Batch, owner *entity.Meta, p entity.Property, target *entity.Meta, v any, policy query.RecursionPolicy) (string, error) {
	key, err := entity.ReferenceKey(target, v)
	if err != nil {
		return "", fmt.Errorf("%w: %s.%s: %w", standarderrors.ErrInvalidEntity, owner.Name(), p.Name, err)
	}

	_, found, err := b.cache.Lookup(ctx, batch, target.Name(), key)
	if err != nil {
		return "", err
	}

	if found {
		return key, nil
	}

	ck := entity.CacheKey{Type: target.Name(), Key: key}
	cycle := query.InFlight(ctx, ck)

	if nested, ok := entity.AsEntity(v); ok && policy == query.RecursionFull && !cycle {
		if _, err := b.upsert(ctx, batch, target, nested, policy); err != nil {
			return "", err
		}

		return key, nil
	}

	notFound := &standarderrors.ReferenceNotFoundError{
		Owner:    owner.Name(),
		Property: p.Name,
		Target:   target.Name(),
		Key:      key,
	}

	if cycle {
		notFound.Err = standarderrors.ErrReferenceCycle
	}

	return "", notFound
}

// referenceMap returns the non-nil entries of a reference map value.
func referenceMap(v any) map[string]any {
	out := map[string]any{}

	switch m := v.(type) {
	case map[string]any:
		for k, e := range m {
			out[k] = e
		}
	case entity.Entity:
		for k, e := range m {
			out[k] = e
		}
	case map[string]entity.Entity:
		for k, e := range m {
			out[k] = e
		}
	}

	for k, e := range out {
		if e == nil {
			delete(out, k)
		}

		if ent, ok := e.(entity.Entity); ok && ent == nil {
			delete(out, k)
		}
	}

	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
