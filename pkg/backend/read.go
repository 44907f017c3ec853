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

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
)

type row struct {
	rec persistence.Record
	e   entity.Entity
}

func rowDoc(r row) map[string]interface{} { return r.e }

func (b *Backend) Query(ctx context.Context, q query.Info) ([]entity.Entity, error) {
	rows, err := b.find(ctx, q.Meta, q.Query)
	if err != nil {
		return nil, err
	}

	out := make([]entity.Entity, len(rows))
	for i, r := range rows {
		out[i] = query.Project(r.e, q.Fields)
	}

	return out, nil
}

func (b *Backend) Aggregate(ctx context.Context, q query.Info, agg query.Aggregator) (any, error) {
	rows, err := b.find(ctx, q.Meta, q.Query)
	if err != nil {
		return nil, err
	}

	entities := make([]entity.Entity, len(rows))
	for i, r := range rows {
		entities[i] = r.e
	}

	return agg.Compute(entities)
}

// find loads every record of the type, materializes it and applies q.
func (b *Backend) find(ctx context.Context, meta *entity.Meta, q persistence.Query) ([]row, error) {
	if err := b.ensure(ctx, meta); err != nil {
		return nil, err
	}

	rows, err := b.load(ctx, meta)
	if err != nil {
		return nil, err
	}

	return persistence.ApplyFunc(q, rows, rowDoc), nil
}

func (b *Backend) load(ctx context.Context, meta *entity.Meta) ([]row, error) {
	records, err := b.store.Find(ctx, meta.Name())
	if err != nil {
		return nil, b.storeError("find", meta, "", err)
	}

	rows := make([]row, 0, len(records))

	for _, rec := range records {
		e, err := b.materialize(ctx, meta, rec, nil)
		if err != nil {
			return nil, err
		}

		rows = append(rows, row{rec: rec, e: e})
	}

	return rows, nil
}

// materialize turns a record into an entity with its references resolved,
// transitively. A reference back to an entity already on path is left as a
// key-only stub; a dangling reference becomes nil.
func (b *Backend) materialize(ctx context.Context, meta *entity.Meta, rec persistence.Record, path []entity.CacheKey) (entity.Entity, error) {
	e := make(entity.Entity, len(rec.Data))
	for k, v := range rec.Data {
		e[k] = v
	}

	if !meta.HasReferences() {
		return e, nil
	}

	path = append(path[:len(path):len(path)], entity.CacheKey{Type: meta.Name(), Key: rec.Key})

	for _, p := range meta.References() {
		v, ok := e[p.Name]
		if !ok || v == nil {
			continue
		}

		target, err := b.registry.Target(p)
		if err != nil {
			return nil, err
		}

		switch p.Kind {
		case entity.KindReference:
			resolved, err := b.dereference(ctx, meta, p, target, v, path)
			if err != nil {
				return nil, err
			}

			e[p.Name] = resolved
		case entity.KindReferenceCollection:
			values := entity.ReferencedValues(p, v)
			list := make([]interface{}, 0, len(values))

			for _, item := range values {
				resolved, err := b.dereference(ctx, meta, p, target, item, path)
				if err != nil {
					return nil, err
				}

				if resolved != nil {
					list = append(list, resolved)
				}
			}

			e[p.Name] = list
		case entity.KindReferenceMap:
			entries := referenceMap(v)
			m := make(map[string]interface{}, len(entries))

			for name, item := range entries {
				resolved, err := b.dereference(ctx, meta, p, target, item, path)
				if err != nil {
					return nil, err
				}

				if resolved != nil {
					m[name] = resolved
				}
			}

			e[p.Name] = m
		}
	}

	return e, nil
}

func (b *Backend) dereference(ctx context.Context, owner *entity.Meta, p entity.Property, target *entity.Meta, v any, path []entity.CacheKey) (any, error) {
	key, err := entity.ReferenceKey(target, v)
	if err != nil {
		b.log.Warnf("%s.%s holds an unusable reference %v: %v", owner.Name(), p.Name, v, err)

		return nil, nil
	}

	ck := entity.CacheKey{Type: target.Name(), Key: key}
	for _, visited := range path {
		if visited == ck {
			return map[string]interface{}{target.KeyProperty(): v}, nil
		}
	}

	rec, found, err := b.cache.Dereference(ctx, owner.Name(), p.Name, target.Name(), key)
	if err != nil || !found {
		return nil, err
	}

	resolved, err := b.materialize(ctx, target, rec, path)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}(resolved), nil
}
