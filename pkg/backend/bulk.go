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
	"strings"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

// Update applies the assignments to every entity in the selected window and
// returns the number of entities written. Each entity is written against the
// version it was read at.
func (b *Backend) Update(ctx context.Context, u query.UpdateInfo) (int, error) {
	rows, err := b.find(ctx, u.Meta, u.Query)
	if err != nil {
		return 0, err
	}

	key := u.Meta.KeyProperty()

	for _, a := range u.Assignments {
		if a.Field == key || strings.HasPrefix(a.Field, key+".") {
			return 0, fmt.Errorf("%w: %s: the key property cannot be assigned", standarderrors.ErrInvalidEntity, u.Meta.Name())
		}
	}

	updated := 0

	for _, r := range rows {
		next := r.e

		for _, a := range u.Assignments {
			v := a.Value
			if a.Compute != nil {
				v = a.Compute(r.e)
			}

			next = assign(next, strings.Split(a.Field, "."), v)
		}

		if err := u.Meta.Validate(next); err != nil {
			return updated, fmt.Errorf("%w: %w", standarderrors.ErrInvalidEntity, err)
		}

		ck := entity.CacheKey{Type: u.Meta.Name(), Key: r.rec.Key}

		doc, err := b.toDocument(query.WithInFlight(ctx, ck), nil, u.Meta, next, query.RecursionNone)
		if err != nil {
			return updated, err
		}

		if _, err := b.commit(ctx, u.Meta, r.rec.Key, doc, &r.rec); err != nil {
			return updated, err
		}

		updated++
	}

	return updated, nil
}

// Delete removes every entity in the selected window. Entities deleted
// concurrently are not counted.
func (b *Backend) Delete(ctx context.Context, d query.DeleteInfo) (int, error) {
	rows, err := b.find(ctx, d.Meta, d.Query)
	if err != nil {
		return 0, err
	}

	deleted := 0

	for _, r := range rows {
		_, err := b.store.Delete(ctx, d.Meta.Name(), r.rec.Handle, persistence.AnyVersion)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}

		if err != nil {
			return deleted, b.storeError("delete", d.Meta, r.rec.Key, err)
		}

		b.cache.Evict(d.Meta.Name(), r.rec.Key)
		deleted++
	}

	return deleted, nil
}

// Drop removes the collection of meta with all of its entities.
func (b *Backend) Drop(ctx context.Context, meta *entity.Meta) error {
	if err := b.ensure(ctx, meta); err != nil {
		return err
	}

	if err := b.store.DropCollection(ctx, meta.Name()); err != nil {
		return b.storeError("drop", meta, "", err)
	}

	b.collections.Delete(meta.Name())
	b.cache.Forget(meta.Name())

	b.log.Infof("dropped %s", meta.Name())

	return nil
}

// assign returns a copy of e with v stored at path. Nested maps on the path
// are copied, never modified.
func assign(e map[string]any, path []string, v any) map[string]any {
	out := make(map[string]any, len(e)+1)
	for k, val := range e {
		out[k] = val
	}

	if len(path) == 1 {
		out[path[0]] = v

		return out
	}

	var nested map[string]any

	switch n := e[path[0]].(type) {
	case map[string]any:
		nested = n
	case entity.Entity:
		nested = n
	}

	out[path[0]] = assign(nested, path[1:], v)

	return out
}
