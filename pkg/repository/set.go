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

package repository

import (
	"context"
	"fmt"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/notify"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
)

// EntitySet is a typed view on one entity type. T is converted with
// entity.Codec, i.e. through its json tags.
type EntitySet[T any] struct {
	provider query.Provider
	meta     *entity.Meta
	codec    entity.Codec[T]
}

// Change is a typed live notification.
type Change[T any] struct {
	Kind     notify.Kind
	Key      string
	Previous *T
	Current  *T
}

// Set returns the typed view of a registered entity type.
func Set[T any](r *Repository, meta *entity.Meta) (*EntitySet[T], error) {
	if _, err := r.Meta(meta.Name()); err != nil {
		return nil, err
	}

	return &EntitySet[T]{provider: r.provider, meta: meta}, nil
}

// MustSet is Set for package level wiring.
func MustSet[T any](r *Repository, meta *entity.Meta) *EntitySet[T] {
	s, err := Set[T](r, meta)
	if err != nil {
		panic(err)
	}

	return s
}

func (s *EntitySet[T]) Meta() *entity.Meta { return s.meta }

// Insert writes values together with everything they reference.
func (s *EntitySet[T]) Insert(ctx context.Context, values ...T) (int, error) {
	entities, err := s.codec.EncodeAll(values)
	if err != nil {
		return 0, err
	}

	return s.provider.Insert(ctx, s.meta, entities, query.RecursionFull)
}

// Update upserts values together with everything they reference.
func (s *EntitySet[T]) Update(ctx context.Context, values ...T) (int, error) {
	entities, err := s.codec.EncodeAll(values)
	if err != nil {
		return 0, err
	}

	return s.provider.InsertOrUpdate(ctx, s.meta, entities, query.RecursionFull)
}

// UpdateOne atomically reads, modifies and writes the entity with key.
// current is nil when the entity does not exist; returning nil keeps the
// stored state.
func (s *EntitySet[T]) UpdateOne(ctx context.Context, key any, fn func(current *T) (*T, error)) (*T, error) {
	updater := func(current entity.Entity) (entity.Entity, error) {
		var typed *T

		if current != nil {
			v, err := s.codec.Decode(current)
			if err != nil {
				return nil, err
			}

			typed = &v
		}

		next, err := fn(typed)
		if err != nil || next == nil {
			return nil, err
		}

		return s.codec.Encode(*next)
	}

	e, err := s.provider.InsertOrUpdateOne(ctx, s.meta, key, updater)
	if err != nil {
		return nil, err
	}

	return s.decodePtr(e)
}

// Query returns every match of q. A nil q matches everything.
func (s *EntitySet[T]) Query(ctx context.Context, q *persistence.Query) ([]T, error) {
	out, err := s.provider.Query(ctx, s.info(q))
	if err != nil {
		return nil, err
	}

	return s.codec.DecodeAll(out)
}

// First returns the first match of q, or nil.
func (s *EntitySet[T]) First(ctx context.Context, q *persistence.Query) (*T, error) {
	info := s.info(q)
	info.Query.LimitCount = 1

	out, err := s.provider.Query(ctx, info)
	if err != nil || len(out) == 0 {
		return nil, err
	}

	return s.decodePtr(out[0])
}

func (s *EntitySet[T]) Count(ctx context.Context, q *persistence.Query) (int, error) {
	v, err := s.Aggregate(ctx, q, query.Count())
	if err != nil {
		return 0, err
	}

	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("count of %s returned %T", s.meta.Name(), v)
	}

	return n, nil
}

func (s *EntitySet[T]) Aggregate(ctx context.Context, q *persistence.Query, agg query.Aggregator) (any, error) {
	return s.provider.Aggregate(ctx, s.info(q), agg)
}

// LiveQuery streams the current matches followed by every change to them.
func (s *EntitySet[T]) LiveQuery(ctx context.Context, q *persistence.Query) (*notify.Stream[Change[T]], error) {
	src, err := s.provider.LiveQuery(ctx, s.info(q))
	if err != nil {
		return nil, err
	}

	return s.typed(src), nil
}

// QueryAndObserve streams the matches of snapshot followed by the changes
// matching observe.
func (s *EntitySet[T]) QueryAndObserve(ctx context.Context, snapshot, observe *persistence.Query) (*notify.Stream[Change[T]], error) {
	src, err := s.provider.QueryAndObserve(ctx, s.info(snapshot), s.info(observe))
	if err != nil {
		return nil, err
	}

	return s.typed(src), nil
}

func (s *EntitySet[T]) LiveAggregate(ctx context.Context, q *persistence.Query, agg query.Aggregator) (*notify.Stream[any], error) {
	return s.provider.LiveAggregate(ctx, s.info(q), agg)
}

// UpdateWhere applies assignments to the matches of q and returns how many
// entities changed.
func (s *EntitySet[T]) UpdateWhere(ctx context.Context, q *persistence.Query, assignments ...query.Assignment) (int, error) {
	u := query.UpdateInfo{Meta: s.meta, Assignments: assignments}
	if q != nil {
		u.Query = q.Clone()
	}

	return s.provider.Update(ctx, u)
}

func (s *EntitySet[T]) Delete(ctx context.Context, q *persistence.Query) (int, error) {
	d := query.DeleteInfo{Meta: s.meta}
	if q != nil {
		d.Query = q.Clone()
	}

	return s.provider.Delete(ctx, d)
}

// Drop removes the whole collection.
func (s *EntitySet[T]) Drop(ctx context.Context) error {
	return s.provider.Drop(ctx, s.meta)
}

func (s *EntitySet[T]) info(q *persistence.Query) query.Info {
	info := query.Info{Meta: s.meta}
	if q != nil {
		info.Query = q.Clone()
	}

	return info
}

func (s *EntitySet[T]) decodePtr(e entity.Entity) (*T, error) {
	if e == nil {
		return nil, nil
	}

	v, err := s.codec.Decode(e)
	if err != nil {
		return nil, err
	}

	return &v, nil
}

func (s *EntitySet[T]) typed(src *notify.Stream[notify.Notification]) *notify.Stream[Change[T]] {
	return notify.Transform(src, notify.Handler[notify.Notification, Change[T]]{
		Item: func(em *notify.Emitter[Change[T]], n notify.Notification) error {
			prev, err := s.decodePtr(n.Previous)
			if err != nil {
				return err
			}

			cur, err := s.decodePtr(n.Current)
			if err != nil {
				return err
			}

			return notify.Forward(em, Change[T]{Kind: n.Kind, Key: n.Key, Previous: prev, Current: cur})
		},
	})
}
