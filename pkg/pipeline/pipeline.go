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

// Package pipeline composes query.Provider decorators.
//
// A decorator is a Middleware: one optional hook per operation kind plus an
// optional Around hook that sees every operation. Unset hooks pass the call
// through untouched. Chain stacks middlewares in an explicit order, first
// element outermost.
package pipeline

import (
	"context"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/notify"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
)

// Op names an operation kind.
type Op string

const (
	OpInsert               Op = "insert"
	OpInsertOrUpdate       Op = "insertOrUpdate"
	OpInsertOrUpdateAtomic Op = "insertOrUpdateAtomic"
	OpQuery                Op = "query"
	OpLiveQuery            Op = "liveQuery"
	OpQueryAndObserve      Op = "queryAndObserve"
	OpAggregate            Op = "aggregate"
	OpLiveAggregate        Op = "liveAggregate"
	OpBatchUpdate          Op = "batchUpdate"
	OpDelete               Op = "delete"
	OpDrop                 Op = "drop"
)

// Ops lists every operation kind.
func Ops() []Op {
	return []Op{
		OpInsert, OpInsertOrUpdate, OpInsertOrUpdateAtomic,
		OpQuery, OpLiveQuery, OpQueryAndObserve,
		OpAggregate, OpLiveAggregate,
		OpBatchUpdate, OpDelete, OpDrop,
	}
}

// IsWrite reports whether the operation is one of the insert variants.
func (o Op) IsWrite() bool {
	return o == OpInsert || o == OpInsertOrUpdate || o == OpInsertOrUpdateAtomic
}

// IsLive reports whether the operation returns a stream.
func (o Op) IsLive() bool {
	return o == OpLiveQuery || o == OpQueryAndObserve || o == OpLiveAggregate
}

// Call describes the operation seen by an Around hook.
type Call struct {
	Op   Op
	Meta *entity.Meta
}

// Entity returns the entity type name of the call.
func (c Call) Entity() string {
	if c.Meta == nil {
		return ""
	}

	return c.Meta.Name()
}

type (
	InsertFunc          func(ctx context.Context, meta *entity.Meta, entities []entity.Entity, policy query.RecursionPolicy) (int, error)
	InsertOneFunc       func(ctx context.Context, meta *entity.Meta, key any, updater query.Updater) (entity.Entity, error)
	QueryFunc           func(ctx context.Context, q query.Info) ([]entity.Entity, error)
	LiveQueryFunc       func(ctx context.Context, q query.Info) (*notify.Stream[notify.Notification], error)
	QueryAndObserveFunc func(ctx context.Context, snapshot, observe query.Info) (*notify.Stream[notify.Notification], error)
	AggregateFunc       func(ctx context.Context, q query.Info, agg query.Aggregator) (any, error)
	LiveAggregateFunc   func(ctx context.Context, q query.Info, agg query.Aggregator) (*notify.Stream[any], error)
	UpdateFunc          func(ctx context.Context, u query.UpdateInfo) (int, error)
	DeleteFunc          func(ctx context.Context, d query.DeleteInfo) (int, error)
	DropFunc            func(ctx context.Context, meta *entity.Meta) error

	// AroundFunc runs around every operation of its middleware. It must call
	// next at most once and return its error, or return its own error without
	// calling next.
	AroundFunc func(ctx context.Context, call Call, next func(ctx context.Context) error) error
)

// Middleware is one decorator of the pipeline. Around wraps the per-operation
// hooks of the same middleware.
type Middleware struct {
	Name   string
	Around AroundFunc

	Insert            func(next InsertFunc) InsertFunc
	InsertOrUpdate    func(next InsertFunc) InsertFunc
	InsertOrUpdateOne func(next InsertOneFunc) InsertOneFunc
	Query             func(next QueryFunc) QueryFunc
	LiveQuery         func(next LiveQueryFunc) LiveQueryFunc
	QueryAndObserve   func(next QueryAndObserveFunc) QueryAndObserveFunc
	Aggregate         func(next AggregateFunc) AggregateFunc
	LiveAggregate     func(next LiveAggregateFunc) LiveAggregateFunc
	Update            func(next UpdateFunc) UpdateFunc
	Delete            func(next DeleteFunc) DeleteFunc
	Drop              func(next DropFunc) DropFunc
}

// Chain decorates inner with mws. The first middleware is the outermost one.
func Chain(inner query.Provider, mws ...Middleware) query.Provider {
	p := inner
	for i := len(mws) - 1; i >= 0; i-- {
		p = wrap(p, mws[i])
	}

	return p
}

type layer struct {
	name   string
	around AroundFunc

	insert            InsertFunc
	insertOrUpdate    InsertFunc
	insertOrUpdateOne InsertOneFunc
	query             QueryFunc
	liveQuery         LiveQueryFunc
	queryAndObserve   QueryAndObserveFunc
	aggregate         AggregateFunc
	liveAggregate     LiveAggregateFunc
	update            UpdateFunc
	delete            DeleteFunc
	drop              DropFunc
}

func hook[F any](h func(F) F, next F) F {
	if h == nil {
		return next
	}

	return h(next)
}

func wrap(next query.Provider, mw Middleware) *layer {
	return &layer{
		name:              mw.Name,
		around:            mw.Around,
		insert:            hook[InsertFunc](mw.Insert, next.Insert),
		insertOrUpdate:    hook[InsertFunc](mw.InsertOrUpdate, next.InsertOrUpdate),
		insertOrUpdateOne: hook[InsertOneFunc](mw.InsertOrUpdateOne, next.InsertOrUpdateOne),
		query:             hook[QueryFunc](mw.Query, next.Query),
		liveQuery:         hook[LiveQueryFunc](mw.LiveQuery, next.LiveQuery),
		queryAndObserve:   hook[QueryAndObserveFunc](mw.QueryAndObserve, next.QueryAndObserve),
		aggregate:         hook[AggregateFunc](mw.Aggregate, next.Aggregate),
		liveAggregate:     hook[LiveAggregateFunc](mw.LiveAggregate, next.LiveAggregate),
		update:            hook[UpdateFunc](mw.Update, next.Update),
		delete:            hook[DeleteFunc](mw.Delete, next.Delete),
		drop:              hook[DropFunc](mw.Drop, next.Drop),
	}
}

func (l *layer) run(ctx context.Context, op Op, meta *entity.Meta, fn func(ctx context.Context) error) error {
	if l.around == nil {
		return fn(ctx)
	}

	return l.around(ctx, Call{Op: op, Meta: meta}, fn)
}

func (l *layer) Insert(ctx context.Context, meta *entity.Meta, entities []entity.Entity, policy query.RecursionPolicy) (n int, err error) {
	err = l.run(ctx, OpInsert, meta, func(ctx context.Context) (err error) {
		n, err = l.insert(ctx, meta, entities, policy)

		return err
	})

	return n, err
}

func (l *layer) InsertOrUpdate(ctx context.Context, meta *entity.Meta, entities []entity.Entity, policy query.RecursionPolicy) (n int, err error) {
	err = l.run(ctx, OpInsertOrUpdate, meta, func(ctx context.Context) (err error) {
		n, err = l.insertOrUpdate(ctx, meta, entities, policy)

		return err
	})

	return n, err
}

func (l *layer) InsertOrUpdateOne(ctx context.Context, meta *entity.Meta, key any, updater query.Updater) (e entity.Entity, err error) {
	err = l.run(ctx, OpInsertOrUpdateAtomic, meta, func(ctx context.Context) (err error) {
		e, err = l.insertOrUpdateOne(ctx, meta, key, updater)

		return err
	})

	return e, err
}

func (l *layer) Query(ctx context.Context, q query.Info) (out []entity.Entity, err error) {
	err = l.run(ctx, OpQuery, q.Meta, func(ctx context.Context) (err error) {
		out, err = l.query(ctx, q)

		return err
	})

	return out, err
}

func (l *layer) LiveQuery(ctx context.Context, q query.Info) (s *notify.Stream[notify.Notification], err error) {
	err = l.run(ctx, OpLiveQuery, q.Meta, func(ctx context.Context) (err error) {
		s, err = l.liveQuery(ctx, q)

		return err
	})

	return s, err
}

func (l *layer) QueryAndObserve(ctx context.Context, snapshot, observe query.Info) (s *notify.Stream[notify.Notification], err error) {
	err = l.run(ctx, OpQueryAndObserve, snapshot.Meta, func(ctx context.Context) (err error) {
		s, err = l.queryAndObserve(ctx, snapshot, observe)

		return err
	})

	return s, err
}

func (l *layer) Aggregate(ctx context.Context, q query.Info, agg query.Aggregator) (v any, err error) {
	err = l.run(ctx, OpAggregate, q.Meta, func(ctx context.Context) (err error) {
		v, err = l.aggregate(ctx, q, agg)

		return err
	})

	return v, err
}

func (l *layer) LiveAggregate(ctx context.Context, q query.Info, agg query.Aggregator) (s *notify.Stream[any], err error) {
	err = l.run(ctx, OpLiveAggregate, q.Meta, func(ctx context.Context) (err error) {
		s, err = l.liveAggregate(ctx, q, agg)

		return err
	})

	return s, err
}

func (l *layer) Update(ctx context.Context, u query.UpdateInfo) (n int, err error) {
	err = l.run(ctx, OpBatchUpdate, u.Meta, func(ctx context.Context) (err error) {
		n, err = l.update(ctx, u)

		return err
	})

	return n, err
}

func (l *layer) Delete(ctx context.Context, d query.DeleteInfo) (n int, err error) {
	err = l.run(ctx, OpDelete, d.Meta, func(ctx context.Context) (err error) {
		n, err = l.delete(ctx, d)

		return err
	})

	return n, err
}

func (l *layer) Drop(ctx context.Context, meta *entity.Meta) error {
	return l.run(ctx, OpDrop, meta, func(ctx context.Context) error {
		return l.drop(ctx, meta)
	})
}
