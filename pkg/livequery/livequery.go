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

// Package livequery turns the change feed of the layers below into the
// notifications an observer of a query sees.
//
// Every stream runs through the states initializing, streaming and one of
// cancelled, errored or completed. While it is open the stream holds a
// reference on the cache subscription of every type its entities refer to, so
// that resolved references in notifications are kept fresh.
package livequery

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rxrepo/pkg/constants"
	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/logger"
	"github.com/united-manufacturing-hub/rxrepo/pkg/notify"
	"github.com/united-manufacturing-hub/rxrepo/pkg/pipeline"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

// Config of the engine.
type Config struct {
	// AggregationDebounce is the minimum distance between two recomputations
	// of a live aggregate.
	AggregationDebounce time.Duration
}

func DefaultConfig() Config {
	return Config{AggregationDebounce: constants.DefaultAggregationDebounce}
}

// Subscriber hands out references on per-type change subscriptions.
// *refcache.Cache implements it.
type Subscriber interface {
	Acquire(ctx context.Context, typeName string) (release func(), err error)
}

// Engine is the live query decorator.
type Engine struct {
	cfg      Config
	registry *entity.Registry
	subs     Subscriber
	log      *zap.SugaredLogger
}

// New creates an engine. subs may be nil.
func New(cfg Config, registry *entity.Registry, subs Subscriber, log *zap.SugaredLogger) *Engine {
	if cfg.AggregationDebounce < 0 {
		cfg.AggregationDebounce = 0
	}

	return &Engine{
		cfg:      cfg,
		registry: registry,
		subs:     subs,
		log:      logger.OrFor(log, logger.ComponentLiveQuery),
	}
}

// Middleware returns the decorator. Each call returns an independent
// middleware that may be used in one chain.
func (e *Engine) Middleware() pipeline.Middleware {
	var (
		live      pipeline.LiveQueryFunc
		aggregate pipeline.AggregateFunc
	)

	return pipeline.Middleware{
		Name: "livequery",
		LiveQuery: func(next pipeline.LiveQueryFunc) pipeline.LiveQueryFunc {
			live = next

			return func(ctx context.Context, q query.Info) (*notify.Stream[notify.Notification], error) {
				track := q.Query.LimitCount == 0 && q.Query.SkipCount == 0

				return e.observe(ctx, q, track, func(ctx context.Context) (*notify.Stream[notify.Notification], error) {
					return next(ctx, query.Info{Meta: q.Meta, Query: q.Query})
				})
			}
		},
		QueryAndObserve: func(next pipeline.QueryAndObserveFunc) pipeline.QueryAndObserveFunc {
			return func(ctx context.Context, snapshot, observe query.Info) (*notify.Stream[notify.Notification], error) {
				return e.observe(ctx, observe, false, func(ctx context.Context) (*notify.Stream[notify.Notification], error) {
					return next(ctx, query.Info{Meta: snapshot.Meta, Query: snapshot.Query}, query.Info{Meta: observe.Meta, Query: observe.Query})
				})
			}
		},
		Aggregate: func(next pipeline.AggregateFunc) pipeline.AggregateFunc {
			aggregate = next

			return next
		},
		LiveAggregate: func(next pipeline.LiveAggregateFunc) pipeline.LiveAggregateFunc {
			return func(ctx context.Context, q query.Info, agg query.Aggregator) (*notify.Stream[any], error) {
				if live == nil || aggregate == nil {
					return next(ctx, q, agg)
				}

				return e.liveAggregate(ctx, q, agg, live, aggregate)
			}
		},
	}
}

// observe opens the stream below without projection and applies the observe
// predicate, per-key ordering and the projection of q on top. With track set
// the keys visible to the observer are remembered so that every notification
// is consistent with what was emitted before.
func (e *Engine) observe(ctx context.Context, q query.Info, track bool, open func(context.Context) (*notify.Stream[notify.Notification], error)) (*notify.Stream[notify.Notification], error) {
	release, err := e.acquire(ctx, q.Meta)
	if err != nil {
		return nil, err
	}

	src, err := open(ctx)
	if err != nil {
		release()

		return nil, err
	}

	lc := newLifecycle(e.log.With("entity", q.Meta.Name(), "stream", src.ID()))
	t := newTracker(track)
	predicate := q.Query.Predicate()

	return notify.Transform(src, notify.Handler[notify.Notification, notify.Notification]{
		Item: func(em *notify.Emitter[notify.Notification], n notify.Notification) error {
			n, ok := query.Classify(n, predicate)
			if !ok {
				return nil
			}

			if n, ok = t.admit(n); !ok {
				return nil
			}

			return notify.Forward(em, query.ProjectNotification(n, q.Fields))
		},
		Ready: func(em *notify.Emitter[notify.Notification]) error {
			lc.fire(EventReady)

			if !em.MarkReady() {
				return standarderrors.ErrStreamCancelled
			}

			return nil
		},
		Finish: func(err error) error {
			lc.finish(err)

			return err
		},
		Release: release,
	}), nil
}

// acquire takes a subscription reference on every type reachable through
// the references of meta.
func (e *Engine) acquire(ctx context.Context, meta *entity.Meta) (func(), error) {
	if e.subs == nil || meta == nil {
		return func() {}, nil
	}

	var releases []func()

	releaseAll := func() {
		for _, r := range releases {
			r()
		}
	}

	for _, name := range e.referencedTypes(meta) {
		r, err := e.subs.Acquire(ctx, name)
		if err != nil {
			releaseAll()

			return nil, err
		}

		releases = append(releases, r)
	}

	return releaseAll, nil
}

// referencedTypes lists the types reachable from meta through references,
// excluding meta itself unless it refers to itself.
func (e *Engine) referencedTypes(meta *entity.Meta) []string {
	seen := map[string]struct{}{}

	var walk func(m *entity.Meta)

	walk = func(m *entity.Meta) {
		for _, p := range m.References() {
			target, err := e.registry.Target(p)
			if err != nil {
				continue
			}

			if _, ok := seen[target.Name()]; ok {
				continue
			}

			seen[target.Name()] = struct{}{}
			walk(target)
		}
	}

	walk(meta)

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

// tracker drops stale notifications per key and, when visible is set, keeps
// the notification kinds consistent with what the observer has seen.
type tracker struct {
	seqs    map[string]uint64
	visible map[string]entity.Entity
}

func newTracker(track bool) *tracker {
	t := &tracker{seqs: map[string]uint64{}}
	if track {
		t.visible = map[string]entity.Entity{}
	}

	return t
}

func (t *tracker) admit(n notify.Notification) (notify.Notification, bool) {
	if n.Seq != 0 {
		if last, ok := t.seqs[n.Key]; ok && n.Seq <= last {
			return n, false
		}

		t.seqs[n.Key] = n.Seq
	}

	if t.visible == nil {
		return n, true
	}

	prev, shown := t.visible[n.Key]

	switch n.Kind {
	case notify.Create:
		if shown {
			n = notify.Notification{Kind: notify.Update, Key: n.Key, Seq: n.Seq, Previous: prev, Current: n.Current}
		}

		t.visible[n.Key] = n.Current
	case notify.Update:
		if !shown {
			n = notify.Notification{Kind: notify.Create, Key: n.Key, Seq: n.Seq, Current: n.Current}
		}

		t.visible[n.Key] = n.Current
	case notify.Delete:
		if !shown {
			return n, false
		}

		if n.Previous == nil {
			n.Previous = prev
		}

		delete(t.visible, n.Key)
	}

	return n, true
}
