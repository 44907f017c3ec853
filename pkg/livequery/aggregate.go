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

package livequery

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/rxrepo/pkg/metrics"
	"github.com/united-manufacturing-hub/rxrepo/pkg/notify"
	"github.com/united-manufacturing-hub/rxrepo/pkg/pipeline"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

// liveAggregate watches the predicate of q and recomputes agg from scratch
// once the snapshot is complete and then at most once per debounce window
// after changes. Results equal to the last emitted one are suppressed.
func (e *Engine) liveAggregate(ctx context.Context, q query.Info, agg query.Aggregator, live pipeline.LiveQueryFunc, aggregate pipeline.AggregateFunc) (*notify.Stream[any], error) {
	release, err := e.acquire(ctx, q.Meta)
	if err != nil {
		return nil, err
	}

	src, err := live(ctx, query.Info{Meta: q.Meta, Query: q.Query.Predicate()})
	if err != nil {
		release()

		return nil, err
	}

	out, em := notify.New[any]()
	em.OnRelease(src.Cancel)
	em.OnRelease(release)

	a := &aggregation{
		engine:    e,
		q:         q,
		agg:       agg,
		aggregate: aggregate,
		src:       src,
		em:        em,
		lc:        newLifecycle(e.log.With("entity", q.Meta.Name(), "stream", out.ID(), "aggregate", agg.Name())),
	}

	go func() {
		err := a.run(context.WithoutCancel(ctx))
		a.lc.finish(err)
		em.Close(err)
	}()

	return out, nil
}

type aggregation struct {
	engine    *Engine
	q         query.Info
	agg       query.Aggregator
	aggregate pipeline.AggregateFunc
	src       *notify.Stream[notify.Notification]
	em        *notify.Emitter[any]
	lc        *Lifecycle

	last    uint64
	emitted bool
}

func (a *aggregation) run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	defer timer.Stop()

	var (
		ready   = a.src.Ready()
		items   = a.src.C()
		pending bool
	)

	start := func() error {
		ready = nil

		if err := a.compute(ctx); err != nil {
			return err
		}

		a.lc.fire(EventReady)

		if !a.em.MarkReady() {
			return standarderrors.ErrStreamCancelled
		}

		return nil
	}

	for {
		select {
		case <-a.em.Done():
			return standarderrors.ErrStreamCancelled
		case <-ready:
			if err := start(); err != nil {
				return err
			}
		case _, ok := <-items:
			if !ok {
				return a.src.Err()
			}

			if ready != nil {
				// Snapshot items are covered by the initial computation. An
				// item after the boundary may win the race against ready.
				select {
				case <-ready:
					if err := start(); err != nil {
						return err
					}
				default:
				}

				continue
			}

			if !pending {
				pending = true
				timer.Reset(a.engine.cfg.AggregationDebounce)
			}
		case <-timer.C:
			pending = false

			if err := a.compute(ctx); err != nil {
				return err
			}
		}
	}
}

// compute evaluates the aggregate and emits it unless it equals the last
// emitted value.
func (a *aggregation) compute(ctx context.Context) error {
	v, err := a.aggregate(ctx, a.q, a.agg)
	if err != nil {
		return err
	}

	h, err := fingerprint(v)
	if err != nil {
		return err
	}

	if a.emitted && h == a.last {
		metrics.IncAggregationSuppressed(a.q.Meta.Name())

		return nil
	}

	a.last, a.emitted = h, true

	return notify.Forward(a.em, v)
}

func fingerprint(v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encoding aggregate result: %w", err)
	}

	return xxhash.Sum64(data), nil
}
