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

package metrics

import (
	"context"
	"errors"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/notify"
	"github.com/united-manufacturing-hub/rxrepo/pkg/pipeline"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

type observationKey struct{}

// Middleware measures every operation passing through it with c.
//
// Plain operations are measured from call to return. Live operations are
// measured for the lifetime of their stream; a stream cancelled by its
// consumer counts as completed.
func Middleware(c Collector) pipeline.Middleware {
	if c == nil {
		c = Noop{}
	}

	return pipeline.Middleware{
		Name: "metrics",
		Around: func(ctx context.Context, call pipeline.Call, next func(context.Context) error) error {
			if call.Op.IsLive() {
				return next(ctx)
			}

			obs := c.Begin(call.Entity(), string(call.Op))
			err := next(context.WithValue(ctx, observationKey{}, obs))
			obs.Finish(err)

			return err
		},
		Query: func(next pipeline.QueryFunc) pipeline.QueryFunc {
			return func(ctx context.Context, q query.Info) ([]entity.Entity, error) {
				out, err := next(ctx, q)
				if obs, ok := ctx.Value(observationKey{}).(Observation); ok {
					obs.Items(len(out))
				}

				return out, err
			}
		},
		LiveQuery: func(next pipeline.LiveQueryFunc) pipeline.LiveQueryFunc {
			return func(ctx context.Context, q query.Info) (*notify.Stream[notify.Notification], error) {
				obs := c.Begin(entityName(q.Meta), string(pipeline.OpLiveQuery))

				return observe[notify.Notification](obs)(next(ctx, q))
			}
		},
		QueryAndObserve: func(next pipeline.QueryAndObserveFunc) pipeline.QueryAndObserveFunc {
			return func(ctx context.Context, snapshot, observeInfo query.Info) (*notify.Stream[notify.Notification], error) {
				obs := c.Begin(entityName(snapshot.Meta), string(pipeline.OpQueryAndObserve))

				return observe[notify.Notification](obs)(next(ctx, snapshot, observeInfo))
			}
		},
		LiveAggregate: func(next pipeline.LiveAggregateFunc) pipeline.LiveAggregateFunc {
			return func(ctx context.Context, q query.Info, agg query.Aggregator) (*notify.Stream[any], error) {
				obs := c.Begin(entityName(q.Meta), string(pipeline.OpLiveAggregate))

				return observe[any](obs)(next(ctx, q, agg))
			}
		},
	}
}

func entityName(meta *entity.Meta) string {
	if meta == nil {
		return ""
	}

	return meta.Name()
}

// observe returns a function that wraps the result of a live operation so
// that every item and the terminal state reach obs.
func observe[T any](obs Observation) func(*notify.Stream[T], error) (*notify.Stream[T], error) {
	return func(src *notify.Stream[T], err error) (*notify.Stream[T], error) {
		if err != nil {
			obs.Finish(err)

			return nil, err
		}

		return notify.Transform(src, notify.Handler[T, T]{
			Item: func(e *notify.Emitter[T], v T) error {
				obs.Items(1)

				return notify.Forward(e, v)
			},
			Finish: func(err error) error {
				if errors.Is(err, standarderrors.ErrStreamCancelled) {
					obs.Finish(nil)
				} else {
					obs.Finish(err)
				}

				return err
			},
		}), nil
	}
}
