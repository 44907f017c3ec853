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

// Package retry repeats writes that failed with an optimistic-concurrency
// conflict.
package retry

import (
	"context"
	"time"

	cenkalti "github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rxrepo/pkg/backoff"
	"github.com/united-manufacturing-hub/rxrepo/pkg/constants"
	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/logger"
	"github.com/united-manufacturing-hub/rxrepo/pkg/metrics"
	"github.com/united-manufacturing-hub/rxrepo/pkg/pipeline"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
)

// Config of the retry decorator. It is copied on construction.
type Config struct {
	// RetryCount is the number of retries after the first attempt.
	RetryCount int
	// Policy decides the wait before each retry. Defaults to a constant
	// DefaultRetryInitialDuration.
	Policy backoff.Policy
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		RetryCount: constants.DefaultRetryCount,
		Policy:     backoff.Constant(constants.DefaultRetryInitialDuration),
	}
}

type retrier struct {
	cfg Config
	log *zap.SugaredLogger
}

// Middleware returns the decorator. Only the insert operations are retried.
func Middleware(cfg Config, log *zap.SugaredLogger) pipeline.Middleware {
	if cfg.Policy == nil {
		cfg.Policy = backoff.Constant(constants.DefaultRetryInitialDuration)
	}

	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}

	r := &retrier{cfg: cfg, log: logger.OrFor(log, logger.ComponentRetry)}

	insert := func(op pipeline.Op) func(next pipeline.InsertFunc) pipeline.InsertFunc {
		return func(next pipeline.InsertFunc) pipeline.InsertFunc {
			return func(ctx context.Context, meta *entity.Meta, entities []entity.Entity, policy query.RecursionPolicy) (n int, err error) {
				err = r.do(ctx, pipeline.Call{Op: op, Meta: meta}, func() error {
					n, err = next(ctx, meta, entities, policy)

					return err
				})

				return n, err
			}
		}
	}

	return pipeline.Middleware{
		Name:           "retry",
		Insert:         insert(pipeline.OpInsert),
		InsertOrUpdate: insert(pipeline.OpInsertOrUpdate),
		InsertOrUpdateOne: func(next pipeline.InsertOneFunc) pipeline.InsertOneFunc {
			return func(ctx context.Context, meta *entity.Meta, key any, updater query.Updater) (out entity.Entity, err error) {
				err = r.do(ctx, pipeline.Call{Op: pipeline.OpInsertOrUpdateAtomic, Meta: meta}, func() error {
					out, err = next(ctx, meta, key, updater)

					return err
				})

				return out, err
			}
		},
	}
}

// do runs attempt until it succeeds, fails with an error that is not
// transient, or the retries are used up. The last error is returned as is.
func (r *retrier) do(ctx context.Context, call pipeline.Call, attempt func() error) error {
	var b cenkalti.BackOff

	for retries := 0; ; retries++ {
		err := attempt()
		if err == nil || !backoff.IsTransientError(err) {
			return err
		}

		if retries >= r.cfg.RetryCount {
			metrics.IncRetryExhausted(call.Entity(), string(call.Op))
			r.log.Warnf("%s %s: giving up after %d attempts: %v", call.Op, call.Entity(), retries+1, err)

			return err
		}

		if b == nil {
			b = r.cfg.Policy.New()
		}

		wait := b.NextBackOff()
		if wait == cenkalti.Stop {
			metrics.IncRetryExhausted(call.Entity(), string(call.Op))

			return err
		}

		metrics.IncRetry(call.Entity(), string(call.Op))
		r.log.Debugf("%s %s: conflict, retrying in %s: %v", call.Op, call.Entity(), wait, err)

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
