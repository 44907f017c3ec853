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

// Package admission bounds the number of operations in flight.
package admission

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/united-manufacturing-hub/rxrepo/pkg/constants"
	"github.com/united-manufacturing-hub/rxrepo/pkg/logger"
	"github.com/united-manufacturing-hub/rxrepo/pkg/metrics"
	"github.com/united-manufacturing-hub/rxrepo/pkg/pipeline"
)

// DefaultLimit is ConcurrentRequestsPerCPU per logical CPU, clamped to
// [MinConcurrentRequests, MaxConcurrentRequests].
func DefaultLimit() int64 {
	cpus, err := cpu.Counts(true)
	if err != nil || cpus < 1 {
		cpus = 1
	}

	limit := int64(cpus * constants.ConcurrentRequestsPerCPU)

	return min(int64(constants.MaxConcurrentRequests), max(int64(constants.MinConcurrentRequests), limit))
}

// Limiter admits at most Limit operations at a time. Waiting callers are
// admitted in arrival order.
type Limiter struct {
	limit  int64
	sem    *semaphore.Weighted
	active atomic.Int64
	queued atomic.Int64
	log    *zap.SugaredLogger
}

// New creates a limiter. A limit below one selects DefaultLimit.
func New(limit int64, log *zap.SugaredLogger) *Limiter {
	if limit < 1 {
		limit = DefaultLimit()
	}

	metrics.SetAdmissionLimit(limit)

	l := &Limiter{
		limit: limit,
		sem:   semaphore.NewWeighted(limit),
		log:   logger.OrFor(log, logger.ComponentAdmission),
	}
	l.log.Debugf("admitting %d concurrent operations", limit)

	return l
}

func (l *Limiter) Limit() int64  { return l.limit }
func (l *Limiter) Active() int64 { return l.active.Load() }
func (l *Limiter) Queued() int64 { return l.queued.Load() }

// Acquire waits for a permit. The returned release is idempotent.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	l.queued.Add(1)
	l.publish()

	err = l.sem.Acquire(ctx, 1)

	l.queued.Add(-1)

	if err != nil {
		l.publish()

		return nil, err
	}

	l.active.Add(1)
	l.publish()

	var once sync.Once

	return func() {
		once.Do(func() {
			l.active.Add(-1)
			l.sem.Release(1)
			l.publish()
		})
	}, nil
}

func (l *Limiter) publish() {
	metrics.SetAdmission(l.active.Load(), l.queued.Load())
}

// Middleware returns the decorator. Live operations hold their permit only
// while the stream is being opened.
func (l *Limiter) Middleware() pipeline.Middleware {
	return pipeline.Middleware{
		Name: "admission",
		Around: func(ctx context.Context, call pipeline.Call, next func(ctx context.Context) error) error {
			release, err := l.Acquire(ctx)
			if err != nil {
				return err
			}
			defer release()

			return next(ctx)
		},
	}
}
