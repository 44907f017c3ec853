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

// Package repository assembles a store, the reference cache and the decorator
// pipeline into a ready to use Provider.
//
// The decorators are stacked outermost first:
//
//	admission -> metrics -> retry -> livequery -> references -> backend
//
// Admission bounds every call including the retries below it. Metrics sees
// one observation per call no matter how often retry re-runs it. Retry re-runs
// reference writes too, because references sits below it.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rxrepo/pkg/admission"
	"github.com/united-manufacturing-hub/rxrepo/pkg/backend"
	"github.com/united-manufacturing-hub/rxrepo/pkg/config"
	"github.com/united-manufacturing-hub/rxrepo/pkg/constants"
	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/livequery"
	"github.com/united-manufacturing-hub/rxrepo/pkg/logger"
	"github.com/united-manufacturing-hub/rxrepo/pkg/metrics"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence/postgres"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence/sqlite"
	"github.com/united-manufacturing-hub/rxrepo/pkg/pipeline"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
	"github.com/united-manufacturing-hub/rxrepo/pkg/refcache"
	"github.com/united-manufacturing-hub/rxrepo/pkg/references"
	"github.com/united-manufacturing-hub/rxrepo/pkg/retry"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

// Repository owns the store and every long-lived component above it.
type Repository struct {
	cfg      config.RepositoryConfig
	registry *entity.Registry
	store    persistence.Store
	cache    *refcache.Cache
	limiter  *admission.Limiter
	provider query.Provider
	log      *zap.SugaredLogger

	ownsStore bool
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	store     persistence.Store
	collector metrics.Collector
	log       *zap.SugaredLogger
	extra     []pipeline.Middleware
}

// Option customizes Open.
type Option func(*options)

// WithStore uses an already opened store instead of the configured backend.
// The repository does not close it.
func WithStore(store persistence.Store) Option {
	return func(o *options) { o.store = store }
}

// WithCollector replaces the process wide Prometheus collector.
func WithCollector(c metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithLogger sets the repository logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

// WithMiddleware adds decorators between livequery and references.
func WithMiddleware(mws ...pipeline.Middleware) Option {
	return func(o *options) { o.extra = append(o.extra, mws...) }
}

// Open validates cfg, opens the store and builds the pipeline.
func Open(ctx context.Context, cfg config.RepositoryConfig, registry *entity.Registry, opts ...Option) (*Repository, error) {
	if registry == nil {
		return nil, errors.New("repository needs an entity registry")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid repository config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := logger.OrFor(o.log, logger.ComponentRepository)

	if o.collector == nil {
		o.collector = metrics.Default()
	}

	store, owns := o.store, false
	if store == nil {
		var err error

		store, err = OpenStore(ctx, cfg.Backend, o.log)
		if err != nil {
			return nil, err
		}

		owns = true
	}

	policy, err := cfg.BackoffPolicy()
	if err != nil {
		return nil, err
	}

	cache := refcache.New(store, refcache.Config{
		Expiration:   time.Duration(cfg.CacheExpiration),
		CullInterval: time.Duration(cfg.CacheCullInterval),
	}, nil)

	limiter := admission.New(int64(cfg.MaxConcurrentRequests), nil)
	live := livequery.New(livequery.Config{AggregationDebounce: time.Duration(cfg.AggregationDebounce)}, registry, cache, nil)

	mws := []pipeline.Middleware{
		limiter.Middleware(),
		metrics.Middleware(o.collector),
		retry.Middleware(retry.Config{RetryCount: cfg.RetryCount, Policy: policy}, nil),
		live.Middleware(),
	}
	mws = append(mws, o.extra...)
	mws = append(mws, references.New(registry, nil).Middleware())

	r := &Repository{
		cfg:       cfg.Clone(),
		registry:  registry,
		store:     store,
		cache:     cache,
		limiter:   limiter,
		provider:  pipeline.Chain(backend.New(store, registry, cache, nil), mws...),
		log:       log,
		ownsStore: owns,
	}

	log.Infof("Repository opened: backend=%s types=%v admission=%d retries=%d",
		cfg.Backend.Type, registry.Types(), limiter.Limit(), cfg.RetryCount)

	return r, nil
}

// OpenStore opens the store selected by cfg.
func OpenStore(ctx context.Context, cfg config.BackendConfig, log *zap.SugaredLogger) (persistence.Store, error) {
	log = logger.OrFor(log, logger.ComponentStore)

	switch cfg.Type {
	case constants.BackendMemory, "":
		return memory.NewInMemoryStore(), nil
	case constants.BackendSQLite:
		store, err := sqlite.NewSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store at %s: %w", cfg.Path, err)
		}

		return store, nil
	case constants.BackendPostgres:
		store, err := postgres.NewPostgresStore(ctx, cfg.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}

		return store, nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

// Provider returns the fully decorated pipeline.
func (r *Repository) Provider() query.Provider { return r.provider }

// Registry returns the registered entity types.
func (r *Repository) Registry() *entity.Registry { return r.registry }

// Config returns a copy of the effective configuration.
func (r *Repository) Config() config.RepositoryConfig { return r.cfg.Clone() }

// Meta looks up a registered entity type.
func (r *Repository) Meta(name string) (*entity.Meta, error) {
	meta, ok := r.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", standarderrors.ErrUnknownEntityType, name)
	}

	return meta, nil
}

// Stats is a point in time view of the repository internals.
type Stats struct {
	Backend   string           `json:"backend"`
	Types     []string         `json:"types"`
	Admission AdmissionStats   `json:"admission"`
	Cache     []refcache.Stats `json:"cache"`
}

type AdmissionStats struct {
	Limit  int64 `json:"limit"`
	Active int64 `json:"active"`
	Queued int64 `json:"queued"`
}

func (r *Repository) Stats() Stats {
	return Stats{
		Backend: r.cfg.Backend.Type,
		Types:   r.registry.Types(),
		Admission: AdmissionStats{
			Limit:  r.limiter.Limit(),
			Active: r.limiter.Active(),
			Queued: r.limiter.Queued(),
		},
		Cache: r.cache.Stats(),
	}
}

// Close stops the cache and closes the store if Open opened it. Streams that
// are still open terminate with a closed error.
func (r *Repository) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.cache.Close()

		if r.ownsStore {
			r.closeErr = r.store.Close(ctx)
		}

		r.log.Info("Repository closed")
	})

	return r.closeErr
}
