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

// Package references writes object graphs in dependency order.
//
// With query.RecursionFull every entity referenced by a written batch is
// upserted before the batch itself, transitively. Referenced entities are
// deduplicated by type and key (the first occurrence wins) and grouped by
// target type; groups of different types are written concurrently and all of
// them complete before the owners are written.
package references

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/logger"
	"github.com/united-manufacturing-hub/rxrepo/pkg/pipeline"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

// Engine resolves the references of written entities.
type Engine struct {
	registry *entity.Registry
	log      *zap.SugaredLogger
}

func New(registry *entity.Registry, log *zap.SugaredLogger) *Engine {
	return &Engine{registry: registry, log: logger.OrFor(log, logger.ComponentReferences)}
}

// Group is the set of entities of one type referenced by a batch.
type Group struct {
	Meta     *entity.Meta
	Entities []entity.Entity
	Keys     []entity.CacheKey
}

// Middleware returns the decorator. Each call returns an independent
// middleware that may be used in one chain.
func (e *Engine) Middleware() pipeline.Middleware {
	var upsert pipeline.InsertFunc

	return pipeline.Middleware{
		Name:   "references",
		Insert: e.writes,
		InsertOrUpdate: func(next pipeline.InsertFunc) pipeline.InsertFunc {
			upsert = e.writes(next)

			return upsert
		},
		InsertOrUpdateOne: func(next pipeline.InsertOneFunc) pipeline.InsertOneFunc {
			return func(ctx context.Context, meta *entity.Meta, key any, updater query.Updater) (entity.Entity, error) {
				return next(ctx, meta, key, func(current entity.Entity) (entity.Entity, error) {
					out, err := updater(current)
					if err != nil || out == nil || upsert == nil {
						return out, err
					}

					if err := e.writeReferenced(ctx, meta, []entity.Entity{out}, upsert); err != nil {
						return nil, err
					}

					return out, nil
				})
			}
		},
	}
}

func (e *Engine) writes(next pipeline.InsertFunc) pipeline.InsertFunc {
	var self pipeline.InsertFunc

	self = func(ctx context.Context, meta *entity.Meta, entities []entity.Entity, policy query.RecursionPolicy) (int, error) {
		if policy != query.RecursionFull || meta == nil || !meta.HasReferences() {
			return next(ctx, meta, entities, policy)
		}

		keys := make([]entity.CacheKey, 0, len(entities))

		for _, owner := range entities {
			if ck, err := meta.CacheKeyOf(owner); err == nil {
				keys = append(keys, ck)
			}
		}

		ctx = query.WithInFlight(ctx, keys...)

		if err := e.writeReferenced(ctx, meta, entities, self); err != nil {
			return 0, err
		}

		return next(ctx, meta, entities, policy)
	}

	return self
}

// writeReferenced upserts every group referenced by entities with write and
// waits for all of them.
func (e *Engine) writeReferenced(ctx context.Context, meta *entity.Meta, entities []entity.Entity, write pipeline.InsertFunc) error {
	groups, err := e.Referenced(ctx, meta, entities)
	if err != nil || len(groups) == 0 {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, group := range groups {
		group := group
		e.log.Debugf("writing %d referenced %s ahead of %s", len(group.Entities), group.Meta.Name(), meta.Name())

		g.Go(func() error {
			_, err := write(gctx, group.Meta, group.Entities, query.RecursionFull)
			if err != nil {
				return fmt.Errorf("writing %s referenced by %s: %w", group.Meta.Name(), meta.Name(), err)
			}

			return nil
		})
	}

	return g.Wait()
}

// Referenced extracts the entities referenced by entities, grouped by target
// type in order of first appearance. Bare keys are not part of the result,
// neither are entities already being written further up the call path.
func (e *Engine) Referenced(ctx context.Context, meta *entity.Meta, entities []entity.Entity) ([]Group, error) {
	var groups []Group

	index := map[string]int{}
	seen := map[entity.CacheKey]struct{}{}

	for _, owner := range entities {
		for _, p := range meta.References() {
			v, ok := owner[p.Name]
			if !ok || v == nil {
				continue
			}

			target, err := e.registry.Target(p)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", standarderrors.ErrUnknownEntityType, err)
			}

			for _, item := range entity.ReferencedValues(p, v) {
				nested, ok := entity.AsEntity(item)
				if !ok {
					continue
				}

				ck, err := target.CacheKeyOf(nested)
				if err != nil {
					return nil, fmt.Errorf("%w: %s.%s: %w", standarderrors.ErrInvalidEntity, meta.Name(), p.Name, err)
				}

				if _, dup := seen[ck]; dup {
					continue
				}

				seen[ck] = struct{}{}

				if query.InFlight(ctx, ck) {
					continue
				}

				i, ok := index[target.Name()]
				if !ok {
					i = len(groups)
					index[target.Name()] = i
					groups = append(groups, Group{Meta: target})
				}

				groups[i].Entities = append(groups[i].Entities, nested)
				groups[i].Keys = append(groups[i].Keys, ck)
			}
		}
	}

	return groups, nil
}
