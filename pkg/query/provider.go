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

// Package query defines the Provider contract shared by the storage backend
// and every decorator stacked on top of it.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/notify"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
)

// RecursionPolicy controls whether writes also write referenced entities.
type RecursionPolicy int

const (
	// RecursionNone writes only the given entities. References must exist.
	RecursionNone RecursionPolicy = iota
	// RecursionFull writes every referenced entity first, transitively.
	RecursionFull
)

func (p RecursionPolicy) String() string {
	switch p {
	case RecursionNone:
		return "none"
	case RecursionFull:
		return "full"
	default:
		return fmt.Sprintf("recursion(%d)", int(p))
	}
}

// Updater computes the new state of an entity from its current state.
// current is nil if the entity does not exist. Returning a nil entity leaves
// the stored state unchanged.
type Updater func(current entity.Entity) (entity.Entity, error)

// Info describes a read.
type Info struct {
	Meta  *entity.Meta
	Query persistence.Query
	// Fields projects the result to the given dotted paths. Empty means all.
	Fields []string
}

// Assignment sets one property during a bulk update. Compute, when set,
// derives the value from the current entity (with resolved references).
type Assignment struct {
	Field   string
	Value   any
	Compute func(current entity.Entity) any
}

// UpdateInfo describes a bulk update. Query.LimitCount and SkipCount select a
// window of the matching entities.
type UpdateInfo struct {
	Meta        *entity.Meta
	Query       persistence.Query
	Assignments []Assignment
}

// DeleteInfo describes a bulk delete.
type DeleteInfo struct {
	Meta  *entity.Meta
	Query persistence.Query
}

// Provider executes entity operations. Every decorator implements Provider
// by wrapping an inner Provider.
type Provider interface {
	// Insert writes entities and returns the number written. Existing keys
	// are overwritten.
	Insert(ctx context.Context, meta *entity.Meta, entities []entity.Entity, policy RecursionPolicy) (int, error)
	// InsertOrUpdate behaves like Insert; it is the batch upsert entry point.
	InsertOrUpdate(ctx context.Context, meta *entity.Meta, entities []entity.Entity, policy RecursionPolicy) (int, error)
	// InsertOrUpdateOne is an atomic read-modify-write of a single entity.
	InsertOrUpdateOne(ctx context.Context, meta *entity.Meta, key any, updater Updater) (entity.Entity, error)

	Query(ctx context.Context, q Info) ([]entity.Entity, error)
	// LiveQuery emits the current matching set as Create notifications,
	// closes Ready, then emits matching changes.
	LiveQuery(ctx context.Context, q Info) (*notify.Stream[notify.Notification], error)
	// QueryAndObserve is LiveQuery with separate snapshot and observe queries.
	QueryAndObserve(ctx context.Context, snapshot, observe Info) (*notify.Stream[notify.Notification], error)

	Aggregate(ctx context.Context, q Info, agg Aggregator) (any, error)
	LiveAggregate(ctx context.Context, q Info, agg Aggregator) (*notify.Stream[any], error)

	Update(ctx context.Context, u UpdateInfo) (int, error)
	Delete(ctx context.Context, d DeleteInfo) (int, error)
	Drop(ctx context.Context, meta *entity.Meta) error
}

// Project returns a copy of e restricted to fields. Dotted paths keep the
// nesting of resolved references.
func Project(e entity.Entity, fields []string) entity.Entity {
	if len(fields) == 0 || e == nil {
		return e
	}

	out := entity.Entity{}

	for _, f := range fields {
		v, _, found := persistence.Lookup(e, f)
		if !found {
			continue
		}

		setPath(out, strings.Split(f, "."), v)
	}

	return out
}

func setPath(dst map[string]any, path []string, v any) {
	if len(path) == 1 {
		dst[path[0]] = v

		return
	}

	next, ok := dst[path[0]].(map[string]any)
	if !ok {
		next = map[string]any{}
		dst[path[0]] = next
	}

	setPath(next, path[1:], v)
}
