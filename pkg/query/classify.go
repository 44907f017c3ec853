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

package query

import (
	"context"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/notify"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
)

// Classify maps a raw change to what an observer of predicate q sees.
//
// An update whose previous and current state both match stays an update, one
// that starts matching becomes a create and one that stops matching becomes a
// delete. ok is false when the observer sees nothing. Deletes without a known
// previous state are always kept.
func Classify(n notify.Notification, q persistence.Query) (out notify.Notification, ok bool) {
	switch n.Kind {
	case notify.Create:
		return n, q.Matches(n.Current)
	case notify.Delete:
		if n.Previous == nil {
			return n, true
		}

		return n, q.Matches(n.Previous)
	case notify.Update:
		prev := n.Previous != nil && q.Matches(n.Previous)
		cur := q.Matches(n.Current)

		switch {
		case prev && cur:
			return n, true
		case cur:
			return notify.Notification{Kind: notify.Create, Key: n.Key, Seq: n.Seq, Current: n.Current}, true
		case prev:
			return notify.Notification{Kind: notify.Delete, Key: n.Key, Seq: n.Seq, Previous: n.Previous}, true
		}
	}

	return n, false
}

// ProjectNotification applies Project to both states of n.
func ProjectNotification(n notify.Notification, fields []string) notify.Notification {
	if len(fields) == 0 {
		return n
	}

	n.Previous = Project(n.Previous, fields)
	n.Current = Project(n.Current, fields)

	return n
}

type inFlightKey struct{}

type inFlightNode struct {
	keys   map[entity.CacheKey]struct{}
	parent *inFlightNode
}

// WithInFlight marks keys as being written on the current call path.
func WithInFlight(ctx context.Context, keys ...entity.CacheKey) context.Context {
	if len(keys) == 0 {
		return ctx
	}

	parent, _ := ctx.Value(inFlightKey{}).(*inFlightNode)

	node := &inFlightNode{keys: make(map[entity.CacheKey]struct{}, len(keys)), parent: parent}
	for _, k := range keys {
		node.keys[k] = struct{}{}
	}

	return context.WithValue(ctx, inFlightKey{}, node)
}

// InFlight reports whether key is being written further up the call path.
func InFlight(ctx context.Context, key entity.CacheKey) bool {
	for n, _ := ctx.Value(inFlightKey{}).(*inFlightNode); n != nil; n = n.parent {
		if _, ok := n.keys[key]; ok {
			return true
		}
	}

	return false
}
