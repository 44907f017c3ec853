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

package backend

import (
	"context"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/notify"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

func (b *Backend) LiveQuery(ctx context.Context, q query.Info) (*notify.Stream[notify.Notification], error) {
	return b.QueryAndObserve(ctx, q, q)
}

// QueryAndObserve emits the records matching snapshot as creates, then every
// change matching the predicate of observe.
//
// The change feed is opened before the snapshot is read. Events whose
// sequence number is not newer than the snapshot state of their key are
// already contained in the snapshot and skipped.
func (b *Backend) QueryAndObserve(ctx context.Context, snapshot, observe query.Info) (*notify.Stream[notify.Notification], error) {
	meta := snapshot.Meta
	if err := b.ensure(ctx, meta); err != nil {
		return nil, err
	}

	sub, err := b.store.Watch(ctx, meta.Name())
	if err != nil {
		return nil, b.storeError("watch", meta, "", err)
	}

	rows, err := b.load(ctx, meta)
	if err != nil {
		sub.Close()

		return nil, err
	}

	seen := make(map[string]uint64, len(rows))
	for _, r := range rows {
		seen[r.rec.Key] = r.rec.Seq
	}

	initial := persistence.ApplyFunc(snapshot.Query, rows, rowDoc)

	stream, em := notify.New[notify.Notification]()
	em.OnRelease(sub.Close)

	go func() {
		em.Close(b.feed(context.WithoutCancel(ctx), em, sub, meta, initial, seen, observe))
	}()

	return stream, nil
}

func (b *Backend) feed(ctx context.Context, em *notify.Emitter[notify.Notification], sub *persistence.Subscription, meta *entity.Meta, initial []row, seen map[string]uint64, observe query.Info) error {
	for _, r := range initial {
		n := notify.Notification{Kind: notify.Create, Key: r.rec.Key, Seq: r.rec.Seq, Current: r.e}
		if err := notify.Forward(em, query.ProjectNotification(n, observe.Fields)); err != nil {
			return err
		}
	}

	if !em.MarkReady() {
		return standarderrors.ErrStreamCancelled
	}

	for {
		select {
		case <-em.Done():
			return standarderrors.ErrStreamCancelled
		case ev, ok := <-sub.C():
			if !ok {
				return &standarderrors.BackendError{Op: "watch", EntityType: meta.Name(), Err: persistence.ErrClosed}
			}

			if last, ok := seen[ev.Key]; ok {
				if ev.Seq <= last {
					continue
				}

				delete(seen, ev.Key)
			}

			n, err := b.notification(ctx, meta, ev)
			if err != nil {
				return err
			}

			n, ok = query.Classify(n, observe.Query)
			if !ok {
				continue
			}

			if err := notify.Forward(em, query.ProjectNotification(n, observe.Fields)); err != nil {
				return err
			}
		}
	}
}

// notification materializes a store event.
func (b *Backend) notification(ctx context.Context, meta *entity.Meta, ev persistence.ChangeEvent) (notify.Notification, error) {
	n := notify.Notification{Key: ev.Key, Seq: ev.Seq}

	switch ev.Kind {
	case persistence.ChangeCreated:
		n.Kind = notify.Create
	case persistence.ChangeUpdated:
		n.Kind = notify.Update
	default:
		n.Kind = notify.Delete
	}

	var err error

	if ev.Previous != nil {
		if n.Previous, err = b.materialize(ctx, meta, *ev.Previous, nil); err != nil {
			return n, err
		}
	}

	if ev.Current != nil && n.Kind != notify.Delete {
		if n.Current, err = b.materialize(ctx, meta, *ev.Current, nil); err != nil {
			return n, err
		}
	}

	return n, nil
}

// LiveAggregate emits the aggregate once the snapshot is complete and again
// after every change. The live query engine adds debouncing on top.
func (b *Backend) LiveAggregate(ctx context.Context, q query.Info, agg query.Aggregator) (*notify.Stream[any], error) {
	live, err := b.LiveQuery(ctx, query.Info{Meta: q.Meta, Query: q.Query.Predicate()})
	if err != nil {
		return nil, err
	}

	bg := context.WithoutCancel(ctx)

	emit := func(e *notify.Emitter[any]) error {
		v, err := b.Aggregate(bg, q, agg)
		if err != nil {
			return err
		}

		return notify.Forward(e, v)
	}

	ready := false

	return notify.Transform(live, notify.Handler[notify.Notification, any]{
		Item: func(e *notify.Emitter[any], _ notify.Notification) error {
			if !ready {
				return nil
			}

			return emit(e)
		},
		Ready: func(e *notify.Emitter[any]) error {
			ready = true

			if err := emit(e); err != nil {
				return err
			}

			if !e.MarkReady() {
				return standarderrors.ErrStreamCancelled
			}

			return nil
		},
	}), nil
}
