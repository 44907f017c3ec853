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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
)

type wireRecord struct {
	Handle  string               `json:"handle"`
	Key     string               `json:"key"`
	Version int64                `json:"version"`
	Seq     uint64               `json:"seq"`
	Data    persistence.Document `json:"data,omitempty"`
}

// wireEvent is the NOTIFY payload. Truncated is set when the documents were
// left out to respect the payload limit; receivers then reload Current.
type wireEvent struct {
	Instance   string                 `json:"instance"`
	Collection string                 `json:"collection"`
	Kind       persistence.ChangeKind `json:"kind"`
	Key        string                 `json:"key"`
	Handle     string                 `json:"handle"`
	Seq        uint64                 `json:"seq"`
	Previous   *wireRecord            `json:"previous,omitempty"`
	Current    *wireRecord            `json:"current,omitempty"`
	Truncated  bool                   `json:"truncated,omitempty"`
}

func toWire(rec *persistence.Record) *wireRecord {
	if rec == nil {
		return nil
	}

	return &wireRecord{Handle: rec.Handle, Key: rec.Key, Version: rec.Version, Seq: rec.Seq, Data: rec.Data}
}

func fromWire(rec *wireRecord) *persistence.Record {
	if rec == nil {
		return nil
	}

	return &persistence.Record{Handle: rec.Handle, Key: rec.Key, Version: rec.Version, Seq: rec.Seq, Data: rec.Data}
}

func encodeEvent(instance string, ev persistence.ChangeEvent) ([]byte, error) {
	w := wireEvent{
		Instance:   instance,
		Collection: ev.Collection,
		Kind:       ev.Kind,
		Key:        ev.Key,
		Handle:     ev.Handle,
		Seq:        ev.Seq,
		Previous:   toWire(ev.Previous),
		Current:    toWire(ev.Current),
	}

	payload, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}

	if len(payload) <= maxNotifyPayload {
		return payload, nil
	}

	w.Previous, w.Current, w.Truncated = nil, nil, true

	return json.Marshal(w)
}

// notify queues the event on ChangeChannel. NOTIFY is transactional, so the
// event is only delivered if tx commits.
func (s *Store) notify(ctx context.Context, tx pgx.Tx, ev persistence.ChangeEvent) error {
	payload, err := encodeEvent(s.instance, ev)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChangeChannel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify change: %w", err)
	}

	return nil
}

// listen forwards notifications of other instances to local watchers. It
// reconnects with a fixed delay until ctx is cancelled.
func (s *Store) listen(ctx context.Context) {
	defer close(s.listenDone)

	for ctx.Err() == nil {
		if err := s.listenOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warnw("Change listener disconnected, reconnecting", "error", err)

			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return err
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		}

		var w wireEvent
		if err := json.Unmarshal([]byte(n.Payload), &w); err != nil {
			s.log.Warnw("Ignoring malformed change notification", "error", err)

			continue
		}

		if w.Instance == s.instance {
			continue
		}

		ev := persistence.ChangeEvent{
			Collection: w.Collection,
			Kind:       w.Kind,
			Key:        w.Key,
			Handle:     w.Handle,
			Seq:        w.Seq,
			Previous:   fromWire(w.Previous),
			Current:    fromWire(w.Current),
		}

		if w.Truncated && ev.Kind != persistence.ChangeDeleted {
			rec, err := s.Get(ctx, w.Collection, w.Handle)
			if err != nil {
				s.log.Debugw("Dropping truncated change notification", "collection", w.Collection, "key", w.Key, "error", err)

				continue
			}

			ev.Current = &rec
		}

		s.broker.Publish(ev)
	}
}
