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

package persistence

import (
	"sync"
)

// Broker fans change events out to subscriptions of a collection.
//
// Publish never blocks: every subscription owns an unbounded queue that a
// dedicated goroutine drains into the subscription channel. A slow consumer
// therefore delays only itself and the writer holding the store lock is never
// stalled by a watcher.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new subscription for collection. On a closed broker
// the returned subscription is already closed.
func (b *Broker) Subscribe(collection string) *Subscription {
	s := &Subscription{
		broker:     b,
		collection: collection,
		signal:     make(chan struct{}, 1),
		out:        make(chan ChangeEvent),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.stop()
		close(s.out)

		return s
	}

	set, ok := b.subs[collection]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[collection] = set
	}

	set[s] = struct{}{}

	go s.pump()

	return s
}

// Publish queues ev for every subscription of its collection.
func (b *Broker) Publish(ev ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs[ev.Collection] {
		s.enqueue(ev)
	}
}

// Subscribers returns the number of live subscriptions of collection.
func (b *Broker) Subscribers(collection string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs[collection])
}

// Close terminates every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	all := b.subs
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, set := range all {
		for s := range set {
			s.stop()
		}
	}
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[s.collection]; ok {
		delete(set, s)

		if len(set) == 0 {
			delete(b.subs, s.collection)
		}
	}
}

// Subscription delivers the change events of one collection.
type Subscription struct {
	broker     *Broker
	collection string

	mu    sync.Mutex
	queue []ChangeEvent

	signal chan struct{}
	out    chan ChangeEvent
	done   chan struct{}
	once   sync.Once
}

// C returns the event channel. It is closed after Close.
func (s *Subscription) C() <-chan ChangeEvent {
	return s.out
}

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unregisters the subscription. Queued events are discarded.
func (s *Subscription) Close() {
	s.broker.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) enqueue(ev ChangeEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()

				break
			}

			ev := s.queue[0]
			s.queue[0] = ChangeEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
