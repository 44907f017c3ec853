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

// Package notify contains the push streams returned by live operations.
//
// A Stream is produced by exactly one goroutine through its Emitter and
// consumed through C. Delivery is unbuffered: Emit returns once the consumer
// (or the next pipeline stage) took the item, so a slow consumer slows its own
// producer and nothing else. The end of the initial snapshot travels in band,
// which keeps the Ready boundary exact across any number of pipeline stages.
package notify

import (
	"sync"

	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

type envelope[T any] struct {
	value T
	ready bool
}

// Stream is the consumer side of a live operation.
type Stream[T any] struct {
	id string

	in    chan envelope[T]
	out   chan T
	ready chan struct{}
	done  chan struct{}

	startOnce   sync.Once
	readyOnce   sync.Once
	cancelOnce  sync.Once
	releaseOnce sync.Once

	mu       sync.Mutex
	err      error
	releases []func()
	released bool
}

// Emitter is the producer side of a Stream.
type Emitter[T any] struct {
	s          *Stream[T]
	closeOnce  sync.Once
	markedOnce sync.Once
}

// New creates a connected Stream and Emitter pair.
func New[T any]() (*Stream[T], *Emitter[T]) {
	s := &Stream[T]{
		id:    uuid.New().String(),
		in:    make(chan envelope[T]),
		out:   make(chan T),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	return s, &Emitter[T]{s: s}
}

// ID identifies the stream in logs and metrics.
func (s *Stream[T]) ID() string { return s.id }

// C returns the item channel. It is closed when the producer finishes or the
// stream is cancelled; Err then tells why. Use either C or Next, not both.
func (s *Stream[T]) C() <-chan T {
	s.startOnce.Do(func() { go s.deliver() })

	return s.out
}

// Ready is closed once every snapshot item has been delivered, or when the
// stream terminates before the snapshot ends. A consumer of C observes it
// closed before the first item that follows the snapshot; Next reports the
// boundary per item.
func (s *Stream[T]) Ready() <-chan struct{} { return s.ready }

// Done is closed when the stream is cancelled.
func (s *Stream[T]) Done() <-chan struct{} { return s.done }

// Err returns the terminal error after C was closed. It is nil for streams
// that completed normally.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Cancel stops the stream. It is synchronous and idempotent: when it returns,
// every resource registered with OnRelease has been released.
func (s *Stream[T]) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		if s.err == nil {
			s.err = standarderrors.ErrStreamCancelled
		}
		s.mu.Unlock()

		close(s.done)
	})

	s.release()
}

func (s *Stream[T]) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		fns := s.releases
		s.releases = nil
		s.released = true
		s.mu.Unlock()

		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	})
}

// Next receives the next item. snapshot tells whether the item belongs to the
// initial snapshot; ok is false once the stream has terminated.
func (s *Stream[T]) Next() (value T, snapshot bool, ok bool) {
	for {
		select {
		case env, open := <-s.in:
			if !open {
				s.markReady()

				return value, false, false
			}

			if env.ready {
				s.markReady()

				continue
			}

			select {
			case <-s.ready:
				return env.value, false, true
			default:
				return env.value, true, true
			}
		case <-s.done:
			s.markReady()

			return value, false, false
		}
	}
}

func (s *Stream[T]) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Stream[T]) deliver() {
	defer close(s.out)
	defer s.markReady()

	for {
		select {
		case env, ok := <-s.in:
			if !ok {
				return
			}

			if env.ready {
				s.markReady()

				continue
			}

			select {
			case s.out <- env.value:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

// OnRelease registers fn to run once when the stream is cancelled or its
// producer closes it, whichever happens first. Functions run in reverse
// registration order. If the stream was already released, fn runs immediately.
func (e *Emitter[T]) OnRelease(fn func()) {
	s := e.s

	s.mu.Lock()
	released := s.released

	if !released {
		s.releases = append(s.releases, fn)
	}
	s.mu.Unlock()

	if released {
		fn()
	}
}

// Emit delivers v. It returns false if the stream was cancelled.
func (e *Emitter[T]) Emit(v T) bool {
	select {
	case e.s.in <- envelope[T]{value: v}:
		return true
	case <-e.s.done:
		return false
	}
}

// MarkReady ends the snapshot phase. Later calls are no-ops.
func (e *Emitter[T]) MarkReady() bool {
	ok := true

	e.markedOnce.Do(func() {
		select {
		case e.s.in <- envelope[T]{ready: true}:
		case <-e.s.done:
			ok = false
		}
	})

	return ok
}

// Done is closed when the consumer cancels the stream.
func (e *Emitter[T]) Done() <-chan struct{} { return e.s.done }

// Close terminates the stream with err (nil for normal completion) and
// releases its resources. Only the first call has an effect.
func (e *Emitter[T]) Close(err error) {
	e.closeOnce.Do(func() {
		s := e.s

		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()

		close(s.in)
		s.release()
	})
}
