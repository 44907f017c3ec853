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

package notify

import "github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"

// Handler customizes a Transform stage. Item is required.
type Handler[In, Out any] struct {
	// Item handles one upstream item. A non-nil error terminates the stage.
	Item func(e *Emitter[Out], v In) error
	// Ready runs at the snapshot boundary. Defaults to e.MarkReady.
	Ready func(e *Emitter[Out]) error
	// Finish sees the terminal error of the stage and may replace it.
	Finish func(err error) error
	// Release runs once when the stage is cancelled or terminates, before
	// Cancel returns.
	Release func()
}

// Transform starts a stage that consumes src and produces a new stream.
// Cancelling the returned stream cancels src.
func Transform[In, Out any](src *Stream[In], h Handler[In, Out]) *Stream[Out] {
	out, em := New[Out]()
	em.OnRelease(src.Cancel)

	if h.Release != nil {
		em.OnRelease(h.Release)
	}

	go func() {
		err := run(src, em, h)
		if h.Finish != nil {
			err = h.Finish(err)
		}

		em.Close(err)
	}()

	return out
}

func run[In, Out any](src *Stream[In], em *Emitter[Out], h Handler[In, Out]) error {
	for {
		select {
		case env, ok := <-src.in:
			if !ok {
				return src.Err()
			}

			if env.ready {
				if h.Ready != nil {
					if err := h.Ready(em); err != nil {
						return err
					}
				} else if !em.MarkReady() {
					return standarderrors.ErrStreamCancelled
				}

				continue
			}

			if err := h.Item(em, env.value); err != nil {
				return err
			}
		case <-em.Done():
			return standarderrors.ErrStreamCancelled
		}
	}
}

// Forward emits v and maps a cancelled stream to ErrStreamCancelled. It is
// meant for Handler.Item implementations.
func Forward[T any](e *Emitter[T], v T) error {
	if !e.Emit(v) {
		return standarderrors.ErrStreamCancelled
	}

	return nil
}

// Failed returns a stream that terminates immediately with err.
func Failed[T any](err error) *Stream[T] {
	s, em := New[T]()
	em.Close(err)

	return s
}
