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

package notify_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rxrepo/pkg/notify"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

func TestNotify(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Notify Suite")
}

// produce emits snapshot items, marks ready, then emits change items.
func produce(em *notify.Emitter[int], snapshot, changes []int, err error) {
	go func() {
		for _, v := range snapshot {
			if !em.Emit(v) {
				return
			}
		}

		if !em.MarkReady() {
			return
		}

		for _, v := range changes {
			if !em.Emit(v) {
				return
			}
		}

		em.Close(err)
	}()
}

var _ = Describe("Stream", func() {
	It("closes Ready exactly after the snapshot items", func() {
		s, em := notify.New[int]()
		produce(em, []int{1, 2, 3}, []int{4, 5}, nil)

		var beforeReady, afterReady []int

		for {
			v, snapshot, ok := s.Next()
			if !ok {
				break
			}

			if snapshot {
				beforeReady = append(beforeReady, v)
			} else {
				afterReady = append(afterReady, v)
			}
		}

		Expect(beforeReady).To(Equal([]int{1, 2, 3}))
		Expect(afterReady).To(Equal([]int{4, 5}))
		Expect(s.Err()).ToNot(HaveOccurred())
	})

	It("reports the terminal error", func() {
		s, em := notify.New[int]()
		boom := errors.New("boom")
		produce(em, nil, []int{1}, boom)

		Eventually(s.C()).Should(Receive(Equal(1)))
		Eventually(s.C()).Should(BeClosed())
		Expect(s.Err()).To(MatchError(boom))
		Expect(s.Ready()).To(BeClosed())
	})

	It("releases resources synchronously and only once on Cancel", func() {
		s, em := notify.New[int]()

		var released atomic.Int32
		em.OnRelease(func() { released.Add(1) })

		s.Cancel()
		Expect(released.Load()).To(Equal(int32(1)))

		s.Cancel()
		em.Close(nil)
		Expect(released.Load()).To(Equal(int32(1)))
		Expect(s.Err()).To(MatchError(standarderrors.ErrStreamCancelled))
		Expect(em.Emit(1)).To(BeFalse())
	})

	It("releases on producer completion and runs late registrations immediately", func() {
		_, em := notify.New[int]()

		var released atomic.Int32
		em.OnRelease(func() { released.Add(1) })
		em.Close(nil)
		Expect(released.Load()).To(Equal(int32(1)))

		em.OnRelease(func() { released.Add(1) })
		Expect(released.Load()).To(Equal(int32(2)))
	})

	It("unblocks a producer when the consumer cancels", func() {
		s, em := notify.New[int]()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; em.Emit(i); i++ {
			}
		}()

		Eventually(s.C()).Should(Receive())
		s.Cancel()
		Eventually(done, time.Second).Should(BeClosed())
	})
})

var _ = Describe("Transform", func() {
	It("keeps the snapshot boundary across stages", func() {
		src, em := notify.New[int]()
		produce(em, []int{1, 2}, []int{3, 4}, nil)

		doubled := notify.Transform(src, notify.Handler[int, int]{
			Item: func(e *notify.Emitter[int], v int) error { return notify.Forward(e, v*2) },
		})

		var snapshot, changes []int

		for {
			v, inSnapshot, ok := doubled.Next()
			if !ok {
				break
			}

			if inSnapshot {
				snapshot = append(snapshot, v)
			} else {
				changes = append(changes, v)
			}
		}

		Expect(snapshot).To(Equal([]int{2, 4}))
		Expect(changes).To(Equal([]int{6, 8}))
		Expect(doubled.Err()).ToNot(HaveOccurred())
	})

	It("cancels the source when the stage is cancelled", func() {
		src, em := notify.New[int]()

		var released atomic.Bool
		em.OnRelease(func() { released.Store(true) })

		stage := notify.Transform(src, notify.Handler[int, int]{
			Item: func(e *notify.Emitter[int], v int) error { return notify.Forward(e, v) },
		})

		stage.Cancel()
		Expect(released.Load()).To(BeTrue())
		Eventually(src.Done()).Should(BeClosed())
	})

	It("lets Finish replace the terminal error", func() {
		src, em := notify.New[int]()
		produce(em, nil, nil, errors.New("inner"))

		outer := errors.New("outer")
		stage := notify.Transform(src, notify.Handler[int, int]{
			Item:   func(e *notify.Emitter[int], v int) error { return notify.Forward(e, v) },
			Finish: func(error) error { return outer },
		})

		Eventually(stage.C()).Should(BeClosed())
		Expect(stage.Err()).To(MatchError(outer))
	})

	It("builds failed streams", func() {
		s := notify.Failed[int](errors.New("nope"))
		Eventually(s.C()).Should(BeClosed())
		Expect(s.Err()).To(MatchError("nope"))
	})
})
