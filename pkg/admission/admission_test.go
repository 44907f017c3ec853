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

package admission_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rxrepo/pkg/admission"
	"github.com/united-manufacturing-hub/rxrepo/pkg/constants"
	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/notify"
	"github.com/united-manufacturing-hub/rxrepo/pkg/pipeline"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
)

func TestAdmission(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Admission Suite")
}

var meta = entity.Define("Thing").Key("id").MustBuild()

// slowProvider sleeps in Query and records the highest concurrency it saw.
type slowProvider struct {
	query.Provider
	running atomic.Int64
	peak    atomic.Int64
	done    atomic.Int64
}

func (p *slowProvider) Query(context.Context, query.Info) ([]entity.Entity, error) {
	n := p.running.Add(1)
	defer p.running.Add(-1)

	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	time.Sleep(5 * time.Millisecond)
	p.done.Add(1)

	return nil, nil
}

func (p *slowProvider) LiveQuery(context.Context, query.Info) (*notify.Stream[notify.Notification], error) {
	s, _ := notify.New[notify.Notification]()

	return s, nil
}

var _ = Describe("Limiter", func() {
	It("defaults to a bounded multiple of the CPU count", func() {
		limit := admission.DefaultLimit()
		Expect(limit).To(BeNumerically(">=", constants.MinConcurrentRequests))
		Expect(limit).To(BeNumerically("<=", constants.MaxConcurrentRequests))

		Expect(admission.New(0, nil).Limit()).To(Equal(limit))
	})

	It("never runs more than the limit and completes every operation", func() {
		l := admission.New(4, nil)
		p := &slowProvider{}
		chained := pipeline.Chain(p, l.Middleware())

		var wg sync.WaitGroup

		for i := 0; i < 64; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()
				defer GinkgoRecover()

				_, err := chained.Query(context.Background(), query.Info{Meta: meta})
				Expect(err).ToNot(HaveOccurred())
			}()
		}

		wg.Wait()

		Expect(p.peak.Load()).To(BeNumerically("<=", 4))
		Expect(p.done.Load()).To(BeEquivalentTo(64))
		Expect(l.Active()).To(BeZero())
		Expect(l.Queued()).To(BeZero())
	})

	It("admits waiting callers in arrival order", func() {
		l := admission.New(1, nil)

		release, err := l.Acquire(context.Background())
		Expect(err).ToNot(HaveOccurred())

		var (
			mu    sync.Mutex
			order []int
		)

		for i := 0; i < 5; i++ {
			i := i
			go func() {
				r, err := l.Acquire(context.Background())
				if err != nil {
					return
				}

				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				r()
			}()

			Eventually(l.Queued).Should(BeEquivalentTo(i + 1))
			// let the caller reach the semaphore queue before the next one starts
			time.Sleep(5 * time.Millisecond)
		}

		release()

		Eventually(func() []int {
			mu.Lock()
			defer mu.Unlock()

			return append([]int(nil), order...)
		}).Should(Equal([]int{0, 1, 2, 3, 4}))
	})

	It("gives up waiting when the context ends", func() {
		l := admission.New(1, nil)

		release, err := l.Acquire(context.Background())
		Expect(err).ToNot(HaveOccurred())
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err = l.Acquire(ctx)
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(l.Queued()).To(BeZero())
		Expect(l.Active()).To(BeEquivalentTo(1))
	})

	It("releases the permit of a live operation once the stream is open", func() {
		l := admission.New(1, nil)
		chained := pipeline.Chain(&slowProvider{}, l.Middleware())

		s, err := chained.LiveQuery(context.Background(), query.Info{Meta: meta})
		Expect(err).ToNot(HaveOccurred())
		defer s.Cancel()

		Expect(l.Active()).To(BeZero())
	})

	It("makes release idempotent", func() {
		l := admission.New(2, nil)

		release, err := l.Acquire(context.Background())
		Expect(err).ToNot(HaveOccurred())

		release()
		release()

		Expect(l.Active()).To(BeZero())
	})
})
