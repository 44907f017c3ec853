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

package refcache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/rxrepo/pkg/refcache"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

func TestRefCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RefCache Suite")
}

// countingStore counts point loads and can delay or fail them.
type countingStore struct {
	persistence.Store
	loads atomic.Int32
	delay time.Duration
	fail  error
}

func (s *countingStore) GetByKey(ctx context.Context, collection, key string) (persistence.Record, error) {
	s.loads.Add(1)

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	if s.fail != nil {
		return persistence.Record{}, s.fail
	}

	return s.Store.GetByKey(ctx, collection, key)
}

var _ = Describe("Cache", func() {
	var (
		ctx   context.Context
		mem   *memory.InMemoryStore
		store *countingStore
		cache *refcache.Cache
	)

	BeforeEach(func() {
		ctx = context.Background()
		mem = memory.NewInMemoryStore()
		store = &countingStore{Store: mem}

		_, err := mem.Insert(ctx, "Inventory", "2", persistence.Document{"id": 2, "name": "Inventory 2"})
		Expect(err).ToNot(HaveOccurred())
	})

	JustBeforeEach(func() {
		cache = refcache.New(store, refcache.Config{Expiration: time.Minute, CullInterval: 20 * time.Millisecond}, nil)
	})

	AfterEach(func() {
		cache.Close()
		Expect(mem.Close(ctx)).To(Succeed())
	})

	It("loads a missing entry once and serves later lookups from memory", func() {
		rec, found, err := cache.Lookup(ctx, nil, "Inventory", "2")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(rec.Data["name"]).To(Equal("Inventory 2"))

		_, found, err = cache.Lookup(ctx, nil, "Inventory", "2")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(store.loads.Load()).To(Equal(int32(1)))
	})

	It("answers from the batch before anything else", func() {
		batch := refcache.NewBatch()
		batch.Put(entity.CacheKey{Type: "Inventory", Key: "9"}, persistence.Record{Key: "9"})

		rec, found, err := cache.Lookup(ctx, batch, "Inventory", "9")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(rec.Key).To(Equal("9"))
		Expect(store.loads.Load()).To(BeZero())
	})

	It("does not cache missing records", func() {
		_, found, err := cache.Lookup(ctx, nil, "Inventory", "3")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeFalse())

		_, err = mem.Insert(ctx, "Inventory", "3", persistence.Document{"id": 3})
		Expect(err).ToNot(HaveOccurred())

		_, found, err = cache.Lookup(ctx, nil, "Inventory", "3")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeTrue())
	})

	Context("with a slow store", func() {
		BeforeEach(func() {
			store.delay = 50 * time.Millisecond
		})

		It("collapses concurrent misses for one key into a single load", func() {
			var wg sync.WaitGroup

			for i := 0; i < 20; i++ {
				wg.Add(1)

				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					_, found, err := cache.Lookup(ctx, nil, "Inventory", "2")
					Expect(err).ToNot(HaveOccurred())
					Expect(found).To(BeTrue())
				}()
			}

			wg.Wait()
			Expect(store.loads.Load()).To(Equal(int32(1)))
		})
	})

	Context("with a failing store", func() {
		BeforeEach(func() {
			store.fail = errors.New("disk on fire")
		})

		It("wraps load failures in CacheLoadError", func() {
			_, _, err := cache.Lookup(ctx, nil, "Inventory", "2")

			var loadErr *standarderrors.CacheLoadError
			Expect(errors.As(err, &loadErr)).To(BeTrue())
			Expect(loadErr.Key).To(Equal("2"))
			Expect(standarderrors.IsBackend(err)).To(BeTrue())
		})
	})

	It("evicts entries on observed updates and deletes", func() {
		rec, _, err := cache.Lookup(ctx, nil, "Inventory", "2")
		Expect(err).ToNot(HaveOccurred())

		_, err = mem.Update(ctx, "Inventory", rec.Handle, rec.Version, persistence.Document{"id": 2, "name": "renamed"})
		Expect(err).ToNot(HaveOccurred())

		Eventually(func() interface{} {
			rec, _, err := cache.Lookup(ctx, nil, "Inventory", "2")
			Expect(err).ToNot(HaveOccurred())

			return rec.Data["name"]
		}, time.Second, 5*time.Millisecond).Should(Equal("renamed"))

		rec, _, err = cache.Lookup(ctx, nil, "Inventory", "2")
		Expect(err).ToNot(HaveOccurred())

		_, err = mem.Delete(ctx, "Inventory", rec.Handle, persistence.AnyVersion)
		Expect(err).ToNot(HaveOccurred())

		Eventually(func() bool {
			_, found, err := cache.Lookup(ctx, nil, "Inventory", "2")
			Expect(err).ToNot(HaveOccurred())

			return found
		}, time.Second, 5*time.Millisecond).Should(BeFalse())
	})

	It("resolves dangling references to not found on the read path", func() {
		_, found, err := cache.Dereference(ctx, "Product", "inventory", "Inventory", "404")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeFalse())
	})

	It("reference counts subscriptions and releases idempotently", func() {
		release1, err := cache.Acquire(ctx, "Product")
		Expect(err).ToNot(HaveOccurred())
		release2, err := cache.Acquire(ctx, "Product")
		Expect(err).ToNot(HaveOccurred())

		Expect(cache.Stats()).To(ContainElement(refcache.Stats{Type: "Product", SubscriptionRefs: 2}))

		release1()
		release1()
		Expect(cache.Stats()).To(ContainElement(refcache.Stats{Type: "Product", SubscriptionRefs: 1}))

		release2()
		Expect(cache.Stats()).To(ContainElement(refcache.Stats{Type: "Product", SubscriptionRefs: 0}))
	})

	It("drops its own subscription once a type holds no entries", func() {
		_, _, err := cache.Lookup(ctx, nil, "Inventory", "2")
		Expect(err).ToNot(HaveOccurred())
		Expect(cache.Stats()).To(ContainElement(refcache.Stats{Type: "Inventory", Entries: 1, SubscriptionRefs: 1}))

		cache.Forget("Inventory")

		Eventually(cache.Stats, time.Second, 10*time.Millisecond).
			Should(ContainElement(refcache.Stats{Type: "Inventory", Entries: 0, SubscriptionRefs: 0}))
	})
})
