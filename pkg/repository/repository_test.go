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

package repository_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rxrepo/internal/testmodel"
	"github.com/united-manufacturing-hub/rxrepo/pkg/config"
	"github.com/united-manufacturing-hub/rxrepo/pkg/constants"
	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/metrics"
	"github.com/united-manufacturing-hub/rxrepo/pkg/notify"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/rxrepo/pkg/query"
	"github.com/united-manufacturing-hub/rxrepo/pkg/repository"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

func TestRepository(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Repository Suite")
}

func testConfig() config.RepositoryConfig {
	cfg := config.Default()
	cfg.RetryInitialDuration = config.Duration(time.Millisecond)
	cfg.AggregationDebounce = config.Duration(20 * time.Millisecond)

	return cfg
}

var _ = Describe("Repository", func() {
	var (
		ctx         context.Context
		repo        *repository.Repository
		products    *repository.EntitySet[testmodel.Product]
		inventories *repository.EntitySet[testmodel.Inventory]
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		repo, err = repository.Open(ctx, testConfig(), testmodel.Registry(), repository.WithCollector(metrics.Noop{}))
		Expect(err).ToNot(HaveOccurred())

		products = repository.MustSet[testmodel.Product](repo, testmodel.ProductMeta)
		inventories = repository.MustSet[testmodel.Inventory](repo, testmodel.InventoryMeta)
	})

	AfterEach(func() {
		Expect(repo.Close(ctx)).To(Succeed())
	})

	It("rejects invalid configuration", func() {
		cfg := testConfig()
		cfg.Backend.Type = constants.BackendPostgres

		_, err := repository.Open(ctx, cfg, testmodel.Registry())
		Expect(err).To(MatchError(ContainSubstring("dsn")))
	})

	It("rejects sets of unregistered types", func() {
		other := entity.Define("Other").Key("id").MustBuild()

		_, err := repository.Set[map[string]any](repo, other)
		Expect(errors.Is(err, standarderrors.ErrUnknownEntityType)).To(BeTrue())
	})

	Context("with 1000 products", func() {
		BeforeEach(func() {
			n, err := products.Insert(ctx, testmodel.CreateProducts(1000)...)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(1000))
		})

		It("writes products with their inventories", func() {
			Expect(products.Count(ctx, nil)).To(Equal(1000))
			Expect(inventories.Count(ctx, nil)).To(Equal(100))
		})

		It("returns typed results with resolved references", func() {
			p, err := products.First(ctx, persistence.NewQuery().Filter("name", persistence.Eq, "Product 5"))
			Expect(err).ToNot(HaveOccurred())
			Expect(p).ToNot(BeNil())
			Expect(p.ID).To(Equal(5))
			Expect(p.Price).To(Equal(testmodel.ProductPrice(5)))
			Expect(p.Inventory).ToNot(BeNil())
			Expect(p.Inventory.Name).To(Equal("Inventory 5"))
		})

		It("returns nil when nothing matches", func() {
			p, err := products.First(ctx, persistence.NewQuery().Filter("name", persistence.Eq, "Product X"))
			Expect(err).ToNot(HaveOccurred())
			Expect(p).To(BeNil())
		})

		It("sorts and pages", func() {
			page, err := products.Query(ctx, persistence.NewQuery().Sort("id", persistence.Desc).Skip(10).Limit(5))
			Expect(err).ToNot(HaveOccurred())
			Expect(page).To(HaveLen(5))
			Expect(page[0].ID).To(Equal(989))
			Expect(page[4].ID).To(Equal(985))
		})

		It("updates a single product atomically", func() {
			updated, err := products.UpdateOne(ctx, 7, func(current *testmodel.Product) (*testmodel.Product, error) {
				Expect(current).ToNot(BeNil())
				current.Price++

				return current, nil
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(updated.Price).To(Equal(testmodel.ProductPrice(7) + 1))

			created, err := products.UpdateOne(ctx, 5000, func(current *testmodel.Product) (*testmodel.Product, error) {
				Expect(current).To(BeNil())

				return &testmodel.Product{ID: 5000, Name: "Product 5000", Price: 1}, nil
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(created.ID).To(Equal(5000))
			Expect(products.Count(ctx, nil)).To(Equal(1001))
		})

		It("upserts changed products", func() {
			p, err := products.First(ctx, persistence.NewQuery().Filter("id", persistence.Eq, 3))
			Expect(err).ToNot(HaveOccurred())

			p.Name = "Renamed"
			p.Inventory = &testmodel.Inventory{ID: 500, Name: "Inventory 500"}

			Expect(products.Update(ctx, *p)).To(Equal(1))

			again, err := products.First(ctx, persistence.NewQuery().Filter("name", persistence.Eq, "Renamed"))
			Expect(err).ToNot(HaveOccurred())
			Expect(again.Inventory.Name).To(Equal("Inventory 500"))
			Expect(inventories.Count(ctx, nil)).To(Equal(101))
		})

		It("updates and deletes in bulk", func() {
			n, err := products.UpdateWhere(ctx,
				persistence.NewQuery().Filter("id", persistence.Lt, 10),
				query.Assignment{Field: "price", Value: 0},
			)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(10))

			sum, err := products.Aggregate(ctx, persistence.NewQuery().Filter("id", persistence.Lt, 10), query.Sum("price"))
			Expect(err).ToNot(HaveOccurred())
			Expect(sum).To(BeNumerically("==", 0))

			n, err = products.Delete(ctx, persistence.NewQuery().Filter("price", persistence.Eq, 0))
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(10))
			Expect(products.Count(ctx, nil)).To(Equal(990))
		})

		It("drops the collection", func() {
			Expect(products.Drop(ctx)).To(Succeed())
			Expect(products.Count(ctx, nil)).To(Equal(0))
			Expect(inventories.Count(ctx, nil)).To(Equal(100))
		})

		It("streams typed changes", func() {
			stream, err := products.LiveQuery(ctx, persistence.NewQuery().Filter("name", persistence.Contains, "Product 99"))
			Expect(err).ToNot(HaveOccurred())
			defer stream.Cancel()

			var snapshot []repository.Change[testmodel.Product]

			for {
				c, isSnapshot, ok := stream.Next()
				Expect(ok).To(BeTrue())

				if !isSnapshot {
					Fail(fmt.Sprintf("unexpected change before insert: %+v", c))
				}

				snapshot = append(snapshot, c)
				if len(snapshot) == 11 {
					break
				}
			}

			Eventually(stream.Ready()).Should(BeClosed())

			for _, c := range snapshot {
				Expect(c.Kind).To(Equal(notify.Create))
				Expect(c.Current.Name).To(HavePrefix("Product 99"))
			}

			Expect(products.Insert(ctx, testmodel.Product{ID: 9900, Name: "Product 9900", Price: 5})).To(Equal(1))

			c, isSnapshot, ok := stream.Next()
			Expect(ok).To(BeTrue())
			Expect(isSnapshot).To(BeFalse())
			Expect(c.Kind).To(Equal(notify.Create))
			Expect(c.Key).To(Equal("9900"))
			Expect(c.Current.Price).To(Equal(5))
			Expect(c.Previous).To(BeNil())
		})

		It("observes a different query than the snapshot", func() {
			stream, err := products.QueryAndObserve(ctx,
				persistence.NewQuery().Filter("id", persistence.Lt, 2),
				persistence.NewQuery().Filter("id", persistence.Gte, 2000),
			)
			Expect(err).ToNot(HaveOccurred())
			defer stream.Cancel()

			Eventually(stream.Ready()).Should(BeClosed())

			_, err = products.Insert(ctx,
				testmodel.Product{ID: 1500, Name: "Product 1500"},
				testmodel.Product{ID: 2500, Name: "Product 2500"},
			)
			Expect(err).ToNot(HaveOccurred())

			var keys []string

			for len(keys) < 3 {
				c, _, ok := stream.Next()
				Expect(ok).To(BeTrue())

				keys = append(keys, c.Key)
			}

			Expect(keys).To(ConsistOf("0", "1", "2500"))
		})

		It("keeps a live count", func() {
			stream, err := products.LiveAggregate(ctx, persistence.NewQuery().Filter("id", persistence.Gte, 998), query.Count())
			Expect(err).ToNot(HaveOccurred())
			defer stream.Cancel()

			Eventually(stream.C()).Should(Receive(Equal(2)))

			Expect(products.Insert(ctx, testmodel.Product{ID: 1000, Name: "Product 1000"})).To(Equal(1))

			Eventually(stream.C()).Should(Receive(Equal(3)))
		})

		It("reports stats", func() {
			stats := repo.Stats()

			Expect(stats.Backend).To(Equal(constants.BackendMemory))
			Expect(stats.Types).To(Equal([]string{testmodel.InventoryType, testmodel.ProductType, testmodel.WarehouseType}))
			Expect(stats.Admission.Limit).To(BeNumerically(">=", 1))
			Expect(stats.Admission.Active).To(BeZero())
		})
	})

	It("does not close stores it did not open", func() {
		store := memory.NewInMemoryStore()

		r, err := repository.Open(ctx, testConfig(), testmodel.Registry(),
			repository.WithStore(store), repository.WithCollector(metrics.Noop{}))
		Expect(err).ToNot(HaveOccurred())

		set := repository.MustSet[testmodel.Warehouse](r, testmodel.WarehouseMeta)
		Expect(set.Insert(ctx, testmodel.Warehouse{ID: 1, Name: "Main"})).To(Equal(1))

		Expect(r.Close(ctx)).To(Succeed())
		Expect(r.Close(ctx)).To(Succeed())

		rec, err := store.GetByKey(ctx, testmodel.WarehouseType, "1")
		Expect(err).ToNot(HaveOccurred())
		Expect(rec.Data["name"]).To(Equal("Main"))
	})

	It("persists to sqlite", func() {
		cfg := testConfig()
		cfg.Backend = config.BackendConfig{Type: constants.BackendSQLite, Path: filepath.Join(GinkgoT().TempDir(), "rx.db")}

		r, err := repository.Open(ctx, cfg, testmodel.Registry(), repository.WithCollector(metrics.Noop{}))
		Expect(err).ToNot(HaveOccurred())

		set := repository.MustSet[testmodel.Product](r, testmodel.ProductMeta)
		Expect(set.Insert(ctx, testmodel.CreateProducts(20)...)).To(Equal(20))
		Expect(r.Close(ctx)).To(Succeed())

		r, err = repository.Open(ctx, cfg, testmodel.Registry(), repository.WithCollector(metrics.Noop{}))
		Expect(err).ToNot(HaveOccurred())
		defer func() { Expect(r.Close(ctx)).To(Succeed()) }()

		set = repository.MustSet[testmodel.Product](r, testmodel.ProductMeta)

		p, err := set.First(ctx, persistence.NewQuery().Filter("id", persistence.Eq, 13))
		Expect(err).ToNot(HaveOccurred())
		Expect(p.Inventory.Name).To(Equal("Inventory 1"))
	})
})
