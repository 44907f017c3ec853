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

package memory_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence/memory"
)

func TestMemory(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Memory Store Suite")
}

var _ = Describe("InMemoryStore", func() {
	var (
		store *memory.InMemoryStore
		ctx   context.Context
	)

	BeforeEach(func() {
		store = memory.NewInMemoryStore()
		ctx = context.Background()
		Expect(store.CreateCollection(ctx, "Product")).To(Succeed())
	})

	AfterEach(func() {
		_ = store.Close(ctx)
	})

	It("inserts and reads back by handle and key", func() {
		rec, err := store.Insert(ctx, "Product", "1", persistence.Document{"id": 1, "name": "Product 1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(rec.Handle).ToNot(BeEmpty())
		Expect(rec.Version).To(Equal(int64(1)))

		byHandle, err := store.Get(ctx, "Product", rec.Handle)
		Expect(err).ToNot(HaveOccurred())
		Expect(byHandle.Data["name"]).To(Equal("Product 1"))

		byKey, err := store.GetByKey(ctx, "Product", "1")
		Expect(err).ToNot(HaveOccurred())
		Expect(byKey.Handle).To(Equal(rec.Handle))
	})

	It("rejects duplicate keys", func() {
		_, err := store.Insert(ctx, "Product", "1", persistence.Document{"id": 1})
		Expect(err).ToNot(HaveOccurred())

		_, err = store.Insert(ctx, "Product", "1", persistence.Document{"id": 1})
		Expect(err).To(MatchError(persistence.ErrDuplicateKey))
	})

	It("isolates stored documents from callers", func() {
		doc := persistence.Document{"id": 1, "tags": []interface{}{"a"}}
		rec, err := store.Insert(ctx, "Product", "1", doc)
		Expect(err).ToNot(HaveOccurred())

		doc["id"] = 2
		rec.Data["id"] = 3

		stored, err := store.Get(ctx, "Product", rec.Handle)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Data["id"]).To(Equal(1))
	})

	It("checks versions on update and delete", func() {
		rec, err := store.Insert(ctx, "Product", "1", persistence.Document{"id": 1})
		Expect(err).ToNot(HaveOccurred())

		updated, err := store.Update(ctx, "Product", rec.Handle, 1, persistence.Document{"id": 1, "name": "x"})
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.Version).To(Equal(int64(2)))
		Expect(updated.Seq).To(BeNumerically(">", rec.Seq))

		_, err = store.Update(ctx, "Product", rec.Handle, 1, persistence.Document{"id": 1})
		Expect(err).To(MatchError(persistence.ErrConflict))

		_, err = store.Delete(ctx, "Product", rec.Handle, 1)
		Expect(err).To(MatchError(persistence.ErrConflict))

		deleted, err := store.Delete(ctx, "Product", rec.Handle, persistence.AnyVersion)
		Expect(err).ToNot(HaveOccurred())
		Expect(deleted.Data["name"]).To(Equal("x"))

		_, err = store.Get(ctx, "Product", rec.Handle)
		Expect(err).To(MatchError(persistence.ErrNotFound))
	})

	It("returns records in sequence order", func() {
		for _, key := range []string{"3", "1", "2"} {
			_, err := store.Insert(ctx, "Product", key, persistence.Document{"id": key})
			Expect(err).ToNot(HaveOccurred())
		}

		records, err := store.Find(ctx, "Product")
		Expect(err).ToNot(HaveOccurred())
		Expect(records).To(HaveLen(3))
		Expect(records[0].Key).To(Equal("3"))
		Expect(records[2].Key).To(Equal("2"))
	})

	It("publishes change events in sequence order", func() {
		sub, err := store.Watch(ctx, "Product")
		Expect(err).ToNot(HaveOccurred())
		defer sub.Close()

		rec, err := store.Insert(ctx, "Product", "1", persistence.Document{"id": 1})
		Expect(err).ToNot(HaveOccurred())
		_, err = store.Update(ctx, "Product", rec.Handle, persistence.AnyVersion, persistence.Document{"id": 1, "name": "n"})
		Expect(err).ToNot(HaveOccurred())
		_, err = store.Delete(ctx, "Product", rec.Handle, persistence.AnyVersion)
		Expect(err).ToNot(HaveOccurred())

		var kinds []persistence.ChangeKind
		var last uint64

		for i := 0; i < 3; i++ {
			var ev persistence.ChangeEvent
			Eventually(sub.C(), time.Second).Should(Receive(&ev))
			Expect(ev.Seq).To(BeNumerically(">", last))
			last = ev.Seq
			kinds = append(kinds, ev.Kind)
		}

		Expect(kinds).To(Equal([]persistence.ChangeKind{
			persistence.ChangeCreated, persistence.ChangeUpdated, persistence.ChangeDeleted,
		}))
	})

	It("drops collections", func() {
		_, err := store.Insert(ctx, "Product", "1", persistence.Document{"id": 1})
		Expect(err).ToNot(HaveOccurred())

		Expect(store.DropCollection(ctx, "Product")).To(Succeed())
		Expect(store.DropCollection(ctx, "Product")).To(Succeed())

		records, err := store.Find(ctx, "Product")
		Expect(err).ToNot(HaveOccurred())
		Expect(records).To(BeEmpty())
	})

	It("fails after close", func() {
		Expect(store.Close(ctx)).To(Succeed())

		_, err := store.Insert(ctx, "Product", "1", persistence.Document{"id": 1})
		Expect(err).To(MatchError(persistence.ErrClosed))
	})

	It("rejects a nil context", func() {
		//nolint:staticcheck // testing nil context behavior
		_, err := store.Find(nil, "Product")
		Expect(err).To(MatchError(ContainSubstring("context cannot be nil")))
	})
})
