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

package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence/sqlite"
)

func TestSQLite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SQLite Store Suite")
}

var _ = Describe("Store", func() {
	var (
		store *sqlite.Store
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		store, err = sqlite.NewSQLiteStore(ctx, filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).ToNot(HaveOccurred())
		Expect(store.CreateCollection(ctx, "Product")).To(Succeed())
	})

	AfterEach(func() {
		_ = store.Close(ctx)
	})

	It("round-trips documents", func() {
		rec, err := store.Insert(ctx, "Product", "1", persistence.Document{"id": 1, "name": "Product 1"})
		Expect(err).ToNot(HaveOccurred())

		got, err := store.GetByKey(ctx, "Product", "1")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Handle).To(Equal(rec.Handle))
		Expect(got.Data["name"]).To(Equal("Product 1"))
		Expect(got.Data["id"]).To(BeNumerically("==", 1))
	})

	It("compresses large documents transparently", func() {
		large := strings.Repeat("umh ", sqlite.CompressionThreshold)
		rec, err := store.Insert(ctx, "Product", "big", persistence.Document{"id": "big", "blob": large})
		Expect(err).ToNot(HaveOccurred())

		got, err := store.Get(ctx, "Product", rec.Handle)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Data["blob"]).To(Equal(large))
	})

	It("maps unique violations to ErrDuplicateKey", func() {
		_, err := store.Insert(ctx, "Product", "1", persistence.Document{"id": 1})
		Expect(err).ToNot(HaveOccurred())

		_, err = store.Insert(ctx, "Product", "1", persistence.Document{"id": 1})
		Expect(err).To(MatchError(persistence.ErrDuplicateKey))
	})

	It("enforces versions and advances the sequence", func() {
		rec, err := store.Insert(ctx, "Product", "1", persistence.Document{"id": 1})
		Expect(err).ToNot(HaveOccurred())

		updated, err := store.Update(ctx, "Product", rec.Handle, rec.Version, persistence.Document{"id": 1, "name": "n"})
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.Version).To(Equal(int64(2)))
		Expect(updated.Seq).To(Equal(rec.Seq + 1))

		_, err = store.Update(ctx, "Product", rec.Handle, rec.Version, persistence.Document{"id": 1})
		Expect(err).To(MatchError(persistence.ErrConflict))

		_, err = store.Delete(ctx, "Product", rec.Handle, persistence.AnyVersion)
		Expect(err).ToNot(HaveOccurred())

		_, err = store.Get(ctx, "Product", rec.Handle)
		Expect(err).To(MatchError(persistence.ErrNotFound))
	})

	It("treats missing collections as empty", func() {
		records, err := store.Find(ctx, "Unknown")
		Expect(err).ToNot(HaveOccurred())
		Expect(records).To(BeEmpty())

		_, err = store.GetByKey(ctx, "Unknown", "1")
		Expect(err).To(MatchError(persistence.ErrNotFound))
	})

	It("rejects unsafe collection names", func() {
		_, err := store.Find(ctx, "Product; DROP TABLE x")
		Expect(err).To(HaveOccurred())
	})

	It("delivers change events after commit", func() {
		sub, err := store.Watch(ctx, "Product")
		Expect(err).ToNot(HaveOccurred())
		defer sub.Close()

		_, err = store.Insert(ctx, "Product", "1", persistence.Document{"id": 1})
		Expect(err).ToNot(HaveOccurred())

		var ev persistence.ChangeEvent
		Eventually(sub.C(), time.Second).Should(Receive(&ev))
		Expect(ev.Kind).To(Equal(persistence.ChangeCreated))
		Expect(ev.Key).To(Equal("1"))
	})
})

var _ = Describe("Store with a mocked driver", func() {
	var (
		mock  sqlmock.Sqlmock
		store *sqlite.Store
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()

		db, m, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		mock = m

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS rxrepo_sequence").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT OR IGNORE INTO rxrepo_sequence").WillReturnResult(sqlmock.NewResult(1, 1))

		store, err = sqlite.NewWithDB(ctx, db)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("rolls back and reports duplicates raised by the driver", func() {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS Product").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE rxrepo_sequence").WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(7))
		mock.ExpectExec("INSERT INTO Product").WillReturnError(sqlite3.Error{
			Code:         sqlite3.ErrConstraint,
			ExtendedCode: sqlite3.ErrConstraintUnique,
		})
		mock.ExpectRollback()

		_, err := store.Insert(ctx, "Product", "1", persistence.Document{"id": 1})
		Expect(err).To(MatchError(persistence.ErrDuplicateKey))
	})

	It("wraps other driver errors", func() {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS Product").WillReturnError(errors.New("disk I/O error"))

		_, err := store.Insert(ctx, "Product", "1", persistence.Document{"id": 1})
		Expect(err).To(MatchError(ContainSubstring("failed to create collection")))
		Expect(errors.Is(err, persistence.ErrDuplicateKey)).To(BeFalse())
	})

	It("maps a stale version to ErrConflict without writing", func() {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT handle, key, version, seq, data FROM Product").
			WillReturnRows(sqlmock.NewRows([]string{"handle", "key", "version", "seq", "data"}).
				AddRow("h1", "1", 3, 12, []byte(`{"id":1}`)))
		mock.ExpectRollback()

		_, err := store.Update(ctx, "Product", "h1", 2, persistence.Document{"id": 1})
		Expect(err).To(MatchError(persistence.ErrConflict))
	})
})
