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

package persistence_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
)

func TestPersistence(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Persistence Suite")
}

var _ = Describe("Query", func() {
	Describe("builder", func() {
		It("should create an empty query that matches everything", func() {
			query := persistence.NewQuery()

			Expect(query.Filters).To(BeNil())
			Expect(query.SortBy).To(BeNil())
			Expect(query.Matches(persistence.Document{"any": 1})).To(BeTrue())
		})

		It("should treat negative limit and skip as 0", func() {
			query := persistence.NewQuery().Limit(-5).Skip(-10)

			Expect(query.LimitCount).To(Equal(0))
			Expect(query.SkipCount).To(Equal(0))
			Expect(query.IsPaginated()).To(BeFalse())
		})

		It("should clone without sharing slices", func() {
			query := persistence.NewQuery().Filter("a", persistence.Eq, 1).Sort("a", persistence.Asc)
			clone := query.Clone()
			clone.Filters[0].Field = "b"

			Expect(query.Filters[0].Field).To(Equal("a"))
		})

		It("should strip sorting and pagination from the predicate", func() {
			query := persistence.NewQuery().Filter("a", persistence.Eq, 1).Sort("a", persistence.Asc).Limit(3).Skip(1)
			predicate := query.Predicate()

			Expect(predicate.Filters).To(HaveLen(1))
			Expect(predicate.SortBy).To(BeNil())
			Expect(predicate.IsPaginated()).To(BeFalse())
		})
	})

	Describe("Matches", func() {
		doc := persistence.Document{
			"id":    int64(231),
			"name":  "Product 231",
			"price": 110,
			"inventory": map[string]interface{}{
				"id":   float64(31),
				"name": "Inventory 31",
			},
			"tags": []interface{}{"a", "b"},
			"alternatives": []interface{}{
				map[string]interface{}{"name": "Inventory 1"},
				map[string]interface{}{"name": "Inventory 2"},
			},
		}

		DescribeTable("should evaluate operators",
			func(field string, op persistence.Operator, value interface{}, expected bool) {
				query := persistence.NewQuery().Filter(field, op, value)
				Expect(query.Matches(doc)).To(Equal(expected))
			},
			Entry("equal across numeric types", "id", persistence.Eq, 231, true),
			Entry("not equal", "name", persistence.Ne, "Product 1", true),
			Entry("greater than", "price", persistence.Gt, 100.5, true),
			Entry("greater or equal at boundary", "price", persistence.Gte, 110, true),
			Entry("less than", "price", persistence.Lt, 110, false),
			Entry("less or equal", "price", persistence.Lte, int64(110), true),
			Entry("in", "name", persistence.In, []string{"x", "Product 231"}, true),
			Entry("not in", "name", persistence.Nin, []string{"Product 231"}, false),
			Entry("substring", "name", persistence.Contains, "23", true),
			Entry("substring missing", "name", persistence.Contains, "21", false),
			Entry("list membership", "tags", persistence.Contains, "b", true),
			Entry("dotted path into reference", "inventory.name", persistence.Eq, "Inventory 31", true),
			Entry("dotted path with numeric drift", "inventory.id", persistence.Eq, 31, true),
			Entry("path through a list, any element", "alternatives.name", persistence.Eq, "Inventory 2", true),
			Entry("path through a list, ne requires none", "alternatives.name", persistence.Ne, "Inventory 2", false),
			Entry("missing field is nil", "missing", persistence.Eq, nil, true),
			Entry("exists", "inventory", persistence.Exists, true, true),
			Entry("not exists", "missing", persistence.Exists, false, true),
			Entry("incomparable kinds", "name", persistence.Gt, 3, false),
			Entry("unknown operator", "name", persistence.Operator("$regex"), ".*", false),
		)

		It("should combine filters with AND", func() {
			query := persistence.NewQuery().
				Filter("name", persistence.Contains, "231").
				Filter("price", persistence.Gt, 200)

			Expect(query.Matches(doc)).To(BeFalse())
		})
	})

	Describe("Apply", func() {
		docs := []persistence.Document{
			{"id": 1, "price": 30, "name": "c"},
			{"id": 2, "price": 10, "name": "a"},
			{"id": 3, "price": 20, "name": "b"},
			{"id": 4, "name": "d"},
		}

		It("should filter, sort and paginate", func() {
			query := persistence.NewQuery().
				Filter("price", persistence.Gte, 10).
				Sort("price", persistence.Desc).
				Skip(1).
				Limit(1)

			out := persistence.Apply(*query, docs)
			Expect(out).To(HaveLen(1))
			Expect(out[0]["id"]).To(Equal(3))
		})

		It("should order missing values first when ascending", func() {
			out := persistence.Apply(*persistence.NewQuery().Sort("price", persistence.Asc), docs)
			Expect(out[0]["id"]).To(Equal(4))
			Expect(out[1]["id"]).To(Equal(2))
		})

		It("should return an empty result when skipping past the end", func() {
			out := persistence.Apply(*persistence.NewQuery().Skip(10), docs)
			Expect(out).To(BeEmpty())
		})

		It("should not modify the input", func() {
			_ = persistence.Apply(*persistence.NewQuery().Sort("name", persistence.Asc), docs)
			Expect(docs[0]["id"]).To(Equal(1))
		})
	})
})
