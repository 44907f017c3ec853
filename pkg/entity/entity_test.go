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

package entity_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
)

func TestEntity(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Entity Suite")
}

type inventory struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type product struct {
	ID        int        `json:"id"`
	Name      string     `json:"name"`
	Inventory *inventory `json:"inventory,omitempty"`
}

var _ = Describe("Meta", func() {
	var (
		inventoryMeta *entity.Meta
		productMeta   *entity.Meta
	)

	BeforeEach(func() {
		inventoryMeta = entity.Define("Inventory").
			Key("id").
			Scalar("name").
			MustBuild()

		productMeta = entity.Define("Product").
			Key("id").
			Scalar("name", entity.Mandatory()).
			Embedded("dimensions").
			Reference("inventory", "Inventory").
			ReferenceCollection("alternatives", "Inventory").
			ReferenceMap("byRegion", "Inventory").
			MustBuild()
	})

	It("keeps declaration order and classification", func() {
		props := productMeta.Properties()
		Expect(props).To(HaveLen(6))
		Expect(props[0].Name).To(Equal("id"))
		Expect(props[0].Mandatory).To(BeTrue())
		Expect(props[2].Kind).To(Equal(entity.KindEmbedded))
		Expect(props[3].Kind).To(Equal(entity.KindReference))
		Expect(props[3].Target).To(Equal("Inventory"))
		Expect(productMeta.KeyProperty()).To(Equal("id"))
	})

	It("lists only reference kinds as references", func() {
		refs := productMeta.References()
		Expect(refs).To(HaveLen(3))

		for _, r := range refs {
			Expect(r.Kind.IsReference()).To(BeTrue())
		}

		Expect(inventoryMeta.HasReferences()).To(BeFalse())
	})

	It("does not leak its internal slices", func() {
		props := productMeta.Properties()
		props[0].Name = "changed"
		Expect(productMeta.Properties()[0].Name).To(Equal("id"))
	})

	It("rejects duplicate properties and missing keys", func() {
		_, err := entity.Define("Broken").Key("id").Scalar("id").Build()
		Expect(err).To(HaveOccurred())

		_, err = entity.Define("NoKey").Scalar("name").Build()
		Expect(err).To(HaveOccurred())

		_, err = entity.Define("NoTarget").Key("id").Reference("ref", "").Build()
		Expect(err).To(HaveOccurred())
	})

	It("validates mandatory properties", func() {
		err := productMeta.Validate(entity.Entity{"id": 1})
		Expect(err).To(MatchError(entity.ErrMissingMandatory))

		Expect(productMeta.Validate(entity.Entity{"id": 1, "name": "p"})).To(Succeed())
		Expect(productMeta.Validate(entity.Entity{"name": "p"})).To(MatchError(entity.ErrMissingKey))
	})

	It("rejects reference collections that are not lists", func() {
		err := productMeta.Validate(entity.Entity{"id": 1, "name": "p", "alternatives": "x"})
		Expect(err).To(MatchError(entity.ErrInvalidReference))
	})

	Describe("ReferencedValues", func() {
		It("flattens collections and maps and drops nils", func() {
			alt, _ := productMeta.Property("alternatives")
			values := entity.ReferencedValues(alt, []any{map[string]any{"id": 1}, nil, map[string]any{"id": 2}})
			Expect(values).To(HaveLen(2))

			byRegion, _ := productMeta.Property("byRegion")
			values = entity.ReferencedValues(byRegion, map[string]any{
				"b": map[string]any{"id": 2},
				"a": map[string]any{"id": 1},
				"c": nil,
			})
			Expect(values).To(Equal([]any{map[string]any{"id": 1}, map[string]any{"id": 2}}))
		})

		It("resolves keys of nested entities and bare keys", func() {
			key, err := entity.ReferenceKey(inventoryMeta, map[string]any{"id": float64(2)})
			Expect(err).NotTo(HaveOccurred())
			Expect(key).To(Equal("2"))

			key, err = entity.ReferenceKey(inventoryMeta, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(key).To(Equal("2"))
		})
	})
})

var _ = Describe("NormalizeKey", func() {
	DescribeTable("renders equal keys identically",
		func(v any, expected string) {
			key, err := entity.NormalizeKey(v)
			Expect(err).NotTo(HaveOccurred())
			Expect(key).To(Equal(expected))
		},
		Entry("int", 1, "1"),
		Entry("int64", int64(1), "1"),
		Entry("float64", float64(1), "1"),
		Entry("fraction", 1.5, "1.5"),
		Entry("string", "p-1", "p-1"),
		Entry("composite", map[string]any{"type": "product", "id": float64(3)}, `{"id":3,"type":"product"}`),
	)

	It("rejects empty keys", func() {
		_, err := entity.NormalizeKey(nil)
		Expect(err).To(MatchError(entity.ErrMissingKey))

		_, err = entity.NormalizeKey("")
		Expect(err).To(MatchError(entity.ErrMissingKey))
	})
})

var _ = Describe("Registry", func() {
	It("rejects unknown reference targets", func() {
		product := entity.Define("Product").Key("id").Reference("inventory", "Inventory").MustBuild()
		_, err := entity.NewRegistry(product)
		Expect(err).To(HaveOccurred())
	})

	It("looks up registered types", func() {
		inventory := entity.Define("Inventory").Key("id").MustBuild()
		product := entity.Define("Product").Key("id").Reference("inventory", "Inventory").MustBuild()

		registry, err := entity.NewRegistry(inventory, product)
		Expect(err).NotTo(HaveOccurred())
		Expect(registry.Types()).To(Equal([]string{"Inventory", "Product"}))

		target, err := registry.Target(product.References()[0])
		Expect(err).NotTo(HaveOccurred())
		Expect(target).To(BeIdenticalTo(inventory))
	})
})

var _ = Describe("Codec", func() {
	It("converts structs with nested references", func() {
		codec := entity.Codec[product]{}
		e, err := codec.Encode(product{ID: 1, Name: "Product 1", Inventory: &inventory{ID: 2, Name: "Inventory 2"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(e["name"]).To(Equal("Product 1"))

		nested, ok := entity.AsEntity(e["inventory"])
		Expect(ok).To(BeTrue())
		Expect(nested["name"]).To(Equal("Inventory 2"))

		back, err := codec.Decode(e)
		Expect(err).NotTo(HaveOccurred())
		Expect(back.Inventory.ID).To(Equal(2))
	})
})
