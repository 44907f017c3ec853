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

// Package testmodel holds the Product/Inventory/Warehouse fixtures shared by
// the package tests and the demo binary.
package testmodel

import (
	"fmt"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
)

const (
	WarehouseType = "Warehouse"
	InventoryType = "Inventory"
	ProductType   = "Product"
)

var (
	WarehouseMeta = entity.Define(WarehouseType).
			Key("id").
			Scalar("name").
			MustBuild()

	InventoryMeta = entity.Define(InventoryType).
			Key("id").
			Scalar("name").
			Reference("warehouse", WarehouseType).
			MustBuild()

	ProductMeta = entity.Define(ProductType).
			Key("id").
			Scalar("name", entity.Mandatory()).
			Scalar("price").
			Embedded("dimensions").
			Reference("inventory", InventoryType).
			ReferenceCollection("alternatives", InventoryType).
			ReferenceMap("stock", WarehouseType).
			MustBuild()
)

type Warehouse struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type Inventory struct {
	ID        int        `json:"id"`
	Name      string     `json:"name"`
	Warehouse *Warehouse `json:"warehouse,omitempty"`
}

type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Product struct {
	ID           int                   `json:"id"`
	Name         string                `json:"name"`
	Price        int                   `json:"price"`
	Dimensions   *Dimensions           `json:"dimensions,omitempty"`
	Inventory    *Inventory            `json:"inventory,omitempty"`
	Alternatives []*Inventory          `json:"alternatives,omitempty"`
	Stock        map[string]*Warehouse `json:"stock,omitempty"`
}

// Registry returns a registry of the three fixture types.
func Registry() *entity.Registry {
	r, err := entity.NewRegistry(WarehouseMeta, InventoryMeta, ProductMeta)
	if err != nil {
		panic(err)
	}

	return r
}

// ProductPrice is the deterministic price of the i-th generated product.
func ProductPrice(i int) int {
	return 100 + (i%7)*(i%11) + i%13
}

// CreateProducts generates count products sharing count/10 inventories.
// Product i references inventory i mod (count/10).
func CreateProducts(count int) []Product {
	inventoryCount := count / 10
	if inventoryCount == 0 {
		inventoryCount = 1
	}

	inventories := make([]*Inventory, inventoryCount)
	for i := range inventories {
		inventories[i] = &Inventory{ID: i, Name: fmt.Sprintf("Inventory %d", i)}
	}

	products := make([]Product, count)
	for i := range products {
		products[i] = Product{
			ID:        i,
			Name:      fmt.Sprintf("Product %d", i),
			Price:     ProductPrice(i),
			Inventory: inventories[i%inventoryCount],
		}
	}

	return products
}

// ProductEntities is CreateProducts encoded as entities.
func ProductEntities(count int) []entity.Entity {
	out, err := entity.Codec[Product]{}.EncodeAll(CreateProducts(count))
	if err != nil {
		panic(err)
	}

	return out
}
