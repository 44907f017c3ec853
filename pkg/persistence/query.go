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

package persistence

// Operator represents MongoDB-style query operators for filtering entities.
//
// DESIGN DECISION: Use MongoDB-style operators ($eq, $gt, $in)
// WHY: The same descriptor is evaluated by every backend. String operators keep
// the descriptor serializable (the HTTP API accepts them verbatim) and let a
// backend push down the operators it understands natively.
//
// Example usage:
//
//	q := persistence.NewQuery().
//	    Filter("name", persistence.Contains, "21").
//	    Filter("inventory.name", persistence.Eq, "Inventory 31").
//	    Filter("price", persistence.Gt, 100)
type Operator string

const (
	Eq       Operator = "$eq"       // Equal: field == value
	Ne       Operator = "$ne"       // Not equal: field != value
	Gt       Operator = "$gt"       // Greater than: field > value
	Gte      Operator = "$gte"      // Greater than or equal: field >= value
	Lt       Operator = "$lt"       // Less than: field < value
	Lte      Operator = "$lte"      // Less than or equal: field <= value
	In       Operator = "$in"       // In array: field IN (value1, value2, ...)
	Nin      Operator = "$nin"      // Not in array: field NOT IN (value1, value2, ...)
	Contains Operator = "$contains" // Substring: strings.Contains(field, value)
	Exists   Operator = "$exists"   // Presence: (field != nil) == value
)

// FilterCondition represents a single filter criterion.
//
// Field is a dotted path. Path segments after a reference property walk into
// the materialized referenced entity, so "inventory.name" filters products by
// the name of their inventory.
type FilterCondition struct {
	Field string
	Op    Operator
	Value interface{}
}

// SortOrder represents sort direction (ascending or descending).
// Numeric constants follow the MongoDB convention.
type SortOrder int

const (
	Asc  SortOrder = 1  // Ascending order (A-Z, 0-9, oldest-newest)
	Desc SortOrder = -1 // Descending order (Z-A, 9-0, newest-oldest)
)

// SortField represents a field to sort by and its direction.
type SortField struct {
	Field string
	Order SortOrder
}

// Query represents filtering, sorting, and pagination criteria.
//
// DESIGN DECISION: Builder pattern with method chaining
// WHY: Readable API that mirrors MongoDB/SQL query construction.
//
// Multiple filters are combined with AND. The pipeline never modifies a Query;
// decorators that need a variant work on Clone().
//
// Usage:
//
//	q := persistence.NewQuery().
//	    Filter("name", persistence.Contains, "21").
//	    Sort("price", persistence.Desc).
//	    Limit(10).
//	    Skip(20)
type Query struct {
	Filters    []FilterCondition
	SortBy     []SortField
	LimitCount int
	SkipCount  int
}

// NewQuery creates an empty query builder. An empty query matches everything.
func NewQuery() *Query {
	return &Query{}
}

// Filter adds a filter condition to the query.
func (q *Query) Filter(field string, op Operator, value interface{}) *Query {
	q.Filters = append(q.Filters, FilterCondition{
		Field: field,
		Op:    op,
		Value: value,
	})

	return q
}

// Sort adds a sort field. The first Sort call is the primary order.
func (q *Query) Sort(field string, order SortOrder) *Query {
	q.SortBy = append(q.SortBy, SortField{
		Field: field,
		Order: order,
	})

	return q
}

// Limit sets the maximum number of results. Zero or negative means no limit.
func (q *Query) Limit(count int) *Query {
	if count < 0 {
		count = 0
	}

	q.LimitCount = count

	return q
}

// Skip sets the number of results to skip. Negative values are treated as 0.
func (q *Query) Skip(count int) *Query {
	if count < 0 {
		count = 0
	}

	q.SkipCount = count

	return q
}

// Clone returns a deep copy of the query structure. Filter values are shared.
func (q Query) Clone() Query {
	c := Query{LimitCount: q.LimitCount, SkipCount: q.SkipCount}

	if q.Filters != nil {
		c.Filters = make([]FilterCondition, len(q.Filters))
		copy(c.Filters, q.Filters)
	}

	if q.SortBy != nil {
		c.SortBy = make([]SortField, len(q.SortBy))
		copy(c.SortBy, q.SortBy)
	}

	return c
}

// Predicate returns a copy without sorting and pagination, i.e. only the part
// that decides whether a single entity matches.
func (q Query) Predicate() Query {
	c := q.Clone()
	c.SortBy = nil
	c.LimitCount = 0
	c.SkipCount = 0

	return c
}

// IsPaginated reports whether the query limits or skips results.
func (q Query) IsPaginated() bool {
	return q.LimitCount > 0 || q.SkipCount > 0
}
