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

package query

import (
	"fmt"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
)

// Aggregator reduces a materialized result set to a single value.
type Aggregator interface {
	// Name identifies the aggregation in logs and metrics, e.g. "sum(price)".
	Name() string
	Compute(entities []entity.Entity) (any, error)
}

type countAggregator struct{}

// Count counts the matching entities. The result is an int.
func Count() Aggregator { return countAggregator{} }

func (countAggregator) Name() string { return "count" }

func (countAggregator) Compute(entities []entity.Entity) (any, error) {
	return len(entities), nil
}

type fieldAggregator struct {
	op    string
	field string
	fn    func(values []any) (any, error)
}

func (a fieldAggregator) Name() string { return fmt.Sprintf("%s(%s)", a.op, a.field) }

func (a fieldAggregator) Compute(entities []entity.Entity) (any, error) {
	values := make([]any, 0, len(entities))

	for _, e := range entities {
		v, multi, found := persistence.Lookup(e, a.field)
		if !found || v == nil {
			continue
		}

		if multi {
			values = append(values, v.([]any)...)

			continue
		}

		values = append(values, v)
	}

	return a.fn(values)
}

// Sum adds up a numeric field. Missing values are skipped. The result is a float64.
func Sum(field string) Aggregator {
	return fieldAggregator{op: "sum", field: field, fn: func(values []any) (any, error) {
		return sum(field, values)
	}}
}

// Average is the arithmetic mean of a numeric field, nil for no values.
func Average(field string) Aggregator {
	return fieldAggregator{op: "avg", field: field, fn: func(values []any) (any, error) {
		if len(values) == 0 {
			return nil, nil
		}

		total, err := sum(field, values)
		if err != nil {
			return nil, err
		}

		return total / float64(len(values)), nil
	}}
}

// Min returns the smallest value of a field, nil for no values.
func Min(field string) Aggregator {
	return fieldAggregator{op: "min", field: field, fn: func(values []any) (any, error) {
		return extreme(field, values, -1)
	}}
}

// Max returns the largest value of a field, nil for no values.
func Max(field string) Aggregator {
	return fieldAggregator{op: "max", field: field, fn: func(values []any) (any, error) {
		return extreme(field, values, 1)
	}}
}

func sum(field string, values []any) (float64, error) {
	var total float64

	for _, v := range values {
		f, ok := persistence.ToFloat(v)
		if !ok {
			return 0, fmt.Errorf("%s: cannot sum value of type %T", field, v)
		}

		total += f
	}

	return total, nil
}

func extreme(field string, values []any, sign int) (any, error) {
	var best any

	for _, v := range values {
		if best == nil {
			best = v

			continue
		}

		c, ok := persistence.Compare(v, best)
		if !ok {
			return nil, fmt.Errorf("%s: cannot compare %T with %T", field, v, best)
		}

		if c*sign > 0 {
			best = v
		}
	}

	return best, nil
}
