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

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Lookup resolves a dotted path inside doc. Walking through a list yields a
// []interface{} with one element per list entry that has the path; multi is
// true in that case.
func Lookup(doc map[string]interface{}, path string) (value interface{}, multi bool, found bool) {
	if doc == nil {
		return nil, false, false
	}

	return lookup(doc, strings.Split(path, "."))
}

func lookup(v interface{}, segments []string) (interface{}, bool, bool) {
	if len(segments) == 0 {
		return v, false, true
	}

	if list, ok := asList(v); ok {
		out := make([]interface{}, 0, len(list))

		for _, item := range list {
			sub, subMulti, found := lookup(item, segments)
			if !found {
				continue
			}

			if subMulti {
				out = append(out, sub.([]interface{})...)
			} else {
				out = append(out, sub)
			}
		}

		return out, true, len(out) > 0
	}

	m, ok := asMap(v)
	if !ok {
		return nil, false, false
	}

	next, ok := m[segments[0]]
	if !ok {
		return nil, false, false
	}

	return lookup(next, segments[1:])
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case Document:
		return t, true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}

	out := make(map[string]interface{}, rv.Len())

	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}

	return out, true
}

func asList(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case nil, string, []byte:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}

	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}

	return out, true
}

// Matches reports whether doc satisfies every filter of q.
// Sorting and pagination are ignored.
func (q Query) Matches(doc map[string]interface{}) bool {
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}

	return true
}

// Matches evaluates a single condition against doc.
//
// A path that walks through a list matches when any element matches, except
// for $ne and $nin which require that no element is equal.
func (f FilterCondition) Matches(doc map[string]interface{}) bool {
	value, multi, found := Lookup(doc, f.Field)

	if f.Op == Exists {
		want, _ := f.Value.(bool)

		return (found && value != nil) == want
	}

	if !multi {
		return evaluate(f.Op, value, f.Value)
	}

	values, _ := value.([]interface{})

	switch f.Op {
	case Ne, Nin:
		for _, v := range values {
			if !evaluate(f.Op, v, f.Value) {
				return false
			}
		}

		return true
	default:
		for _, v := range values {
			if evaluate(f.Op, v, f.Value) {
				return true
			}
		}

		return false
	}
}

func evaluate(op Operator, field, operand interface{}) bool {
	switch op {
	case Eq:
		return Equal(field, operand)
	case Ne:
		return !Equal(field, operand)
	case Gt, Gte, Lt, Lte:
		c, ok := Compare(field, operand)
		if !ok {
			return false
		}

		switch op {
		case Gt:
			return c > 0
		case Gte:
			return c >= 0
		case Lt:
			return c < 0
		default:
			return c <= 0
		}
	case In:
		return inList(field, operand)
	case Nin:
		return !inList(field, operand)
	case Contains:
		return contains(field, operand)
	default:
		return false
	}
}

func inList(field, operand interface{}) bool {
	list, ok := asList(operand)
	if !ok {
		return false
	}

	for _, candidate := range list {
		if Equal(field, candidate) {
			return true
		}
	}

	return false
}

func contains(field, operand interface{}) bool {
	if s, ok := field.(string); ok {
		sub, ok := operand.(string)

		return ok && strings.Contains(s, sub)
	}

	list, ok := asList(field)
	if !ok {
		return false
	}

	for _, item := range list {
		if Equal(item, operand) {
			return true
		}
	}

	return false
}

// Equal compares two document values. Numbers compare by value regardless of
// their Go type, so int64(1) equals float64(1).
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if c, ok := Compare(a, b); ok {
		return c == 0
	}

	return reflect.DeepEqual(a, b)
}

// Compare orders two document values. ok is false when the values are not of
// comparable kinds.
func Compare(a, b interface{}) (int, bool) {
	if fa, ok := ToFloat(a); ok {
		fb, ok := ToFloat(b)
		if !ok {
			return 0, false
		}

		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}

	switch ta := a.(type) {
	case string:
		tb, ok := b.(string)
		if !ok {
			return 0, false
		}

		return strings.Compare(ta, tb), true
	case bool:
		tb, ok := b.(bool)
		if !ok {
			return 0, false
		}

		switch {
		case ta == tb:
			return 0, true
		case !ta:
			return -1, true
		default:
			return 1, true
		}
	case time.Time:
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}

		return ta.Compare(tb), true
	}

	return 0, false
}

// ToFloat converts any Go numeric type to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	default:
		return 0, false
	}
}

// Apply filters, sorts and paginates docs in memory according to q.
// The input slice is not modified.
func Apply[D ~map[string]interface{}](q Query, docs []D) []D {
	return ApplyFunc(q, docs, func(d D) map[string]interface{} { return d })
}

// ApplyFunc is Apply for items that carry a document, such as records paired
// with their materialized form.
func ApplyFunc[T any](q Query, items []T, doc func(T) map[string]interface{}) []T {
	out := make([]T, 0, len(items))

	for _, item := range items {
		if q.Matches(doc(item)) {
			out = append(out, item)
		}
	}

	if len(q.SortBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			return less(q.SortBy, doc(out[i]), doc(out[j]))
		})
	}

	if q.SkipCount > 0 {
		if q.SkipCount >= len(out) {
			return out[:0]
		}

		out = out[q.SkipCount:]
	}

	if q.LimitCount > 0 && q.LimitCount < len(out) {
		out = out[:q.LimitCount]
	}

	return out
}

// less orders missing values before present ones in ascending order.
func less(fields []SortField, a, b map[string]interface{}) bool {
	for _, f := range fields {
		va, _, foundA := Lookup(a, f.Field)
		vb, _, foundB := Lookup(b, f.Field)

		c := 0

		switch {
		case !foundA && !foundB:
			continue
		case !foundA:
			c = -1
		case !foundB:
			c = 1
		default:
			var ok bool
			if c, ok = Compare(va, vb); !ok {
				c = strings.Compare(fmt.Sprint(va), fmt.Sprint(vb))
			}
		}

		if c == 0 {
			continue
		}

		if f.Order == Desc {
			return c > 0
		}

		return c < 0
	}

	return false
}
