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

package entity

import "sort"

// AsEntity returns v as an Entity if it is a property map.
func AsEntity(v any) (Entity, bool) {
	switch t := v.(type) {
	case Entity:
		return t, t != nil
	case map[string]any:
		return Entity(t), t != nil
	default:
		return nil, false
	}
}

// ReferencedValues flattens the value of a reference property: the value
// itself for a single reference, the elements of a collection, the values of
// a map (in key order). Nil values are dropped. Each returned value is either
// a nested Entity or a bare key.
func ReferencedValues(p Property, v any) []any {
	if v == nil {
		return nil
	}

	switch p.Kind {
	case KindReference:
		return []any{v}
	case KindReferenceCollection:
		return compact(collectionValues(v))
	case KindReferenceMap:
		return compact(mapValues(v))
	default:
		return nil
	}
}

func collectionValues(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []Entity:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}

		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}

		return out
	default:
		return nil
	}
}

func mapValues(v any) []any {
	var m map[string]any

	switch t := v.(type) {
	case map[string]any:
		m = t
	case Entity:
		m = t
	case map[string]Entity:
		m = make(map[string]any, len(t))
		for k, e := range t {
			m[k] = e
		}
	default:
		return nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}

	return out
}

func compact(values []any) []any {
	out := values[:0:0]

	for _, v := range values {
		if v == nil {
			continue
		}

		if e, ok := v.(Entity); ok && e == nil {
			continue
		}

		if m, ok := v.(map[string]any); ok && m == nil {
			continue
		}

		out = append(out, v)
	}

	return out
}

// ReferenceKey returns the normalized key of a referenced value: the key
// property of a nested entity, or the value itself when it is a bare key.
func ReferenceKey(target *Meta, v any) (string, error) {
	if e, ok := AsEntity(v); ok {
		return target.KeyOf(e)
	}

	return NormalizeKey(v)
}
