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

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Codec converts between a Go struct and its Entity form using the struct's
// json tags. Nested structs used as references become nested entities.
type Codec[T any] struct{}

// Encode converts v to an Entity.
func (Codec[T]) Encode(v T) (Entity, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}

	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}

	return e, nil
}

// EncodeAll converts a slice of values.
func (c Codec[T]) EncodeAll(values []T) ([]Entity, error) {
	out := make([]Entity, 0, len(values))

	for _, v := range values {
		e, err := c.Encode(v)
		if err != nil {
			return nil, err
		}

		out = append(out, e)
	}

	return out, nil
}

// Decode converts an Entity back to T.
func (Codec[T]) Decode(e Entity) (T, error) {
	var v T

	data, err := json.Marshal(e)
	if err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}

	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}

	return v, nil
}

// DecodeAll converts a slice of entities.
func (c Codec[T]) DecodeAll(entities []Entity) ([]T, error) {
	out := make([]T, 0, len(entities))

	for _, e := range entities {
		v, err := c.Decode(e)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, nil
}
