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
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// CacheKey identifies one entity across types.
type CacheKey struct {
	Type string
	Key  string
}

func (k CacheKey) String() string {
	return k.Type + "/" + k.Key
}

// NormalizeKey renders a key value as a string so that equal keys compare
// equal no matter how they were decoded: 1, int64(1) and float64(1) all
// become "1". Composite keys become canonical JSON.
func NormalizeKey(v any) (string, error) {
	switch k := v.(type) {
	case nil:
		return "", ErrMissingKey
	case string:
		if k == "" {
			return "", ErrMissingKey
		}

		return k, nil
	case bool:
		return strconv.FormatBool(k), nil
	case int:
		return strconv.FormatInt(int64(k), 10), nil
	case int8:
		return strconv.FormatInt(int64(k), 10), nil
	case int16:
		return strconv.FormatInt(int64(k), 10), nil
	case int32:
		return strconv.FormatInt(int64(k), 10), nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case uint:
		return strconv.FormatUint(uint64(k), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(k), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(k), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(k), 10), nil
	case uint64:
		return strconv.FormatUint(k, 10), nil
	case float32:
		return formatFloat(float64(k)), nil
	case float64:
		return formatFloat(k), nil
	case json.Number:
		if f, err := k.Float64(); err == nil {
			return formatFloat(f), nil
		}

		return k.String(), nil
	case fmt.Stringer:
		return k.String(), nil
	case map[string]any, Entity, []any:
		data, err := json.Marshal(canonical(k))
		if err != nil {
			return "", fmt.Errorf("cannot encode composite key: %w", err)
		}

		return string(data), nil
	default:
		return "", fmt.Errorf("unsupported key type %T", v)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}

	return strconv.FormatFloat(f, 'g', -1, 64)
}

// canonical rewrites integral floats inside composite keys so that the JSON
// rendering does not depend on the decoder that produced the value.
func canonical(v any) any {
	switch t := v.(type) {
	case Entity:
		return canonical(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = canonical(e)
		}

		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonical(e)
		}

		return out
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}

		return t
	case float32:
		return canonical(float64(t))
	default:
		return v
	}
}
