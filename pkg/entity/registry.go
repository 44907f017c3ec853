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
	"sort"
)

// Registry holds the Meta of every entity type known to a repository.
// It is read-only after NewRegistry returns.
type Registry struct {
	metas map[string]*Meta
}

// NewRegistry registers metas and checks that every reference target is registered too.
func NewRegistry(metas ...*Meta) (*Registry, error) {
	r := &Registry{metas: make(map[string]*Meta, len(metas))}

	for _, m := range metas {
		if m == nil {
			return nil, fmt.Errorf("nil entity meta")
		}

		if _, exists := r.metas[m.Name()]; exists {
			return nil, fmt.Errorf("entity type %q registered twice", m.Name())
		}

		r.metas[m.Name()] = m
	}

	for _, m := range metas {
		for _, p := range m.references {
			if _, ok := r.metas[p.Target]; !ok {
				return nil, fmt.Errorf("%s.%s references unknown entity type %q", m.Name(), p.Name, p.Target)
			}
		}
	}

	return r, nil
}

// Lookup returns the Meta registered under name.
func (r *Registry) Lookup(name string) (*Meta, bool) {
	m, ok := r.metas[name]

	return m, ok
}

// Target returns the Meta referenced by p.
func (r *Registry) Target(p Property) (*Meta, error) {
	m, ok := r.metas[p.Target]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q referenced by %s", p.Target, p.Name)
	}

	return m, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.metas))
	for name := range r.metas {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
