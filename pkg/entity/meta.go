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

// Package entity describes persisted entity types.
//
// Every entity type is described by a Meta: an ordered list of classified
// properties plus the key property. Metas are built once through a Builder,
// registered in a Registry at startup and never change afterwards, so the
// pipeline can classify properties without inspecting values at runtime.
//
// Entities themselves are plain property maps. Reference properties hold the
// referenced entity (a nested Entity) on the way in and when materialized on
// the way out.
package entity

import (
	"errors"
	"fmt"
)

// Kind classifies a property.
type Kind int

const (
	// KindScalar is a plain value stored as is.
	KindScalar Kind = iota
	// KindEmbedded is a value-typed sub-object without identity of its own.
	KindEmbedded
	// KindReference points to exactly one other entity.
	KindReference
	// KindReferenceCollection is a list of references.
	KindReferenceCollection
	// KindReferenceMap is a map whose values are references.
	KindReferenceMap
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindEmbedded:
		return "embedded"
	case KindReference:
		return "reference"
	case KindReferenceCollection:
		return "reference-collection"
	case KindReferenceMap:
		return "reference-map"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsReference reports whether properties of this kind point to other entities.
func (k Kind) IsReference() bool {
	return k == KindReference || k == KindReferenceCollection || k == KindReferenceMap
}

// Entity is a single record as a property map.
type Entity map[string]any

// Clone returns a shallow copy of e.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}

	c := make(Entity, len(e))
	for k, v := range e {
		c[k] = v
	}

	return c
}

// Property describes one property of an entity type.
type Property struct {
	Name string
	Kind Kind
	// Target is the referenced entity type for reference kinds.
	Target    string
	Mandatory bool
}

// Meta is the immutable description of an entity type.
type Meta struct {
	name       string
	key        string
	properties []Property
	index      map[string]int
	references []Property
}

var (
	// ErrMissingKey is returned when an entity has no value for its key property.
	ErrMissingKey = errors.New("entity has no key")
	// ErrMissingMandatory is returned when a mandatory property is nil or absent.
	ErrMissingMandatory = errors.New("mandatory property is missing")
	// ErrInvalidReference is returned when a reference property holds an unsupported value.
	ErrInvalidReference = errors.New("invalid reference value")
)

// Name returns the entity type name. It doubles as the collection name.
func (m *Meta) Name() string { return m.name }

// KeyProperty returns the name of the key property.
func (m *Meta) KeyProperty() string { return m.key }

// Properties returns the properties in declaration order.
func (m *Meta) Properties() []Property {
	out := make([]Property, len(m.properties))
	copy(out, m.properties)

	return out
}

// Property looks up a property by name.
func (m *Meta) Property(name string) (Property, bool) {
	i, ok := m.index[name]
	if !ok {
		return Property{}, false
	}

	return m.properties[i], true
}

// References returns the reference, reference-collection and reference-map properties.
func (m *Meta) References() []Property {
	out := make([]Property, len(m.references))
	copy(out, m.references)

	return out
}

// HasReferences reports whether the type has any reference property.
func (m *Meta) HasReferences() bool { return len(m.references) > 0 }

// KeyOf returns the normalized key of e.
func (m *Meta) KeyOf(e Entity) (string, error) {
	if e == nil {
		return "", fmt.Errorf("%s: %w", m.name, ErrMissingKey)
	}

	key, err := NormalizeKey(e[m.key])
	if err != nil {
		return "", fmt.Errorf("%s.%s: %w", m.name, m.key, err)
	}

	return key, nil
}

// CacheKeyOf returns the cache key identifying e.
func (m *Meta) CacheKeyOf(e Entity) (CacheKey, error) {
	key, err := m.KeyOf(e)
	if err != nil {
		return CacheKey{}, err
	}

	return CacheKey{Type: m.name, Key: key}, nil
}

// Validate checks the key, mandatory properties and the shape of reference values.
func (m *Meta) Validate(e Entity) error {
	if _, err := m.KeyOf(e); err != nil {
		return err
	}

	for _, p := range m.properties {
		v, ok := e[p.Name]
		if p.Mandatory && (!ok || v == nil) {
			return fmt.Errorf("%s.%s: %w", m.name, p.Name, ErrMissingMandatory)
		}

		if v == nil || !p.Kind.IsReference() {
			continue
		}

		if err := validateReferenceValue(p, v); err != nil {
			return fmt.Errorf("%s.%s: %w", m.name, p.Name, err)
		}
	}

	return nil
}

func validateReferenceValue(p Property, v any) error {
	switch p.Kind {
	case KindReferenceCollection:
		if _, ok := v.([]any); ok {
			return nil
		}

		if _, ok := v.([]Entity); ok {
			return nil
		}

		if _, ok := v.([]map[string]any); ok {
			return nil
		}

		return fmt.Errorf("%w: expected a list, got %T", ErrInvalidReference, v)
	case KindReferenceMap:
		if _, ok := v.(map[string]any); ok {
			return nil
		}

		if _, ok := v.(map[string]Entity); ok {
			return nil
		}

		if _, ok := v.(Entity); ok {
			return nil
		}

		return fmt.Errorf("%w: expected a map, got %T", ErrInvalidReference, v)
	default:
		return nil
	}
}

// Builder assembles a Meta. It is not safe for concurrent use.
type Builder struct {
	name       string
	key        string
	properties []Property
	err        error
}

// PropertyOption adjusts a property while it is declared.
type PropertyOption func(*Property)

// Mandatory marks the property as required (not nullable).
func Mandatory() PropertyOption {
	return func(p *Property) { p.Mandatory = true }
}

// Define starts the description of the entity type name.
func Define(name string) *Builder {
	return &Builder{name: name}
}

// Key declares the key property. The key is always mandatory. Composite keys
// are declared with embedded set to true.
func (b *Builder) Key(name string, embedded ...bool) *Builder {
	if b.key != "" {
		b.err = fmt.Errorf("%s: key declared twice (%s, %s)", b.name, b.key, name)

		return b
	}

	b.key = name
	kind := KindScalar

	if len(embedded) > 0 && embedded[0] {
		kind = KindEmbedded
	}

	return b.add(Property{Name: name, Kind: kind, Mandatory: true})
}

func (b *Builder) Scalar(name string, opts ...PropertyOption) *Builder {
	return b.add(Property{Name: name, Kind: KindScalar}, opts...)
}

func (b *Builder) Embedded(name string, opts ...PropertyOption) *Builder {
	return b.add(Property{Name: name, Kind: KindEmbedded}, opts...)
}

func (b *Builder) Reference(name, target string, opts ...PropertyOption) *Builder {
	return b.add(Property{Name: name, Kind: KindReference, Target: target}, opts...)
}

func (b *Builder) ReferenceCollection(name, target string, opts ...PropertyOption) *Builder {
	return b.add(Property{Name: name, Kind: KindReferenceCollection, Target: target}, opts...)
}

func (b *Builder) ReferenceMap(name, target string, opts ...PropertyOption) *Builder {
	return b.add(Property{Name: name, Kind: KindReferenceMap, Target: target}, opts...)
}

func (b *Builder) add(p Property, opts ...PropertyOption) *Builder {
	for _, opt := range opts {
		opt(&p)
	}

	for _, existing := range b.properties {
		if existing.Name == p.Name {
			b.err = fmt.Errorf("%s: property %q declared twice", b.name, p.Name)

			return b
		}
	}

	if p.Kind.IsReference() && p.Target == "" {
		b.err = fmt.Errorf("%s: reference property %q has no target type", b.name, p.Name)

		return b
	}

	b.properties = append(b.properties, p)

	return b
}

// Build validates the declaration and returns the immutable Meta.
func (b *Builder) Build() (*Meta, error) {
	if b.err != nil {
		return nil, b.err
	}

	if b.name == "" {
		return nil, errors.New("entity type has no name")
	}

	if b.key == "" {
		return nil, fmt.Errorf("%s: no key property declared", b.name)
	}

	m := &Meta{
		name:       b.name,
		key:        b.key,
		properties: make([]Property, len(b.properties)),
		index:      make(map[string]int, len(b.properties)),
	}

	copy(m.properties, b.properties)

	for i, p := range m.properties {
		m.index[p.Name] = i
		if p.Kind.IsReference() {
			m.references = append(m.references, p)
		}
	}

	return m, nil
}

// MustBuild is Build for package-level declarations; it panics on error.
func (b *Builder) MustBuild() *Meta {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}

	return m
}
