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

package refcache

import (
	"sync"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
)

// Batch remembers the records seen or written during one write call. A nil
// *Batch is valid and empty.
type Batch struct {
	mu      sync.Mutex
	records map[entity.CacheKey]persistence.Record
}

func NewBatch() *Batch {
	return &Batch{records: make(map[entity.CacheKey]persistence.Record)}
}

func (b *Batch) Get(key entity.CacheKey) (persistence.Record, bool) {
	if b == nil {
		return persistence.Record{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]

	return rec, ok
}

func (b *Batch) Put(key entity.CacheKey, rec persistence.Record) {
	if b == nil {
		return
	}

	b.mu.Lock()
	b.records[key] = rec
	b.mu.Unlock()
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.records)
}
