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

package notify

import (
	"fmt"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
)

// Kind of a live notification.
type Kind int

const (
	Create Kind = iota + 1
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders the kind by name (used by the SSE endpoint).
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Notification is one element of a live query. Create carries Current,
// Delete carries Previous, Update carries both.
type Notification struct {
	Kind     Kind          `json:"kind"`
	Key      string        `json:"key"`
	Seq      uint64        `json:"seq"`
	Previous entity.Entity `json:"previous,omitempty"`
	Current  entity.Entity `json:"current,omitempty"`
}

// Entity returns the entity the notification is about: Current, or Previous
// for deletions.
func (n Notification) Entity() entity.Entity {
	if n.Kind == Delete {
		return n.Previous
	}

	return n.Current
}
