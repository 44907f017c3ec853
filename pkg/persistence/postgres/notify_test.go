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

package postgres

import (
	"strings"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
)

var _ = Describe("encodeEvent", func() {
	It("keeps documents of small events", func() {
		payload, err := encodeEvent("me", persistence.ChangeEvent{
			Collection: "Product",
			Kind:       persistence.ChangeCreated,
			Key:        "1",
			Seq:        3,
			Current:    &persistence.Record{Key: "1", Data: persistence.Document{"id": 1}},
		})
		Expect(err).ToNot(HaveOccurred())

		var w wireEvent
		Expect(json.Unmarshal(payload, &w)).To(Succeed())
		Expect(w.Truncated).To(BeFalse())
		Expect(w.Current.Data["id"]).To(BeNumerically("==", 1))
	})

	It("drops documents above the NOTIFY limit", func() {
		payload, err := encodeEvent("me", persistence.ChangeEvent{
			Collection: "Product",
			Kind:       persistence.ChangeUpdated,
			Key:        "1",
			Current:    &persistence.Record{Data: persistence.Document{"blob": strings.Repeat("x", maxNotifyPayload)}},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(len(payload)).To(BeNumerically("<=", maxNotifyPayload))

		var w wireEvent
		Expect(json.Unmarshal(payload, &w)).To(Succeed())
		Expect(w.Truncated).To(BeTrue())
		Expect(w.Current).To(BeNil())
	})
})
