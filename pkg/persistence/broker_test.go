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

package persistence_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rxrepo/pkg/persistence"
)

var _ = Describe("Broker", func() {
	var broker *persistence.Broker

	BeforeEach(func() {
		broker = persistence.NewBroker()
	})

	AfterEach(func() {
		broker.Close()
	})

	It("never blocks the publisher on a slow subscriber", func() {
		sub := broker.Subscribe("Product")
		defer sub.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)

			for i := 1; i <= 1000; i++ {
				broker.Publish(persistence.ChangeEvent{Collection: "Product", Seq: uint64(i)})
			}
		}()

		Eventually(done, time.Second).Should(BeClosed())

		for i := 1; i <= 1000; i++ {
			var ev persistence.ChangeEvent
			Eventually(sub.C(), time.Second).Should(Receive(&ev))
			Expect(ev.Seq).To(Equal(uint64(i)))
		}
	})

	It("routes by collection", func() {
		products := broker.Subscribe("Product")
		defer products.Close()

		broker.Publish(persistence.ChangeEvent{Collection: "Inventory", Seq: 1})
		broker.Publish(persistence.ChangeEvent{Collection: "Product", Seq: 2})

		var ev persistence.ChangeEvent
		Eventually(products.C(), time.Second).Should(Receive(&ev))
		Expect(ev.Seq).To(Equal(uint64(2)))
	})

	It("closes the channel and unregisters on Close", func() {
		sub := broker.Subscribe("Product")
		Expect(broker.Subscribers("Product")).To(Equal(1))

		sub.Close()
		sub.Close()

		Expect(broker.Subscribers("Product")).To(Equal(0))
		Eventually(sub.C(), time.Second).Should(BeClosed())
	})

	It("hands out closed subscriptions after the broker is closed", func() {
		broker.Close()

		sub := broker.Subscribe("Product")
		Expect(sub.Done()).To(BeClosed())
		Expect(sub.C()).To(BeClosed())
	})
})
