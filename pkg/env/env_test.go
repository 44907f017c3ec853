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

package env_test

import (
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/rxrepo/pkg/env"
)

func TestEnv(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Env Suite")
}

var _ = Describe("Env", func() {
	const key = "RXREPO_ENV_TEST"

	AfterEach(func() {
		Expect(os.Unsetenv(key)).To(Succeed())
	})

	It("falls back to the default when unset", func() {
		v, err := env.GetAsInt(key, false, 7)
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal(7))
	})

	It("fails for required variables that are unset", func() {
		_, err := env.GetAsString(key, true, "")
		Expect(err).To(HaveOccurred())
	})

	It("parses integers, booleans and durations", func() {
		Expect(os.Setenv(key, "42")).To(Succeed())
		Expect(env.GetAsInt(key, true, 0)).To(Equal(42))

		Expect(os.Setenv(key, "on")).To(Succeed())
		Expect(env.GetAsBool(key, true, false)).To(BeTrue())

		Expect(os.Setenv(key, "250ms")).To(Succeed())
		Expect(env.GetAsDuration(key, true, 0)).To(Equal(250 * time.Millisecond))
	})

	It("returns the default for malformed optional values", func() {
		Expect(os.Setenv(key, "soon")).To(Succeed())

		d, err := env.GetAsDuration(key, false, time.Second)
		Expect(err).ToNot(HaveOccurred())
		Expect(d).To(Equal(time.Second))

		_, err = env.GetAsDuration(key, true, time.Second)
		Expect(err).To(HaveOccurred())
	})
})
