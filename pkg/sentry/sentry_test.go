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

package sentry_test

import (
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/united-manufacturing-hub/rxrepo/pkg/sentry"
)

func TestSentry(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Sentry Suite")
}

var _ = Describe("ReportIssue", func() {
	var (
		logs *observer.ObservedLogs
		log  *zap.SugaredLogger
	)

	BeforeEach(func() {
		var core zapcore.Core
		core, logs = observer.New(zapcore.DebugLevel)
		log = zap.New(core).Sugar()
	})

	It("stays log-only when sentry is not initialised", func() {
		sentry.InitSentry("0.0.0-dev", "")
		Expect(sentry.Enabled()).To(BeFalse())
	})

	It("logs warnings at warn level", func() {
		sentry.ReportIssue(errors.New("cache load failed"), sentry.IssueTypeWarning, log)

		Expect(logs.FilterLevelExact(zapcore.WarnLevel).Len()).To(Equal(1))
	})

	It("logs errors with entity and operation fields", func() {
		sentry.ReportOperationError(log, "Product", "liveQuery", errors.New("feed closed"))

		entries := logs.FilterLevelExact(zapcore.ErrorLevel).All()
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].ContextMap()).To(HaveKeyWithValue("entity", "Product"))
		Expect(entries[0].ContextMap()).To(HaveKeyWithValue("operation", "liveQuery"))
	})

	It("ignores nil errors", func() {
		sentry.ReportIssue(nil, sentry.IssueTypeError, log)

		Expect(logs.Len()).To(Equal(0))
	})

	It("panics on fatal issues", func() {
		Expect(func() {
			sentry.ReportIssue(errors.New("boom"), sentry.IssueTypeFatal, log)
		}).To(Panic())
	})
})
