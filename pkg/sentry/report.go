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

package sentry

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

// debounceWindow limits forwarding to Sentry to one event per level and
// operation per window. Logging is never debounced.
var (
	debounceWindow = 30 * time.Minute
	debounceMu     sync.Mutex
	lastSent       = map[string]time.Time{}
)

// SetDebounceWindow changes the per-level debounce window. Zero disables debouncing.
func SetDebounceWindow(d time.Duration) {
	debounceMu.Lock()
	defer debounceMu.Unlock()

	debounceWindow = d
	lastSent = map[string]time.Time{}
}

func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with tags that are attached to the Sentry event.
// A fatal issue panics after reporting.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if err == nil {
		return
	}

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	fields := make([]interface{}, 0, 2*len(context)+2)
	for key, value := range context {
		fields = append(fields, key, value)
	}

	fields = append(fields, "error", err)

	switch issueType {
	case IssueTypeFatal:
		log.Errorw("Fatal error, terminating", fields...)
		send(newEvent(sentry.LevelFatal, err, context))
		sentry.Flush(5 * time.Second)
		log.Panic(err)
	case IssueTypeError:
		log.Errorw(err.Error(), fields...)

		if shouldSend(issueType, context) {
			send(newEvent(sentry.LevelError, err, context))
		}
	case IssueTypeWarning:
		log.Warnw(err.Error(), fields...)

		if shouldSend(issueType, context) {
			send(newEvent(sentry.LevelWarning, err, context))
		}
	}
}

// ReportOperationError reports a failed repository operation with entity and operation tags.
func ReportOperationError(log *zap.SugaredLogger, entity string, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"entity":    entity,
		"operation": operation,
	})
}

func shouldSend(issueType IssueType, context map[string]interface{}) bool {
	debounceMu.Lock()
	defer debounceMu.Unlock()

	if debounceWindow <= 0 {
		return true
	}

	key := string(issueType)
	if op, ok := context["operation"]; ok {
		key += "/" + fmt.Sprint(op)
	}

	if last, ok := lastSent[key]; ok && time.Since(last) < debounceWindow {
		return false
	}

	lastSent[key] = time.Now()

	return true
}
