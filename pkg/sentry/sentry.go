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

// Package sentry reports unexpected failures. Every report is logged through
// zap; it is additionally forwarded to Sentry once InitSentry succeeded.
package sentry

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rxrepo/pkg/constants"
)

var enabled atomic.Bool

// InitSentry initializes sentry for the given release. Reporting stays
// log-only when dsn is empty or the version is the development default.
func InitSentry(appVersion string, dsn string) {
	if dsn == "" || appVersion == "" || appVersion == constants.DefaultAppVersion {
		zap.S().Debug("Sentry disabled for local development build")

		return
	}

	environment := constants.DefaultDevelopmentEnvironment

	version, err := semver.NewVersion(appVersion)
	if err != nil {
		zap.S().Errorf("Failed to parse app version, using default environment (development): %s", err)
	} else if version.Prerelease() == "" {
		environment = constants.DefaultProductionEnvironment
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     "rxrepo@" + appVersion,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize Sentry: %s", err)

		return
	}

	enabled.Store(true)
}

// Enabled reports whether events are forwarded to Sentry.
func Enabled() bool {
	return enabled.Load()
}

// errorTitle is the first phrase of the error message, capped to 100 characters.
func errorTitle(err error) string {
	message := err.Error()

	if idx := strings.IndexAny(message, ".,:"); idx > 0 {
		message = message[:idx]
	}

	if len(message) > 100 {
		message = message[:97] + "..."
	}

	return message
}

func newEvent(level sentry.Level, err error, tags map[string]interface{}) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = level
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       errorTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}

	if level == sentry.LevelFatal || level == sentry.LevelError {
		threads, stack := captureGoroutines()
		event.Threads = threads
		event.Attachments = append(event.Attachments, &sentry.Attachment{
			Filename:    "stacktrace.txt",
			ContentType: "text/plain",
			Payload:     stack,
		})
	}

	event.Fingerprint = []string{"{{ default }}", "level: " + string(level)}

	if len(tags) > 0 {
		event.Tags = make(map[string]string, len(tags))

		for key, value := range tags {
			switch v := value.(type) {
			case string:
				event.Tags[key] = v
			case fmt.Stringer:
				event.Tags[key] = v.String()
			case int, int64, uint64, float64, bool:
				event.Tags[key] = fmt.Sprintf("%v", v)
			default:
				if event.Extra == nil {
					event.Extra = make(map[string]interface{})
				}

				event.Extra[key] = v
			}

			if key == "operation" {
				event.Fingerprint = append(event.Fingerprint, fmt.Sprintf("operation: %v", value))
			}
		}
	}

	return event
}

func send(event *sentry.Event) {
	if !Enabled() {
		return
	}

	sentry.CurrentHub().Clone().CaptureEvent(event)
}
