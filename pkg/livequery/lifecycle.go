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

package livequery

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rxrepo/pkg/metrics"
	"github.com/united-manufacturing-hub/rxrepo/pkg/sentry"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

// Stream states.
const (
	StateInitializing = "initializing"
	StateStreaming    = "streaming"
	StateCancelled    = "cancelled"
	StateErrored      = "errored"
	StateCompleted    = "completed"
)

// Stream events.
const (
	EventReady    = "ready"
	EventCancel   = "cancel"
	EventFail     = "fail"
	EventComplete = "complete"
)

// Lifecycle tracks the state of one live stream.
type Lifecycle struct {
	fsm *fsm.FSM
	log *zap.SugaredLogger
}

func newLifecycle(log *zap.SugaredLogger) *Lifecycle {
	l := &Lifecycle{log: log}

	active := []string{StateInitializing, StateStreaming}

	l.fsm = fsm.NewFSM(
		StateInitializing,
		fsm.Events{
			{Name: EventReady, Src: []string{StateInitializing}, Dst: StateStreaming},
			{Name: EventCancel, Src: active, Dst: StateCancelled},
			{Name: EventFail, Src: active, Dst: StateErrored},
			{Name: EventComplete, Src: active, Dst: StateCompleted},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.RecordStreamTransition(e.Dst)
				l.log.Debugf("stream %s -> %s", e.Src, e.Dst)
			},
		},
	)

	return l
}

// Current returns the current state.
func (l *Lifecycle) Current() string { return l.fsm.Current() }

// fire applies event. Events that are not valid in the current state are
// ignored, which makes the terminal transitions idempotent.
func (l *Lifecycle) fire(event string) {
	_ = l.fsm.Event(context.Background(), event)
}

// finish moves to the terminal state matching err.
func (l *Lifecycle) finish(err error) {
	switch {
	case err == nil:
		l.fire(EventComplete)
	case errors.Is(err, standarderrors.ErrStreamCancelled):
		l.fire(EventCancel)
	default:
		l.fire(EventFail)
		sentry.ReportIssue(err, sentry.IssueTypeWarning, l.log)
	}
}
