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

// Package backoff provides the wait policies of the retry decorator and the
// error categories deciding whether an error is retried at all.
package backoff

import (
	"fmt"
	"time"

	cenkalti "github.com/cenkalti/backoff"
)

// Kind names a backoff policy in configuration.
type Kind string

const (
	KindConstant    Kind = "constant"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential"
)

// Policy creates a fresh backoff sequence for every retried operation.
// Sequences are stateful and must not be shared between operations.
type Policy interface {
	New() cenkalti.BackOff
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func() cenkalti.BackOff

func (f PolicyFunc) New() cenkalti.BackOff { return f() }

// Constant waits the same interval before every retry.
func Constant(interval time.Duration) Policy {
	return PolicyFunc(func() cenkalti.BackOff {
		return cenkalti.NewConstantBackOff(interval)
	})
}

// Linear waits initial, 2*initial, 3*initial, ... capped at maxInterval (if positive).
func Linear(initial, maxInterval time.Duration) Policy {
	return PolicyFunc(func() cenkalti.BackOff {
		return &linearBackOff{step: initial, max: maxInterval}
	})
}

// Exponential doubles the wait after every retry, starting at initial and
// capped at maxInterval. No jitter is applied, so tests can predict the waits.
func Exponential(initial, maxInterval time.Duration) Policy {
	return PolicyFunc(func() cenkalti.BackOff {
		b := cenkalti.NewExponentialBackOff()
		b.InitialInterval = initial
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0

		if maxInterval > 0 {
			b.MaxInterval = maxInterval
		}

		b.Reset()

		return b
	})
}

// ForKind builds the policy named by kind.
func ForKind(kind Kind, initial, maxInterval time.Duration) (Policy, error) {
	switch kind {
	case "", KindConstant:
		return Constant(initial), nil
	case KindLinear:
		return Linear(initial, maxInterval), nil
	case KindExponential:
		return Exponential(initial, maxInterval), nil
	default:
		return nil, fmt.Errorf("unknown backoff policy %q", kind)
	}
}

type linearBackOff struct {
	step    time.Duration
	max     time.Duration
	attempt int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++

	d := time.Duration(b.attempt) * b.step
	if b.max > 0 && d > b.max {
		return b.max
	}

	return d
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
