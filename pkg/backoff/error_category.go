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

package backoff

import (
	"errors"

	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

// ErrorCategory indicates how a retrying caller should respond to an error.
type ErrorCategory int

const (
	// CategoryIgnored is an error that ends the operation without being an error
	// for the caller, e.g. context cancellation after the result was delivered.
	CategoryIgnored ErrorCategory = iota

	// CategoryTransient is an error that may go away when the operation is
	// repeated. Optimistic-concurrency conflicts are the only transient errors
	// of the write pipeline.
	CategoryTransient

	// CategoryPermanent is an error that repeating cannot fix. It is returned
	// to the caller immediately.
	CategoryPermanent
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryIgnored:
		return "ignored"
	case CategoryTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// CategorizedError is a wrapper that includes the underlying error plus a Category.
type CategorizedError struct {
	Err      error
	Category ErrorCategory
}

// Error returns the original error message.
func (ce *CategorizedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying wrapped error.
func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

// IsCategory checks if the CategorizedError has the specified category.
func (ce *CategorizedError) IsCategory(category ErrorCategory) bool {
	return ce.Category == category
}

// NewIgnoredError wraps err as CategoryIgnored.
func NewIgnoredError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryIgnored}
}

// NewTransientError wraps err as CategoryTransient.
func NewTransientError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryTransient}
}

// NewPermanentError wraps err as CategoryPermanent.
func NewPermanentError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryPermanent}
}

// Classify returns the category of err. An explicit CategorizedError wins;
// otherwise conflicts are transient and everything else is permanent.
func Classify(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}

	if standarderrors.IsConflict(err) {
		return CategoryTransient
	}

	return CategoryPermanent
}

// IsTransientError is a convenience checker for CategoryTransient.
func IsTransientError(err error) bool {
	return err != nil && Classify(err) == CategoryTransient
}

// IsPermanentError is a convenience checker for CategoryPermanent.
func IsPermanentError(err error) bool {
	return err != nil && Classify(err) == CategoryPermanent
}
