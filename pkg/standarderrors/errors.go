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

// Package standarderrors holds the error types shared by every layer of the
// repository pipeline. Callers match them with errors.As / errors.Is.
package standarderrors

import (
	"errors"
	"fmt"
)

var (
	// ErrReferenceCycle is wrapped by ReferenceNotFoundError when a reference
	// could only be resolved by materializing an entity that is already being
	// materialized further up the same write.
	ErrReferenceCycle = errors.New("reference cycle")

	// ErrStreamCancelled is the terminal error of a stream that was cancelled
	// by its consumer.
	ErrStreamCancelled = errors.New("stream cancelled")

	// ErrUnknownEntityType is returned for operations on unregistered types.
	ErrUnknownEntityType = errors.New("unknown entity type")

	// ErrInvalidEntity wraps metadata validation failures of a written entity.
	ErrInvalidEntity = errors.New("invalid entity")
)

// ConflictError reports an optimistic-concurrency conflict. It is the only
// error the retry decorator retries.
type ConflictError struct {
	EntityType string
	Key        string
	Err        error
}

func (e *ConflictError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("conflict on %s: %v", e.EntityType, e.Err)
	}

	return fmt.Sprintf("conflict on %s/%s: %v", e.EntityType, e.Key, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ReferenceNotFoundError reports a reference that could not be resolved on
// the write path.
type ReferenceNotFoundError struct {
	// Owner is the entity type holding the reference.
	Owner    string
	Property string
	Target   string
	Key      string
	Err      error
}

func (e *ReferenceNotFoundError) Error() string {
	msg := fmt.Sprintf("%s.%s references %s/%s which does not exist", e.Owner, e.Property, e.Target, e.Key)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *ReferenceNotFoundError) Unwrap() error { return e.Err }

// BackendError wraps any other storage failure.
type BackendError struct {
	Op         string
	EntityType string
	Err        error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: backend failure: %v", e.Op, e.EntityType, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// CacheLoadError reports that the reference cache failed to load a key.
type CacheLoadError struct {
	EntityType string
	Key        string
	Err        error
}

func (e *CacheLoadError) Error() string {
	return fmt.Sprintf("loading %s/%s into the reference cache: %v", e.EntityType, e.Key, e.Err)
}

func (e *CacheLoadError) Unwrap() error { return e.Err }

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError

	return errors.As(err, &ce)
}

// IsReferenceNotFound reports whether err is or wraps a ReferenceNotFoundError.
func IsReferenceNotFound(err error) bool {
	var re *ReferenceNotFoundError

	return errors.As(err, &re)
}

// IsBackend reports whether err is or wraps a BackendError.
func IsBackend(err error) bool {
	var be *BackendError

	return errors.As(err, &be)
}

// IsCacheLoad reports whether err is or wraps a CacheLoadError.
func IsCacheLoad(err error) bool {
	var ce *CacheLoadError

	return errors.As(err, &ce)
}
