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

package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/united-manufacturing-hub/rxrepo/pkg/entity"
	"github.com/united-manufacturing-hub/rxrepo/pkg/standarderrors"
)

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, standarderrors.ErrUnknownEntityType):
		return http.StatusNotFound
	case standarderrors.IsConflict(err):
		return http.StatusConflict
	case standarderrors.IsReferenceNotFound(err),
		errors.Is(err, standarderrors.ErrInvalidEntity),
		errors.Is(err, entity.ErrMissingKey),
		errors.Is(err, entity.ErrMissingMandatory),
		errors.Is(err, entity.ErrInvalidReference):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(c *gin.Context, err error) {
	status := statusFor(err)

	if status == http.StatusInternalServerError {
		s.log.Errorw("Internal server error", "error", err, "route", c.FullPath())
	} else {
		s.log.Debugw("Request failed", "error", err, "status", status, "route", c.FullPath())
	}

	c.JSON(status, gin.H{
		"error":  err.Error(),
		"status": status,
	})
}

func (s *Server) handleInvalidInput(c *gin.Context, err error) {
	s.log.Debugw("Invalid input error", "error", err, "route", c.FullPath())

	c.JSON(http.StatusBadRequest, gin.H{
		"error":   err.Error(),
		"status":  http.StatusBadRequest,
		"message": "You have provided a wrong input. Please check your parameters.",
	})
}
