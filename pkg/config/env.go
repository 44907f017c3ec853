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

package config

import (
	"errors"
	"time"

	"github.com/united-manufacturing-hub/rxrepo/pkg/backoff"
	"github.com/united-manufacturing-hub/rxrepo/pkg/env"
)

// Environment variables that override file values.
const (
	EnvConfigPath            = "RXREPO_CONFIG"
	EnvRetryCount            = "RXREPO_RETRY_COUNT"
	EnvRetryInitialDuration  = "RXREPO_RETRY_INITIAL_DURATION"
	EnvRetryBackoff          = "RXREPO_RETRY_BACKOFF"
	EnvAggregationDebounce   = "RXREPO_AGGREGATION_DEBOUNCE"
	EnvCacheExpiration       = "RXREPO_CACHE_EXPIRATION"
	EnvMaxConcurrentRequests = "RXREPO_MAX_CONCURRENT_REQUESTS"
	EnvBackendType           = "RXREPO_BACKEND"
	EnvBackendPath           = "RXREPO_BACKEND_PATH"
	EnvBackendDSN            = "RXREPO_POSTGRES_DSN"
	EnvMetricsAddr           = "RXREPO_METRICS_ADDR"
	EnvAPIAddr               = "RXREPO_API_ADDR"
)

// ApplyEnvOverrides returns a copy of c with every set RXREPO_* variable
// applied. Order of precedence: environment, file, defaults. Malformed
// values are reported and leave the file value in place.
func (c RepositoryConfig) ApplyEnvOverrides() (RepositoryConfig, error) {
	out := c.Clone()

	var errs []error

	str := func(key string, dst *string) {
		v, err := env.GetAsString(key, false, *dst)
		errs = append(errs, err)
		*dst = v
	}

	integer := func(key string, dst *int) {
		if v, _ := env.GetAsString(key, false, ""); v == "" {
			return
		}

		v, err := env.GetAsInt(key, true, *dst)
		if err == nil {
			*dst = v
		}

		errs = append(errs, err)
	}

	duration := func(key string, dst *Duration) {
		if v, _ := env.GetAsString(key, false, ""); v == "" {
			return
		}

		v, err := env.GetAsDuration(key, true, time.Duration(*dst))
		if err == nil {
			*dst = Duration(v)
		}

		errs = append(errs, err)
	}

	integer(EnvRetryCount, &out.RetryCount)
	duration(EnvRetryInitialDuration, &out.RetryInitialDuration)
	duration(EnvAggregationDebounce, &out.AggregationDebounce)
	duration(EnvCacheExpiration, &out.CacheExpiration)
	integer(EnvMaxConcurrentRequests, &out.MaxConcurrentRequests)
	str(EnvBackendType, &out.Backend.Type)
	str(EnvBackendPath, &out.Backend.Path)
	str(EnvBackendDSN, &out.Backend.DSN)
	str(EnvMetricsAddr, &out.MetricsAddr)
	str(EnvAPIAddr, &out.APIAddr)

	kind := string(out.RetryBackoff)
	str(EnvRetryBackoff, &kind)
	out.RetryBackoff = backoff.Kind(kind)

	return out, errors.Join(errs...)
}
