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

package constants

import "time"

const (
	// DefaultRetryCount is the number of retries after the first attempt of a conflicting write.
	DefaultRetryCount = 10

	// DefaultRetryInitialDuration is the delay before the first retry.
	DefaultRetryInitialDuration = 10 * time.Millisecond

	// DefaultRetryMaxDuration caps the delay of the growing backoff policies.
	DefaultRetryMaxDuration = 2 * time.Second

	// DefaultAggregationDebounce is the coalescing window of live aggregations.
	DefaultAggregationDebounce = 500 * time.Millisecond

	// DefaultCacheExpiration is the access-based TTL of reference cache entries.
	DefaultCacheExpiration = 2 * time.Minute

	// DefaultCacheCullInterval is how often expired cache entries are culled and
	// idle invalidation subscriptions are released.
	DefaultCacheCullInterval = 30 * time.Second

	// MinConcurrentRequests and MaxConcurrentRequests bound the default admission limit,
	// which is ConcurrentRequestsPerCPU times the number of CPUs.
	MinConcurrentRequests    = 16
	MaxConcurrentRequests    = 200
	ConcurrentRequestsPerCPU = 8
)

const (
	// BackendMemory keeps all records in process memory.
	BackendMemory = "memory"
	// BackendSQLite stores records in a local sqlite database file.
	BackendSQLite = "sqlite"
	// BackendPostgres stores records in PostgreSQL.
	BackendPostgres = "postgres"
)
