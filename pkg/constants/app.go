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
	// DefaultAppVersion is used when the binary is built without version ldflags.
	DefaultAppVersion = "0.0.0-dev"

	DefaultDevelopmentEnvironment = "development"
	DefaultProductionEnvironment  = "production"

	// DefaultConfigPath is read by cmd/rxrepo when RXREPO_CONFIG is not set.
	DefaultConfigPath = "/data/rxrepo.yaml"

	DefaultMetricsAddr = ":8080"
	DefaultAPIAddr     = ":8090"

	// ShutdownTimeout bounds the graceful shutdown of the HTTP servers.
	ShutdownTimeout = 3 * time.Second
)
