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

// Package config holds the repository configuration file format.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tiendc/go-deepcopy"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/rxrepo/pkg/admission"
	"github.com/united-manufacturing-hub/rxrepo/pkg/backoff"
	"github.com/united-manufacturing-hub/rxrepo/pkg/constants"
)

// Duration is a time.Duration written as a string ("250ms") in YAML.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

// BackendConfig selects the record store.
type BackendConfig struct {
	// Type is one of memory, sqlite or postgres.
	Type string `yaml:"type"`
	// Path is the sqlite database file.
	Path string `yaml:"path,omitempty"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn,omitempty"`
}

// RepositoryConfig configures the decorator pipeline and its backend.
type RepositoryConfig struct {
	RetryCount           int          `yaml:"retryCount"`
	RetryInitialDuration Duration     `yaml:"retryInitialDuration"`
	RetryMaxDuration     Duration     `yaml:"retryMaxDuration"`
	RetryBackoff         backoff.Kind `yaml:"retryBackoff"`

	AggregationDebounce Duration `yaml:"aggregationDebounce"`

	CacheExpiration   Duration `yaml:"cacheExpiration"`
	CacheCullInterval Duration `yaml:"cacheCullInterval"`

	MaxConcurrentRequests int `yaml:"maxConcurrentRequests"`

	Backend BackendConfig `yaml:"backend"`

	MetricsAddr string `yaml:"metricsAddr"`
	APIAddr     string `yaml:"apiAddr"`
}

// Default returns the configuration used for every value a file leaves out.
func Default() RepositoryConfig {
	return RepositoryConfig{
		RetryCount:            constants.DefaultRetryCount,
		RetryInitialDuration:  Duration(constants.DefaultRetryInitialDuration),
		RetryMaxDuration:      Duration(constants.DefaultRetryMaxDuration),
		RetryBackoff:          backoff.KindConstant,
		AggregationDebounce:   Duration(constants.DefaultAggregationDebounce),
		CacheExpiration:       Duration(constants.DefaultCacheExpiration),
		CacheCullInterval:     Duration(constants.DefaultCacheCullInterval),
		MaxConcurrentRequests: int(admission.DefaultLimit()),
		Backend:               BackendConfig{Type: constants.BackendMemory},
		MetricsAddr:           constants.DefaultMetricsAddr,
		APIAddr:               constants.DefaultAPIAddr,
	}
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (RepositoryConfig, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RepositoryConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Load reads the config file at path. A missing file yields the defaults.
func Load(path string) (RepositoryConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	if err != nil {
		return RepositoryConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Marshal renders the config as YAML.
func (c RepositoryConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate reports the first invalid setting.
func (c RepositoryConfig) Validate() error {
	if c.RetryCount < 0 {
		return fmt.Errorf("retryCount must not be negative, got %d", c.RetryCount)
	}

	if c.RetryInitialDuration < 0 || c.RetryMaxDuration < 0 {
		return errors.New("retry durations must not be negative")
	}

	if _, err := c.BackoffPolicy(); err != nil {
		return err
	}

	if c.AggregationDebounce < 0 {
		return fmt.Errorf("aggregationDebounce must not be negative, got %s", c.AggregationDebounce)
	}

	if c.CacheExpiration <= 0 || c.CacheCullInterval <= 0 {
		return errors.New("cacheExpiration and cacheCullInterval must be positive")
	}

	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("maxConcurrentRequests must be at least 1, got %d", c.MaxConcurrentRequests)
	}

	switch c.Backend.Type {
	case constants.BackendMemory:
	case constants.BackendSQLite:
		if c.Backend.Path == "" {
			return errors.New("backend.path is required for sqlite")
		}
	case constants.BackendPostgres:
		if c.Backend.DSN == "" {
			return errors.New("backend.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown backend type %q", c.Backend.Type)
	}

	return nil
}

// BackoffPolicy builds the retry wait policy.
func (c RepositoryConfig) BackoffPolicy() (backoff.Policy, error) {
	return backoff.ForKind(c.RetryBackoff, time.Duration(c.RetryInitialDuration), time.Duration(c.RetryMaxDuration))
}

// Clone creates a deep copy of the config.
func (c RepositoryConfig) Clone() RepositoryConfig {
	var clone RepositoryConfig
	_ = deepcopy.Copy(&clone, &c)

	return clone
}
