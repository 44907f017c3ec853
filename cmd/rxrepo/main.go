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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/united-manufacturing-hub/rxrepo/internal/testmodel"
	"github.com/united-manufacturing-hub/rxrepo/pkg/config"
	"github.com/united-manufacturing-hub/rxrepo/pkg/constants"
	"github.com/united-manufacturing-hub/rxrepo/pkg/env"
	"github.com/united-manufacturing-hub/rxrepo/pkg/logger"
	"github.com/united-manufacturing-hub/rxrepo/pkg/metrics"
	"github.com/united-manufacturing-hub/rxrepo/pkg/repository"
	"github.com/united-manufacturing-hub/rxrepo/pkg/sentry"
	"github.com/united-manufacturing-hub/rxrepo/pkg/server"
)

// appVersion is set at build time with -ldflags "-X main.appVersion=...".
var appVersion = constants.DefaultAppVersion

func main() {
	// Initialize the global logger first thing
	logger.Initialize()

	defer func() { _ = logger.Sync() }()

	log := logger.For(logger.ComponentCore)

	dsn, _ := env.GetAsString("SENTRY_DSN", false, "")
	sentry.InitSentry(appVersion, dsn)

	log.Infof("Starting rxrepo %s...", appVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path, _ := env.GetAsString(config.EnvConfigPath, false, constants.DefaultConfigPath)

	cfg, err := config.Load(path)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %v", err)
		os.Exit(1)
	}

	cfg, err = cfg.ApplyEnvOverrides()
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Invalid environment overrides: %v", err)
		os.Exit(1)
	}

	metricsServer := metrics.SetupMetricsEndpoint(cfg.MetricsAddr)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()

		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %v", err)
		}
	}()

	openCtx, cancelOpen := context.WithTimeout(ctx, 30*time.Second)
	repo, err := repository.Open(openCtx, cfg, testmodel.Registry())

	cancelOpen()

	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to open repository: %v", err)
		os.Exit(1)
	}

	defer func() {
		if err := repo.Close(context.Background()); err != nil {
			log.Errorf("Failed to close repository: %v", err)
		}
	}()

	api := server.New(repo, cfg.APIAddr, nil)
	api.Start()

	<-ctx.Done()
	log.Info("Shutting down rxrepo...")

	if err := api.Shutdown(context.Background()); err != nil {
		log.Errorf("Failed to shutdown API server: %v", err)
	}

	log.Info("rxrepo stopped")
}
