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

// Package server exposes a repository over HTTP.
//
//	GET    /healthz
//	GET    /stats
//	GET    /entities/:type            query, see parseQuery
//	POST   /entities/:type            upsert one entity or an array of entities
//	DELETE /entities/:type/:key
//	GET    /entities/:type/live       server-sent events of a live query
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/rxrepo/pkg/constants"
	"github.com/united-manufacturing-hub/rxrepo/pkg/logger"
	"github.com/united-manufacturing-hub/rxrepo/pkg/repository"
)

// Server serves the HTTP API of one repository.
type Server struct {
	repo   *repository.Repository
	router *gin.Engine
	srv    *http.Server
	log    *zap.SugaredLogger

	// stop cancels the base context of every request.
	stop context.CancelFunc
}

// New builds the router. Start listens on addr.
func New(repo *repository.Repository, addr string, log *zap.SugaredLogger) *Server {
	log = logger.OrFor(log, logger.ComponentServer)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Access log plus panic recovery with stack traces, both through zap.
	router.Use(ginzap.Ginzap(log.Desugar(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(log.Desugar(), true))

	base, stop := context.WithCancel(context.Background())

	s := &Server{
		repo:   repo,
		router: router,
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return base },
		},
		log:  log,
		stop: stop,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})
	router.GET("/stats", s.getStats)

	entities := router.Group("/entities/:type")
	{
		entities.GET("", s.getEntities)
		entities.POST("", s.postEntities)
		entities.DELETE("/:key", s.deleteEntity)
		entities.GET("/live", s.liveEntities)
	}

	return s
}

// Handler returns the router, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Infof("Starting API server on %s", s.srv.Addr)

		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("API server failed: %v", err)
		}
	}()
}

// Shutdown stops accepting requests, ends live streams and waits for the
// remaining requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()

	ctx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
	defer cancel()

	return s.srv.Shutdown(ctx)
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.repo.Stats())
}
