// Copyright 2025 East Asian Observatory
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

// Package httpapi exposes a small read-only HTTP surface over the bus:
// liveness, the task roster, published parameters and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eaobservatory/rtsclient/pkg/logger"
	"github.com/eaobservatory/rtsclient/pkg/transport/localbus"
)

// Server wraps the HTTP server with setup and lifecycle management.
type Server struct {
	server *http.Server
	logger *zap.SugaredLogger
	bus    *localbus.Bus
	addr   string
}

// NewServer creates a server listening on addr and reading from bus.
func NewServer(bus *localbus.Bus, addr string) *Server {
	return &Server{
		bus:    bus,
		addr:   addr,
		logger: logger.For(logger.ComponentHTTPAPI),
	}
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.loggingMiddleware())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/tasks", s.handleTasks)
	router.GET("/tasks/:task/params", s.handleParams)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// Start runs the server until it fails or Stop is called. It blocks.
func (s *Server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Infow("Starting HTTP server", "addr", s.addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Errorw("HTTP server failed", "error", err)
		return err
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tasks":  s.bus.Tasks(),
		"roster": s.bus.Roster().List(),
	})
}

func (s *Server) handleParams(c *gin.Context) {
	name := c.Param("task")
	task, ok := s.bus.Task(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such task"})
		return
	}
	snapshot, err := task.ParamsSnapshot()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", snapshot)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		s.logger.Debugw("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
