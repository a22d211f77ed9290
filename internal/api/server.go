/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package api exposes the canary lifecycle over HTTP. Every operation
// is a GET with query parameters; responses carry a status envelope.
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/coal-mine/coal-mine/internal/canary"
	"github.com/coal-mine/coal-mine/internal/store"
)

const apiPrefix = "/coal-mine/v1/canary"

// Server is the canary API server.
type Server struct {
	handlers  *Handlers
	accessLog zerolog.Logger
	log       logr.Logger
	port      int
	server    *http.Server
}

// ServerOptions contains options for creating the server.
type ServerOptions struct {
	Logic     *canary.Logic
	Store     store.Store
	AuthKey   string
	Port      int
	AccessLog zerolog.Logger
	Log       logr.Logger
}

// NewServer creates a new API server.
func NewServer(opts ServerOptions) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	return &Server{
		handlers:  NewHandlers(opts.Logic, opts.Store, opts.AuthKey, opts.Log),
		accessLog: opts.AccessLog,
		log:       opts.Log,
		port:      opts.Port,
	}
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: router,
		// Clients on flaky batch hosts get 10 seconds to finish their
		// request before the slot is reclaimed.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting API server", "port", s.port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the router.
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	h := s.handlers

	r.Route(apiPrefix, func(r chi.Router) {
		r.Get("/create", h.endpoint("create", true, h.create))
		r.Get("/delete", h.endpoint("delete", true, h.deleteCanary))
		r.Get("/update", h.endpoint("update", true, h.update))
		r.Get("/get", h.endpoint("get", true, h.get))
		r.Get("/list", h.endpoint("list", true, h.list))
		r.Get("/trigger", h.endpoint("trigger", false, h.trigger))
		r.Get("/pause", h.endpoint("pause", true, h.pause))
		r.Get("/unpause", h.endpoint("unpause", true, h.unpause))
	})

	// Trigger shortcut: an eight-letter path is a canary id.
	r.Get("/{id:[a-z]{8}}", h.endpoint("trigger", false, h.triggerShort))

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// logRequests writes one access log line per request, with the auth
// key redacted.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.accessLog.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("query", redactQuery(r.URL.Query())).
			Str("remote", r.RemoteAddr).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func redactQuery(values url.Values) string {
	if _, ok := values["auth_key"]; !ok {
		return values.Encode()
	}
	redacted := make(url.Values, len(values))
	for k, vs := range values {
		redacted[k] = vs
	}
	redacted.Set("auth_key", "[redacted]")
	return redacted.Encode()
}
