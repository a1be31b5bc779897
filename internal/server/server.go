// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the gateway over HTTP. Every response body is a JSON
// object with a single "message" field, except for artifacts, metrics, the
// CCTray feed and the API document.
package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bob-cd/apiserver/internal/config"
	"github.com/bob-cd/apiserver/internal/logger"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gopkg.in/yaml.v3"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}

//go:embed api.yaml
var apiDoc []byte

// apiDocument is the part of the API document checked at startup.
type apiDocument struct {
	OpenAPI string         `yaml:"openapi"`
	Paths   map[string]any `yaml:"paths"`
}

func parseAPIDoc(raw []byte) (apiDocument, error) {
	var doc apiDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("invalid api document: %w", err)
	}
	if doc.OpenAPI == "" {
		return doc, errors.New("invalid api document: missing openapi version")
	}
	if len(doc.Paths) == 0 {
		return doc, errors.New("invalid api document: no paths")
	}
	return doc, nil
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
}

// New creates and wires up the API server. It does NOT start listening,
// call Run() for that.
func New(cfg *config.APIConfig, deps Deps) (*Server, error) {
	handler, err := NewHandler(cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Artifacts are streamed, so there is no write timeout.
			IdleTimeout: 60 * time.Second,
		},
	}, nil
}

// NewHandler builds the routed, instrumented handler.
func NewHandler(cfg *config.APIConfig, deps Deps) (http.Handler, error) {
	if _, err := parseAPIDoc(apiDoc); err != nil {
		return nil, err
	}
	return otelhttp.NewHandler(newRouter(cfg, deps), "bob-apiserver"), nil
}

func newRouter(cfg *config.APIConfig, deps Deps) *chi.Mux {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	h := NewHandlers(deps)
	r := chi.NewRouter()

	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(maxBody))

	r.Get("/can-we-build-it", h.HealthCheck)
	r.Get("/api.yaml", h.APIDoc)

	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/", h.ListPipelines)

		r.Post("/groups/{group}/names/{name}", h.CreatePipeline)
		r.Delete("/groups/{group}/names/{name}", h.DeletePipeline)
		r.Get("/groups/{group}/names/{name}/runs/{id}/artifact-stores/{store}/artifact/{artifact}", h.GetArtifact)

		r.Post("/start/groups/{group}/names/{name}", h.StartPipeline)
		r.Post("/stop/groups/{group}/names/{name}/runs/{id}", h.StopPipeline)
		r.Post("/pause/groups/{group}/names/{name}/runs/{id}", h.PausePipeline)
		r.Post("/unpause/groups/{group}/names/{name}/runs/{id}", h.UnpausePipeline)

		r.Get("/logs/runs/{id}/offset/{offset}/lines/{lines}", h.GetLogs)
		r.Get("/status/runs/{id}", h.GetStatus)
	})

	r.Get("/resource-providers", h.ListResourceProviders)
	r.Post("/resource-providers/{name}", h.CreateResourceProvider)
	r.Delete("/resource-providers/{name}", h.DeleteResourceProvider)

	r.Get("/artifact-stores", h.ListArtifactStores)
	r.Post("/artifact-stores/{name}", h.CreateArtifactStore)
	r.Delete("/artifact-stores/{name}", h.DeleteArtifactStore)

	r.Get("/query", h.Query)
	r.Get("/error", h.DrainError)
	r.Get("/cctray.xml", h.CCTray)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusNotFound, "No such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return r
}

// Run serves until Shutdown is called. Request contexts carry ctx's values
// but not its cancellation, so in-flight requests survive until Shutdown.
func (s *Server) Run(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	s.httpServer.BaseContext = func(net.Listener) context.Context { return base }
	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
