// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bob-cd/apiserver/internal/artifact"
	"github.com/bob-cd/apiserver/internal/health"
	"github.com/bob-cd/apiserver/internal/projection"
	"github.com/bob-cd/apiserver/internal/protocol"
	"github.com/bob-cd/apiserver/internal/queue"
	"github.com/bob-cd/apiserver/internal/store"
	"github.com/go-chi/chi/v5"
)

// HealthyMessage is the body of a passing health check.
const HealthyMessage = "Yes we can! 🔨 🔨"

// Publisher sends commands to the workers.
type Publisher interface {
	Publish(ctx context.Context, env protocol.Envelope) error
}

// ErrorQueue hands out worker errors one at a time.
type ErrorQueue interface {
	DrainError(ctx context.Context) (body []byte, ok bool, err error)
}

// Reads answers every read-only query.
type Reads interface {
	ListPipelines(ctx context.Context, f projection.PipelineFilter) ([]projection.PipelineSummary, error)
	RunStatus(ctx context.Context, runID string, at time.Time) (projection.Run, bool, error)
	RunLogs(ctx context.Context, runID string, offset, lines int, at time.Time) ([]string, error)
	ListResourceProviders(ctx context.Context) ([]projection.ProviderInfo, error)
	ListArtifactStores(ctx context.Context) ([]projection.ProviderInfo, error)
	Raw(ctx context.Context, q *store.Query) ([]map[string]any, error)
	CCTray(ctx context.Context) (projection.CCTrayProjects, error)
}

// Artifacts opens artifact streams.
type Artifacts interface {
	Fetch(ctx context.Context, r artifact.Request) (*artifact.Artifact, error)
}

// HealthChecker produces a health verdict on demand.
type HealthChecker interface {
	Check(ctx context.Context) health.Verdict
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Publisher Publisher
	Errors    ErrorQueue
	Reads     Reads
	Artifacts Artifacts
	Health    HealthChecker
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

type message struct {
	Message any `json:"message"`
}

func respond(w http.ResponseWriter, status int, msg any) {
	writeJSON(w, status, message{Message: msg})
}

// fail maps an error to its status code. Server-side failures are logged.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrAddressing), errors.Is(err, protocol.ErrMalformedBody),
		errors.Is(err, store.ErrInvalidQuery):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrBrokerUnavailable), errors.Is(err, store.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		getLog().Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", GetRequestID(r.Context())).
			Msg("Request failed")
	}
	respond(w, status, err.Error())
}

func ref(r *http.Request) protocol.PipelineRef {
	return protocol.PipelineRef{Group: chi.URLParam(r, "group"), Name: chi.URLParam(r, "name")}
}

func (h *Handlers) publish(w http.ResponseWriter, r *http.Request, env protocol.Envelope, err error) {
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := h.deps.Publisher.Publish(r.Context(), env); err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, "Ok")
}

// asOf reads the optional "t" query parameter of typed reads.
func asOf(r *http.Request) (time.Time, error) {
	return store.ParseAsOf(r.URL.Query().Get("t"))
}

func nonNegative(r *http.Request, param string) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, param))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", protocol.ErrAddressing, param)
	}
	return n, nil
}

// --- commands ---

// CreatePipeline handles POST /pipelines/groups/{group}/names/{name}
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	body, err := protocol.DecodePayload(r.Body)
	if err != nil {
		fail(w, r, err)
		return
	}
	env, err := protocol.CreatePipeline(ref(r), body)
	h.publish(w, r, env, err)
}

// DeletePipeline handles DELETE /pipelines/groups/{group}/names/{name}
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	env, err := protocol.DeletePipeline(ref(r))
	h.publish(w, r, env, err)
}

// StartPipeline handles POST /pipelines/start/groups/{group}/names/{name}.
// The run id is returned before any worker has seen the command.
func (h *Handlers) StartPipeline(w http.ResponseWriter, r *http.Request) {
	body, err := protocol.DecodePayload(r.Body)
	if err != nil {
		fail(w, r, err)
		return
	}
	env, runID, err := protocol.StartPipeline(ref(r), body)
	if err != nil {
		fail(w, r, err)
		return
	}
	// Generated ids are fresh; a supplied one must not name an existing run.
	// Two requests racing with the same id are not caught here.
	if _, supplied := body["run_id"]; supplied {
		_, exists, err := h.deps.Reads.RunStatus(r.Context(), runID, time.Time{})
		if err != nil {
			fail(w, r, err)
			return
		}
		if exists {
			respond(w, http.StatusConflict, "Run "+runID+" already exists")
			return
		}
	}
	if err := h.deps.Publisher.Publish(r.Context(), env); err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, runID)
}

// StopPipeline handles POST /pipelines/stop/groups/{group}/names/{name}/runs/{id}
func (h *Handlers) StopPipeline(w http.ResponseWriter, r *http.Request) {
	env, err := protocol.StopPipeline(ref(r), chi.URLParam(r, "id"))
	h.publish(w, r, env, err)
}

// PausePipeline handles POST /pipelines/pause/groups/{group}/names/{name}/runs/{id}
func (h *Handlers) PausePipeline(w http.ResponseWriter, r *http.Request) {
	env, err := protocol.PausePipeline(ref(r), chi.URLParam(r, "id"))
	h.publish(w, r, env, err)
}

// UnpausePipeline handles POST /pipelines/unpause/groups/{group}/names/{name}/runs/{id}
func (h *Handlers) UnpausePipeline(w http.ResponseWriter, r *http.Request) {
	env, err := protocol.UnpausePipeline(ref(r), chi.URLParam(r, "id"))
	h.publish(w, r, env, err)
}

// CreateResourceProvider handles POST /resource-providers/{name}
func (h *Handlers) CreateResourceProvider(w http.ResponseWriter, r *http.Request) {
	body, err := protocol.DecodePayload(r.Body)
	if err != nil {
		fail(w, r, err)
		return
	}
	env, err := protocol.CreateResourceProvider(chi.URLParam(r, "name"), body)
	h.publish(w, r, env, err)
}

// DeleteResourceProvider handles DELETE /resource-providers/{name}
func (h *Handlers) DeleteResourceProvider(w http.ResponseWriter, r *http.Request) {
	env, err := protocol.DeleteResourceProvider(chi.URLParam(r, "name"))
	h.publish(w, r, env, err)
}

// CreateArtifactStore handles POST /artifact-stores/{name}
func (h *Handlers) CreateArtifactStore(w http.ResponseWriter, r *http.Request) {
	body, err := protocol.DecodePayload(r.Body)
	if err != nil {
		fail(w, r, err)
		return
	}
	env, err := protocol.CreateArtifactStore(chi.URLParam(r, "name"), body)
	h.publish(w, r, env, err)
}

// DeleteArtifactStore handles DELETE /artifact-stores/{name}
func (h *Handlers) DeleteArtifactStore(w http.ResponseWriter, r *http.Request) {
	env, err := protocol.DeleteArtifactStore(chi.URLParam(r, "name"))
	h.publish(w, r, env, err)
}

// --- reads ---

// GetLogs handles GET /pipelines/logs/runs/{id}/offset/{offset}/lines/{lines}
func (h *Handlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	offset, err := nonNegative(r, "offset")
	if err != nil {
		fail(w, r, err)
		return
	}
	lines, err := nonNegative(r, "lines")
	if err != nil {
		fail(w, r, err)
		return
	}
	at, err := asOf(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	logs, err := h.deps.Reads.RunLogs(r.Context(), chi.URLParam(r, "id"), offset, lines, at)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, logs)
}

// GetStatus handles GET /pipelines/status/runs/{id}
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	at, err := asOf(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	run, found, err := h.deps.Reads.RunStatus(r.Context(), chi.URLParam(r, "id"), at)
	if err != nil {
		fail(w, r, err)
		return
	}
	if !found {
		respond(w, http.StatusNotFound, "Cannot find status")
		return
	}
	respond(w, http.StatusOK, run.Status)
}

// ListPipelines handles GET /pipelines
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	at, err := asOf(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	q := r.URL.Query()
	pipelines, err := h.deps.Reads.ListPipelines(r.Context(), projection.PipelineFilter{
		Group:  q.Get("group"),
		Name:   q.Get("name"),
		Status: q.Get("status"),
		At:     at,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, pipelines)
}

// GetArtifact handles GET /pipelines/groups/{group}/names/{name}/runs/{id}/artifact-stores/{store}/artifact/{artifact}
func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	req := artifact.Request{
		Group:    chi.URLParam(r, "group"),
		Name:     chi.URLParam(r, "name"),
		RunID:    chi.URLParam(r, "id"),
		Store:    chi.URLParam(r, "store"),
		Artifact: chi.URLParam(r, "artifact"),
	}

	a, err := h.deps.Artifacts.Fetch(r.Context(), req)
	switch {
	case errors.Is(err, artifact.ErrStoreNotFound):
		respond(w, http.StatusNotFound, "Cannot locate artifact store "+req.Store)
		return
	case errors.Is(err, artifact.ErrArtifactNotFound):
		respond(w, http.StatusNotFound, "Error locating artifact "+req.Artifact)
		return
	case errors.Is(err, artifact.ErrUpstreamUnreachable):
		respond(w, http.StatusServiceUnavailable, "Artifact store "+req.Store+" is unreachable")
		return
	case err != nil:
		fail(w, r, err)
		return
	}
	defer a.Body.Close()

	w.Header().Set("Content-Type", artifact.ContentType)
	if a.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(a.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, a.Body); err != nil {
		getLog().Warn().Err(err).Str("artifact", req.Artifact).Msg("Artifact stream interrupted")
	}
}

// ListResourceProviders handles GET /resource-providers
func (h *Handlers) ListResourceProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.deps.Reads.ListResourceProviders(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, providers)
}

// ListArtifactStores handles GET /artifact-stores
func (h *Handlers) ListArtifactStores(w http.ResponseWriter, r *http.Request) {
	stores, err := h.deps.Reads.ListArtifactStores(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, stores)
}

// Query handles GET /query?q=<json>&t=<rfc3339>. Every failure, including a
// malformed query, is a 500.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	q, err := store.ParseRaw(r.URL.Query().Get("q"), r.URL.Query().Get("t"))
	if err != nil {
		respond(w, http.StatusInternalServerError, err.Error())
		return
	}
	rows, err := h.deps.Reads.Raw(r.Context(), q)
	if err != nil {
		getLog().Error().Err(err).Msg("Raw query failed")
		respond(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, rows)
}

// DrainError handles GET /error
func (h *Handlers) DrainError(w http.ResponseWriter, r *http.Request) {
	body, ok, err := h.deps.Errors.DrainError(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if json.Valid(body) {
		respond(w, http.StatusOK, json.RawMessage(body))
		return
	}
	respond(w, http.StatusOK, string(body))
}

// CCTray handles GET /cctray.xml
func (h *Handlers) CCTray(w http.ResponseWriter, r *http.Request) {
	feed, err := h.deps.Reads.CCTray(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	out, err := xml.Marshal(feed)
	if err != nil {
		fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(out)
}

// APIDoc handles GET /api.yaml
func (h *Handlers) APIDoc(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(apiDoc)
}

// HealthCheck handles GET /can-we-build-it
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	v := h.deps.Health.Check(r.Context())
	if !v.Healthy {
		getLog().Warn().Strs("reasons", v.Reasons).Msg("Health check failed")
		respond(w, http.StatusServiceUnavailable, v.Reasons)
		return
	}
	respond(w, http.StatusOK, HealthyMessage)
}
