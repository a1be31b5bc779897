// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package projection turns bitemporal store documents into the typed read
// models served by the API. Each read builds a query, executes it once and
// decodes the results; nothing is cached between calls.
package projection

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bob-cd/apiserver/internal/store"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Run statuses written by the workers.
const (
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusPaused  = "paused"
	StatusStopped = "stopped"
)

// Statuses lists every run status in a stable order.
var Statuses = []string{StatusRunning, StatusPassed, StatusFailed, StatusPaused, StatusStopped}

// Reader executes store queries.
type Reader interface {
	Execute(ctx context.Context, q *store.Query) ([]store.Result, error)
}

// Projector serves the read models.
type Projector struct {
	r      Reader
	tracer trace.Tracer
}

// New creates a Projector reading from r.
func New(r Reader) *Projector {
	return &Projector{
		r:      r,
		tracer: otel.Tracer("github.com/bob-cd/apiserver/internal/projection"),
	}
}

// Run is one pipeline run.
type Run struct {
	RunID     string     `json:"run_id"`
	Group     string     `json:"group"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Started   *time.Time `json:"started,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`

	txID uint64
}

// PipelineSummary is a pipeline definition joined with its most recent run.
type PipelineSummary struct {
	Group     string `json:"group"`
	Name      string `json:"name"`
	Image     string `json:"image,omitempty"`
	Steps     any    `json:"steps,omitempty"`
	Vars      any    `json:"vars,omitempty"`
	Resources any    `json:"resources,omitempty"`
	LatestRun *Run   `json:"latest_run,omitempty"`
}

// PipelineFilter narrows ListPipelines. Empty fields match everything;
// Status matches the status of the latest run. A non-zero At reads the
// store as it was at that time.
type PipelineFilter struct {
	Group  string
	Name   string
	Status string
	At     time.Time
}

// ProviderInfo is a resource provider or artifact store registration.
type ProviderInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (p *Projector) execute(ctx context.Context, op string, q *store.Query) ([]store.Result, error) {
	ctx, span := p.tracer.Start(ctx, "query "+op)
	defer span.End()

	results, err := p.r.Execute(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("bob.results", len(results)))
	return results, nil
}

// ListPipelines returns pipelines ordered by group then name.
func (p *Projector) ListPipelines(ctx context.Context, f PipelineFilter) ([]PipelineSummary, error) {
	clauses := []store.Clause{store.OfType(store.TypePipeline)}
	if f.Group != "" {
		clauses = append(clauses, store.Eq("group", f.Group))
	}
	if f.Name != "" {
		clauses = append(clauses, store.Eq("name", f.Name))
	}

	pipelines, err := p.execute(ctx, "pipelines",
		store.Find().Matching(clauses...).Sorted("group", false).Sorted("name", false).At(f.At))
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}

	runClauses := append([]store.Clause{store.OfType(store.TypePipelineRun)}, clauses[1:]...)
	runs, err := p.runs(ctx, f.At, runClauses...)
	if err != nil {
		return nil, err
	}
	latest := latestRuns(runs, startedAt)

	summaries := make([]PipelineSummary, 0, len(pipelines))
	for _, r := range pipelines {
		s := PipelineSummary{
			Group:     r.Str("group"),
			Name:      r.Str("name"),
			Image:     r.Str("image"),
			Steps:     r.Attrs["steps"],
			Vars:      r.Attrs["vars"],
			Resources: r.Attrs["resources"],
		}
		if run, ok := latest[pipelineKey(s.Group, s.Name)]; ok {
			s.LatestRun = &run
		}
		if f.Status != "" && (s.LatestRun == nil || s.LatestRun.Status != f.Status) {
			continue
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// RunStatus looks up a run as of at, or the latest state when at is zero.
// found is false when no such run exists.
func (p *Projector) RunStatus(ctx context.Context, runID string, at time.Time) (run Run, found bool, err error) {
	results, err := p.execute(ctx, "run-status",
		store.Find().Matching(store.OfType(store.TypePipelineRun), store.Eq(store.AttrID, store.RunDocID(runID))).At(at))
	if err != nil {
		return Run{}, false, fmt.Errorf("failed to look up run %s: %w", runID, err)
	}
	if len(results) == 0 {
		return Run{}, false, nil
	}
	return decodeRun(results[0]), true, nil
}

// RunLogs returns up to lines log lines of a run starting at offset,
// oldest first. Lines with the same timestamp keep the order they were
// written in, so a page is stable while the log only grows at the end.
// A zero at reads the latest state. Asking for zero lines yields none.
func (p *Projector) RunLogs(ctx context.Context, runID string, offset, lines int, at time.Time) ([]string, error) {
	if offset < 0 || lines < 0 {
		return nil, fmt.Errorf("%w: offset and lines must not be negative", store.ErrInvalidQuery)
	}
	if lines == 0 {
		return []string{}, nil
	}

	results, err := p.execute(ctx, "run-logs",
		store.Find("line").
			Matching(store.OfType(store.TypeLogLine), store.Eq("run-id", runID)).
			Sorted("time", false).
			Page(offset, lines).
			At(at))
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of %s: %w", runID, err)
	}
	return lo.Map(results, func(r store.Result, _ int) string {
		return r.Str("line")
	}), nil
}

// ListResourceProviders returns every registered resource provider.
func (p *Projector) ListResourceProviders(ctx context.Context) ([]ProviderInfo, error) {
	return p.providers(ctx, store.TypeResourceProvider)
}

// ListArtifactStores returns every registered artifact store.
func (p *Projector) ListArtifactStores(ctx context.Context) ([]ProviderInfo, error) {
	return p.providers(ctx, store.TypeArtifactStore)
}

// ArtifactStore looks up one artifact store by name.
func (p *Projector) ArtifactStore(ctx context.Context, name string) (info ProviderInfo, found bool, err error) {
	results, err := p.execute(ctx, "artifact-store",
		store.Find(store.AttrID, "name", "url").
			Matching(store.OfType(store.TypeArtifactStore), store.Eq(store.AttrID, store.ArtifactStoreDocID(name))))
	if err != nil {
		return ProviderInfo{}, false, fmt.Errorf("failed to look up artifact store %s: %w", name, err)
	}
	if len(results) == 0 {
		return ProviderInfo{}, false, nil
	}
	return decodeProvider(results[0]), true, nil
}

// RunCounts counts runs by status. Every known status is present.
func (p *Projector) RunCounts(ctx context.Context) (map[string]int, error) {
	results, err := p.execute(ctx, "run-counts",
		store.Find("status").Matching(store.OfType(store.TypePipelineRun), store.In("status", lo.ToAnySlice(Statuses)...)))
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	counts := lo.CountValuesBy(results, func(r store.Result) string { return r.Str("status") })
	for _, s := range Statuses {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}

// Raw executes an ad-hoc query and returns each document's projected attributes.
func (p *Projector) Raw(ctx context.Context, q *store.Query) ([]map[string]any, error) {
	results, err := p.execute(ctx, "raw", q)
	if err != nil {
		return nil, err
	}
	return lo.Map(results, func(r store.Result, _ int) map[string]any {
		if len(q.Find) > 0 {
			return r.Attrs
		}
		out := make(map[string]any, len(r.Attrs)+2)
		for k, v := range r.Attrs {
			out[k] = v
		}
		out[store.AttrID] = r.ID
		out[store.AttrType] = r.Type
		return out
	}), nil
}

func (p *Projector) providers(ctx context.Context, docType string) ([]ProviderInfo, error) {
	results, err := p.execute(ctx, docType+"s",
		store.Find(store.AttrID, "name", "url").Matching(store.OfType(docType)).Sorted(store.AttrID, false))
	if err != nil {
		return nil, fmt.Errorf("failed to list %ss: %w", docType, err)
	}
	return lo.Map(results, func(r store.Result, _ int) ProviderInfo {
		return decodeProvider(r)
	}), nil
}

func (p *Projector) runs(ctx context.Context, at time.Time, clauses ...store.Clause) ([]Run, error) {
	results, err := p.execute(ctx, "runs", store.Find().Matching(clauses...).At(at))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return lo.Map(results, func(r store.Result, _ int) Run {
		return decodeRun(r)
	}), nil
}

func decodeProvider(r store.Result) ProviderInfo {
	name := r.Str("name")
	if name == "" {
		name, _ = store.NameOf(r.ID)
	}
	return ProviderInfo{Name: name, URL: r.Str("url")}
}

func decodeRun(r store.Result) Run {
	runID, ok := store.RunIDOf(r.ID)
	if !ok || runID == "" {
		runID = r.Str("run_id")
	}
	return Run{
		RunID:     runID,
		Group:     r.Str("group"),
		Name:      r.Str("name"),
		Status:    r.Str("status"),
		Started:   parseTime(r.Str("started")),
		Completed: parseTime(r.Str("completed")),
		txID:      r.TxID,
	}
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func pipelineKey(group, name string) string {
	return group + "/" + name
}

func startedAt(r Run) *time.Time { return r.Started }

func completedAt(r Run) *time.Time {
	if r.Completed != nil {
		return r.Completed
	}
	return r.Started
}

// latestRuns picks the newest run of every pipeline by the given time.
// Runs without a time lose to runs with one; ties go to the later write.
func latestRuns(runs []Run, at func(Run) *time.Time) map[string]Run {
	byPipeline := lo.GroupBy(runs, func(r Run) string { return pipelineKey(r.Group, r.Name) })
	return lo.MapValues(byPipeline, func(rs []Run, _ string) Run {
		sort.SliceStable(rs, func(i, j int) bool { return newer(rs[i], rs[j], at) })
		return rs[0]
	})
}

func newer(a, b Run, at func(Run) *time.Time) bool {
	ta, tb := at(a), at(b)
	switch {
	case ta != nil && tb == nil:
		return true
	case ta == nil && tb != nil:
		return false
	case ta != nil && !ta.Equal(*tb):
		return ta.After(*tb)
	default:
		return a.txID > b.txID
	}
}
