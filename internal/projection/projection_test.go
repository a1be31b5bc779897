// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package projection

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bob-cd/apiserver/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func ts(d time.Duration) string {
	return base.Add(d).Format(time.RFC3339Nano)
}

// seed writes a small fleet: two dev pipelines, one prod pipeline, runs for
// each, one run of a deleted pipeline, and a few providers.
func seed(t *testing.T) (*store.StoreFixture, *Projector) {
	f := store.UseFreshDatabase(t)
	t.Cleanup(f.Cleanup)

	at := base
	next := func() time.Time { at = at.Add(time.Second); return at }

	f.Seed(t, store.PipelineDocID("dev", "test"), store.TypePipeline, map[string]any{
		"group": "dev", "name": "test", "image": "alpine", "steps": []any{map[string]any{"cmd": "echo hi"}},
	}, next())
	f.Seed(t, store.PipelineDocID("dev", "lint"), store.TypePipeline, map[string]any{"group": "dev", "name": "lint"}, next())
	f.Seed(t, store.PipelineDocID("prod", "deploy"), store.TypePipeline, map[string]any{"group": "prod", "name": "deploy"}, next())
	f.Seed(t, store.PipelineDocID("old", "gone"), store.TypePipeline, map[string]any{"group": "old", "name": "gone"}, next())

	run := func(id, group, name, status string, started, completed time.Duration) {
		body := map[string]any{"group": group, "name": name, "status": status, "started": ts(started)}
		if completed > 0 {
			body["completed"] = ts(completed)
		}
		f.Seed(t, store.RunDocID(id), store.TypePipelineRun, body, next())
	}
	run("r-1", "dev", "test", StatusFailed, time.Minute, 2*time.Minute)
	run("r-2", "dev", "test", StatusPassed, 3*time.Minute, 4*time.Minute)
	run("r-3", "prod", "deploy", StatusRunning, 5*time.Minute, 0)
	run("r-4", "old", "gone", StatusStopped, 6*time.Minute, 7*time.Minute)
	f.Tombstone(t, store.PipelineDocID("old", "gone"), next())

	f.Seed(t, store.ResourceProviderDocID("local"), store.TypeResourceProvider, map[string]any{"name": "local", "url": "http://rp:8000"}, next())
	f.Seed(t, store.ArtifactStoreDocID("s3"), store.TypeArtifactStore, map[string]any{"url": "http://s3:8001"}, next())
	f.Seed(t, store.ArtifactStoreDocID("local"), store.TypeArtifactStore, map[string]any{"name": "local", "url": "http://as:8001"}, next())

	return f, New(f.Store)
}

func TestListPipelines(t *testing.T) {
	_, p := seed(t)
	ctx := context.Background()

	all, err := p.ListPipelines(ctx, PipelineFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3, "deleted pipelines are not listed")
	assert.Equal(t, "dev", all[0].Group)
	assert.Equal(t, "lint", all[0].Name)
	assert.Nil(t, all[0].LatestRun)

	assert.Equal(t, "test", all[1].Name)
	assert.Equal(t, "alpine", all[1].Image)
	require.NotNil(t, all[1].LatestRun)
	assert.Equal(t, "r-2", all[1].LatestRun.RunID)
	assert.Equal(t, StatusPassed, all[1].LatestRun.Status)

	assert.Equal(t, "prod", all[2].Group)

	tests := []struct {
		name   string
		filter PipelineFilter
		want   []string
	}{
		{"group", PipelineFilter{Group: "dev"}, []string{"dev/lint", "dev/test"}},
		{"group_and_name", PipelineFilter{Group: "dev", Name: "test"}, []string{"dev/test"}},
		{"name_only", PipelineFilter{Name: "deploy"}, []string{"prod/deploy"}},
		{"latest_status", PipelineFilter{Status: StatusPassed}, []string{"dev/test"}},
		{"superseded_status", PipelineFilter{Status: StatusFailed}, []string{}},
		{"running", PipelineFilter{Group: "prod", Status: StatusRunning}, []string{"prod/deploy"}},
		{"unknown_group", PipelineFilter{Group: "staging"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ListPipelines(ctx, tt.filter)
			require.NoError(t, err)
			keys := make([]string, len(got))
			for i, s := range got {
				keys[i] = s.Group + "/" + s.Name
			}
			assert.Equal(t, tt.want, keys)
		})
	}
}

func TestRunStatus(t *testing.T) {
	_, p := seed(t)

	run, found, err := p.RunStatus(context.Background(), "r-3", time.Time{})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, "prod", run.Group)
	require.NotNil(t, run.Started)
	assert.Equal(t, base.Add(5*time.Minute), *run.Started)
	assert.Nil(t, run.Completed)

	_, found, err = p.RunStatus(context.Background(), "r-unknown", time.Time{})
	require.NoError(t, err, "a missing run is not an error")
	assert.False(t, found)
}

func TestRunStatus_AsOf(t *testing.T) {
	_, p := seed(t)
	ctx := context.Background()
	before := base.Add(5 * time.Second)

	_, found, err := p.RunStatus(ctx, "r-1", before)
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = p.RunStatus(ctx, "r-2", before)
	require.NoError(t, err)
	assert.False(t, found, "r-2 was written after the as-of time")
}

func TestListPipelines_AsOf(t *testing.T) {
	_, p := seed(t)
	ctx := context.Background()

	keysAt := func(f PipelineFilter) []string {
		got, err := p.ListPipelines(ctx, f)
		require.NoError(t, err)
		keys := make([]string, len(got))
		for i, s := range got {
			keys[i] = s.Group + "/" + s.Name
		}
		return keys
	}

	assert.Equal(t, []string{"dev/lint", "dev/test"}, keysAt(PipelineFilter{At: base.Add(2 * time.Second)}))
	assert.Contains(t, keysAt(PipelineFilter{At: base.Add(8 * time.Second)}), "old/gone", "visible before its deletion")

	got, err := p.ListPipelines(ctx, PipelineFilter{Group: "dev", Name: "test", At: base.Add(5 * time.Second)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].LatestRun)
	assert.Equal(t, "r-1", got[0].LatestRun.RunID, "r-2 had not started yet")
}

func TestRunLogs(t *testing.T) {
	f, p := seed(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.Seed(t, store.LogDocID(), store.TypeLogLine, map[string]any{
			"run-id": "r-2",
			"time":   ts(time.Duration(10-i) * time.Second),
			"line":   fmt.Sprintf("line %d", 4-i),
		}, base.Add(time.Hour))
	}

	lines, err := p.RunLogs(ctx, "r-2", 0, 100, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"line 0", "line 1", "line 2", "line 3", "line 4"}, lines)

	page, err := p.RunLogs(ctx, "r-2", 1, 2, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"line 1", "line 2"}, page)

	again, err := p.RunLogs(ctx, "r-2", 1, 2, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, page, again)

	none, err := p.RunLogs(ctx, "r-1", 0, 10, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = p.RunLogs(ctx, "r-2", -1, 10, time.Time{})
	assert.ErrorIs(t, err, store.ErrInvalidQuery)

	for _, offset := range []int{0, 2} {
		zero, err := p.RunLogs(ctx, "r-2", offset, 0, time.Time{})
		require.NoError(t, err)
		assert.NotNil(t, zero)
		assert.Empty(t, zero, "zero lines from offset %d", offset)
	}

	early, err := p.RunLogs(ctx, "r-2", 0, 100, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, early, "no lines were written yet")
}

func TestProviders(t *testing.T) {
	_, p := seed(t)
	ctx := context.Background()

	rps, err := p.ListResourceProviders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ProviderInfo{{Name: "local", URL: "http://rp:8000"}}, rps)

	stores, err := p.ListArtifactStores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ProviderInfo{
		{Name: "local", URL: "http://as:8001"},
		{Name: "s3", URL: "http://s3:8001"},
	}, stores, "names fall back to the document id")

	s, found, err := p.ArtifactStore(ctx, "s3")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "http://s3:8001", s.URL)

	_, found, err = p.ArtifactStore(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunCounts(t *testing.T) {
	_, p := seed(t)

	counts, err := p.RunCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		StatusRunning: 1,
		StatusPassed:  1,
		StatusFailed:  1,
		StatusPaused:  0,
		StatusStopped: 1,
	}, counts)
}

func TestCCTray(t *testing.T) {
	_, p := seed(t)

	feed, err := p.CCTray(context.Background())
	require.NoError(t, err)
	require.Len(t, feed.Projects, 2, "runs of deleted pipelines are skipped")

	assert.Equal(t, CCTrayProject{
		Name:            "prod:deploy",
		Activity:        "Running",
		LastBuildStatus: "Success",
		LastBuildLabel:  "r-3",
		LastBuildTime:   base.Add(5 * time.Minute).Format(time.RFC3339),
		WebURL:          "#",
	}, feed.Projects[0])
	assert.Equal(t, "dev:test", feed.Projects[1].Name)
	assert.Equal(t, "r-2", feed.Projects[1].LastBuildLabel)
	assert.Equal(t, "Sleeping", feed.Projects[1].Activity)

	out, err := xml.Marshal(feed)
	require.NoError(t, err)
	assert.Contains(t, string(out), `<Projects><Project name="prod:deploy" activity="Running"`)
}

func TestBuildStatus(t *testing.T) {
	for status, want := range map[string]string{
		StatusPassed:  "Success",
		StatusRunning: "Success",
		StatusPaused:  "Success",
		StatusFailed:  "Failure",
		StatusStopped: "Exception",
		"initializing": "Unknown",
	} {
		assert.Equal(t, want, buildStatus(status), status)
	}
}

func TestRaw(t *testing.T) {
	_, p := seed(t)

	q, err := store.ParseRaw(`{"where":[{"attr":"type","op":"eq","value":"resource-provider"}]}`, "")
	require.NoError(t, err)
	rows, err := p.Raw(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob.resource-provider/local", rows[0]["id"])
	assert.Equal(t, "resource-provider", rows[0]["type"])
	assert.Equal(t, "http://rp:8000", rows[0]["url"])

	q, err = store.ParseRaw(`{"find":["name"],"where":[{"attr":"type","op":"eq","value":"pipeline"}]}`, base.Add(2*time.Second).Format(time.RFC3339))
	require.NoError(t, err)
	rows, err = p.Raw(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"name": "test"}, {"name": "lint"}}, rows, "as of two seconds in only two pipelines existed")
}

type failingReader struct{}

func (failingReader) Execute(context.Context, *store.Query) ([]store.Result, error) {
	return nil, store.ErrStoreUnavailable
}

func TestStoreFailuresPropagate(t *testing.T) {
	p := New(failingReader{})
	ctx := context.Background()

	_, err := p.ListPipelines(ctx, PipelineFilter{})
	assert.True(t, errors.Is(err, store.ErrStoreUnavailable))
	_, _, err = p.RunStatus(ctx, "r-1", time.Time{})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	_, err = p.RunLogs(ctx, "r-1", 0, 1, time.Time{})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	_, _, err = p.ArtifactStore(ctx, "s3")
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	_, err = p.RunCounts(ctx)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	_, err = p.CCTray(ctx)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}
