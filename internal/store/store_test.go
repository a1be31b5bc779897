// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bob-cd/apiserver/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestOpen_ExhaustsRetries(t *testing.T) {
	_, err := Open(context.Background(),
		config.StorageConfig{Driver: "sqlite", URL: "/nonexistent-dir/for/sure/bob.db"},
		config.ConnectionConfig{RetryAttempts: 2, RetryDelay: time.Millisecond},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(),
		config.StorageConfig{Driver: "mysql", URL: "x"},
		config.ConnectionConfig{RetryAttempts: 1},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage driver: mysql")
}

func TestStatusAndSync(t *testing.T) {
	f := UseFreshDatabase(t)
	defer f.Cleanup()

	ctx := context.Background()
	require.NoError(t, f.Store.Status(ctx))
	require.NoError(t, f.Store.Sync(ctx, time.Second), "an empty store is trivially in sync")

	f.Seed(t, PipelineDocID("dev", "test"), TypePipeline, map[string]any{"group": "dev", "name": "test"}, base)
	require.NoError(t, f.Store.Sync(ctx, time.Second))

	require.NoError(t, f.Store.Close())
	err := f.Store.Status(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	err = f.Store.Sync(ctx, 250*time.Millisecond)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestPutAndLookup(t *testing.T) {
	f := UseFreshDatabase(t)
	defer f.Cleanup()
	ctx := context.Background()

	id := ArtifactStoreDocID("local")
	first := f.Seed(t, id, TypeArtifactStore, map[string]any{"url": "http://old:8001"}, base)
	second := f.Seed(t, id, TypeArtifactStore, map[string]any{"url": "http://new:8001"}, base.Add(time.Minute))
	assert.Greater(t, second.TxID, first.TxID)

	r, found, err := f.Store.Lookup(ctx, id, time.Time{})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "http://new:8001", r.Str("url"))
	assert.Equal(t, TypeArtifactStore, r.Type)

	r, found, err = f.Store.Lookup(ctx, id, base.Add(30*time.Second))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "http://old:8001", r.Str("url"), "as-of reads see the version current at that time")

	_, found, err = f.Store.Lookup(ctx, id, base.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, found, "nothing existed before the first write")

	_, found, err = f.Store.Lookup(ctx, ArtifactStoreDocID("missing"), time.Time{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteIsATombstone(t *testing.T) {
	f := UseFreshDatabase(t)
	defer f.Cleanup()
	ctx := context.Background()

	id := ResourceProviderDocID("local")
	f.Seed(t, id, TypeResourceProvider, map[string]any{"url": "http://rp:8000"}, base)
	f.Tombstone(t, id, base.Add(time.Hour))

	_, found, err := f.Store.Lookup(ctx, id, time.Time{})
	require.NoError(t, err)
	assert.False(t, found)

	r, found, err := f.Store.Lookup(ctx, id, base.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, found, "history before the delete stays readable")
	assert.Equal(t, "http://rp:8000", r.Str("url"))

	err = f.Store.Delete(ctx, id, time.Time{})
	assert.ErrorIs(t, err, ErrNotFound, "deleting twice")

	err = f.Store.Delete(ctx, ResourceProviderDocID("never"), time.Time{})
	assert.ErrorIs(t, err, ErrNotFound)

	f.Seed(t, id, TypeResourceProvider, map[string]any{"url": "http://rp:9000"}, base.Add(2*time.Hour))
	r, found, err = f.Store.Lookup(ctx, id, time.Time{})
	require.NoError(t, err)
	require.True(t, found, "a document can be recreated after deletion")
	assert.Equal(t, "http://rp:9000", r.Str("url"))
}

func seedPipelines(t *testing.T, f *StoreFixture) {
	f.Seed(t, PipelineDocID("dev", "a"), TypePipeline, map[string]any{"group": "dev", "name": "a", "image": "alpine"}, base)
	f.Seed(t, PipelineDocID("dev", "b"), TypePipeline, map[string]any{"group": "dev", "name": "b"}, base.Add(time.Second))
	f.Seed(t, PipelineDocID("prod", "a"), TypePipeline, map[string]any{"group": "prod", "name": "a", "image": "debian"}, base.Add(2*time.Second))
	f.Seed(t, ResourceProviderDocID("dev"), TypeResourceProvider, map[string]any{"name": "dev", "url": "http://rp"}, base.Add(3*time.Second))
}

func TestExecute_Predicates(t *testing.T) {
	f := UseFreshDatabase(t)
	defer f.Cleanup()
	seedPipelines(t, f)
	ctx := context.Background()

	tests := []struct {
		name  string
		query *Query
		want  []string
	}{
		{
			name:  "by_type",
			query: Find().Matching(OfType(TypePipeline)),
			want:  []string{"bob.pipeline.dev/a", "bob.pipeline.dev/b", "bob.pipeline.prod/a"},
		},
		{
			name:  "eq_body",
			query: Find().Matching(OfType(TypePipeline), Eq("group", "dev")),
			want:  []string{"bob.pipeline.dev/a", "bob.pipeline.dev/b"},
		},
		{
			name:  "two_body_keys",
			query: Find().Matching(Eq("group", "prod"), Eq("name", "a")),
			want:  []string{"bob.pipeline.prod/a"},
		},
		{
			name:  "neq_requires_key",
			query: Find().Matching(Neq("image", "alpine")),
			want:  []string{"bob.pipeline.prod/a"},
		},
		{
			name:  "in",
			query: Find().Matching(In("name", "b", "dev")),
			want:  []string{"bob.pipeline.dev/b", "bob.resource-provider/dev"},
		},
		{
			name:  "exists",
			query: Find().Matching(Exists("url")),
			want:  []string{"bob.resource-provider/dev"},
		},
		{
			name:  "id_in",
			query: Find().Matching(In(AttrID, "bob.pipeline.dev/b", "bob.pipeline.prod/a")),
			want:  []string{"bob.pipeline.dev/b", "bob.pipeline.prod/a"},
		},
		{
			name:  "type_neq",
			query: Find().Matching(Neq(AttrType, TypePipeline)),
			want:  []string{"bob.resource-provider/dev"},
		},
		{
			name:  "no_match",
			query: Find().Matching(Eq("group", "staging")),
			want:  []string{},
		},
		{
			name:  "page",
			query: Find().Matching(OfType(TypePipeline)).Page(1, 1),
			want:  []string{"bob.pipeline.dev/b"},
		},
		{
			name:  "as_of",
			query: Find().Matching(OfType(TypePipeline)).At(base.Add(time.Second)),
			want:  []string{"bob.pipeline.dev/a", "bob.pipeline.dev/b"},
		},
		{
			name:  "sorted_desc",
			query: Find().Matching(OfType(TypePipeline)).Sorted("group", true).Sorted("name", false),
			want:  []string{"bob.pipeline.prod/a", "bob.pipeline.dev/a", "bob.pipeline.dev/b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := f.Store.Execute(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(results))
		})
	}
}

func TestExecute_Projection(t *testing.T) {
	f := UseFreshDatabase(t)
	defer f.Cleanup()
	seedPipelines(t, f)

	results, err := f.Store.Execute(context.Background(),
		Find(AttrID, "name", "image").Matching(Eq("group", "dev")))
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, map[string]any{"id": "bob.pipeline.dev/a", "name": "a", "image": "alpine"}, results[0].Attrs)
	assert.Equal(t, map[string]any{"id": "bob.pipeline.dev/b", "name": "b"}, results[1].Attrs, "missing attributes are omitted")
}

func TestExecute_LogOrderingIsStable(t *testing.T) {
	f := UseFreshDatabase(t)
	defer f.Cleanup()
	ctx := context.Background()

	// Written out of time order, with two lines sharing a timestamp.
	times := []time.Time{
		base.Add(3 * time.Second),
		base.Add(1 * time.Second),
		base.Add(2 * time.Second),
		base.Add(2 * time.Second),
		base.Add(1500 * time.Millisecond),
	}
	for i, ts := range times {
		f.Seed(t, LogDocID(), TypeLogLine, map[string]any{
			"run-id": "r-1",
			"time":   ts.Format(time.RFC3339Nano),
			"line":   fmt.Sprintf("line %d", i),
		}, base.Add(time.Duration(i)*time.Millisecond))
	}
	f.Seed(t, LogDocID(), TypeLogLine, map[string]any{"run-id": "r-2", "time": base.Format(time.RFC3339Nano), "line": "other run"}, base)

	query := func(offset, limit int) []string {
		results, err := f.Store.Execute(ctx, Find("line").
			Matching(OfType(TypeLogLine), Eq("run-id", "r-1")).
			Sorted("time", false).
			Page(offset, limit))
		require.NoError(t, err)
		lines := make([]string, len(results))
		for i, r := range results {
			lines[i] = r.Str("line")
		}
		return lines
	}

	all := query(0, 0)
	assert.Equal(t, []string{"line 1", "line 4", "line 2", "line 3", "line 0"}, all)
	assert.Equal(t, all, query(0, 0), "repeated reads are identical")
	assert.Equal(t, []string{"line 4", "line 2"}, query(1, 2))
	assert.Empty(t, query(10, 5))

	f.Seed(t, LogDocID(), TypeLogLine, map[string]any{"run-id": "r-1", "time": base.Add(time.Minute).Format(time.RFC3339Nano), "line": "late"}, base.Add(time.Minute))
	assert.Equal(t, append(all, "late"), query(0, 0), "a later line appends without reordering")
}

func TestExecute_InvalidQuery(t *testing.T) {
	f := UseFreshDatabase(t)
	defer f.Cleanup()

	for name, q := range map[string]*Query{
		"unknown_op":     {Where: []Clause{{Attr: "x", Op: "like", Value: "y"}}},
		"eq_no_value":    {Where: []Clause{{Attr: "x", Op: OpEq}}},
		"in_empty":       Find().Matching(In("x")),
		"in_non_scalar":  Find().Matching(In("x", []any{1})),
		"no_attr":        Find().Matching(Eq("", "y")),
		"negative_limit": Find().Page(0, -1),
		"empty_find":     Find(""),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.Store.Execute(context.Background(), q)
			assert.ErrorIs(t, err, ErrInvalidQuery)
		})
	}
}

func TestParseRaw(t *testing.T) {
	q, err := ParseRaw(`{"find":["name"],"where":[{"attr":"type","op":"eq","value":"pipeline"},{"attr":"group","op":"in","value":["dev","prod"]}],"order_by":[{"attr":"name","desc":true}],"limit":5}`, "2024-03-01T12:00:01Z")
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, q.Find)
	assert.Equal(t, []Order{{Attr: "name", Desc: true}}, q.OrderBy)
	assert.Equal(t, 5, q.Limit)
	assert.Equal(t, base.Add(time.Second), q.AsOf)
	assert.Equal(t, []any{"dev", "prod"}, q.Where[1].Value)

	q, err = ParseRaw(`{"where":[{"attr":"retries","op":"eq","value":3}]}`, "")
	require.NoError(t, err)
	assert.Equal(t, json.Number("3"), q.Where[0].Value)
	assert.True(t, q.AsOf.IsZero())

	for _, bad := range []struct{ q, t string }{
		{"", ""},
		{"{", ""},
		{`{"select":["x"]}`, ""},
		{`{"where":[{"attr":"x","op":"gt","value":1}]}`, ""},
		{`{}`, "yesterday"},
		{`{} {}`, ""},
	} {
		_, err := ParseRaw(bad.q, bad.t)
		assert.ErrorIs(t, err, ErrInvalidQuery, "%q at %q", bad.q, bad.t)
	}
}

func TestRawQueryRoundTrip(t *testing.T) {
	f := UseFreshDatabase(t)
	defer f.Cleanup()
	seedPipelines(t, f)
	f.Seed(t, PipelineDocID("dev", "c"), TypePipeline, map[string]any{"group": "dev", "name": "c", "retries": 3}, base.Add(5*time.Second))

	q, err := ParseRaw(`{"find":["name"],"where":[{"attr":"retries","op":"eq","value":3}]}`, "")
	require.NoError(t, err)
	results, err := f.Store.Execute(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c", results[0].Str("name"))

	q, err = ParseRaw(`{"where":[{"attr":"type","op":"eq","value":"pipeline"}]}`, base.Add(500*time.Millisecond).Format(time.RFC3339Nano))
	require.NoError(t, err)
	results, err = f.Store.Execute(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob.pipeline.dev/a"}, ids(results))
}

func TestDocIDHelpers(t *testing.T) {
	runID, ok := RunIDOf(RunDocID("r-42"))
	assert.True(t, ok)
	assert.Equal(t, "r-42", runID)

	_, ok = RunIDOf(PipelineDocID("dev", "test"))
	assert.False(t, ok)

	name, ok := NameOf(ArtifactStoreDocID("s3"))
	assert.True(t, ok)
	assert.Equal(t, "s3", name)

	name, ok = NameOf(ResourceProviderDocID("k8s"))
	assert.True(t, ok)
	assert.Equal(t, "k8s", name)

	assert.Regexp(t, `^bob\.pipeline\.log/l-[0-9a-f-]{36}$`, LogDocID())
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, compare(nil, "a"))
	assert.Equal(t, 1, compare(json.Number("10"), json.Number("9")))
	assert.Equal(t, -1, compare("2026-03-01T12:00:05Z", "2026-03-01T12:00:05.5Z"), "timestamps compare as times")
	assert.Equal(t, 0, compare("b", "b"))
	assert.Equal(t, -1, compare("a", "b"))
}
