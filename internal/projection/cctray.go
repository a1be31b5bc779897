// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package projection

import (
	"context"
	"encoding/xml"
	"fmt"
	"sort"
	"time"

	"github.com/bob-cd/apiserver/internal/store"
	"github.com/samber/lo"
)

// CCTrayProjects is the root of a cctray.xml feed.
type CCTrayProjects struct {
	XMLName  xml.Name        `xml:"Projects"`
	Projects []CCTrayProject `xml:"Project"`
}

// CCTrayProject is one pipeline in a cctray.xml feed.
type CCTrayProject struct {
	Name            string `xml:"name,attr"`
	Activity        string `xml:"activity,attr"`
	LastBuildStatus string `xml:"lastBuildStatus,attr"`
	LastBuildLabel  string `xml:"lastBuildLabel,attr"`
	LastBuildTime   string `xml:"lastBuildTime,attr"`
	WebURL          string `xml:"webUrl,attr"`
}

// CCTray reports the latest run of every existing pipeline, most recently
// completed first.
func (p *Projector) CCTray(ctx context.Context) (CCTrayProjects, error) {
	pipelines, err := p.execute(ctx, "cctray-pipelines",
		store.Find("group", "name").Matching(store.OfType(store.TypePipeline)))
	if err != nil {
		return CCTrayProjects{}, fmt.Errorf("failed to list pipelines: %w", err)
	}
	exists := lo.SliceToMap(pipelines, func(r store.Result) (string, bool) {
		return pipelineKey(r.Str("group"), r.Str("name")), true
	})

	runs, err := p.runs(ctx, time.Time{}, store.OfType(store.TypePipelineRun))
	if err != nil {
		return CCTrayProjects{}, err
	}
	runs = lo.Filter(runs, func(r Run, _ int) bool { return exists[pipelineKey(r.Group, r.Name)] })

	latest := lo.Values(latestRuns(runs, completedAt))
	sort.Slice(latest, func(i, j int) bool { return newer(latest[i], latest[j], completedAt) })

	return CCTrayProjects{Projects: lo.Map(latest, func(r Run, _ int) CCTrayProject {
		return toCCTray(r)
	})}, nil
}

func toCCTray(r Run) CCTrayProject {
	activity := "Sleeping"
	if r.Status == StatusRunning {
		activity = "Running"
	}

	var lastBuildTime string
	if t := completedAt(r); t != nil {
		lastBuildTime = t.Format(time.RFC3339)
	}

	return CCTrayProject{
		Name:            r.Group + ":" + r.Name,
		Activity:        activity,
		LastBuildStatus: buildStatus(r.Status),
		LastBuildLabel:  r.RunID,
		LastBuildTime:   lastBuildTime,
		WebURL:          "#",
	}
}

func buildStatus(status string) string {
	switch status {
	case StatusPassed, StatusRunning, StatusPaused:
		return "Success"
	case StatusFailed:
		return "Failure"
	case StatusStopped:
		return "Exception"
	default:
		return "Unknown"
	}
}
