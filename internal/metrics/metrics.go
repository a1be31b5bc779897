// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exports queue depths and run counts as Prometheus gauges.
// Values are read fresh on every scrape.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/bob-cd/apiserver/internal/projection"
	"github.com/bob-cd/apiserver/internal/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QueueDepths reports the number of ready messages per queue.
type QueueDepths interface {
	Depths(ctx context.Context) (map[string]int, error)
}

// RunCounts reports the number of runs per status.
type RunCounts interface {
	RunCounts(ctx context.Context) (map[string]int, error)
}

var queueGauges = map[string]*prometheus.Desc{
	queue.EntitiesQueue: prometheus.NewDesc("bob_queued_entities", "Number of entity commands waiting in the queue.", nil, nil),
	queue.JobsQueue:     prometheus.NewDesc("bob_queued_jobs", "Number of job commands waiting in the queue.", nil, nil),
	queue.ErrorsQueue:   prometheus.NewDesc("bob_errors", "Number of undrained worker errors.", nil, nil),
}

var runGauges = map[string]*prometheus.Desc{
	projection.StatusRunning: prometheus.NewDesc("bob_running_jobs", "Number of running pipeline runs.", nil, nil),
	projection.StatusPassed:  prometheus.NewDesc("bob_passed_jobs", "Number of passed pipeline runs.", nil, nil),
	projection.StatusFailed:  prometheus.NewDesc("bob_failed_jobs", "Number of failed pipeline runs.", nil, nil),
	projection.StatusPaused:  prometheus.NewDesc("bob_paused_jobs", "Number of paused pipeline runs.", nil, nil),
	projection.StatusStopped: prometheus.NewDesc("bob_stopped_jobs", "Number of stopped pipeline runs.", nil, nil),
}

// Collector implements prometheus.Collector over the broker and the store.
type Collector struct {
	queues  QueueDepths
	runs    RunCounts
	timeout time.Duration
}

// NewCollector creates a Collector. Each scrape is bounded by timeout.
func NewCollector(queues QueueDepths, runs RunCounts, timeout time.Duration) *Collector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Collector{queues: queues, runs: runs, timeout: timeout}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range queueGauges {
		ch <- d
	}
	for _, d := range runGauges {
		ch <- d
	}
}

// Collect implements prometheus.Collector. A failing source is reported as
// an invalid metric so the scrape fails instead of exporting zeros.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	emit(ctx, ch, queueGauges, c.queues.Depths)
	emit(ctx, ch, runGauges, c.runs.RunCounts)
}

func emit(ctx context.Context, ch chan<- prometheus.Metric, descs map[string]*prometheus.Desc, read func(context.Context) (map[string]int, error)) {
	values, err := read(ctx)
	for key, d := range descs {
		if err != nil {
			ch <- prometheus.NewInvalidMetric(d, err)
			continue
		}
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(values[key]))
	}
}

// Handler serves the collector in the Prometheus text format. Scrapes fail
// with 500 when the broker or the store cannot be read.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorHandling: promhttp.HTTPErrorOnError})
}
