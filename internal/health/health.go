// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bob-cd/apiserver/internal/logger"
	"github.com/bob-cd/apiserver/internal/projection"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetHealthLogger()
		log = &l
	})
	return log
}

// External system kinds probed over HTTP.
const (
	KindResourceProvider = "resource-provider"
	KindArtifactStore    = "artifact-store"
)

// BrokerStatus reports the local broker connection state.
type BrokerStatus interface {
	IsConnected() bool
}

// StoreStatus reports whether the store answers.
type StoreStatus interface {
	Status(ctx context.Context) error
}

// Registry lists the external systems to probe.
type Registry interface {
	ListResourceProviders(ctx context.Context) ([]projection.ProviderInfo, error)
	ListArtifactStores(ctx context.Context) ([]projection.ProviderInfo, error)
}

// Verdict is the outcome of one health pass.
type Verdict struct {
	Healthy bool
	Reasons []string
}

// Options tunes the aggregator.
type Options struct {
	// ProbeTimeout bounds every individual probe.
	ProbeTimeout time.Duration
	// Concurrency bounds simultaneous external pings.
	Concurrency int
	// PassTimeout bounds a whole pass. Defaults to twice ProbeTimeout.
	// Pings not started by then are reported as unchecked.
	PassTimeout time.Duration
	// Client is used for external pings. Defaults to an instrumented client.
	Client *http.Client
}

// Aggregator runs every probe concurrently and reduces the results to one
// verdict. A failing probe never stops the others.
type Aggregator struct {
	broker   BrokerStatus
	store    StoreStatus
	registry Registry
	client   *http.Client
	timeout  time.Duration
	pass     time.Duration
	limit    int
}

// New creates an Aggregator.
func New(broker BrokerStatus, store StoreStatus, registry Registry, opts Options) *Aggregator {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.PassTimeout <= 0 {
		opts.PassTimeout = 2 * opts.ProbeTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Aggregator{
		broker:   broker,
		store:    store,
		registry: registry,
		client:   opts.Client,
		timeout:  opts.ProbeTimeout,
		pass:     opts.PassTimeout,
		limit:    opts.Concurrency,
	}
}

// Check runs one health pass, bounded by the pass timeout.
func (a *Aggregator) Check(ctx context.Context) Verdict {
	ctx, cancel := context.WithTimeout(ctx, a.pass)
	defer cancel()

	probes := []func(context.Context) error{
		a.checkBroker,
		a.checkStore,
		func(ctx context.Context) error {
			return a.checkExternal(ctx, KindArtifactStore, a.registry.ListArtifactStores)
		},
		func(ctx context.Context) error {
			return a.checkExternal(ctx, KindResourceProvider, a.registry.ListResourceProviders)
		},
	}

	// Probes report through results, never through the group, so one
	// failure cannot cancel the rest.
	results := make([]error, len(probes))
	var g errgroup.Group
	for i, probe := range probes {
		g.Go(func() error {
			results[i] = probe(ctx)
			return nil
		})
	}
	_ = g.Wait()

	err := multierr.Combine(results...)
	if err == nil {
		return Verdict{Healthy: true}
	}
	return Verdict{
		Healthy: false,
		Reasons: lo.Map(multierr.Errors(err), func(e error, _ int) string { return e.Error() }),
	}
}

func (a *Aggregator) checkBroker(context.Context) error {
	if !a.broker.IsConnected() {
		return errors.New("Queue is unhealthy: broker connection is down")
	}
	return nil
}

func (a *Aggregator) checkStore(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.store.Status(ctx); err != nil {
		return fmt.Errorf("DB is unhealthy: %v", err)
	}
	return nil
}

func (a *Aggregator) checkExternal(ctx context.Context, kind string, list func(context.Context) ([]projection.ProviderInfo, error)) error {
	listCtx, cancel := context.WithTimeout(ctx, a.timeout)
	systems, err := list(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("External system(s) %s unhealthy: %v", kind, err)
	}
	if len(systems) == 0 {
		return nil
	}

	failures := make([]error, len(systems))
	g := new(errgroup.Group)
	g.SetLimit(a.limit)
	for i, sys := range systems {
		g.Go(func() error {
			if ctx.Err() != nil {
				failures[i] = fmt.Errorf("%s: not checked within the %s health pass", sys.Name, a.pass)
				return nil
			}
			if err := a.ping(ctx, sys.URL); err != nil {
				failures[i] = fmt.Errorf("%s: %w", sys.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := multierr.Combine(failures...); err != nil {
		msgs := lo.Map(multierr.Errors(err), func(e error, _ int) string { return e.Error() })
		return fmt.Errorf("External system(s) %s unhealthy: %s", kind, strings.Join(msgs, "; "))
	}
	return nil
}

// ping issues GET <url>/ping. Any status of 400 or above is a failure.
func (a *Aggregator) ping(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/ping", nil)
	if err != nil {
		return fmt.Errorf("bad url %q: %w", baseURL, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("no answer within %s", a.timeout)
		}
		return fmt.Errorf("unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		if msg := strings.TrimSpace(string(body)); msg != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

// Run checks health every interval until ctx is done, logging failures and
// recoveries. It never surfaces an error.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v := a.Check(ctx)
			switch {
			case !v.Healthy:
				getLog().Error().Strs("reasons", v.Reasons).Msg("Health check failed")
			case !healthy:
				getLog().Info().Msg("Health check recovered")
			default:
				getLog().Debug().Msg("Health check passed")
			}
			healthy = v.Healthy
		}
	}
}
