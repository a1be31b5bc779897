// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bob-cd/apiserver/internal/logger"
	"github.com/bob-cd/apiserver/internal/projection"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ContentType is what every artifact is served as.
const ContentType = "application/tar"

var (
	// ErrStoreNotFound means the named artifact store is not registered.
	ErrStoreNotFound = errors.New("artifact store not found")
	// ErrArtifactNotFound means the store answered with anything but 200.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrUpstreamUnreachable means the store could not be reached at all.
	ErrUpstreamUnreachable = errors.New("artifact store unreachable")
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetArtifactLogger()
		log = &l
	})
	return log
}

// StoreLookup resolves an artifact store by name.
type StoreLookup interface {
	ArtifactStore(ctx context.Context, name string) (projection.ProviderInfo, bool, error)
}

// Request addresses one artifact of one run.
type Request struct {
	Group    string
	Name     string
	RunID    string
	Store    string
	Artifact string
}

// Artifact is an open artifact stream. The caller must close Body.
type Artifact struct {
	Body          io.ReadCloser
	ContentLength int64
}

// Proxy fetches artifacts from registered artifact stores. Each call makes
// exactly one upstream request.
type Proxy struct {
	stores StoreLookup
	client *http.Client
}

// NewProxy creates a Proxy. A nil client uses an instrumented default.
func NewProxy(stores StoreLookup, client *http.Client) *Proxy {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Proxy{stores: stores, client: client}
}

// URL builds the upstream location of an artifact.
func URL(base string, r Request) string {
	segments := []string{r.Group, r.Name, r.RunID, r.Artifact}
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/bob_artifact/" + strings.Join(segments, "/")
}

// Fetch opens the artifact stream.
func (p *Proxy) Fetch(ctx context.Context, r Request) (*Artifact, error) {
	info, found, err := p.stores.ArtifactStore(ctx, r.Store)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, r.Store)
	}

	target := URL(info.URL, r)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad store url %q: %v", ErrUpstreamUnreachable, info.URL, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		getLog().Error().Err(err).Str("store", r.Store).Str("url", target).Msg("Artifact store unreachable")
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		getLog().Warn().Int("status", resp.StatusCode).Str("store", r.Store).Str("artifact", r.Artifact).Msg("Artifact not found upstream")
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, r.Artifact)
	}

	getLog().Debug().Str("store", r.Store).Str("artifact", r.Artifact).Str("run_id", r.RunID).Msg("Streaming artifact")
	return &Artifact{Body: resp.Body, ContentLength: resp.ContentLength}, nil
}
