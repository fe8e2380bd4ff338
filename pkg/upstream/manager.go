// Copyright 2024 The GitBastion Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/cache"
	"k8s.io/klog/v2"
)

var tracer = otel.Tracer("upstream")

const (
	// resolveTTL bounds how long a resolved project handle may be served
	// from the cache.
	resolveTTL = 600 * time.Second

	// resolveCacheSize bounds the cache; least-recently-used entries are
	// evicted on overflow.
	resolveCacheSize = 100
)

// ErrNotConfigured indicates an operation against a manager whose
// credentials could not be resolved. Callers translate this into a
// protocol-level error; it must never surface as a raw transport failure.
var ErrNotConfigured = errors.New("upstream host not configured")

// ManagerOptions tune a Manager; the zero value selects production
// defaults.
type ManagerOptions struct {
	ResolveTTL       time.Duration
	ResolveCacheSize int
	Clock            cache.Clock // test hook for TTL expiry
}

func (o *ManagerOptions) complete() {
	if o.ResolveTTL == 0 {
		o.ResolveTTL = resolveTTL
	}
	if o.ResolveCacheSize == 0 {
		o.ResolveCacheSize = resolveCacheSize
	}
}

// Manager owns the process-wide relationship with the upstream host.
//
// Credentials are resolved lazily on first use. An authentication failure
// invalidates them; the next operation re-resolves from scratch rather than
// short-circuiting on the stale failure. Concurrent (re-)authentication is
// collapsed by a single-flight group so a burst of requests observing the
// failure does not stampede the credential source.
type Manager struct {
	source   CredentialSource
	cacheDir string
	opts     ManagerOptions

	mu     sync.Mutex
	client *apiClient // nil until authenticated, nil again after invalidate

	authFlight singleflight.Group
	resolved   *cache.LRUExpireCache
}

// NewManager constructs a Manager. cacheDir is where CreateOrClone keeps
// local working copies.
func NewManager(source CredentialSource, cacheDir string, opts ManagerOptions) *Manager {
	opts.complete()

	var resolved *cache.LRUExpireCache
	if opts.Clock != nil {
		resolved = cache.NewLRUExpireCacheWithClock(opts.ResolveCacheSize, opts.Clock)
	} else {
		resolved = cache.NewLRUExpireCache(opts.ResolveCacheSize)
	}

	return &Manager{
		source:   source,
		cacheDir: cacheDir,
		opts:     opts,
		resolved: resolved,
	}
}

// api returns an authenticated client, resolving and verifying credentials
// on first use or after an invalidation.
func (m *Manager) api(ctx context.Context) (*apiClient, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client != nil {
		return client, nil
	}

	v, err, _ := m.authFlight.Do("auth", func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have won.
		m.mu.Lock()
		if m.client != nil {
			c := m.client
			m.mu.Unlock()
			return c, nil
		}
		m.mu.Unlock()

		creds, err := m.source.Resolve(ctx)
		if err != nil {
			if errors.Is(err, ErrNoCredentials) {
				return nil, ErrNotConfigured
			}
			return nil, fmt.Errorf("resolving upstream credentials: %w", err)
		}

		c, err := newAPIClient(creds)
		if err != nil {
			return nil, err
		}
		if err := c.verify(ctx); err != nil {
			return nil, fmt.Errorf("authenticating to upstream %s: %w", creds.Host, err)
		}

		m.mu.Lock()
		m.client = c
		m.mu.Unlock()
		klog.Infof("authenticated to upstream host %s (group %s)", creds.Host, creds.Group)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*apiClient), nil
}

// invalidate drops the authenticated client. The next operation resolves
// credentials from scratch.
func (m *Manager) invalidate() {
	m.mu.Lock()
	m.client = nil
	m.mu.Unlock()
	klog.Warning("upstream credentials invalidated; will re-authenticate on next use")
}

// doWithAuth runs op against an authenticated client, retrying exactly once
// after re-authentication if the upstream rejects our token: one re-init,
// then propagate.
func (m *Manager) doWithAuth(ctx context.Context, op func(*apiClient) error) error {
	client, err := m.api(ctx)
	if err != nil {
		return err
	}

	err = op(client)
	if !errors.Is(err, ErrUnauthenticated) {
		return err
	}

	klog.Infof("upstream authentication failed; refreshing credentials")
	m.invalidate()

	client, err = m.api(ctx)
	if err != nil {
		return err
	}
	return op(client)
}

// Resolve maps a project id to its upstream repository handle. Fresh
// resolutions are cached for the TTL window; entries past their TTL are
// never served and trigger a new upstream lookup.
func (m *Manager) Resolve(ctx context.Context, projectID string) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "Manager::Resolve", trace.WithAttributes())
	defer span.End()

	if v, ok := m.resolved.Get(projectID); ok {
		return v.(*Handle), nil
	}

	var handle *Handle
	err := m.doWithAuth(ctx, func(c *apiClient) error {
		h, err := c.lookupProject(ctx, projectID)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.resolved.Add(projectID, handle, m.opts.ResolveTTL)
	return handle, nil
}

// Forget drops a cached resolution, forcing the next Resolve to consult the
// upstream. CreateOrClone uses this after creating a repository.
func (m *Manager) Forget(projectID string) {
	m.resolved.Remove(projectID)
}

// GitAuth returns the credentials for git transport calls against resolved
// repositories (forwarded Smart HTTP requests and local clones).
func (m *Manager) GitAuth(ctx context.Context) (username, password string, err error) {
	client, err := m.api(ctx)
	if err != nil {
		return "", "", err
	}
	auth := client.creds.gitAuth()
	return auth.Username, auth.Password, nil
}

// EndpointURL is the upstream URL a client request for the given handle is
// forwarded to: the repository's HTTP URL plus the git service suffix.
func (m *Manager) EndpointURL(h *Handle, suffix, rawQuery string) string {
	u := h.HTTPURLToRepo + "/" + suffix
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}
