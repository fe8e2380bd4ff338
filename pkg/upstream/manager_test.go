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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost is a minimal stand-in for the upstream host's REST API.
type fakeHost struct {
	mu       sync.Mutex
	projects map[string]*Handle
	nextID   int

	validTokens map[string]bool

	lookupCalls int32
	createCalls int32
}

func newFakeHost(tokens ...string) *fakeHost {
	valid := map[string]bool{}
	for _, tok := range tokens {
		valid[tok] = true
	}
	return &fakeHost{
		projects:    map[string]*Handle{},
		nextID:      100,
		validTokens: valid,
	}
}

func (f *fakeHost) addProject(group, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	path := group + "/" + id
	f.projects[path] = &Handle{
		ID:                f.nextID,
		PathWithNamespace: path,
		HTTPURLToRepo:     "https://upstream.example.com/" + path + ".git",
		DefaultBranch:     "master",
	}
}

func (f *fakeHost) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/user", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"username": "proxy-bot"})
	})
	mux.HandleFunc("/api/v4/projects/", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
			return
		}
		atomic.AddInt32(&f.lookupCalls, 1)
		path := strings.TrimPrefix(r.URL.EscapedPath(), "/api/v4/projects/")
		unescaped := strings.ReplaceAll(path, "%2F", "/")
		f.mu.Lock()
		h, ok := f.projects[unescaped]
		f.mu.Unlock()
		if !ok {
			http.Error(w, "404 Project Not Found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/api/v4/projects", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
			return
		}
		atomic.AddInt32(&f.createCalls, 1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		name := r.PostFormValue("name")
		group := r.PostFormValue("namespace")
		path := group + "/" + name
		f.mu.Lock()
		if _, exists := f.projects[path]; exists {
			f.mu.Unlock()
			http.Error(w, `{"message":{"name":["has already been taken"]}}`, http.StatusBadRequest)
			return
		}
		f.mu.Unlock()
		f.addProject(group, name)
		f.mu.Lock()
		h := f.projects[path]
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(h)
	})
	return mux
}

func (f *fakeHost) authorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validTokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
}

// countingSource wraps a credential source and counts resolutions.
type countingSource struct {
	mu    sync.Mutex
	creds []Credentials // consumed one per resolution; last repeats
	calls int
}

func (s *countingSource) Resolve(context.Context) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	i := s.calls - 1
	if i >= len(s.creds) {
		i = len(s.creds) - 1
	}
	return s.creds[i], nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func creds(host, token string) Credentials {
	return Credentials{Host: host, Token: token, Group: "projects"}
}

func TestResolveCachesWithinTTL(t *testing.T) {
	host := newFakeHost("tok-1")
	srv := httptest.NewServer(host.handler())
	defer srv.Close()
	host.addProject("projects", "demo")

	clock := &testClock{now: time.Now()}
	src := &countingSource{creds: []Credentials{creds(srv.URL, "tok-1")}}
	m := NewManager(src, t.TempDir(), ManagerOptions{Clock: clock})

	ctx := context.Background()

	h1, err := m.Resolve(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "projects/demo", h1.PathWithNamespace)

	h2, err := m.Resolve(ctx, "demo")
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&host.lookupCalls))
}

func TestResolveExpiresAfterTTL(t *testing.T) {
	host := newFakeHost("tok-1")
	srv := httptest.NewServer(host.handler())
	defer srv.Close()
	host.addProject("projects", "demo")

	clock := &testClock{now: time.Now()}
	src := &countingSource{creds: []Credentials{creds(srv.URL, "tok-1")}}
	m := NewManager(src, t.TempDir(), ManagerOptions{Clock: clock})

	ctx := context.Background()

	_, err := m.Resolve(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&host.lookupCalls))

	// One second past the TTL the cached handle must not be served.
	clock.advance(resolveTTL + time.Second)

	_, err = m.Resolve(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&host.lookupCalls))
}

func TestResolveNotFound(t *testing.T) {
	host := newFakeHost("tok-1")
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	src := &countingSource{creds: []Credentials{creds(srv.URL, "tok-1")}}
	m := NewManager(src, t.TempDir(), ManagerOptions{})

	_, err := m.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	// Misses are not cached: the next call consults the upstream again.
	_, err = m.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)
	assert.Equal(t, int32(2), atomic.LoadInt32(&host.lookupCalls))
}

func TestResolveNotConfigured(t *testing.T) {
	m := NewManager(StaticSource{}, t.TempDir(), ManagerOptions{})

	_, err := m.Resolve(context.Background(), "demo")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestAuthFailureTriggersReResolution(t *testing.T) {
	host := newFakeHost("tok-good")
	srv := httptest.NewServer(host.handler())
	defer srv.Close()
	host.addProject("projects", "demo")

	// The first credential set authenticates, then is revoked server-side;
	// the source hands out the good token on re-resolution.
	src := &countingSource{creds: []Credentials{
		creds(srv.URL, "tok-revoked"),
		creds(srv.URL, "tok-good"),
	}}

	m := NewManager(src, t.TempDir(), ManagerOptions{})

	// First attempt fails verification outright; the manager must not
	// short-circuit subsequent attempts on the recorded failure.
	_, err := m.Resolve(context.Background(), "demo")
	require.Error(t, err)

	h, err := m.Resolve(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, "projects/demo", h.PathWithNamespace)
	assert.Equal(t, 2, src.calls)
}

func TestDoWithAuthRetriesOnce(t *testing.T) {
	host := newFakeHost("tok-1")
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	src := &countingSource{creds: []Credentials{creds(srv.URL, "tok-1")}}
	m := NewManager(src, t.TempDir(), ManagerOptions{})

	attempts := 0
	err := m.doWithAuth(context.Background(), func(*apiClient) error {
		attempts++
		return ErrUnauthenticated
	})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 2, attempts, "exactly one re-init then propagate")
	assert.Equal(t, 2, src.calls)
}

func TestCreateOrCloneReusesExistingLocalCopy(t *testing.T) {
	host := newFakeHost("tok-1")
	srv := httptest.NewServer(host.handler())
	defer srv.Close()
	host.addProject("projects", "demo")

	cacheDir := t.TempDir()

	// A working copy is already present; CreateOrClone must fall back to
	// the existing repository after the upstream reports the name taken.
	_, err := git.PlainInit(cacheDir+"/demo", false)
	require.NoError(t, err)

	src := &countingSource{creds: []Credentials{creds(srv.URL, "tok-1")}}
	m := NewManager(src, cacheDir, ManagerOptions{})

	local, err := m.CreateOrClone(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, cacheDir+"/demo", local.Path)
	assert.NotNil(t, local.Repo)
	assert.Equal(t, int32(1), atomic.LoadInt32(&host.createCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&host.lookupCalls))
}

func TestCreateOrCloneCreatesUpstream(t *testing.T) {
	host := newFakeHost("tok-1")
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	cacheDir := t.TempDir()

	// Pre-seed the local copy so the test exercises the create path without
	// needing a clonable remote.
	_, err := git.PlainInit(cacheDir+"/fresh", false)
	require.NoError(t, err)

	src := &countingSource{creds: []Credentials{creds(srv.URL, "tok-1")}}
	m := NewManager(src, cacheDir, ManagerOptions{})

	local, err := m.CreateOrClone(context.Background(), "fresh")
	require.NoError(t, err)
	assert.NotNil(t, local.Repo)

	// The freshly created handle is cached for subsequent forwards.
	h, err := m.Resolve(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, "projects/fresh", h.PathWithNamespace)
	assert.Equal(t, int32(0), atomic.LoadInt32(&host.lookupCalls))
}

func TestEndpointURL(t *testing.T) {
	m := NewManager(StaticSource{}, t.TempDir(), ManagerOptions{})
	h := &Handle{HTTPURLToRepo: "https://upstream.example.com/projects/demo.git"}

	assert.Equal(t,
		"https://upstream.example.com/projects/demo.git/info/refs?service=git-upload-pack",
		m.EndpointURL(h, "info/refs", "service=git-upload-pack"))
	assert.Equal(t,
		"https://upstream.example.com/projects/demo.git/git-receive-pack",
		m.EndpointURL(h, "git-receive-pack", ""))
}
