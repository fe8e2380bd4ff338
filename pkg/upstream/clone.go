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
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

// LocalRepo is a local working copy of an upstream repository.
type LocalRepo struct {
	Path string
	Repo *git.Repository
}

// CreateOrClone ensures projectID has a backing repository on the upstream
// host and a working copy under the manager's cache directory. It first
// attempts to create the repository; if the name is already taken it clones
// the existing one instead. The outcome is idempotent (repository present
// locally and upstream), but concurrent calls for the same project must be
// serialized by the caller.
func (m *Manager) CreateOrClone(ctx context.Context, projectID string) (*LocalRepo, error) {
	ctx, span := tracer.Start(ctx, "Manager::CreateOrClone", trace.WithAttributes())
	defer span.End()

	var handle *Handle
	err := m.doWithAuth(ctx, func(c *apiClient) error {
		h, err := c.createProject(ctx, projectID)
		switch {
		case err == nil:
			klog.Infof("created upstream repository for project %q", projectID)
			handle = h
			return nil
		case errors.Is(err, errProjectExists):
			klog.V(2).Infof("upstream repository for project %q already exists; will clone", projectID)
			h, err := c.lookupProject(ctx, projectID)
			if err != nil {
				return err
			}
			handle = h
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}

	// A newly created repository supersedes any cached "not found" state.
	m.Forget(projectID)
	m.resolved.Add(projectID, handle, m.opts.ResolveTTL)

	return m.ensureLocalClone(ctx, projectID, handle)
}

// ensureLocalClone materializes a working copy for handle under the cache
// directory, reusing an existing one when present.
func (m *Manager) ensureLocalClone(ctx context.Context, projectID string, handle *Handle) (*LocalRepo, error) {
	replacer := strings.NewReplacer("/", "-", ":", "-")
	dir := filepath.Join(m.cacheDir, replacer.Replace(projectID))

	if fi, err := os.Stat(dir); err == nil {
		if !fi.IsDir() {
			return nil, fmt.Errorf("local clone path %q is not a directory", dir)
		}
		repo, err := git.PlainOpen(dir)
		if err != nil {
			return nil, fmt.Errorf("opening existing clone %q: %w", dir, err)
		}
		return &LocalRepo{Path: dir, Repo: repo}, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	username, password, err := m.GitAuth(ctx)
	if err != nil {
		return nil, err
	}

	// Clean up partial clones so a failed attempt does not poison the cache
	// directory.
	cleanup := dir
	defer func() {
		if cleanup != "" {
			os.RemoveAll(cleanup)
		}
	}()

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL: handle.HTTPURLToRepo,
		Auth: &githttp.BasicAuth{
			Username: username,
			Password: password,
		},
	})
	switch {
	case err == nil:
		// OK
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		// A just-created repository has no commits; initialize an empty
		// local copy wired to the same origin.
		r, initErr := initEmptyClone(dir, handle.HTTPURLToRepo)
		if initErr != nil {
			return nil, fmt.Errorf("initializing empty clone of %q: %w", handle.PathWithNamespace, initErr)
		}
		repo = r
	default:
		return nil, fmt.Errorf("cloning %q: %w", handle.PathWithNamespace, err)
	}

	cleanup = ""
	klog.Infof("cloned project %q into %s", projectID, dir)
	return &LocalRepo{Path: dir, Repo: repo}, nil
}

func initEmptyClone(dir, remoteURL string) (*git.Repository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return nil, err
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{remoteURL},
	}); err != nil {
		return nil, err
	}
	return repo, nil
}
