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

// Package upstream manages the proxy's relationship with the upstream git
// host: lazy credential resolution, project resolution with a bounded TTL
// cache, and create-or-clone of backing repositories.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"gopkg.in/yaml.v2"
)

// ErrNoCredentials indicates that no credential source could produce a
// usable credential set. Callers surface this as a "not configured"
// protocol error, never as a bare transport failure.
var ErrNoCredentials = errors.New("upstream credentials not configured")

// Credentials is what the proxy needs to act on the upstream host: its
// address, an access token, and the group (namespace) holding the backing
// repositories.
type Credentials struct {
	Host  string `yaml:"host"`
	Token string `yaml:"token"`
	Group string `yaml:"group"`
}

func (c Credentials) complete() bool {
	return c.Host != "" && c.Token != "" && c.Group != ""
}

// gitAuth is the auth method for git transport calls against the upstream.
// Token-authenticated hosts accept the token as a basic-auth password with
// a fixed username.
func (c Credentials) gitAuth() *githttp.BasicAuth {
	return &githttp.BasicAuth{
		Username: "oauth2",
		Password: c.Token,
	}
}

// CredentialSource supplies upstream credentials. Resolution is lazy: the
// Manager calls Resolve on first use and again after an authentication
// failure, so sources backed by rotating secrets keep working.
type CredentialSource interface {
	Resolve(ctx context.Context) (Credentials, error)
}

// StaticSource returns a fixed credential set.
type StaticSource Credentials

func (s StaticSource) Resolve(context.Context) (Credentials, error) {
	c := Credentials(s)
	if !c.complete() {
		return Credentials{}, ErrNoCredentials
	}
	return c, nil
}

// FileSource reads credentials from a YAML file. The file is re-read on
// every resolution, so a rotated token is picked up on the retry that
// follows an authentication failure.
type FileSource struct {
	Path string
}

func (s FileSource) Resolve(context.Context) (Credentials, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Credentials{}, fmt.Errorf("reading credentials file %q: %w", s.Path, err)
	}
	var c Credentials
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials file %q: %w", s.Path, err)
	}
	if !c.complete() {
		return Credentials{}, fmt.Errorf("credentials file %q: %w", s.Path, ErrNoCredentials)
	}
	return c, nil
}

// EnvSource reads UPSTREAM_HOST, UPSTREAM_TOKEN and UPSTREAM_GROUP.
type EnvSource struct{}

func (EnvSource) Resolve(context.Context) (Credentials, error) {
	c := Credentials{
		Host:  strings.TrimSpace(os.Getenv("UPSTREAM_HOST")),
		Token: strings.TrimSpace(os.Getenv("UPSTREAM_TOKEN")),
		Group: strings.TrimSpace(os.Getenv("UPSTREAM_GROUP")),
	}
	if !c.complete() {
		return Credentials{}, ErrNoCredentials
	}
	return c, nil
}

// ChainSource tries each source in order; the first complete credential set
// wins.
type ChainSource []CredentialSource

func (s ChainSource) Resolve(ctx context.Context) (Credentials, error) {
	for _, src := range s {
		c, err := src.Resolve(ctx)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrNoCredentials) && !errors.Is(err, os.ErrNotExist) {
			return Credentials{}, err
		}
	}
	return Credentials{}, ErrNoCredentials
}
