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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"k8s.io/klog/v2"
)

var (
	// ErrProjectNotFound indicates the upstream host has no repository for
	// the project.
	ErrProjectNotFound = errors.New("upstream project not found")

	// ErrUnauthenticated indicates the upstream host rejected our token.
	// The Manager reacts by discarding its credentials and re-resolving.
	ErrUnauthenticated = errors.New("upstream authentication failed")

	errProjectExists = errors.New("upstream project already exists")
)

// Handle identifies a resolved upstream repository.
type Handle struct {
	ID                int    `json:"id"`
	PathWithNamespace string `json:"path_with_namespace"`
	HTTPURLToRepo     string `json:"http_url_to_repo"`
	DefaultBranch     string `json:"default_branch"`
}

// apiClient is a thin client for the upstream host's REST API (v4 flavor).
// The token rides on every request via an oauth2 transport; the base
// transport is traced.
type apiClient struct {
	base  *url.URL
	creds Credentials
	hc    *http.Client
}

func newAPIClient(creds Credentials) (*apiClient, error) {
	base, err := url.Parse(strings.TrimSuffix(creds.Host, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream host %q: %w", creds.Host, err)
	}
	if base.Scheme == "" {
		return nil, fmt.Errorf("invalid upstream host %q: missing scheme", creds.Host)
	}

	hc := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Token}),
			Base:   otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	return &apiClient{base: base, creds: creds, hc: hc}, nil
}

// verify confirms the token works by fetching the authenticated user.
func (c *apiClient) verify(ctx context.Context) error {
	var user struct {
		Username string `json:"username"`
	}
	if err := c.get(ctx, "/api/v4/user", &user); err != nil {
		return err
	}
	klog.V(2).Infof("authenticated to %s as %q", c.base, user.Username)
	return nil
}

// lookupProject resolves a project id within the configured group.
func (c *apiClient) lookupProject(ctx context.Context, projectID string) (*Handle, error) {
	path := "/api/v4/projects/" + url.PathEscape(c.creds.Group+"/"+projectID)
	var h Handle
	if err := c.get(ctx, path, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// createProject creates a new repository for projectID in the configured
// group. errProjectExists is returned when the name is already taken.
func (c *apiClient) createProject(ctx context.Context, projectID string) (*Handle, error) {
	form := url.Values{}
	form.Set("name", projectID)
	form.Set("path", projectID)
	form.Set("namespace", c.creds.Group)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base.String()+"/api/v4/projects", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("creating upstream project %q: %w", projectID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		var h Handle
		if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
			return nil, fmt.Errorf("decoding create response for %q: %w", projectID, err)
		}
		return &h, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthenticated
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusBadRequest:
		// The host reports duplicate names as 400 ("has already been
		// taken") or 409.
		return nil, errProjectExists
	default:
		return nil, fmt.Errorf("creating upstream project %q: %s", projectID, readErrorBody(resp))
	}
}

func (c *apiClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthenticated
	case http.StatusNotFound:
		return ErrProjectNotFound
	default:
		return fmt.Errorf("GET %s: %s", path, readErrorBody(resp))
	}
}

func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := string(bytes.TrimSpace(body))
	if msg == "" {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, msg)
}
