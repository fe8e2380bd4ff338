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

package proxy

import (
	"context"
	"crypto/subtle"
	"sync"
)

// The static implementations below back standalone deployments (collaborator
// state pushed through configuration) and tests. Production deployments are
// expected to plug in clients for the real identity/lock services instead.

// StaticDirectory maps project ids to their canonical branch.
type StaticDirectory map[string]string

func (d StaticDirectory) Lookup(_ context.Context, projectID string) (*Project, error) {
	branch, ok := d[projectID]
	if !ok {
		return nil, nil
	}
	return &Project{ID: projectID, CanonicalBranch: branch}, nil
}

// StaticLocks tracks write-lock holders in memory. The proxy itself only
// reads; Acquire and Release exist for the configuration loader and tests.
type StaticLocks struct {
	mu      sync.Mutex
	holders map[string]string
}

func NewStaticLocks() *StaticLocks {
	return &StaticLocks{holders: map[string]string{}}
}

func (l *StaticLocks) Acquire(projectID, identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holders[projectID] = identity
}

func (l *StaticLocks) Release(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holders, projectID)
}

func (l *StaticLocks) ActiveLockHolder(_ context.Context, projectID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders[projectID], nil
}

// StaticTokens maps opaque tokens to identities.
type StaticTokens map[string]string

func (t StaticTokens) VerifyToken(_ context.Context, token string) (string, bool) {
	identity, ok := t[token]
	return identity, ok
}

// StaticPasswords maps usernames to passwords.
type StaticPasswords map[string]string

func (p StaticPasswords) VerifyPassword(_ context.Context, username, password string) bool {
	want, ok := p[username]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, identity, projectID string, op Operation) bool

func (f AuthorizerFunc) Authorize(ctx context.Context, identity, projectID string, op Operation) bool {
	return f(ctx, identity, projectID, op)
}

// AllowAll authorizes every authenticated identity for every operation.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, string, Operation) bool {
	return true
}
