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
	"net/http"
	"strings"
)

// PasswordVerifier validates username/password credentials against the
// external identity system.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, username, password string) bool
}

// TokenVerifier validates an opaque access token and maps it to an
// identity.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (identity string, ok bool)
}

// ChainAuthenticator tries each scheme in order; the first one that
// establishes an identity wins. Order is fixed at construction.
type ChainAuthenticator []Authenticator

func (c ChainAuthenticator) Authenticate(r *http.Request) (string, bool) {
	for _, a := range c {
		if identity, ok := a.Authenticate(r); ok {
			return identity, true
		}
	}
	return "", false
}

// BasicAuthenticator authenticates HTTP basic credentials, which is what
// git clients send for https remotes.
type BasicAuthenticator struct {
	Verifier PasswordVerifier
}

func (a BasicAuthenticator) Authenticate(r *http.Request) (string, bool) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return "", false
	}
	if !a.Verifier.VerifyPassword(r.Context(), username, password) {
		return "", false
	}
	return username, true
}

// BearerAuthenticator authenticates "Authorization: Bearer <token>".
type BearerAuthenticator struct {
	Verifier TokenVerifier
}

func (a BearerAuthenticator) Authenticate(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return a.Verifier.VerifyToken(r.Context(), auth[len(prefix):])
}

// HeaderTokenAuthenticator authenticates an opaque token carried in a
// dedicated header (e.g. "Private-Token").
type HeaderTokenAuthenticator struct {
	Header   string
	Verifier TokenVerifier
}

func (a HeaderTokenAuthenticator) Authenticate(r *http.Request) (string, bool) {
	token := r.Header.Get(a.Header)
	if token == "" {
		return "", false
	}
	return a.Verifier.VerifyToken(r.Context(), token)
}
