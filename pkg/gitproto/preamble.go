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

package gitproto

import (
	"regexp"

	"github.com/go-git/go-git/v5/plumbing"
)

// PushPreamble is the textual head of a receive-pack request body: the ref
// update command the client sends before the binary pack data.
type PushPreamble struct {
	OldHash plumbing.Hash
	NewHash plumbing.Hash
	Branch  string
}

// IsCreate reports whether the push creates the ref (old hash all zero).
func (p *PushPreamble) IsCreate() bool {
	return p.OldHash.IsZero()
}

// IsDelete reports whether the push deletes the ref (new hash all zero).
func (p *PushPreamble) IsDelete() bool {
	return p.NewHash.IsZero()
}

// The update command is <old-sha> SP <new-sha> SP refs/heads/<branch> NUL;
// the NUL separates the client's capability list. Everything after it,
// including the pack data, is irrelevant here.
var preamblePattern = regexp.MustCompile(`([0-9a-f]{40}) ([0-9a-f]{40}) refs/heads/([^\x00\n]+)\x00`)

// ParsePushPreamble scans the head of a raw receive-pack request body for a
// branch update command. The scan is deliberately lenient: the body's
// trailing pack data is arbitrary binary and is never decoded. Returns nil
// when no command is present (an empty or malformed push).
func ParsePushPreamble(body []byte) *PushPreamble {
	m := preamblePattern.FindSubmatch(body)
	if m == nil {
		return nil
	}
	return &PushPreamble{
		OldHash: plumbing.NewHash(string(m[1])),
		NewHash: plumbing.NewHash(string(m[2])),
		Branch:  string(m[3]),
	}
}
