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

// Package admission decides whether a push may proceed. The decision is a
// pure function of the parsed push preamble, the project's canonical branch,
// and the externally tracked write-lock holder; it has no side effects and
// performs no I/O.
package admission

import (
	"fmt"

	"github.com/gitbastion/gitbastion/pkg/gitproto"
)

// Decision is the outcome of an admission check. Reason is set only on
// denial and is phrased for the end user; it ends up verbatim inside a
// protocol error frame.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Check admits or denies a receive-pack request.
//
// preamble may be nil (an empty or malformed push carries no update
// command); in that case only the lock-holder rule applies. lockHolder is
// the identity currently holding the project's write lock, empty when the
// lock is unheld. An unheld lock and a lock held by someone else deny
// identically: the requester must hold the lock, not merely observe that
// nobody does.
//
// Force pushes receive no special treatment. A delete or non-fast-forward
// update of the canonical branch is admitted whenever the rules below admit
// it; the write lock is the protection boundary.
func Check(preamble *gitproto.PushPreamble, canonicalBranch, lockHolder, identity string) Decision {
	if preamble != nil && preamble.Branch != canonicalBranch {
		return deny(fmt.Sprintf("only commits on the %s branch are allowed", canonicalBranch))
	}

	if lockHolder == "" || lockHolder != identity {
		return deny("you do not hold the write lock for this project")
	}

	return allow()
}
