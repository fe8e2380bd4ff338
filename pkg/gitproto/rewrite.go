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
	"bytes"
	"encoding/hex"
	"fmt"
)

// Rewriter substitutes the upstream host's brand token inside a forwarded
// pkt-line stream. Because the 4-hex length field of a frame counts its
// payload, every substitution inside a frame must recompute that field by
// the byte-length delta of the two tokens; emitting the old length would
// misalign the client against the rest of the stream.
//
// The rewriter is stateful: frames split across forwarded chunks are
// buffered until complete. If the stream stops parsing as pkt-lines
// (an upstream HTML error page, say), the remainder is passed through
// with plain substitution and no length fixups.
type Rewriter struct {
	from []byte
	to   []byte

	pending []byte
	raw     bool
}

// NewRewriter returns a Rewriter replacing upstreamBrand with brand.
// If the tokens are equal the rewriter degrades to a buffered copy.
func NewRewriter(upstreamBrand, brand string) *Rewriter {
	return &Rewriter{
		from: []byte(upstreamBrand),
		to:   []byte(brand),
	}
}

// Rewrite consumes the next forwarded chunk and returns the bytes that are
// ready to be sent to the client. Incomplete trailing frames are retained
// for the next call; Flush drains them at end of stream.
func (r *Rewriter) Rewrite(chunk []byte) []byte {
	if r.raw {
		return bytes.ReplaceAll(chunk, r.from, r.to)
	}

	r.pending = append(r.pending, chunk...)

	var out []byte
	for {
		if len(r.pending) < 4 {
			return out
		}

		n, ok := frameLen(r.pending[:4])
		if !ok {
			// Not pkt-line framed (anymore); stop interpreting.
			r.raw = true
			out = append(out, bytes.ReplaceAll(r.pending, r.from, r.to)...)
			r.pending = nil
			return out
		}

		if n < 4 {
			// flush-pkt, or a protocol v2 control pkt; 4 bytes, no payload.
			out = append(out, r.pending[:4]...)
			r.pending = r.pending[4:]
			continue
		}

		if len(r.pending) < n {
			return out
		}

		payload := r.pending[4:n]
		if bytes.Contains(payload, r.from) {
			payload = bytes.ReplaceAll(payload, r.from, r.to)
		}
		out = append(out, fmt.Sprintf("%04x", len(payload)+4)...)
		out = append(out, payload...)
		r.pending = r.pending[n:]
	}
}

// Flush returns whatever an unterminated stream left behind, rewritten
// without length fixups. A well-formed stream leaves nothing.
func (r *Rewriter) Flush() []byte {
	rest := r.pending
	r.pending = nil
	if len(rest) == 0 {
		return nil
	}
	return bytes.ReplaceAll(rest, r.from, r.to)
}

// frameLen decodes a 4-hex-digit pkt-line length field.
func frameLen(field []byte) (int, bool) {
	var b [2]byte
	if _, err := hex.Decode(b[:], field); err != nil {
		return 0, false
	}
	return int(b[0])<<8 | int(b[1]), true
}
