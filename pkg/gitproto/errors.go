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
	"fmt"
)

// ErrorResponse builds a complete receive-pack result body that carries a
// failure message the git client will render cleanly.
//
// The body is three parts, in order:
//
//  1. a side-band progress frame ("<brand>: <message>.") which the client
//     echoes to the user,
//  2. a side-band pack-data frame embedding a report-status block: an
//     "unpack ok" line followed by an "ng refs/heads/<branch> <message>"
//     line, so the client records the ref update as rejected rather than
//     as a transport failure,
//  3. a double flush-pkt terminating both the report and the stream.
//
// Clients parse side-band multiplexing and report-status structurally;
// unframed error text would be ignored or reported as a protocol error.
func ErrorResponse(brand, branch, message string) []byte {
	var buf bytes.Buffer
	w := NewPacketLineWriter(&buf)

	progress := fmt.Sprintf("%s: %s.", brand, message)
	w.WriteBytes(append([]byte{SidebandProgress}, progress...))

	var report bytes.Buffer
	report.Write(EncodeLine("unpack ok\n"))
	report.Write(EncodeLine(fmt.Sprintf("ng refs/heads/%s %s\n", branch, message)))
	w.WriteBytes(append([]byte{SidebandPackData}, report.Bytes()...))

	w.WriteFlush()
	w.WriteFlush()

	// Writes to a bytes.Buffer cannot fail; Flush only moves bufio's data.
	_ = w.Flush()
	return buf.Bytes()
}

// ErrLine builds a single ERR pkt followed by a flush-pkt. This is the error
// shape for the refs-advertisement and upload-pack phases, where no
// report-status block exists; clients print it as "remote error: ...".
func ErrLine(brand, message string) []byte {
	var buf bytes.Buffer
	buf.Write(EncodeLine(fmt.Sprintf("ERR %s: %s\n", brand, message)))
	buf.Write(EncodeFlush())
	return buf.Bytes()
}
