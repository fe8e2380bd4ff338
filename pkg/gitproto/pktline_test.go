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
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLine(t *testing.T) {
	assert.Equal(t, "0007abc", string(EncodeLine("abc")))
	assert.Equal(t, "0004", string(EncodeLine("")))
	assert.Equal(t, "0000", string(EncodeFlush()))
}

func TestEncodeLineRoundTrip(t *testing.T) {
	payloads := []string{
		"abc",
		"# service=git-upload-pack\n",
		"binary\x00\x01\x02payload",
		strings.Repeat("x", 1000),
	}

	var buf bytes.Buffer
	for _, p := range payloads {
		buf.Write(EncodeLine(p))
	}
	buf.Write(EncodeFlush())

	s := pktline.NewScanner(&buf)
	for _, p := range payloads {
		require.True(t, s.Scan())
		assert.Equal(t, p, string(s.Bytes()))
	}
	require.True(t, s.Scan()) // flush-pkt
	assert.Empty(t, s.Bytes())
	require.NoError(t, s.Err())
}

func TestPacketLineWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewPacketLineWriter(&buf)
	w.WriteLine("unpack ok")
	w.WriteFlush()
	require.NoError(t, w.Flush())

	assert.Equal(t, "000eunpack ok\n0000", buf.String())
}

func TestErrorResponse(t *testing.T) {
	body := ErrorResponse("GitBastion", "master", "you do not hold the write lock for this project")

	// The stream must end with a double flush-pkt.
	assert.True(t, bytes.HasSuffix(body, []byte("00000000")))
	assert.Contains(t, string(body), "unpack ok")
	assert.Contains(t, string(body), "ng refs/heads/master")

	s := pktline.NewScanner(bytes.NewReader(body))

	require.True(t, s.Scan())
	progress := s.Bytes()
	require.NotEmpty(t, progress)
	assert.Equal(t, SidebandProgress, progress[0])
	assert.Equal(t, "GitBastion: you do not hold the write lock for this project.", string(progress[1:]))

	require.True(t, s.Scan())
	report := s.Bytes()
	require.NotEmpty(t, report)
	assert.Equal(t, SidebandPackData, report[0])

	// The embedded report-status block is itself pkt-line framed.
	rs := pktline.NewScanner(bytes.NewReader(report[1:]))
	require.True(t, rs.Scan())
	assert.Equal(t, "unpack ok\n", string(rs.Bytes()))
	require.True(t, rs.Scan())
	assert.Equal(t, "ng refs/heads/master you do not hold the write lock for this project\n", string(rs.Bytes()))
}

func TestErrLine(t *testing.T) {
	body := ErrLine("GitBastion", "request timed out, retry later")

	s := pktline.NewScanner(bytes.NewReader(body))
	require.True(t, s.Scan())
	assert.Equal(t, "ERR GitBastion: request timed out, retry later\n", string(s.Bytes()))
	require.True(t, s.Scan())
	assert.Empty(t, s.Bytes())
}
