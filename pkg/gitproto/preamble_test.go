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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	oldSHA  = "1111111111111111111111111111111111111111"
	newSHA  = "2222222222222222222222222222222222222222"
	zeroSHA = "0000000000000000000000000000000000000000"
)

// receivePackBody builds a realistic receive-pack request: a framed update
// command with a capability list, a flush-pkt, and binary pack data.
func receivePackBody(old, new, branch string) []byte {
	cmd := fmt.Sprintf("%s %s refs/heads/%s\x00report-status side-band-64k agent=git/2.39.0", old, new, branch)
	var buf bytes.Buffer
	buf.Write(EncodeLine(cmd))
	buf.Write(EncodeFlush())
	buf.WriteString("PACK")
	buf.Write([]byte{0x00, 0x00, 0x00, 0x02, 0xff, 0xfe, 0x80, 0x00})
	return buf.Bytes()
}

func TestParsePushPreamble(t *testing.T) {
	p := ParsePushPreamble(receivePackBody(oldSHA, newSHA, "master"))
	require.NotNil(t, p)

	assert.Equal(t, oldSHA, p.OldHash.String())
	assert.Equal(t, newSHA, p.NewHash.String())
	assert.Equal(t, "master", p.Branch)
	assert.False(t, p.IsCreate())
	assert.False(t, p.IsDelete())
}

func TestParsePushPreambleCreateAndDelete(t *testing.T) {
	create := ParsePushPreamble(receivePackBody(zeroSHA, newSHA, "master"))
	require.NotNil(t, create)
	assert.True(t, create.IsCreate())
	assert.False(t, create.IsDelete())

	del := ParsePushPreamble(receivePackBody(oldSHA, zeroSHA, "master"))
	require.NotNil(t, del)
	assert.True(t, del.IsDelete())
}

func TestParsePushPreambleBranchNames(t *testing.T) {
	p := ParsePushPreamble(receivePackBody(oldSHA, newSHA, "feature/wip-1"))
	require.NotNil(t, p)
	assert.Equal(t, "feature/wip-1", p.Branch)
}

func TestParsePushPreambleAbsent(t *testing.T) {
	assert.Nil(t, ParsePushPreamble(nil))
	assert.Nil(t, ParsePushPreamble([]byte{}))
	assert.Nil(t, ParsePushPreamble([]byte("0000"))) // empty push
	assert.Nil(t, ParsePushPreamble([]byte("PACK\x00\x01\x02\x03")))

	// A tag update is not a branch push.
	cmd := fmt.Sprintf("%s %s refs/tags/v1.0\x00report-status", oldSHA, newSHA)
	assert.Nil(t, ParsePushPreamble([]byte(cmd)))
}

func TestParsePushPreambleIgnoresPackData(t *testing.T) {
	// Hex-looking runs inside the binary pack section must not confuse the
	// scan once a real command was found before them.
	body := receivePackBody(oldSHA, newSHA, "master")
	body = append(body, []byte(strings.Repeat("a", 40)+" "+strings.Repeat("b", 40)+" refs/heads/evil\x00")...)

	p := ParsePushPreamble(body)
	require.NotNil(t, p)
	assert.Equal(t, "master", p.Branch)
}
