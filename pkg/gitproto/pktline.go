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

// Package gitproto implements the subset of the git Smart HTTP wire format
// the proxy has to speak itself: pkt-line framing, side-band error
// responses, the receive-pack preamble, and brand rewriting of forwarded
// response streams.
package gitproto

import (
	"bufio"
	"fmt"
	"io"

	"k8s.io/klog/v2"
)

// FlushPkt is the "0000" frame that terminates a logical block.
const FlushPkt = "0000"

// Side-band channel prefixes used within a multiplexed response stream.
const (
	SidebandPackData byte = 1 // pack data and report-status lines
	SidebandProgress byte = 2 // progress and error text shown by the client
)

// EncodeLine frames payload as a pkt-line: a 4-digit lowercase-hex length
// (counting the length field itself) followed by the payload bytes.
// No newline is appended; the caller owns the exact payload bytes.
func EncodeLine(payload string) []byte {
	return []byte(fmt.Sprintf("%04x%s", len(payload)+4, payload))
}

// EncodeBytes is EncodeLine for raw byte payloads, e.g. side-band frames
// whose first byte is a channel prefix.
func EncodeBytes(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, fmt.Sprintf("%04x", len(payload)+4)...)
	return append(out, payload...)
}

// EncodeFlush returns the flush-pkt bytes.
func EncodeFlush() []byte {
	return []byte(FlushPkt)
}

// NewPacketLineWriter constructs a PacketLineWriter.
func NewPacketLineWriter(w io.Writer) *PacketLineWriter {
	return &PacketLineWriter{
		w: bufio.NewWriter(w),
	}
}

// PacketLineWriter implements the git protocol line framing, with deferred
// error handling: writes accumulate an error and Flush reports it.
type PacketLineWriter struct {
	err error
	w   *bufio.Writer
}

// Flush writes any buffered data, and returns an error if one has accumulated.
func (w *PacketLineWriter) Flush() error {
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}

// WriteLine frames and writes a text line, appending the protocol newline.
func (w *PacketLineWriter) WriteLine(s string) {
	w.WriteBytes([]byte(s + "\n"))
}

// WriteBytes frames and writes a raw payload, exactly as given.
func (w *PacketLineWriter) WriteBytes(payload []byte) {
	if w.err != nil {
		return
	}
	if _, err := w.w.Write(EncodeBytes(payload)); err != nil {
		w.err = err
		return
	}
	klog.V(4).Infof("wrote pktline %q", payload)
}

// WriteFlush writes a flush-pkt, ending the current logical block.
func (w *PacketLineWriter) WriteFlush() {
	if w.err != nil {
		return
	}
	if _, err := w.w.Write([]byte(FlushPkt)); err != nil {
		w.err = err
		return
	}
	klog.V(4).Infof("wrote pktline %s", FlushPkt)
}
