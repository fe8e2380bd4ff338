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
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/gitbastion/gitbastion/pkg/gitproto"
	"github.com/gitbastion/gitbastion/pkg/upstream"
)

// removedHeaders are never forwarded, in either direction: hop-by-hop
// headers, caching and report hints, cookies, server identity, and the
// caller's own credentials (the upstream sees only the proxy's).
// Content-Length is recomputed (spooled requests, rewritten responses).
// Accept-Encoding stays with the proxy so the transport negotiates and
// transparently decompresses; the rewriter needs plaintext frames.
var removedHeaders = []string{
	"Accept-Encoding",
	"Authorization",
	"Cache-Control",
	"Connection",
	"Content-Length",
	"Cookie",
	"Pragma",
	"Server",
	"Set-Cookie",
	"Transfer-Encoding",
	"X-Content-Type-Options",
}

// upstreamHeaderPrefix is the header namespace of the upstream provider,
// e.g. "x-gitlab-" for an upstream brand of "GitLab".
func (s *Server) upstreamHeaderPrefix() string {
	if s.upstreamBrand == "" {
		return ""
	}
	return "x-" + strings.ToLower(strings.ReplaceAll(s.upstreamBrand, " ", "-")) + "-"
}

func filterHeaders(dst, src http.Header, upstreamPrefix string) {
	for k, vs := range src {
		if removedHeader(k, upstreamPrefix) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func removedHeader(name, upstreamPrefix string) bool {
	for _, h := range removedHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return upstreamPrefix != "" && strings.HasPrefix(strings.ToLower(name), upstreamPrefix)
}

// forward resolves the project's upstream endpoint, sends the request with
// a bounded timeout, self-heals a missing upstream repository once, and
// streams the response back through the brand rewriter. Failures that occur
// before any response byte is written become protocol-framed errors.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, project *Project, gitPath string, body *bodySpool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.forwardTimeout)
	defer cancel()

	resp, err := s.forwardUpstream(ctx, r, project, gitPath, body)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; nobody is listening for an error frame.
			return
		}
		klog.Warningf("forwarding %s for project %s failed: %v", gitPath, project.ID, err)
		msg := s.protocolMessage(err)
		if gitPath == "git-receive-pack" {
			s.writeReceivePackError(w, project, msg)
		} else {
			s.writeErrLine(w, http.StatusOK, msg)
		}
		return
	}
	defer resp.Body.Close()

	s.streamResponse(w, r, resp)
}

// forwardUpstream performs the upstream call, with the single 404-triggered
// create-or-clone retry. A 404 on the retried attempt is authoritative and
// returned verbatim.
func (s *Server) forwardUpstream(ctx context.Context, r *http.Request, project *Project, gitPath string, body *bodySpool) (*http.Response, error) {
	healed := false

	handle, err := s.upstream.Resolve(ctx, project.ID)
	if errors.Is(err, upstream.ErrProjectNotFound) {
		if _, healErr := s.upstream.CreateOrClone(ctx, project.ID); healErr != nil {
			return nil, healErr
		}
		healed = true
		handle, err = s.upstream.Resolve(ctx, project.ID)
	}
	if err != nil {
		return nil, err
	}

	resp, err := s.roundTrip(ctx, r, handle, gitPath, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound && !healed {
		resp.Body.Close()
		klog.Infof("upstream 404 for project %s; creating backing repository", project.ID)
		if _, healErr := s.upstream.CreateOrClone(ctx, project.ID); healErr != nil {
			return nil, healErr
		}
		handle, err = s.upstream.Resolve(ctx, project.ID)
		if err != nil {
			return nil, err
		}
		return s.roundTrip(ctx, r, handle, gitPath, body)
	}

	return resp, nil
}

// roundTrip issues one upstream request mirroring the inbound method, path
// suffix and query, with filtered headers and the proxy's own credentials.
func (s *Server) roundTrip(ctx context.Context, r *http.Request, handle *upstream.Handle, gitPath string, body *bodySpool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = body.NewReader()
	}

	endpoint := s.upstream.EndpointURL(handle, gitPath, r.URL.RawQuery)
	req, err := http.NewRequestWithContext(ctx, r.Method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = body.Size()
	}

	filterHeaders(req.Header, r.Header, s.upstreamHeaderPrefix())

	username, password, err := s.upstream.GitAuth(ctx)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(username, password)

	return s.client.Do(req)
}

// streamResponse relays the upstream response in fixed-size chunks through
// the brand rewriter, flushing each chunk so large transfers stream instead
// of buffering.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	filterHeaders(w.Header(), resp.Header, s.upstreamHeaderPrefix())
	w.WriteHeader(resp.StatusCode)

	var rewriter *gitproto.Rewriter
	if s.upstreamBrand != "" && s.upstreamBrand != s.brand {
		rewriter = gitproto.NewRewriter(s.upstreamBrand, s.brand)
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if rewriter != nil {
				chunk = rewriter.Rewrite(chunk)
			}
			if len(chunk) > 0 {
				if _, werr := w.Write(chunk); werr != nil {
					// Client went away mid-stream; stop forwarding so the
					// upstream connection is released.
					klog.V(2).Infof("client disconnected mid-stream: %v", werr)
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			if rewriter != nil {
				if tail := rewriter.Flush(); len(tail) > 0 {
					if _, werr := w.Write(tail); werr != nil {
						klog.V(2).Infof("client disconnected mid-stream: %v", werr)
					}
				}
			}
			return
		default:
			if r.Context().Err() != nil {
				return
			}
			// Headers are already sent; too late for a protocol error.
			klog.Warningf("error streaming upstream response: %v", err)
			return
		}
	}
}

// spoolMemoryLimit is how much of a request body is kept in memory; the
// remainder spills to an unlinked temporary file. The limit also bounds the
// preamble scan window.
const spoolMemoryLimit = 64 * 1024

// bodySpool holds a request body so it can be replayed for the 404-healing
// retry and scanned for the push preamble without buffering arbitrarily
// large pushes in memory.
type bodySpool struct {
	head     []byte
	file     *os.File
	fileSize int64
}

func spoolBody(r io.Reader, memLimit int) (*bodySpool, error) {
	head, err := io.ReadAll(io.LimitReader(r, int64(memLimit)))
	if err != nil {
		return nil, err
	}

	spool := &bodySpool{head: head}
	if len(head) < memLimit {
		return spool, nil
	}

	f, err := os.CreateTemp("", "gitbastion-body-*")
	if err != nil {
		return nil, err
	}
	// Unlink immediately; the fd keeps the spool alive.
	os.Remove(f.Name())

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return nil, err
	}

	spool.file = f
	spool.fileSize = n
	return spool, nil
}

func (b *bodySpool) Size() int64 {
	return int64(len(b.head)) + b.fileSize
}

// NewReader returns a fresh reader over the whole body; each forwarding
// attempt gets its own.
func (b *bodySpool) NewReader() io.Reader {
	if b.file == nil {
		return bytes.NewReader(b.head)
	}
	return io.MultiReader(bytes.NewReader(b.head), io.NewSectionReader(b.file, 0, b.fileSize))
}

// PreamblePrefix returns the head of the body for the preamble scan,
// transparently inflating gzip-encoded pushes. Truncated compressed data is
// fine: whatever inflated before the cut is returned.
func (b *bodySpool) PreamblePrefix(contentEncoding string) []byte {
	if !strings.EqualFold(contentEncoding, "gzip") {
		return b.head
	}

	zr, err := gzip.NewReader(bytes.NewReader(b.head))
	if err != nil {
		return b.head
	}
	defer zr.Close()

	inflated := make([]byte, 0, spoolMemoryLimit)
	buf := make([]byte, 4096)
	for len(inflated) < spoolMemoryLimit {
		n, err := zr.Read(buf)
		inflated = append(inflated, buf[:n]...)
		if err != nil {
			break
		}
	}
	return inflated
}

func (b *bodySpool) Close() {
	if b.file != nil {
		b.file.Close()
		b.file = nil
	}
}
