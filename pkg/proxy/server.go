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

// Package proxy is the per-request orchestrator: it authenticates the
// caller, consumes the external authorization and lock-holder decisions,
// admits or denies pushes, and forwards admitted requests to the upstream
// host while rewriting the response stream. Every failure path terminates
// in either a protocol-framed body or a verbatim pass-through of an
// authoritative upstream response; git clients never see a bare 5xx.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/gitbastion/gitbastion/pkg/admission"
	"github.com/gitbastion/gitbastion/pkg/gitproto"
	"github.com/gitbastion/gitbastion/pkg/upstream"
)

var tracer = otel.Tracer("proxy")

// Operation classifies a request for authorization purposes.
type Operation string

const (
	OperationRead  Operation = "read"
	OperationWrite Operation = "write"
)

// Project is the externally owned project handle the proxy consumes,
// read-only, per request.
type Project struct {
	ID              string
	CanonicalBranch string
}

// Authenticator establishes the caller's identity from a request. Several
// schemes may be chained; see ChainAuthenticator.
type Authenticator interface {
	Authenticate(r *http.Request) (identity string, ok bool)
}

// Authorizer is the external permission decision. The proxy only consumes
// the yes/no result.
type Authorizer interface {
	Authorize(ctx context.Context, identity, projectID string, op Operation) bool
}

// LockKeeper reports the current holder of a project's write lock, empty
// when unheld. The proxy never mutates lock state.
type LockKeeper interface {
	ActiveLockHolder(ctx context.Context, projectID string) (string, error)
}

// ProjectDirectory resolves project ids to project handles. A nil project
// with a nil error means the project is unknown.
type ProjectDirectory interface {
	Lookup(ctx context.Context, projectID string) (*Project, error)
}

const (
	defaultForwardTimeout = 30 * time.Second
	streamChunkSize       = 8 * 1024
)

// Config assembles a Server. Brand appears in protocol error frames and
// replaces UpstreamBrand in forwarded responses.
type Config struct {
	Brand         string
	UpstreamBrand string

	Authenticator Authenticator
	Authorizer    Authorizer
	Locks         LockKeeper
	Directory     ProjectDirectory
	Upstream      *upstream.Manager

	// ForwardTimeout bounds each forwarded upstream call, streaming
	// included. Zero selects the 30s default.
	ForwardTimeout time.Duration

	// Transport overrides the outbound round tripper; tests use this.
	Transport http.RoundTripper
}

// Server handles the git Smart HTTP surface for all projects.
type Server struct {
	brand         string
	upstreamBrand string

	auth      Authenticator
	authz     Authorizer
	locks     LockKeeper
	directory ProjectDirectory
	upstream  *upstream.Manager

	forwardTimeout time.Duration
	client         *http.Client
}

// NewServer validates cfg and constructs a Server.
func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Brand == "":
		return nil, fmt.Errorf("config: Brand is required")
	case cfg.Authenticator == nil:
		return nil, fmt.Errorf("config: Authenticator is required")
	case cfg.Authorizer == nil:
		return nil, fmt.Errorf("config: Authorizer is required")
	case cfg.Locks == nil:
		return nil, fmt.Errorf("config: Locks is required")
	case cfg.Directory == nil:
		return nil, fmt.Errorf("config: Directory is required")
	case cfg.Upstream == nil:
		return nil, fmt.Errorf("config: Upstream is required")
	}

	timeout := cfg.ForwardTimeout
	if timeout == 0 {
		timeout = defaultForwardTimeout
	}

	transport := cfg.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport)
	}

	return &Server{
		brand:          cfg.Brand,
		upstreamBrand:  cfg.UpstreamBrand,
		auth:           cfg.Authenticator,
		authz:          cfg.Authorizer,
		locks:          cfg.Locks,
		directory:      cfg.Directory,
		upstream:       cfg.Upstream,
		forwardTimeout: timeout,
		client:         &http.Client{Transport: transport},
	}, nil
}

// ListenAndServe starts the proxy on listen and shuts it down when ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, listen string) error {
	httpServer := &http.Server{
		Addr:           listen,
		Handler:        otelhttp.NewHandler(s, "gitbastion"),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return err
	}

	ctxWithCancel, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctxWithCancel.Done()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			klog.Warningf("error from httpServer.Shutdown: %v", err)
		}
		if err := httpServer.Close(); err != nil {
			klog.Warningf("error from httpServer.Close: %v", err)
		}
	}()

	klog.Infof("listening on %s", ln.Addr())
	return httpServer.Serve(ln)
}

// ServeHTTP is the entrypoint for http requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Nothing above this handler may leak a bare 5xx to a git client; an
	// unexpected failure is reported inside the protocol. Best effort: if
	// response headers are already out, the write below is a no-op.
	defer func() {
		if rec := recover(); rec != nil {
			klog.Errorf("panic serving %s %s: %v", r.Method, r.URL, rec)
			w.Write(gitproto.ErrLine(s.brand, fmt.Sprintf("internal error (%v)", rec)))
		}
	}()

	pathTokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(pathTokens) < 2 {
		klog.Warningf("404 for %s %s", r.Method, r.URL)
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	projectID := pathTokens[0]
	gitPath := strings.Join(pathTokens[1:], "/")

	identity, ok := s.auth.Authenticate(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", s.brand))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	project, err := s.directory.Lookup(r.Context(), projectID)
	if err != nil {
		klog.Warningf("500 for %s %s: project lookup: %v", r.Method, r.URL, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if project == nil {
		klog.Warningf("404 for %s %s (unknown project)", r.Method, r.URL)
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	ctx, span := tracer.Start(r.Context(), "Server::"+gitPath, trace.WithAttributes())
	defer span.End()
	r = r.WithContext(ctx)

	switch gitPath {
	case "info/refs":
		s.serveInfoRefs(w, r, identity, project)
	case "git-upload-pack":
		s.serveUploadPack(w, r, identity, project)
	case "git-receive-pack":
		s.serveReceivePack(w, r, identity, project)
	default:
		klog.Warningf("404 for %s %s", r.Method, r.URL)
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

// serveInfoRefs handles the capability/ref advertisement for both services.
func (s *Server) serveInfoRefs(w http.ResponseWriter, r *http.Request, identity string, project *Project) {
	service := r.URL.Query().Get("service")

	var op Operation
	switch service {
	case "git-upload-pack":
		op = OperationRead
	case "git-receive-pack":
		op = OperationWrite
	default:
		klog.Warningf("invalid service %q for %s", service, r.URL)
		s.writeErrLine(w, http.StatusBadRequest, fmt.Sprintf("invalid service %q", service))
		return
	}

	if !s.authz.Authorize(r.Context(), identity, project.ID, op) {
		klog.V(2).Infof("authorization denied: %s on %s for %q", op, project.ID, identity)
		s.writeErrLine(w, http.StatusForbidden, "you are not allowed to access this project")
		return
	}

	s.forward(w, r, project, "info/refs", nil)
}

// serveUploadPack handles fetches and clones.
func (s *Server) serveUploadPack(w http.ResponseWriter, r *http.Request, identity string, project *Project) {
	if !s.authz.Authorize(r.Context(), identity, project.ID, OperationRead) {
		klog.V(2).Infof("authorization denied: read on %s for %q", project.ID, identity)
		s.writeErrLine(w, http.StatusForbidden, "you are not allowed to access this project")
		return
	}

	body, err := spoolBody(r.Body, spoolMemoryLimit)
	if err != nil {
		klog.Warningf("error spooling upload-pack body: %v", err)
		s.writeErrLine(w, http.StatusOK, "failed to read request")
		return
	}
	defer body.Close()

	s.forward(w, r, project, "git-upload-pack", body)
}

// serveReceivePack handles pushes: preamble parse, admission, forward.
// Denials are always HTTP 200 with a protocol-framed body; clients only
// trust 200 responses on this endpoint.
func (s *Server) serveReceivePack(w http.ResponseWriter, r *http.Request, identity string, project *Project) {
	if !s.authz.Authorize(r.Context(), identity, project.ID, OperationWrite) {
		klog.V(2).Infof("authorization denied: write on %s for %q", project.ID, identity)
		s.writeReceivePackError(w, project, "you are not allowed to write to this project")
		return
	}

	body, err := spoolBody(r.Body, spoolMemoryLimit)
	if err != nil {
		klog.Warningf("error spooling receive-pack body: %v", err)
		s.writeReceivePackError(w, project, "failed to read push request")
		return
	}
	defer body.Close()

	preamble := gitproto.ParsePushPreamble(body.PreamblePrefix(r.Header.Get("Content-Encoding")))

	holder, err := s.locks.ActiveLockHolder(r.Context(), project.ID)
	if err != nil {
		klog.Warningf("error reading lock holder for %s: %v", project.ID, err)
		s.writeReceivePackError(w, project, "could not determine the write lock holder")
		return
	}

	if decision := admission.Check(preamble, project.CanonicalBranch, holder, identity); !decision.Allowed {
		klog.V(2).Infof("push to %s denied for %q: %s", project.ID, identity, decision.Reason)
		s.writeReceivePackError(w, project, decision.Reason)
		return
	}

	s.forward(w, r, project, "git-receive-pack", body)
}

// writeReceivePackError emits a push failure as a well-formed receive-pack
// result.
func (s *Server) writeReceivePackError(w http.ResponseWriter, project *Project, message string) {
	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(gitproto.ErrorResponse(s.brand, project.CanonicalBranch, message)); err != nil {
		klog.Warningf("error writing receive-pack error response: %v", err)
	}
}

// writeErrLine emits a read-phase failure as an ERR pkt.
func (s *Server) writeErrLine(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if _, err := w.Write(gitproto.ErrLine(s.brand, message)); err != nil {
		klog.Warningf("error writing ERR pkt response: %v", err)
	}
}

// protocolMessage maps a forwarding failure to the message embedded in the
// protocol error frame. Timeouts get a transience hint; everything else
// carries the failure detail.
func (s *Server) protocolMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out, retry later"
	case errors.Is(err, upstream.ErrNotConfigured):
		return "the repository backend is not configured"
	case errors.Is(err, upstream.ErrProjectNotFound):
		return "the backing repository does not exist"
	default:
		return fmt.Sprintf("could not reach the repository backend (%v)", err)
	}
}
