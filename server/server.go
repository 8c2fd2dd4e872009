// Package server is the remote compile service. It accepts compile
// streams over Connect, asks the client what it needs to know, and
// answers with a compiled artifact.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/chazu/jitserver/vm/dist"
	"github.com/tliron/commonlog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var log = commonlog.GetLogger("jitserver.server")

// Client session sweeping defaults.
const (
	DefaultSessionTTL    = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// CompileServer serves compile streams. It speaks the Connect and gRPC
// protocols on the same port, over cleartext HTTP/2.
type CompileServer struct {
	backend  Backend
	policy   *dist.CompatibilityPolicy
	worker   *CompileWorker
	sessions *SessionStore
	clients  *Clients
	mux      *http.ServeMux

	mu          sync.Mutex
	httpServer  *http.Server
	stopSweeper func()
}

// ServerOption configures a CompileServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	backend       Backend
	policy        *dist.CompatibilityPolicy
	maxConcurrent int
	cacheSize     int
	sessionTTL    time.Duration
	sweepInterval time.Duration
	banThreshold  int
	banDuration   time.Duration
}

// WithBackend sets the compiler. The default is a ReferenceBackend.
func WithBackend(b Backend) ServerOption {
	return func(c *serverConfig) { c.backend = b }
}

// WithPolicy sets the compatibility policy. If not set, a permissive
// policy (allow all) is used.
func WithPolicy(policy *dist.CompatibilityPolicy) ServerOption {
	return func(c *serverConfig) { c.policy = policy }
}

// WithMaxConcurrent bounds the number of compilations run at once.
func WithMaxConcurrent(n int) ServerOption {
	return func(c *serverConfig) { c.maxConcurrent = n }
}

// WithSnapshotCacheSize sets how many class snapshots each client session
// keeps.
func WithSnapshotCacheSize(n int) ServerOption {
	return func(c *serverConfig) { c.cacheSize = n }
}

// WithSessionTTL sets how long an idle client session is kept.
func WithSessionTTL(ttl time.Duration) ServerOption {
	return func(c *serverConfig) { c.sessionTTL = ttl }
}

// WithBanThreshold sets how many protocol violations get a client banned.
func WithBanThreshold(n int) ServerOption {
	return func(c *serverConfig) { c.banThreshold = n }
}

// WithBanDuration sets how long a ban lasts. By default it lasts until
// the server restarts.
func WithBanDuration(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.banDuration = d }
}

// New creates a CompileServer and starts its session sweeper.
func New(opts ...ServerOption) *CompileServer {
	cfg := &serverConfig{
		policy:        dist.NewPermissivePolicy(),
		sessionTTL:    DefaultSessionTTL,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.backend == nil {
		cfg.backend = &ReferenceBackend{}
	}
	if cfg.sweepInterval > cfg.sessionTTL {
		cfg.sweepInterval = cfg.sessionTTL
	}

	s := &CompileServer{
		backend:  cfg.backend,
		policy:   cfg.policy,
		worker:   NewCompileWorker(cfg.maxConcurrent),
		sessions: NewSessionStore(cfg.cacheSize),
		clients:  NewClients(cfg.banThreshold, cfg.banDuration),
		mux:      http.NewServeMux(),
	}

	handlerOpts := append([]connect.HandlerOption{connect.WithCodec(dist.Codec{})}, dist.HandlerCompressionOptions()...)
	s.mux.Handle(dist.CompileProcedure, connect.NewBidiStreamHandler(dist.CompileProcedure, s.handleCompile, handlerOpts...))

	s.stopSweeper = s.sessions.StartSweeper(cfg.sweepInterval, cfg.sessionTTL)
	return s
}

// Handler returns the HTTP handler, accepting HTTP/2 without TLS.
func (s *CompileServer) Handler() http.Handler {
	return h2c.NewHandler(s.mux, &http2.Server{})
}

// Sessions returns the client session store.
func (s *CompileServer) Sessions() *SessionStore { return s.sessions }

// Clients returns the per-client history.
func (s *CompileServer) Clients() *Clients { return s.clients }

// Worker returns the compile worker.
func (s *CompileServer) Worker() *CompileWorker { return s.worker }

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *CompileServer) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	log.Noticef("compile server listening on %s", addr)
	log.Noticef("  procedure: %s (connect, grpc; codec %s)", dist.CompileProcedure, dist.CodecName)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts down the server. Running compilations are cancelled.
func (s *CompileServer) Stop(ctx context.Context) error {
	if s.stopSweeper != nil {
		s.stopSweeper()
		s.stopSweeper = nil
	}
	s.worker.Stop()
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// bidiStream adapts the handler end of a Connect stream to dist.Stream.
// The stream closes when the handler returns.
type bidiStream struct {
	bs *connect.BidiStream[dist.Message, dist.Message]
}

func (b bidiStream) Send(m *dist.Message) error { return b.bs.Send(m) }
func (b bidiStream) Receive() (*dist.Message, error) { return b.bs.Receive() }
func (b bidiStream) Close() error { return nil }

func (s *CompileServer) handleCompile(ctx context.Context, bs *connect.BidiStream[dist.Message, dist.Message]) error {
	err := s.Serve(ctx, bidiStream{bs})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProtocol):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, ErrWorkerStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeCanceled, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// Serve runs one compile stream: it reads the compile request, runs the
// backend and sends the terminal message. Rejected requests are answered
// in-band with a FAILURE. An interrupted compilation ends without a
// terminal message and a nil error; a protocol violation ends it with an
// error wrapping ErrProtocol.
func (s *CompileServer) Serve(ctx context.Context, stream dist.Stream) error {
	msg, err := stream.Receive()
	if err != nil {
		return err
	}
	if msg.Kind != dist.KindCompileRequest {
		return fmt.Errorf("%w: stream opened with %s", ErrProtocol, msg.Kind)
	}
	var req dist.CompileRequest
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if s.clients.Banned(req.ClientUID) {
		return s.finish(stream, &req, failure("client %s is banned", req.ClientUID))
	}
	if err := s.policy.Check(&req); err != nil {
		art := failure("%v", err)
		art.VersionMismatch = errors.Is(err, dist.ErrVersionIncompatible)
		log.Infof("rejected request %d from %s: %v", req.SeqNo, req.ClientUID, err)
		return s.finish(stream, &req, art)
	}
	view, method, err := req.Target()
	if err != nil {
		s.clients.Record(req.ClientUID, OutcomeViolation, err.Error())
		log.Warningf("invalid request %d from %s: %v", req.SeqNo, req.ClientUID, err)
		return s.finish(stream, &req, failure("%v", err))
	}

	session, err := s.sessions.Acquire(req.ClientUID)
	if err != nil {
		return err
	}
	defer s.sessions.Release(session)
	if n := session.Purge(req.UnloadedClasses); n > 0 {
		log.Debugf("purged %d unloaded classes for %s", n, req.ClientUID)
	}

	session.CacheClass(req.Class, req.Fingerprint, view)

	job := &Job{
		Request: &req,
		Class:   view,
		Method:  method,
		Session: session,
		Queries: NewQueryChannel(stream),
	}
	log.Debugf("compiling %s.%s%s for %s (request %d, %s)", view.Name, method.Name, method.Signature, req.ClientUID, req.SeqNo, req.Hotness)

	art, err := s.worker.Do(ctx, func(ctx context.Context) (*dist.Artifact, error) {
		return s.backend.Compile(ctx, job)
	})
	switch {
	case errors.Is(err, ErrCompilationInterrupted):
		s.clients.Record(req.ClientUID, OutcomeInterrupted, "")
		log.Infof("request %d from %s interrupted after %d queries", req.SeqNo, req.ClientUID, job.Queries.Queries())
		return nil
	case errors.Is(err, ErrProtocol):
		s.clients.Record(req.ClientUID, OutcomeViolation, err.Error())
		log.Warningf("request %d from %s: %v", req.SeqNo, req.ClientUID, err)
		return err
	case errors.Is(err, ErrWorkerStopped), err != nil && ctx.Err() != nil:
		return err
	case err != nil:
		art = failure("%v", err)
	case art == nil:
		art = failure("backend produced no artifact")
	}
	return s.finish(stream, &req, art)
}

// finish sends the terminal message.
func (s *CompileServer) finish(stream dist.Stream, req *dist.CompileRequest, art *dist.Artifact) error {
	if art.Status.HasArtifact() && art.Batch == nil {
		art.Batch = &dist.CommitBatch{}
	}
	msg, err := dist.NewMessage(dist.KindFinalArtifact, art)
	if err != nil {
		return err
	}
	if err := stream.Send(msg); err != nil {
		s.clients.Record(req.ClientUID, OutcomeInterrupted, "")
		return err
	}
	if art.Status == dist.StatusFailure {
		s.clients.Record(req.ClientUID, OutcomeFailed, "")
		log.Infof("request %d from %s failed: %s", req.SeqNo, req.ClientUID, art.Reason)
	} else {
		s.clients.Record(req.ClientUID, OutcomeCompiled, "")
		log.Debugf("request %d from %s: %s, %d code bytes", req.SeqNo, req.ClientUID, art.Status, len(art.Code))
	}
	return nil
}
