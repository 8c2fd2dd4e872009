package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/jitserver/vm/dist"
)

// Session runs one compile request over one stream.
type Session struct {
	req        *dist.CompileRequest
	method     string
	dispatcher *Dispatcher

	done bool
}

// NewSession creates a session for req. method names the target in
// errors and logs.
func NewSession(req *dist.CompileRequest, method string, d *Dispatcher) *Session {
	return &Session{req: req, method: method, dispatcher: d}
}

// Run sends the request and answers queries until the terminal message.
// It returns the artifact for OK and NOT_NEEDED results. Otherwise the
// error is a *SessionError of kind ErrTransportFailure, ErrInterrupted or
// ErrCompileFailure, and nothing from the stream may be installed. A
// FAILURE artifact is returned along with its error.
//
// The caller holds VM access, as for Dispatcher.Loop. Cancelling ctx
// closes the stream. A session runs once.
func (s *Session) Run(ctx context.Context, stream dist.Stream) (*dist.Artifact, error) {
	if s.done {
		return nil, sessionError(ErrTransportFailure, s.method, errors.New("session already ran"))
	}
	s.done = true

	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	msg, err := dist.NewMessage(dist.KindCompileRequest, s.req)
	if err != nil {
		return nil, sessionError(ErrTransportFailure, s.method, err)
	}
	if err := stream.Send(msg); err != nil {
		return nil, sessionError(ErrTransportFailure, s.method, err)
	}
	log.Debugf("sent request %d for %s (%s)", s.req.SeqNo, s.method, s.req.Hotness)

	final, err := s.dispatcher.Loop(stream)
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			log.Infof("compilation of %s interrupted: %v", s.method, err)
			return nil, sessionError(ErrInterrupted, s.method, err)
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", err, ctx.Err())
		}
		log.Warningf("stream for %s failed: %v", s.method, err)
		return nil, sessionError(ErrTransportFailure, s.method, err)
	}

	art, err := dist.DecodeArtifact(final.Payload)
	if err != nil {
		log.Warningf("bad terminal message for %s: %v", s.method, err)
		return nil, sessionError(ErrTransportFailure, s.method, err)
	}
	if art.Status == dist.StatusFailure {
		log.Infof("server could not compile %s: %s", s.method, art.Reason)
		return art, sessionError(ErrCompileFailure, s.method, errors.New(art.Reason))
	}
	return art, nil
}
