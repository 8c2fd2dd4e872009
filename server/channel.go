package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/jitserver/vm/dist"
)

var (
	// ErrCompilationInterrupted is returned by Query when the client
	// aborted the compilation or the stream ended. No terminal message
	// may be sent after it.
	ErrCompilationInterrupted = errors.New("server: compilation interrupted by client")
	// ErrProtocol marks messages a server must never receive.
	ErrProtocol = errors.New("server: protocol violation")
)

// QueryChannel is the server end of one compile stream while a backend
// runs. Queries are strictly sequential: each waits for its answer.
type QueryChannel struct {
	stream  dist.Stream
	queries int
}

// NewQueryChannel wraps a stream whose compile request has been read.
func NewQueryChannel(stream dist.Stream) *QueryChannel {
	return &QueryChannel{stream: stream}
}

// Query sends a query of the given kind and decodes the client's answer
// into result. args may be nil for queries without arguments.
func (c *QueryChannel) Query(ctx context.Context, kind dist.MessageKind, args, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !kind.IsQuery() {
		return fmt.Errorf("%w: %s is not a query", ErrProtocol, kind)
	}
	msg, err := dist.NewMessage(kind, args)
	if err != nil {
		return err
	}
	if err := c.stream.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrCompilationInterrupted, err)
	}
	c.queries++

	resp, err := c.stream.Receive()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCompilationInterrupted, err)
	}
	switch resp.Kind {
	case dist.KindCompilationInterrupted:
		return ErrCompilationInterrupted
	case kind:
	default:
		return fmt.Errorf("%w: sent %s, got %s", ErrProtocol, kind, resp.Kind)
	}
	if err := resp.Decode(result); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// Queries returns how many queries were sent.
func (c *QueryChannel) Queries() int { return c.queries }
