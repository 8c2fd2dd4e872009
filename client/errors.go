package client

import (
	"errors"
	"fmt"

	"github.com/chazu/jitserver/vm"
)

// Outcome kinds of a remote compilation. A session error wraps exactly one
// of them; test with errors.Is.
var (
	// ErrTransportFailure: the stream ended or failed before a terminal
	// message, or the server broke the protocol.
	ErrTransportFailure = errors.New("transport failure")
	// ErrInterrupted: local state invalidated the request mid-flight.
	ErrInterrupted = errors.New("compilation interrupted")
	// ErrCompileFailure: the server reported it could not compile.
	ErrCompileFailure = errors.New("compile failure")
	// ErrRelocationFailure: the artifact does not fit the local address
	// space.
	ErrRelocationFailure = errors.New("relocation failure")
	// ErrCommitRejected: the commit batch no longer matches the class table.
	ErrCommitRejected = errors.New("commit rejected")
	// ErrServerUnavailable: the server is in backoff or disabled.
	ErrServerUnavailable = errors.New("compile server unavailable")
)

// SessionError describes why a compilation did not install code.
type SessionError struct {
	Kind   error
	Method string
	Err    error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("client: %s: %v", e.Method, e.Kind)
	}
	return fmt.Sprintf("client: %s: %v: %v", e.Method, e.Kind, e.Err)
}

// Is matches the session's kind.
func (e *SessionError) Is(target error) bool { return target == e.Kind }

func (e *SessionError) Unwrap() error { return e.Err }

func sessionError(kind error, method string, err error) *SessionError {
	return &SessionError{Kind: kind, Method: method, Err: err}
}

// Result is all a caller of RemoteCompiler.Compile sees.
type Result struct {
	// Installed is the published code, or nil.
	Installed *vm.InstalledCode
	// Err is nil on success and on NOT_NEEDED results without code.
	Err error
	// RetryLocally is set when the method should be compiled locally
	// instead.
	RetryLocally bool
}

// OK reports whether the compilation succeeded.
func (r Result) OK() bool { return r.Err == nil }
