package dist

import (
	"errors"
	"io"
	"sync"
)

// Stream is one ordered, bidirectional compile stream. Receive returns
// io.EOF once the peer has closed and every buffered message has been
// read.
type Stream interface {
	Send(*Message) error
	Receive() (*Message, error)
	Close() error
}

// ErrStreamClosed is returned by Send on a closed stream.
var ErrStreamClosed = errors.New("dist: stream closed")

const pipeBuffer = 16

type pipe struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	p   *pipe
	in  <-chan *Message
	out chan<- *Message
}

// NewPipe returns the two ends of an in-memory Stream. Closing either end
// closes both directions.
func NewPipe() (Stream, Stream) {
	p := &pipe{done: make(chan struct{})}
	ab := make(chan *Message, pipeBuffer)
	ba := make(chan *Message, pipeBuffer)
	return &pipeEnd{p: p, in: ba, out: ab}, &pipeEnd{p: p, in: ab, out: ba}
}

func (e *pipeEnd) Send(m *Message) error {
	select {
	case <-e.p.done:
		return ErrStreamClosed
	default:
	}
	select {
	case e.out <- m:
		return nil
	case <-e.p.done:
		return ErrStreamClosed
	}
}

func (e *pipeEnd) Receive() (*Message, error) {
	select {
	case m := <-e.in:
		return m, nil
	case <-e.p.done:
		select {
		case m := <-e.in:
			return m, nil
		default:
			return nil, io.EOF
		}
	}
}

func (e *pipeEnd) Close() error {
	e.p.once.Do(func() { close(e.p.done) })
	return nil
}
