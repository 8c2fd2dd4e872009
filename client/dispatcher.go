package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chazu/jitserver/vm/dist"
)

// Access is the VM access token a compile thread holds while it touches VM
// state. *vm.VMAccess implements it.
type Access interface {
	Acquire()
	Release()
}

// InterruptFunc reports whether the compilation a dispatcher serves must
// stop, and why.
type InterruptFunc func() (reason string, stop bool)

// errProtocol marks messages a client must never receive.
var errProtocol = errors.New("protocol violation")

// Dispatcher answers the server's queries for one compile request.
type Dispatcher struct {
	fe          Frontend
	access      Access
	interrupted InterruptFunc
	stats       *Stats
	table       queryTable
}

// NewDispatcher creates a dispatcher answering from fe. stats may be nil.
func NewDispatcher(fe Frontend, access Access, interrupted InterruptFunc, stats *Stats) *Dispatcher {
	return &Dispatcher{
		fe:          fe,
		access:      access,
		interrupted: interrupted,
		stats:       stats,
		table:       queries,
	}
}

// Loop answers queries until the terminal message arrives and returns it.
// The caller holds VM access on entry and holds it again when Loop
// returns; Loop gives it up only while waiting for the next message.
//
// After every read the compilation is checked for interruption. An
// interrupted loop sends an abort unless the message it just read was
// the terminal one, and returns ErrInterrupted. Errors on the stream and
// messages that are neither queries nor terminal return
// ErrTransportFailure.
func (d *Dispatcher) Loop(stream dist.Stream) (*dist.Message, error) {
	for {
		d.access.Release()
		msg, err := stream.Receive()
		d.access.Acquire()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
		}
		d.stats.record(msg.Kind)

		if reason, stop := d.interrupted(); stop {
			if !msg.Kind.IsTerminal() {
				d.abort(stream, reason)
			}
			return nil, fmt.Errorf("%w: %s", ErrInterrupted, reason)
		}
		if msg.Kind.IsTerminal() {
			return msg, nil
		}

		resp, err := d.Dispatch(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
		}
		if err := stream.Send(resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
		}
	}
}

// Dispatch answers a single query.
func (d *Dispatcher) Dispatch(msg *dist.Message) (*dist.Message, error) {
	h, ok := d.table[msg.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s", errProtocol, msg.Kind)
	}
	return h(d.fe, msg)
}

func (d *Dispatcher) abort(stream dist.Stream, reason string) {
	msg, err := dist.NewMessage(dist.KindCompilationInterrupted, nil)
	if err == nil {
		err = stream.Send(msg)
	}
	if err != nil {
		log.Debugf("abort (%s) not delivered: %v", reason, err)
	}
}

// Stats counts the messages received per kind, across sessions.
type Stats struct {
	mu     sync.Mutex
	counts map[dist.MessageKind]uint64
}

// NewStats creates empty statistics.
func NewStats() *Stats {
	return &Stats{counts: make(map[dist.MessageKind]uint64)}
}

func (s *Stats) record(k dist.MessageKind) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.counts[k]++
	s.mu.Unlock()
}

// Count returns how many messages of kind k were received.
func (s *Stats) Count(k dist.MessageKind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[k]
}

// KindCount is one row of Stats.Sorted.
type KindCount struct {
	Kind  dist.MessageKind
	Count uint64
}

// Sorted returns the per-kind counts, most frequent first.
func (s *Stats) Sorted() []KindCount {
	s.mu.Lock()
	out := make([]KindCount, 0, len(s.counts))
	for k, n := range s.counts {
		out = append(out, KindCount{k, n})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
