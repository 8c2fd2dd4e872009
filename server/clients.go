package server

import (
	"sync"
	"time"
)

// DefaultBanThreshold is how many protocol violations get a client banned.
const DefaultBanThreshold = 3

// Outcome is how one compile stream ended for the client that opened it.
type Outcome uint8

const (
	// OutcomeCompiled: a terminal message other than FAILURE was sent.
	OutcomeCompiled Outcome = iota
	// OutcomeFailed: the client was answered with FAILURE.
	OutcomeFailed
	// OutcomeInterrupted: the client aborted or the stream broke before
	// a terminal message.
	OutcomeInterrupted
	// OutcomeViolation: the client broke the protocol.
	OutcomeViolation
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompiled:
		return "compiled"
	case OutcomeFailed:
		return "failed"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeViolation:
		return "violation"
	}
	return "unknown"
}

// ClientRecord is the server's history with one client process.
type ClientRecord struct {
	ClientUID   string
	Compiled    int
	Failed      int
	Interrupted int
	Violations  int
	LastReason  string
	LastSeen    time.Time
	BannedUntil time.Time // zero when not banned
}

// Clients keeps a ClientRecord per client UID and bans clients that keep
// breaking the protocol.
type Clients struct {
	mu        sync.RWMutex
	records   map[string]*ClientRecord
	threshold int
	banFor    time.Duration

	now func() time.Time
}

// NewClients creates a registry banning a client for banFor once it
// reaches threshold violations. A threshold <= 0 selects
// DefaultBanThreshold; a banFor <= 0 bans for the life of the server.
func NewClients(threshold int, banFor time.Duration) *Clients {
	if threshold <= 0 {
		threshold = DefaultBanThreshold
	}
	return &Clients{
		records:   make(map[string]*ClientRecord),
		threshold: threshold,
		banFor:    banFor,
		now:       time.Now,
	}
}

// forever stands in for a ban without expiry.
var forever = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Record notes how a stream of the client ended. reason is kept for
// violations.
func (c *Clients) Record(clientUID string, o Outcome, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[clientUID]
	if !ok {
		r = &ClientRecord{ClientUID: clientUID}
		c.records[clientUID] = r
	}
	now := c.now()
	r.LastSeen = now
	switch o {
	case OutcomeCompiled:
		r.Compiled++
	case OutcomeFailed:
		r.Failed++
	case OutcomeInterrupted:
		r.Interrupted++
	case OutcomeViolation:
		r.Violations++
		r.LastReason = reason
		if r.Violations%c.threshold == 0 {
			if c.banFor > 0 {
				r.BannedUntil = now.Add(c.banFor)
			} else {
				r.BannedUntil = forever
			}
			log.Warningf("banned client %s after %d violations: %s", clientUID, r.Violations, reason)
		}
	}
}

// Banned reports whether requests of the client are refused now.
func (c *Clients) Banned(clientUID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[clientUID]
	return ok && c.now().Before(r.BannedUntil)
}

// Get returns a copy of the client's record.
func (c *Clients) Get(clientUID string) (ClientRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[clientUID]
	if !ok {
		return ClientRecord{}, false
	}
	return *r, true
}

// Len returns the number of clients seen.
func (c *Clients) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
