package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/jitserver/vm/dist"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultSnapshotCacheSize is how many class snapshots a client session
// keeps decoded.
const DefaultSnapshotCacheSize = 256

type cachedClass struct {
	fingerprint uint64
	view        *dist.ClassView
}

// ClientSession is what the server remembers about one client process
// between compile requests.
type ClientSession struct {
	ID        string
	ClientUID string
	Created   time.Time

	snapshots *lru.Cache

	mu       sync.Mutex
	lastUsed time.Time
	active   int
	vmInfo   *dist.VMInfo
	hits     uint64
	misses   uint64
}

// CachedClass returns the decoded snapshot of a class if one is cached
// under the given fingerprint.
func (s *ClientSession) CachedClass(id dist.ClassID, fingerprint uint64) (*dist.ClassView, bool) {
	v, ok := s.snapshots.Get(id)
	if !ok {
		return nil, false
	}
	c := v.(cachedClass)
	if c.fingerprint != fingerprint {
		s.snapshots.Remove(id)
		return nil, false
	}
	return c.view, true
}

// CacheClass remembers the decoded snapshot of a class.
func (s *ClientSession) CacheClass(id dist.ClassID, fingerprint uint64, view *dist.ClassView) {
	s.snapshots.Add(id, cachedClass{fingerprint: fingerprint, view: view})
}

// Purge drops unloaded classes from the cache and returns how many were
// cached.
func (s *ClientSession) Purge(ids []dist.ClassID) int {
	n := 0
	for _, id := range ids {
		if s.snapshots.Remove(id) {
			n++
		}
	}
	return n
}

// CachedClasses returns the number of cached snapshots.
func (s *ClientSession) CachedClasses() int { return s.snapshots.Len() }

// CacheStats returns the snapshot cache hits and misses of ClassView.
func (s *ClientSession) CacheStats() (hits, misses uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.misses
}

// ClassView returns the decoded snapshot of a class, asking the client
// for its fingerprint and, on a cache miss, for the snapshot itself. A
// class the client no longer has yields a nil view and no error.
func (s *ClientSession) ClassView(ctx context.Context, ch *QueryChannel, id dist.ClassID) (*dist.ClassView, uint64, error) {
	var fp dist.FingerprintResult
	if err := ch.Query(ctx, dist.QueryGetClassFingerprint, dist.ClassArgs{Class: id}, &fp); err != nil {
		return nil, 0, err
	}
	if fp.Fingerprint == 0 {
		return nil, 0, nil
	}
	if view, ok := s.CachedClass(id, fp.Fingerprint); ok {
		s.mu.Lock()
		s.hits++
		s.mu.Unlock()
		return view, fp.Fingerprint, nil
	}
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()

	var snap dist.SnapshotResult
	if err := ch.Query(ctx, dist.QueryGetClassSnapshot, dist.ClassArgs{Class: id}, &snap); err != nil {
		return nil, 0, err
	}
	if len(snap.Snapshot) == 0 {
		return nil, 0, nil
	}
	view, err := dist.Unpack(snap.Snapshot)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: snapshot of class %d: %v", ErrProtocol, id, err)
	}
	s.CacheClass(id, snap.Fingerprint, view)
	return view, snap.Fingerprint, nil
}

// VMInfo returns the client's VM description, asking for it once per
// session.
func (s *ClientSession) VMInfo(ctx context.Context, ch *QueryChannel) (dist.VMInfo, error) {
	s.mu.Lock()
	info := s.vmInfo
	s.mu.Unlock()
	if info != nil {
		return *info, nil
	}
	var r dist.VMInfo
	if err := ch.Query(ctx, dist.QueryGetVMInfo, struct{}{}, &r); err != nil {
		return dist.VMInfo{}, err
	}
	s.mu.Lock()
	s.vmInfo = &r
	s.mu.Unlock()
	return r, nil
}

// SessionStore manages client sessions, keyed by client UID.
type SessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*ClientSession
	cacheSize int

	now func() time.Time
}

// NewSessionStore creates a store whose sessions cache up to cacheSize
// snapshots each. A cacheSize <= 0 selects DefaultSnapshotCacheSize.
func NewSessionStore(cacheSize int) *SessionStore {
	if cacheSize <= 0 {
		cacheSize = DefaultSnapshotCacheSize
	}
	return &SessionStore{
		sessions:  make(map[string]*ClientSession),
		cacheSize: cacheSize,
		now:       time.Now,
	}
}

// Acquire returns the session of a client, creating it on first contact,
// and marks it in use until Release.
func (s *SessionStore) Acquire(clientUID string) (*ClientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[clientUID]
	if !ok {
		cache, err := lru.New(s.cacheSize)
		if err != nil {
			return nil, err
		}
		now := s.now()
		session = &ClientSession{
			ID:        uuid.NewString(),
			ClientUID: clientUID,
			Created:   now,
			snapshots: cache,
			lastUsed:  now,
		}
		s.sessions[clientUID] = session
		log.Infof("new client session %s for %s", session.ID, clientUID)
	}
	session.mu.Lock()
	session.active++
	session.lastUsed = s.now()
	session.mu.Unlock()
	return session, nil
}

// Release ends one use of a session.
func (s *SessionStore) Release(session *ClientSession) {
	session.mu.Lock()
	session.active--
	session.lastUsed = s.now()
	session.mu.Unlock()
}

// Get retrieves the session of a client.
func (s *SessionStore) Get(clientUID string) (*ClientSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[clientUID]
	return session, ok
}

// Destroy removes a client's session.
func (s *SessionStore) Destroy(clientUID string) {
	s.mu.Lock()
	delete(s.sessions, clientUID)
	s.mu.Unlock()
}

// Len returns the number of sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes idle sessions not used within the TTL.
func (s *SessionStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	removed := 0
	for uid, session := range s.sessions {
		session.mu.Lock()
		idle := session.active == 0 && session.lastUsed.Before(cutoff)
		session.mu.Unlock()
		if idle {
			delete(s.sessions, uid)
			removed++
			log.Infof("purged idle client session %s for %s", session.ID, uid)
		}
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *SessionStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
