package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chazu/jitserver/vm/dist"
	"golang.org/x/sync/errgroup"
)

// Queue feeds hot methods to a RemoteCompiler from background workers.
// Connect it to a profiler with
//
//	v.Profiler().OnHot = func(m dist.MethodID, h dist.Hotness) { q.Submit(m, h) }
type Queue struct {
	rc      *RemoteCompiler
	pending chan queueItem

	mu     sync.Mutex
	queued map[dist.MethodID]dist.Hotness

	compiled uint64
	failed   uint64
	dropped  uint64

	// OnResult, if set, is called by the worker after every compilation.
	OnResult func(dist.MethodID, Result)
}

type queueItem struct {
	method  dist.MethodID
	hotness dist.Hotness
}

// NewQueue creates a queue holding up to capacity waiting methods.
func NewQueue(rc *RemoteCompiler, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	return &Queue{
		rc:      rc,
		pending: make(chan queueItem, capacity),
		queued:  make(map[dist.MethodID]dist.Hotness),
	}
}

// Submit queues a method. It does not block: a method already waiting at
// the same or a higher level, or a full queue, drops the submission.
func (q *Queue) Submit(method dist.MethodID, hotness dist.Hotness) bool {
	q.mu.Lock()
	if h, ok := q.queued[method]; ok && h >= hotness {
		q.mu.Unlock()
		return false
	}
	q.queued[method] = hotness
	q.mu.Unlock()

	select {
	case q.pending <- queueItem{method, hotness}:
		return true
	default:
		q.mu.Lock()
		delete(q.queued, method)
		q.mu.Unlock()
		atomic.AddUint64(&q.dropped, 1)
		return false
	}
}

// Run compiles queued methods on workers goroutines until ctx is done.
func (q *Queue) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case item := <-q.pending:
					q.compile(ctx, item)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}

func (q *Queue) compile(ctx context.Context, item queueItem) {
	q.mu.Lock()
	if h, ok := q.queued[item.method]; ok && h > item.hotness {
		// A higher level was submitted after this item; its own entry
		// does the work.
		q.mu.Unlock()
		return
	}
	delete(q.queued, item.method)
	q.mu.Unlock()

	res := q.rc.Compile(ctx, item.method, item.hotness, nil)
	if res.OK() {
		atomic.AddUint64(&q.compiled, 1)
	} else {
		atomic.AddUint64(&q.failed, 1)
		log.Debugf("remote compile of method %d: %v", item.method, res.Err)
	}
	if q.OnResult != nil {
		q.OnResult(item.method, res)
	}
}

// QueueStats reports queue activity.
type QueueStats struct {
	Compiled uint64
	Failed   uint64
	Dropped  uint64
	Waiting  int
}

// Stats returns the queue counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Compiled: atomic.LoadUint64(&q.compiled),
		Failed:   atomic.LoadUint64(&q.failed),
		Dropped:  atomic.LoadUint64(&q.dropped),
		Waiting:  len(q.pending),
	}
}
