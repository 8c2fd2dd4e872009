package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/jitserver/vm/dist"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the default number of compilations a server
// runs at once.
const DefaultMaxConcurrent = 4

var (
	// ErrWorkerStopped is returned for work submitted to a stopped worker.
	ErrWorkerStopped = errors.New("server: compile worker stopped")
	// ErrBackendPanic wraps a panic recovered from a backend.
	ErrBackendPanic = errors.New("server: backend panicked")
)

// compileFunc is one compilation run by the worker.
type compileFunc func(ctx context.Context) (*dist.Artifact, error)

// CompileWorker runs backend compilations, at most limit at a time.
// Callers beyond the limit wait their turn or give up when their context
// ends. A panic in a compilation is recovered and returned as an error.
type CompileWorker struct {
	sem   *semaphore.Weighted
	limit int64

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	active    atomic.Int64
	completed atomic.Uint64
	panics    atomic.Uint64
}

// NewCompileWorker creates a worker. A limit <= 0 selects
// DefaultMaxConcurrent.
func NewCompileWorker(limit int) *CompileWorker {
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CompileWorker{
		sem:    semaphore.NewWeighted(int64(limit)),
		limit:  int64(limit),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Do runs fn once a slot is free and blocks until it completes. The
// context passed to fn ends when ctx does or the worker stops.
func (w *CompileWorker) Do(ctx context.Context, fn compileFunc) (*dist.Artifact, error) {
	if w.ctx.Err() != nil {
		return nil, ErrWorkerStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()

	if err := w.sem.Acquire(ctx, 1); err != nil {
		if w.ctx.Err() != nil {
			return nil, ErrWorkerStopped
		}
		return nil, err
	}
	defer w.sem.Release(1)

	w.active.Add(1)
	defer w.active.Add(-1)
	return w.execute(ctx, fn)
}

// execute runs fn, recovering from panics.
func (w *CompileWorker) execute(ctx context.Context, fn compileFunc) (art *dist.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.panics.Add(1)
			log.Errorf("backend panic: %v", r)
			art, err = nil, fmt.Errorf("%w: %v", ErrBackendPanic, r)
		}
		w.completed.Add(1)
	}()
	return fn(ctx)
}

// Active returns the number of compilations running now.
func (w *CompileWorker) Active() int { return int(w.active.Load()) }

// Limit returns the maximum number of concurrent compilations.
func (w *CompileWorker) Limit() int { return int(w.limit) }

// Completed returns the number of compilations run, panics included.
func (w *CompileWorker) Completed() uint64 { return w.completed.Load() }

// Panics returns the number of recovered backend panics.
func (w *CompileWorker) Panics() uint64 { return w.panics.Load() }

// Stop cancels running compilations and rejects new ones.
func (w *CompileWorker) Stop() {
	w.once.Do(w.cancel)
}
