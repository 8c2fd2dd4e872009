package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/chazu/jitserver/vm"
	"github.com/chazu/jitserver/vm/dist"
)

// Options configures a RemoteCompiler.
type Options struct {
	// Features the server must support, for example dist.FeatureAOT.
	Features []string
	UseAOT   bool
	// Timeout bounds one compilation, queries included. Zero means no
	// limit beyond the caller's context.
	Timeout time.Duration
	// RetryBackoff and MaxRetryBackoff configure Availability.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// RemoteCompiler compiles methods of a VM on a compile server.
type RemoteCompiler struct {
	vm        *vm.VM
	dialer    Dialer
	opts      Options
	avail     *Availability
	installer *Installer
	committer *Committer
	stats     *Stats
	seq       atomic.Uint64
}

// NewRemoteCompiler creates a compiler for v's methods using d to reach
// the server.
func NewRemoteCompiler(v *vm.VM, d Dialer, opts Options) *RemoteCompiler {
	return &RemoteCompiler{
		vm:        v,
		dialer:    d,
		opts:      opts,
		avail:     NewAvailability(opts.RetryBackoff, opts.MaxRetryBackoff),
		installer: NewInstaller(v.CodeCache(), v),
		committer: NewCommitter(v),
		stats:     NewStats(),
	}
}

// Availability returns the server availability tracker.
func (rc *RemoteCompiler) Availability() *Availability { return rc.avail }

// Stats returns the received message statistics.
func (rc *RemoteCompiler) Stats() *Stats { return rc.stats }

// Compile compiles a method remotely and publishes the result. Every
// failure is reported in the Result; nothing is left half installed.
func (rc *RemoteCompiler) Compile(ctx context.Context, method dist.MethodID, hotness dist.Hotness, details []byte) Result {
	if !rc.avail.Available() {
		return Result{Err: ErrServerUnavailable, RetryLocally: true}
	}
	if rc.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rc.opts.Timeout)
		defer cancel()
	}

	stream, err := rc.dialer.Dial(ctx)
	if err != nil {
		rc.avail.RecordFailure()
		return Result{Err: sessionError(ErrTransportFailure, "", err), RetryLocally: true}
	}
	defer stream.Close()

	access := rc.vm.Access()
	access.Acquire()
	defer access.Release()

	target, err := rc.vm.CompileTarget(method)
	if err != nil {
		return Result{Err: sessionError(ErrInterrupted, "", err)}
	}
	req := &dist.CompileRequest{
		ClientUID:       rc.vm.UID(),
		SeqNo:           rc.seq.Add(1),
		Version:         dist.ProtocolVersion,
		Features:        rc.opts.Features,
		Method:          target.Method,
		Class:           target.Class,
		Snapshot:        target.Snapshot,
		Fingerprint:     target.Fingerprint,
		MethodOffset:    target.MethodOffset,
		Hotness:         hotness,
		Details:         details,
		UnloadedClasses: rc.vm.DrainUnloaded(),
		UseAOT:          rc.opts.UseAOT,
		TableEpoch:      target.Epoch,
	}

	interrupted := func() (string, bool) { return rc.vm.Interrupted(target) }
	sess := NewSession(req, target.Name, NewDispatcher(rc.vm, access, interrupted, rc.stats))
	art, err := sess.Run(ctx, stream)
	switch {
	case errors.Is(err, ErrTransportFailure):
		rc.vm.RequeueUnloaded(req.UnloadedClasses)
		backoff := rc.avail.RecordFailure()
		log.Infof("server unavailable for %s", backoff)
		return Result{Err: err, RetryLocally: true}
	case errors.Is(err, ErrInterrupted):
		return Result{Err: err, RetryLocally: true}
	case errors.Is(err, ErrCompileFailure):
		if art != nil && art.VersionMismatch {
			rc.avail.RecordIncompatible()
		} else {
			rc.avail.RecordSuccess()
		}
		return Result{Err: err, RetryLocally: true}
	case err != nil:
		return Result{Err: err, RetryLocally: true}
	}
	rc.avail.RecordSuccess()

	if art.Status == dist.StatusNotNeeded && len(art.Code) == 0 {
		return Result{}
	}
	ic, err := rc.installer.Install(art, target.Method)
	if err != nil {
		log.Warningf("install of %s failed: %v", target.Name, err)
		return Result{Err: sessionError(ErrRelocationFailure, target.Name, err), RetryLocally: true}
	}
	if err := rc.committer.Commit(art.Batch, ic, target); err != nil {
		rc.vm.CodeCache().Discard(ic)
		kind := ErrCommitRejected
		if !rejected(err) {
			kind = ErrRelocationFailure
		}
		log.Infof("commit of %s rejected: %v", target.Name, err)
		return Result{Err: sessionError(kind, target.Name, err), RetryLocally: true}
	}
	log.Infof("installed %s at %#x", target.Name, ic.Entry)
	return Result{Installed: ic}
}
