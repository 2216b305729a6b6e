// Package lockfile implements C7's mutual-exclusion half: a single
// filesystem sentinel whose atomic creation enforces "at most one fill in
// progress per host" (spec §3, §4.7, Testable Property 2). Grounded on
// original_source/src/lvmcryo/tools.py's ensure_lock()/LockExistsError,
// rebuilt around os.O_EXCL so the exists-then-create race the original's
// exists()-then-touch() sequence was exposed to cannot happen (SPEC_FULL.md
// REDESIGN FLAGS).
package lockfile

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/lvmcryo/cryofill/internal/errkind"
)

// Handle is a held lock. Release is safe to call more than once and from a
// deferred cleanup path.
type Handle struct {
	log          *zap.Logger
	path         string
	released     bool
	watcherDone  chan struct{}
	watcherStop  context.CancelFunc
}

// Acquire atomically creates the sentinel file at path. It fails with
// errkind.LockExists if the file already exists, satisfying the exclusion
// invariant without a separate existence check (Testable Property 2).
func Acquire(log *zap.Logger, path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errkind.New(errkind.LockExists, "lockfile already exists: "+path)
		}
		return nil, errkind.Wrap(errkind.Unknown, err, "lockfile create")
	}
	defer f.Close()

	return &Handle{log: log.Named("lockfile"), path: path}, nil
}

// Release removes the sentinel. Idempotent: calling it twice, or after the
// file has already vanished, is not an error.
func (h *Handle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	if h.watcherStop != nil {
		h.watcherStop()
		<-h.watcherDone
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.Unknown, err, "lockfile remove")
	}
	return nil
}

// WatchLiveness spawns a poller that invokes onLost if the sentinel
// disappears out from under this handle — the only supported way another
// process forces a release mid-run (SPEC_FULL.md design notes: no second
// side channel). It stops automatically when Release is called.
func (h *Handle) WatchLiveness(ctx context.Context, interval time.Duration, onLost func()) {
	if interval <= 0 {
		interval = time.Second
	}
	watchCtx, cancel := context.WithCancel(ctx)
	h.watcherStop = cancel
	h.watcherDone = make(chan struct{})

	go func() {
		defer close(h.watcherDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				if _, err := os.Stat(h.path); os.IsNotExist(err) {
					h.log.Warn("lockfile removed externally; forcing abort", zap.String("path", h.path))
					onLost()
					return
				}
			}
		}
	}()
}
