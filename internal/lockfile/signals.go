package lockfile

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// NotifyAbort arms a one-shot SIGINT/SIGTERM/SIGHUP handler: the first such
// signal invokes onSignal (expected to trigger an abort with close_valves
// true) and returns a context that is cancelled at that moment so the
// caller can unwind the rest of the run; a second signal falls through to
// the process's default disposition so the operator can always force an
// immediate exit.
func NotifyAbort(log *zap.Logger, parent context.Context, onSignal func()) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	stopped := make(chan struct{})
	var stopOnce sync.Once
	stopFn := func() {
		stopOnce.Do(func() { close(stopped) })
		stop()
	}

	go func() {
		<-ctx.Done()
		select {
		case <-stopped:
			return
		default:
		}
		if parent.Err() == nil {
			log.Named("signals").Warn("received termination signal; aborting run")
			onSignal()
			stop()
		}
	}()

	return ctx, stopFn
}
