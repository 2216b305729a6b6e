// Package valve implements C5: the per-valve state machine that drives one
// outlet through open -> monitor -> close, enforcing min/max open times and
// the thermistor activation criterion. Grounded on the teacher's
// internal/processmgr.Process lifecycle (owned watcher goroutines,
// sync.Once-guarded teardown, a single completion signal) generalized from
// "one OS process" to "one NPS outlet", and on
// original_source/src/lvmcryo/handlers/valve.py's ValveHandler (spec §4.5).
package valve

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lvmcryo/cryofill/internal/npsdriver"
	"github.com/lvmcryo/cryofill/internal/runrecord"
	"github.com/lvmcryo/cryofill/internal/thermistor"
)

// closeDrainTimeout bounds the NPS calls Close issues even when the
// caller's context is already cancelled or expired, so a valve that must
// close on abort is never blocked forever by the very cancellation that
// triggered the close.
const closeDrainTimeout = 30 * time.Second

// Supervisor owns one valve's lifecycle for the duration of a single run.
// It is not reusable across runs: construct a new Supervisor (and a new
// runrecord.ValveState) per fill.
type Supervisor struct {
	log     *zap.Logger
	name    string
	actor   string
	outlet  string
	nps     *npsdriver.Driver
	monitor *thermistor.Monitor
	therm   *runrecord.ThermistorConfig
	state   *runrecord.ValveState

	watcherCancel context.CancelFunc
	watchersDone  sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New constructs a Supervisor for one valve descriptor. monitor may be nil
// if the valve has no thermistor or monitoring is globally disabled.
func New(log *zap.Logger, nps *npsdriver.Driver, name, actor, outlet string, therm *runrecord.ThermistorConfig, monitor *thermistor.Monitor, state *runrecord.ValveState) *Supervisor {
	return &Supervisor{
		log:     log.Named("valve").With(zap.String("valve", name)),
		name:    name,
		actor:   actor,
		outlet:  outlet,
		nps:     nps,
		monitor: monitor,
		therm:   therm,
		state:   state,
	}
}

// Open drives the valve through Idle -> Opening -> Open and blocks until it
// reaches Closed, whichever path triggers that (thermistor, max-open
// timeout, or an external Close call / ctx cancellation). It returns the
// error from the close path, if any; a failed open itself is returned
// immediately without starting any watcher.
func (s *Supervisor) Open(ctx context.Context, minOpen, maxOpen time.Duration, useThermistor, closeOnActive bool) error {
	threadID, err := s.nps.SetOutlet(ctx, s.actor, s.outlet, true, npsdriver.SetOutletOptions{
		Timeout:   maxOpen,
		UseScript: true,
	})
	if err != nil {
		s.log.Error("failed to open valve", zap.Error(err))
		return err
	}

	s.state.MarkOpen(time.Now().UTC(), threadID)
	s.log.Info("valve opened", zap.Duration("max_open", maxOpen))

	watcherCtx, cancel := context.WithCancel(context.Background())
	s.watcherCancel = cancel

	s.watchersDone.Add(1)
	go func() {
		defer s.watchersDone.Done()
		s.maxOpenWatcher(watcherCtx, maxOpen)
	}()

	if useThermistor && s.therm != nil && !s.therm.Disabled && s.monitor != nil {
		s.watchersDone.Add(1)
		go func() {
			defer s.watchersDone.Done()
			s.thermistorWatcher(watcherCtx, minOpen, closeOnActive)
		}()
	}

	select {
	case <-s.state.Done():
	case <-ctx.Done():
		_ = s.Close(true, false)
	}

	// Open runs on the caller's goroutine, never a watcher's, so joining
	// here is deadlock-free and guarantees no watcher goroutine outlives
	// the call.
	s.watchersDone.Wait()

	// Done may have fired from a Close running on another goroutine (a
	// barrier or sweep) that has not yet stored its error; Close waits for
	// that first call to finish and returns its outcome.
	return s.Close(true, false)
}

func (s *Supervisor) maxOpenWatcher(ctx context.Context, maxOpen time.Duration) {
	timer := time.NewTimer(maxOpen)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		if err := s.Close(true, true); err != nil {
			s.log.Warn("max-open close reported error", zap.Error(err))
		}
	}
}

func (s *Supervisor) thermistorWatcher(ctx context.Context, minOpen time.Duration, closeOnActive bool) {
	interval := time.Second
	requiredActive := time.Duration(0)
	channel := s.name
	if s.therm != nil {
		if s.therm.MonitoringInterval > 0 {
			interval = s.therm.MonitoringInterval
		}
		requiredActive = s.therm.MinActiveTime
		if s.therm.Channel != "" {
			channel = s.therm.Channel
		}
	}

	t0 := time.Now()
	var activeSince *time.Time
	firstActiveRecorded := false

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sample, ok := s.monitor.Latest()
		if !ok {
			continue
		}
		if age := time.Since(sample.Timestamp); age > 10*interval {
			s.log.Warn("thermistor sample is stale", zap.Duration("age", age))
		}

		now := time.Now()
		active := sample.Data[channel]

		if !active {
			activeSince = nil
			continue
		}

		if activeSince == nil {
			at := now
			activeSince = &at
			elapsed := now.Sub(t0)
			if elapsed >= minOpen {
				s.log.Info("thermistor became active", zap.Duration("elapsed_since_open", elapsed))
			} else {
				s.log.Warn("thermistor became active before min_open elapsed", zap.Duration("elapsed_since_open", elapsed))
			}
		}

		streak := now.Sub(*activeSince)
		if !firstActiveRecorded && streak >= requiredActive {
			s.state.MarkFirstActive(now.UTC())
			firstActiveRecorded = true
		}

		if streak >= requiredActive && now.Sub(t0) >= minOpen {
			if closeOnActive {
				if err := s.Close(true, false); err != nil {
					s.log.Warn("thermistor-triggered close reported error", zap.Error(err))
				}
			}
			return
		}
	}
}

// Close idempotently tears the valve down: it cancels any armed NPS script
// timer, optionally sends off, stops the watcher goroutines, and fires the
// completion signal. A second call observes the outcome of the first
// (Testable Property 9) rather than re-running any of it.
func (s *Supervisor) Close(closeValve bool, timedOut bool) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.doClose(closeValve, timedOut)
	})
	return s.closeErr
}

func (s *Supervisor) doClose(closeValve bool, timedOut bool) error {
	if s.watcherCancel != nil {
		s.watcherCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeDrainTimeout)
	defer cancel()

	var err error
	if threadID := s.state.CachedThreadID(); threadID != nil {
		if cancelErr := s.nps.CancelScript(ctx, s.actor, threadID); cancelErr != nil {
			err = multierr.Append(err, cancelErr)
		}
	}

	if closeValve {
		if _, offErr := s.nps.SetOutlet(ctx, s.actor, s.outlet, false, npsdriver.SetOutletOptions{}); offErr != nil {
			err = multierr.Append(err, offErr)
		}
	}

	s.state.MarkClosed(time.Now().UTC(), timedOut)
	// Watchers are not joined here: doClose may itself be running on a
	// watcher goroutine (a thermistor or max-open trigger closing its own
	// valve), and that goroutine exits immediately after this call
	// returns. watcherCancel above is enough to unblock the other watcher
	// promptly; nothing downstream depends on both having fully returned
	// before done fires.
	s.state.FireDone()

	if err != nil {
		s.log.Warn("valve close completed with errors", zap.Error(err), zap.Bool("timed_out", timedOut))
	} else {
		s.log.Info("valve closed", zap.Bool("timed_out", timedOut))
	}

	return err
}
