// Package fill implements C6: the fill orchestrator that composes the
// pre-fill check gate, the purge phase, the concurrent camera fill phase,
// the parallel safety loop, the operator keystroke listener, and the
// terminal cleanup that guarantees every opened valve is closed on every
// exit path. Grounded on original_source/src/lvmcryo/handlers/ln2.py's
// LN2Handler (phase sequencing, abort semantics) and on the teacher's
// internal/service orchestration style (zap-named sub-loggers per
// collaborator, errgroup-driven fan-out) generalized from "remux one
// channel" to "drive one fill".
package fill

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvmcryo/cryofill/internal/alerts"
	"github.com/lvmcryo/cryofill/internal/errkind"
	"github.com/lvmcryo/cryofill/internal/npsdriver"
	"github.com/lvmcryo/cryofill/internal/runrecord"
	"github.com/lvmcryo/cryofill/internal/thermistor"
	"github.com/lvmcryo/cryofill/internal/valve"
)

const (
	precheckTimeout   = 60 * time.Second
	safetyLoopPeriod  = 3 * time.Second
	maxO2ReadFailures = 10
	sweepTimeout      = 30 * time.Second
	barrierPollPeriod = 100 * time.Millisecond
)

// Orchestrator is C6. One instance drives exactly one run; construct a new
// Orchestrator per invocation.
type Orchestrator struct {
	log         *zap.Logger
	nps         *npsdriver.Driver
	alertsSrc   alerts.Source
	thermReader thermistor.Reader
	descriptors []runrecord.ValveDescriptor
	opts        Options

	mu          sync.Mutex
	record      runrecord.Record
	states      map[string]*runrecord.ValveState
	supervisors map[string]*valve.Supervisor
	monitor     *thermistor.Monitor

	abortOnce sync.Once

	safetyCancel context.CancelFunc
	safetyDone   chan struct{}
}

// New constructs an Orchestrator. descriptors must include one valve per
// camera named in opts.Cameras plus one named "purge"; thermReader may be
// nil if opts.UseThermistor is false. alertsSrc may be nil (as in dry_run),
// in which case no safety loop runs.
func New(log *zap.Logger, nps *npsdriver.Driver, alertsSrc alerts.Source, thermReader thermistor.Reader, descriptors []runrecord.ValveDescriptor, opts Options) (*Orchestrator, error) {
	states := make(map[string]*runrecord.ValveState, len(descriptors))
	for i := range descriptors {
		if err := descriptors[i].Validate(); err != nil {
			return nil, errkind.Wrap(errkind.ValidationFailed, err, "valve descriptor")
		}
		states[descriptors[i].Name] = runrecord.NewValveState()
	}

	return &Orchestrator{
		log:         log.Named("fill"),
		nps:         nps,
		alertsSrc:   alertsSrc,
		thermReader: thermReader,
		descriptors: descriptors,
		opts:        opts,
		states:      states,
		supervisors: make(map[string]*valve.Supervisor),
	}, nil
}

func (o *Orchestrator) descriptor(name string) (runrecord.ValveDescriptor, bool) {
	for _, d := range o.descriptors {
		if d.Name == name {
			return d, true
		}
	}
	return runrecord.ValveDescriptor{}, false
}

// Run executes Phase 0 through Phase 5 in order and always returns a
// populated record, even on failure or abort.
func (o *Orchestrator) Run(ctx context.Context) (*runrecord.Record, error) {
	o.mu.Lock()
	o.record.Action = o.opts.Action
	o.record.Cameras = o.opts.Cameras
	o.record.Events.SetStart(time.Now().UTC())
	o.mu.Unlock()

	defer o.phase5()

	if err := o.phase0PreCheck(ctx); err != nil {
		o.markFailed(err)
		return o.snapshot(), err
	}

	o.startSafetyLoop()
	o.startKeyListener(ctx)

	if o.opts.UseThermistor && o.thermReader != nil {
		interval := o.opts.ThermistorInterval
		o.monitor = thermistor.New(o.log, o.thermReader, interval)
		o.monitor.Start()
	}

	o.phase2CloseAllSweep(ctx)

	if o.opts.Action != runrecord.ActionFill {
		if err := o.phase3Purge(ctx); err != nil {
			o.markFailed(err)
			return o.snapshot(), err
		}
	}

	if o.isAborted() {
		return o.snapshot(), o.abortError()
	}

	if o.opts.Action != runrecord.ActionPurge {
		if err := o.phase4Fill(ctx); err != nil {
			o.markFailed(err)
			return o.snapshot(), err
		}
	}

	if o.isAborted() {
		return o.snapshot(), o.abortError()
	}

	o.mu.Lock()
	o.record.Events.SetEnd(time.Now().UTC())
	o.mu.Unlock()
	return o.snapshot(), nil
}

func (o *Orchestrator) markFailed(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record.Failed = true
	o.record.Events.SetFailTime(time.Now().UTC())
	if err != nil {
		o.record.Error = err.Error()
	}
}

func (o *Orchestrator) isAborted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.record.Aborted
}

func (o *Orchestrator) abortError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.record.Error != "" {
		return errkind.New(errkind.OperatorAbort, o.record.Error)
	}
	return errkind.New(errkind.OperatorAbort, "run aborted")
}

func (o *Orchestrator) snapshot() *runrecord.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec := o.record
	rec.Valves = make(map[string]runrecord.ValveStateView, len(o.states))
	for name, st := range o.states {
		rec.Valves[name] = st.Snapshot()
	}
	return &rec
}

// phase0PreCheck is Phase 0: runs every configured threshold check plus
// the built-in per-valve outlet-reachable and thermistor-inactive checks.
// Any failure stops before any valve is opened.
func (o *Orchestrator) phase0PreCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, precheckTimeout)
	defer cancel()

	for _, c := range o.opts.PreChecks {
		if err := c.Run(ctx); err != nil {
			return errkind.Wrap(errkind.PreCheckFailed, err, c.Name)
		}
	}

	var thermData map[string]bool
	if o.opts.UseThermistor && o.thermReader != nil {
		data, err := o.thermReader.ReadAll(ctx)
		if err != nil {
			return errkind.Wrap(errkind.PreCheckFailed, err, "thermistor unreachable")
		}
		thermData = data
	}

	for _, d := range o.descriptors {
		if !o.opts.DryRun {
			if _, err := o.nps.OutletInfo(ctx, d.NPSActor, d.Outlet); err != nil {
				return errkind.Wrap(errkind.PreCheckFailed, err, "outlet unreachable: "+d.Name)
			}
		}
		if thermData != nil && d.Thermistor != nil && !d.Thermistor.Disabled {
			channel := d.Thermistor.Channel
			if channel == "" {
				channel = d.Name
			}
			if thermData[channel] {
				return errkind.Newf(errkind.PreCheckFailed, "thermistor for %s is already active before open", d.Name)
			}
		}
	}

	return nil
}

// startSafetyLoop is Phase 1: a parallel task polling alerts every 3s.
func (o *Orchestrator) startSafetyLoop() {
	if o.alertsSrc == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.safetyCancel = cancel
	o.safetyDone = make(chan struct{})

	go func() {
		defer close(o.safetyDone)
		ticker := time.NewTicker(safetyLoopPeriod)
		defer ticker.Stop()

		o2Failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			alert, err := o.alertsSrc.O2Alert(ctx)
			switch {
			case err != nil:
				o2Failures++
				o.log.Warn("o2 alert read failed", zap.Error(err), zap.Int("consecutive_failures", o2Failures))
				if o2Failures >= maxO2ReadFailures {
					o.abort(errkind.New(errkind.SafetyTripped, "o2 probe unreachable after repeated failures"), true)
					return
				}
			case alert:
				o.abort(errkind.New(errkind.SafetyTripped, "o2 alarm asserted"), true)
				return
			default:
				o2Failures = 0
			}

			estop, err := o.alertsSrc.LN2EStopsActive(ctx)
			if err != nil {
				o.log.Warn("e-stop read failed", zap.Error(err))
				continue
			}
			if estop {
				// Hardware has already cut power; do not send off commands.
				o.abort(errkind.New(errkind.SafetyTripped, "LN2 e-stop active"), false)
				return
			}
		}
	}()
}

func (o *Orchestrator) stopSafetyLoop() {
	if o.safetyCancel != nil {
		o.safetyCancel()
		<-o.safetyDone
	}
}

// startKeyListener interprets "enter" as finish (close active valves,
// not a failure) and "x" as abort (close everything, fail the run), only
// when Interactive is set.
func (o *Orchestrator) startKeyListener(ctx context.Context) {
	if !o.opts.Interactive {
		return
	}
	go func() {
		reader := bufio.NewReader(os.Stdin)
		for {
			if ctx.Err() != nil {
				return
			}
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			switch strings.TrimSpace(line) {
			case "":
				o.abort(nil, true)
				return
			case "x":
				o.abort(errkind.New(errkind.OperatorAbort, "operator pressed x"), true)
				return
			}
		}
	}()
}

// abort is the entry point for the safety-trip and operator-keystroke
// paths. It is safe to call more than once or concurrently; only the
// first call's outcome sticks. A signal or upstream cancellation of Run's
// context does not pass through abort: it reaches the supervisors through
// ctx, which close their own valves, Phase 5 still runs, and the record
// is not marked Aborted.
func (o *Orchestrator) abort(err error, closeValves bool) {
	o.abortOnce.Do(func() {
		o.mu.Lock()
		o.record.Aborted = true
		o.record.Events.SetAbortTime(time.Now().UTC())
		if err != nil {
			o.record.Failed = true
			o.record.Error = err.Error()
		}
		o.mu.Unlock()

		if closeValves {
			o.phase2CloseAllSweep(context.Background())
		}
	})
}

// phase2CloseAllSweep sends off to every valve in the descriptor set,
// skipping thermistor monitoring, to guarantee a known state. Used both
// as Phase 2 (before any valve has a supervisor) and as the abort/Phase 5
// sweep (where supervisors may already exist and own the close).
func (o *Orchestrator) phase2CloseAllSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	for _, d := range o.descriptors {
		o.mu.Lock()
		sup := o.supervisors[d.Name]
		o.mu.Unlock()

		if sup != nil {
			if err := sup.Close(true, false); err != nil {
				o.log.Warn("close-all sweep: supervisor close failed", zap.String("valve", d.Name), zap.Error(err))
			}
			continue
		}

		if _, err := o.nps.SetOutlet(ctx, d.NPSActor, d.Outlet, false, npsdriver.SetOutletOptions{}); err != nil {
			o.log.Warn("close-all sweep: off command failed", zap.String("valve", d.Name), zap.Error(err))
		}
	}
}

// phase3Purge opens the purge valve and blocks until it closes.
func (o *Orchestrator) phase3Purge(ctx context.Context) error {
	desc, ok := o.descriptor("purge")
	if !ok {
		return errkind.New(errkind.ValidationFailed, "no purge valve descriptor configured")
	}

	o.mu.Lock()
	o.record.Events.SetPurgeStart(time.Now().UTC())
	state := o.states[desc.Name]
	o.mu.Unlock()

	sup := valve.New(o.log, o.nps, desc.Name, desc.NPSActor, desc.Outlet, desc.Thermistor, o.monitor, state)
	o.mu.Lock()
	o.supervisors[desc.Name] = sup
	o.mu.Unlock()

	purgeCtx, cancel := context.WithTimeout(ctx, o.opts.MaxPurgeTime+60*time.Second)
	defer cancel()

	err := sup.Open(purgeCtx, o.opts.MinPurgeTime, o.opts.MaxPurgeTime, o.opts.UseThermistor, true)

	o.mu.Lock()
	o.record.Events.SetPurgeComplete(time.Now().UTC())
	o.mu.Unlock()

	if purgeCtx.Err() == context.DeadlineExceeded {
		return errkind.New(errkind.PhaseTimeout, "purge phase exceeded max_purge_time+60s")
	}
	return err
}

// phase4Fill opens every camera valve concurrently. With
// RequireAllThermistors, no camera is closed until every camera's
// first_active has been recorded (Testable Property 8); otherwise each
// closes independently as its own thermistor or max-open criterion fires.
func (o *Orchestrator) phase4Fill(ctx context.Context) error {
	o.mu.Lock()
	o.record.Events.SetFillStart(time.Now().UTC())
	o.mu.Unlock()

	fillCtx, cancel := context.WithTimeout(ctx, o.opts.MaxFillTime+60*time.Second)
	defer cancel()

	closeOnActive := !o.opts.RequireAllThermistors

	g, gctx := errgroup.WithContext(fillCtx)
	for _, cam := range o.opts.Cameras {
		desc, ok := o.descriptor(cam)
		if !ok {
			return errkind.Newf(errkind.ValidationFailed, "no valve descriptor for camera %s", cam)
		}

		o.mu.Lock()
		state := o.states[desc.Name]
		o.mu.Unlock()

		sup := valve.New(o.log, o.nps, desc.Name, desc.NPSActor, desc.Outlet, desc.Thermistor, o.monitor, state)
		o.mu.Lock()
		o.supervisors[desc.Name] = sup
		o.mu.Unlock()

		g.Go(func() error {
			return sup.Open(gctx, o.opts.MinFillTime, o.opts.MaxFillTime, o.opts.UseThermistor, closeOnActive)
		})
	}

	var barrierDone chan struct{}
	if o.opts.RequireAllThermistors {
		barrierDone = make(chan struct{})
		go func() {
			defer close(barrierDone)
			o.waitForBarrierThenClose(gctx, o.opts.Cameras)
		}()
	}

	err := g.Wait()

	if barrierDone != nil {
		<-barrierDone
	}

	o.mu.Lock()
	o.record.Events.SetFillComplete(time.Now().UTC())
	o.mu.Unlock()

	if fillCtx.Err() == context.DeadlineExceeded {
		return errkind.New(errkind.PhaseTimeout, "fill phase exceeded max_fill_time+60s")
	}
	return err
}

// waitForBarrierThenClose polls until every named camera has recorded
// first_active (or the context ends, e.g. via a max-open timeout already
// closing some valves), then closes every supervisor at once.
func (o *Orchestrator) waitForBarrierThenClose(ctx context.Context, cameras []string) {
	ticker := time.NewTicker(barrierPollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		allReady := true
		o.mu.Lock()
		for _, cam := range cameras {
			st, ok := o.states[cam]
			if !ok {
				continue
			}
			if st.Snapshot().FirstActive != nil {
				continue
			}
			select {
			case <-st.Done():
				// Already closed on its own (e.g. timed out); does not block the barrier.
			default:
				allReady = false
			}
		}
		sups := make([]*valve.Supervisor, 0, len(cameras))
		for _, cam := range cameras {
			if sup, ok := o.supervisors[cam]; ok {
				sups = append(sups, sup)
			}
		}
		o.mu.Unlock()

		if !allReady {
			continue
		}

		for _, sup := range sups {
			if err := sup.Close(true, false); err != nil {
				o.log.Warn("barrier close reported error", zap.Error(err))
			}
		}
		return
	}
}

// phase5 is the terminal cleanup: it always runs, stops the safety loop
// and thermistor monitor, performs a final close-all sweep, and freezes
// end_time if nothing else has.
func (o *Orchestrator) phase5() {
	o.stopSafetyLoop()
	if o.monitor != nil {
		o.monitor.Stop()
	}
	o.phase2CloseAllSweep(context.Background())

	o.mu.Lock()
	if o.record.Events.End == nil {
		o.record.Events.SetEnd(time.Now().UTC())
	}
	o.mu.Unlock()
}
