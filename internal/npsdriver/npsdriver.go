// Package npsdriver implements C1: the networked power switch driver that
// opens and closes valve outlets, optionally arming a hardware auto-close
// timer via the NPS's cycle_with_timeout script (spec §4.1, §6).
//
// The wire protocol is abstracted behind Transport so the driver itself
// only encodes retry policy, the e-stop interlock, and dry-run behavior.
// It is grounded on the teacher's processmgr lifecycle conventions
// (idempotent calls, bounded timeouts, zap-structured logging) and on
// original_source/src/lvmcryo/handlers/valve.py (outlet_info, valve_on_off,
// cancel_nps_threads).
package npsdriver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvmcryo/cryofill/internal/alerts"
	"github.com/lvmcryo/cryofill/internal/errkind"
	"github.com/lvmcryo/cryofill/internal/retry"
)

// OutletInfo is the hardware identifier and current state of one outlet,
// as returned by the NPS `status <outlet>` command.
type OutletInfo struct {
	ID    string
	State bool
}

// SetOutletOptions controls how SetOutlet drives the outlet.
type SetOutletOptions struct {
	// Timeout, when > 0 and On is true, arms an auto-close window.
	Timeout time.Duration
	// UseScript selects the hardware cycle_with_timeout script; the
	// caller-blocks mode (UseScript=false with Timeout>0) is rejected per
	// SPEC_FULL.md's REDESIGN FLAGS.
	UseScript bool
}

// Transport is the wire-protocol collaborator: it speaks the NPS
// request/response RPC of spec §6 (`status`, `on`, `off`,
// `on --off-after`, `scripts run cycle_with_timeout`, `scripts stop`).
// A real implementation dials the control-plane actor; tests supply a
// fake.
type Transport interface {
	Status(ctx context.Context, actor, outlet string) (OutletInfo, error)
	On(ctx context.Context, actor, outlet string) error
	OnWithOffAfter(ctx context.Context, actor, outlet string, after time.Duration) error
	Off(ctx context.Context, actor, outlet string) error
	RunCycleWithTimeout(ctx context.Context, actor, outletID string, seconds float64) (threadID int64, err error)
	StopScript(ctx context.Context, actor string, threadID *int64) error
}

// Driver is C1: it wraps a Transport with retries, the e-stop interlock,
// and dry-run short-circuiting.
type Driver struct {
	log       *zap.Logger
	transport Transport
	estops    alerts.Source
	dryRun    bool
	fakeIDs   *fakeThreadIDs
}

// New constructs a Driver. estops may be nil only when dryRun is true.
func New(log *zap.Logger, transport Transport, estops alerts.Source, dryRun bool) *Driver {
	return &Driver{
		log:       log.Named("npsdriver"),
		transport: transport,
		estops:    estops,
		dryRun:    dryRun,
		fakeIDs:   newFakeThreadIDs(),
	}
}

const (
	opTimeout         = 30 * time.Second
	opRetries         = 3
	outletInfoTimeout = 10 * time.Second
)

// OutletInfo retrieves hardware identification for an outlet, bounded to
// 3 attempts / 1s delay / 10s total, per spec §4.1.
func (d *Driver) OutletInfo(ctx context.Context, actor, outlet string) (OutletInfo, error) {
	var info OutletInfo
	err := retry.Do(ctx, retry.Options{MaxAttempts: opRetries, Delay: time.Second, Timeout: outletInfoTimeout},
		func(ctx context.Context) error {
			var err error
			info, err = d.transport.Status(ctx, actor, outlet)
			return err
		})
	if err != nil {
		return OutletInfo{}, errkind.Wrap(errkind.NpsUnreachable, err, "outlet_info")
	}
	return info, nil
}

// SetOutlet opens or closes an outlet per spec §4.1's four cases. On
// success, returns the thread id to cancel the hardware timer, or nil if
// none was armed.
func (d *Driver) SetOutlet(ctx context.Context, actor, outlet string, on bool, opts SetOutletOptions) (*int64, error) {
	if !on {
		return nil, d.off(ctx, actor, outlet)
	}

	if opts.Timeout <= 0 {
		return nil, d.on(ctx, actor, outlet)
	}

	if !opts.UseScript {
		return nil, errkind.New(errkind.Unsupported,
			"caller-blocks timeout mode (use_script=false) is not implemented; "+
				"the NPS must hold the auto-close timer (see SPEC_FULL.md REDESIGN FLAGS)")
	}

	return d.onWithScript(ctx, actor, outlet, opts.Timeout)
}

func (d *Driver) checkEStop(ctx context.Context) error {
	if d.dryRun || d.estops == nil {
		return nil
	}
	active, err := d.estops.LN2EStopsActive(ctx)
	if err != nil {
		// Per spec §4.6, e-stop read errors are logged, never treated as
		// the e-stop being active.
		d.log.Warn("failed to read e-stop state before NPS call", zap.Error(err))
		return nil
	}
	if active {
		return errkind.New(errkind.EStopActive, "LN2 e-stop is active; refusing to operate NPS outlet")
	}
	return nil
}

func (d *Driver) on(ctx context.Context, actor, outlet string) error {
	if err := d.checkEStop(ctx); err != nil {
		return err
	}
	if d.dryRun {
		d.log.Info("dry_run: would send on", zap.String("actor", actor), zap.String("outlet", outlet))
		return nil
	}
	err := retry.Do(ctx, retry.Options{MaxAttempts: opRetries, Delay: time.Second, Timeout: opTimeout},
		func(ctx context.Context) error { return d.transport.On(ctx, actor, outlet) })
	if err != nil {
		return errkind.Wrap(errkind.NpsUnreachable, err, "on")
	}
	return nil
}

func (d *Driver) off(ctx context.Context, actor, outlet string) error {
	// Off is attempted even during an e-stop, since the spec requires every
	// terminal path to attempt a close; checkEStop only gates opens that
	// would otherwise actuate a powered-off NPS. The transport call itself
	// will simply fail if the NPS truly has no power.
	if d.dryRun {
		d.log.Info("dry_run: would send off", zap.String("actor", actor), zap.String("outlet", outlet))
		return nil
	}
	err := retry.Do(ctx, retry.Options{MaxAttempts: opRetries, Delay: time.Second, Timeout: opTimeout},
		func(ctx context.Context) error { return d.transport.Off(ctx, actor, outlet) })
	if err != nil {
		return errkind.Wrap(errkind.NpsUnreachable, err, "off")
	}
	return nil
}

func (d *Driver) onWithScript(ctx context.Context, actor, outlet string, timeout time.Duration) (*int64, error) {
	if err := d.checkEStop(ctx); err != nil {
		return nil, err
	}

	if d.dryRun {
		id := d.fakeIDs.next()
		d.log.Info("dry_run: would arm cycle_with_timeout",
			zap.String("actor", actor), zap.String("outlet", outlet),
			zap.Duration("timeout", timeout), zap.Int64("thread_id", id))
		return &id, nil
	}

	info, err := d.OutletInfo(ctx, actor, outlet)
	if err != nil {
		return nil, err
	}

	var threadID int64
	err = retry.Do(ctx, retry.Options{MaxAttempts: opRetries, Delay: time.Second, Timeout: opTimeout},
		func(ctx context.Context) error {
			var err error
			threadID, err = d.transport.RunCycleWithTimeout(ctx, actor, info.ID, timeout.Seconds())
			return err
		})
	if err != nil {
		return nil, errkind.Wrap(errkind.NpsUnreachable, err, "cycle_with_timeout")
	}
	return &threadID, nil
}

// CancelScript cancels a specific hardware timer, or every running script
// on the NPS when threadID is nil.
func (d *Driver) CancelScript(ctx context.Context, actor string, threadID *int64) error {
	if d.dryRun {
		d.log.Info("dry_run: would cancel script", zap.String("actor", actor))
		return nil
	}
	err := retry.Do(ctx, retry.Options{MaxAttempts: opRetries, Delay: time.Second, Timeout: opTimeout},
		func(ctx context.Context) error { return d.transport.StopScript(ctx, actor, threadID) })
	if err != nil {
		return errkind.Wrap(errkind.NpsUnreachable, err, "cancel_script")
	}
	return nil
}

// fakeThreadIDs hands out synthetic NPS thread ids in dry_run mode. It
// mirrors the teacher's processmgr.PIDAllocator: monotonic, wrapping,
// skip-in-use, rather than a bare incrementing counter, so dry-run output
// exercises the same "thread id is a scarce, recycled handle" shape real
// NPS hardware has.
type fakeThreadIDs struct {
	mu     sync.Mutex
	cursor int64
	max    int64
	inUse  map[int64]struct{}
}

func newFakeThreadIDs() *fakeThreadIDs {
	return &fakeThreadIDs{cursor: 1, max: 4096, inUse: make(map[int64]struct{})}
}

// next allocates the next free synthetic id, wrapping at max and skipping
// ids still considered in use. Ids are never freed: Driver.CancelScript
// returns before reaching the transport in dry_run and does not touch this
// allocator, so once all 4096 ids have been handed out every further call
// returns 1.
func (f *fakeThreadIDs) next() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := f.cursor
	for {
		id := f.cursor
		f.cursor++
		if f.cursor > f.max {
			f.cursor = 1
		}
		if _, used := f.inUse[id]; !used {
			f.inUse[id] = struct{}{}
			return id
		}
		if f.cursor == start {
			// Exhausted; reuse id 1 rather than block a dry run.
			return 1
		}
	}
}
