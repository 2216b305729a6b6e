// cryofilld is the CLI entry point for the valve supervision engine
// (spec §6's CLI surface): one invocation runs one action to completion
// and exits 0 on success or 1 on any failure, abort, validation failure,
// or lock conflict. Flag parsing follows the teacher's
// cmd/bulk-delete/main.go convention (stdlib flag, no framework) since
// nothing else in the retrieval pack carries a CLI flag library.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvmcryo/cryofill/internal/applog"
	"github.com/lvmcryo/cryofill/internal/config"
	"github.com/lvmcryo/cryofill/internal/engine"
	"github.com/lvmcryo/cryofill/internal/errkind"
	"github.com/lvmcryo/cryofill/internal/lockfile"
	"github.com/lvmcryo/cryofill/internal/notify"
	"github.com/lvmcryo/cryofill/internal/npsdriver"
	"github.com/lvmcryo/cryofill/internal/runrecord"
	"github.com/lvmcryo/cryofill/internal/validator"
)

func main() {
	cfg, debug, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := applog.New(applog.Config{JSONLinesPath: cfg.JSONLinesPath, Debug: debug})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.Named("cryofilld")

	if err := run(context.Background(), log, cfg); err != nil {
		log.Error("run failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		if debug {
			fmt.Fprintln(os.Stderr, errkind.DumpChain(err))
		}
		os.Exit(1)
	}
}

func parseFlags() (*config.Config, bool, error) {
	cfg := config.Default()

	var cameras string
	var debug bool
	flag.BoolVar(&debug, "debug", false, "verbose console logging and a spew-dumped error chain on failure")
	flag.StringVar(&cfg.Action, "action", "", "purge-and-fill|purge|fill|abort|clear-lock|close-valves|ion|auto-fill|list-profiles")
	flag.StringVar(&cameras, "cameras", "", "comma-separated camera names, e.g. r1,b1,z1")
	flag.StringVar((*string)(&cfg.Interactivity), "interactivity", string(config.InteractivityAuto), "auto|yes|no")
	flag.BoolVar(&cfg.UseThermistor, "use-thermistor", true, "use thermistor activation to close valves")
	flag.BoolVar(&cfg.RequireAllThermistors, "require-all-thermistors", false, "wait for every camera's thermistor before closing any")

	flag.DurationVar(&cfg.MinPurgeTime, "min-purge-time", 10*time.Second, "minimum purge valve open time")
	flag.DurationVar(&cfg.MaxPurgeTime, "max-purge-time", 2000*time.Second, "maximum purge valve open time")
	flag.DurationVar(&cfg.MinFillTime, "min-fill-time", 5*time.Second, "minimum fill valve open time")
	flag.DurationVar(&cfg.MaxFillTime, "max-fill-time", 600*time.Second, "maximum fill valve open time")

	flag.BoolVar(&cfg.Thresholds.CheckPressure, "check-pressure", false, "enable pressure pre-check")
	flag.Float64Var(&cfg.Thresholds.MaxPressure, "max-pressure", 0, "max allowed pressure")
	flag.StringVar(&cfg.PressureURL, "pressure-url", "", "URL of the spectrograph pressure telemetry collaborator; required if -check-pressure")
	flag.BoolVar(&cfg.Thresholds.CheckTemperature, "check-temperature", false, "enable temperature pre-check")
	flag.Float64Var(&cfg.Thresholds.MaxTemperature, "max-temperature", 0, "max allowed temperature")
	flag.StringVar(&cfg.TemperatureURL, "temperature-url", "", "URL of the spectrograph temperature telemetry collaborator; required if -check-temperature")
	flag.BoolVar(&cfg.Thresholds.CheckO2, "check-o2", true, "not read by the engine: the safety loop polls O2 on every run that is not a dry run")
	flag.BoolVar(&cfg.Thresholds.CheckEStop, "check-estop", true, "not read by the engine: the safety loop polls the e-stop on every run that is not a dry run")
	flag.Float64Var(&cfg.Thresholds.MaxTemperatureIncrease, "max-temperature-increase", 0, "max tolerated post-fill LN2 temperature rise")

	flag.BoolVar(&cfg.NotifyEnabled, "notify", false, "publish run-event notifications")
	flag.StringVar((*string)(&cfg.NotifyLevel), "notify-level", string(config.NotificationInfo), "info|error")
	flag.StringVar(&cfg.NotifyRedisAddr, "notify-redis-addr", "", "redis addr for run-event notifications")
	flag.StringVar(&cfg.NotifyRedisChannel, "notify-redis-channel", "", "redis pub/sub channel for run-event notifications")

	flag.StringVar(&cfg.LogPath, "log-path", "", "unused by cryofilld directly; console logging always runs")
	flag.StringVar(&cfg.JSONLinesPath, "json-log-path", "", "path for the JSON-lines structured log sink")
	flag.StringVar(&cfg.DataPath, "data-path", cfg.DataPath, "directory for run-record and sample persistence")
	flag.DurationVar(&cfg.DataExtraTime, "data-extra-time", 3*time.Minute, "not read by the engine: the validator always requires samples at least 3 minutes past end_time")

	flag.StringVar(&cfg.LockPath, "lock-path", cfg.LockPath, "mutual-exclusion lockfile path")
	flag.BoolVar(&cfg.DryRun, "dry-run", false, "log NPS actions instead of sending them")
	flag.BoolVar(&cfg.ClearLock, "clear-lock", false, "remove a stale lockfile before acquiring")

	flag.StringVar(&cfg.NPSBaseURL, "nps-base-url", "", "base URL of the NPS control-plane actor")
	flag.StringVar(&cfg.O2URL, "o2-url", "", "URL of the O2 alert HTTP collaborator")
	flag.StringVar(&cfg.EStopActor, "estop-actor", "safety", "actor name addressed for e-stop status, under nps-base-url")

	flag.StringVar(&cfg.ThermistorMode, "thermistor-mode", cfg.ThermistorMode, "udp|http")
	flag.StringVar(&cfg.ThermistorAddr, "thermistor-addr", "", "UDP address of the thermistor controller")
	flag.StringVar(&cfg.ThermistorURL, "thermistor-url", "", "URL of the HTTP thermistor collaborator")

	flag.StringVar(&cfg.DescriptorsPath, "descriptors", "", "JSON file of valve descriptors; defaults to a convention derived from -cameras")
	flag.StringVar(&cfg.ServerAddr, "server-addr", "", "base URL of a running cryofill-server, used by action=abort")

	flag.Parse()

	if cameras != "" {
		cfg.Cameras = strings.Split(cameras, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, debug, err
	}
	return cfg, debug, nil
}

func run(ctx context.Context, log *zap.Logger, cfg *config.Config) error {
	switch runrecord.Action(cfg.Action) {
	case runrecord.ActionPurge, runrecord.ActionFill, runrecord.ActionPurgeAndFill:
		return runFill(ctx, log, cfg)
	}

	switch cfg.Action {
	case "auto-fill":
		cfg.Interactivity = config.InteractivityNo
		cfg.Action = string(runrecord.ActionPurgeAndFill)
		return runFill(ctx, log, cfg)
	case "clear-lock":
		if err := os.Remove(cfg.LockPath); err != nil && !os.IsNotExist(err) {
			return errkind.Wrap(errkind.Unknown, err, "clear-lock")
		}
		log.Info("lockfile cleared", zap.String("path", cfg.LockPath))
		return nil
	case "close-valves":
		return runCloseValves(ctx, log, cfg)
	case "abort":
		return runAbort(ctx, cfg)
	case "list-profiles":
		fmt.Println("no profile store configured; descriptors resolved from -descriptors or -cameras")
		return nil
	case "ion":
		return errkind.New(errkind.Unsupported, "ion-pump utilities are out of scope for this engine (spec §1 non-goals)")
	default:
		return errkind.Newf(errkind.ValidationFailed, "unhandled action %q", cfg.Action)
	}
}

// runFill wires every collaborator and drives one Orchestrator.Run to
// completion, writing the run record and invoking the validator
// afterward, exactly the way the HTTP server's Controller does for
// /manual-fill.
func runFill(ctx context.Context, log *zap.Logger, cfg *config.Config) error {
	lock, err := acquireLock(log, cfg)
	if err != nil {
		return err
	}
	defer lock.Release()

	orch, err := engine.BuildOrchestrator(log, cfg)
	if err != nil {
		return err
	}

	var bus *notify.Bus
	if cfg.NotifyEnabled {
		bus = notify.New(log, notify.Options{Addr: cfg.NotifyRedisAddr, Channel: cfg.NotifyRedisChannel})
		defer bus.Close()
		bus.Publish(ctx, notify.Event{Kind: notify.EventStart, Timestamp: time.Now().UTC()})
	}

	runCtx, stop := lockfile.NotifyAbort(log, ctx, func() {})
	defer stop()

	lock.WatchLiveness(runCtx, 2*time.Second, func() {})

	rec, runErr := orch.Run(runCtx)

	if bus != nil {
		kind := notify.EventComplete
		if runErr != nil {
			kind = notify.EventAbort
		}
		bus.Publish(context.Background(), notify.Event{Kind: kind, Timestamp: time.Now().UTC(), Record: rec})
	}

	engine.WriteRunRecord(log, cfg, rec)

	if runErr != nil {
		return runErr
	}

	samples, err := engine.LoadPostRunSamples(cfg)
	if err != nil {
		log.Warn("could not load post-run samples for validation", zap.Error(err))
		return nil
	}
	result := validator.Validate(rec, samples, validator.Options{MaxTemperatureIncrease: cfg.Thresholds.MaxTemperatureIncrease})
	for _, w := range result.Warnings {
		log.Warn("validation warning", zap.String("message", w))
	}
	return validator.ApplyTo(rec, result)
}

func runCloseValves(ctx context.Context, log *zap.Logger, cfg *config.Config) error {
	descriptors, err := engine.LoadDescriptors(cfg)
	if err != nil {
		return err
	}
	driver := engine.BuildDriver(log, cfg)

	var firstErr error
	for _, d := range descriptors {
		if _, err := driver.SetOutlet(ctx, d.NPSActor, d.Outlet, false, npsdriver.SetOutletOptions{}); err != nil {
			log.Error("close-valves: off failed", zap.String("valve", d.Name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// runAbort forwards to a running cryofill-server's /abort, since a
// freestanding CLI invocation has no in-process run of its own to cancel.
func runAbort(ctx context.Context, cfg *config.Config) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.ServerAddr+"/abort?wait=true", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Unknown, err, "abort request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errkind.Newf(errkind.Unknown, "abort request: server returned status %d", resp.StatusCode)
	}
	return nil
}

func acquireLock(log *zap.Logger, cfg *config.Config) (*lockfile.Handle, error) {
	if cfg.ClearLock {
		_ = os.Remove(cfg.LockPath)
	}
	return lockfile.Acquire(log, cfg.LockPath)
}
