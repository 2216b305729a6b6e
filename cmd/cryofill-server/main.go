// cryofill-server is the HTTP operational server entry point (spec §6's
// HTTP server surface): it exposes /ping, /filling, /manual-fill, and
// /abort, driving the same internal/fill.Orchestrator the CLI uses via
// internal/engine. Flag parsing mirrors cmd/cryofilld's convention
// (stdlib flag), and the gin setup in internal/httpapi follows the
// teacher's cmd/zmux-server/main.go router construction.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lvmcryo/cryofill/internal/applog"
	"github.com/lvmcryo/cryofill/internal/config"
	"github.com/lvmcryo/cryofill/internal/httpapi"
	"github.com/lvmcryo/cryofill/internal/notify"
)

func main() {
	cfg, serverOpts, listenAddr, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := applog.New(applog.Config{JSONLinesPath: cfg.JSONLinesPath, Debug: serverOpts.Dev})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.Named("cryofill-server")

	var bus *notify.Bus
	if cfg.NotifyEnabled {
		bus = notify.New(log, notify.Options{Addr: cfg.NotifyRedisAddr, Channel: cfg.NotifyRedisChannel})
		defer bus.Close()
	}

	ctrl := newController(log, cfg, bus)

	router, err := httpapi.NewRouter(log, ctrl, serverOpts)
	if err != nil {
		log.Fatal("failed to build router", zap.Error(err))
	}

	srv := &http.Server{Addr: listenAddr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("listening", zap.String("addr", listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	if ctrl.Filling() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = ctrl.Abort(shutdownCtx, true)
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func parseFlags() (*config.Config, httpapi.Options, string, error) {
	cfg := config.Default()
	opts := httpapi.Options{}
	var listenAddr, cameras, sessionSecret string

	flag.StringVar(&listenAddr, "listen", ":8800", "HTTP listen address")
	flag.BoolVar(&opts.Dev, "dev", false, "development mode: permissive CORS instead of production security headers")
	flag.StringVar(&opts.SessionRedisAddr, "session-redis-addr", "", "redis addr for the manual-fill session store; required when -manual-fill-password is set")
	flag.StringVar(&sessionSecret, "session-secret", "", "session cookie signing secret")
	flag.StringVar(&opts.Password, "manual-fill-password", "", "password required to call POST /manual-fill; empty disables the gate")

	flag.StringVar(&cameras, "cameras", "", "comma-separated camera names, e.g. r1,b1,z1")
	flag.BoolVar(&cfg.UseThermistor, "use-thermistor", true, "use thermistor activation to close valves")
	flag.BoolVar(&cfg.RequireAllThermistors, "require-all-thermistors", false, "wait for every camera's thermistor before closing any")

	flag.DurationVar(&cfg.MinPurgeTime, "min-purge-time", 10*time.Second, "minimum purge valve open time")
	flag.DurationVar(&cfg.MaxPurgeTime, "max-purge-time", 2000*time.Second, "maximum purge valve open time")
	flag.DurationVar(&cfg.MinFillTime, "min-fill-time", 5*time.Second, "minimum fill valve open time")
	flag.DurationVar(&cfg.MaxFillTime, "max-fill-time", 600*time.Second, "maximum fill valve open time")

	flag.Float64Var(&cfg.Thresholds.MaxTemperatureIncrease, "max-temperature-increase", 0, "max tolerated post-fill LN2 temperature rise")
	flag.BoolVar(&cfg.Thresholds.CheckO2, "check-o2", true, "not read by the engine: the safety loop polls O2 on every run that is not a dry run")
	flag.BoolVar(&cfg.Thresholds.CheckEStop, "check-estop", true, "not read by the engine: the safety loop polls the e-stop on every run that is not a dry run")
	flag.BoolVar(&cfg.Thresholds.CheckPressure, "check-pressure", false, "enable pressure pre-check")
	flag.Float64Var(&cfg.Thresholds.MaxPressure, "max-pressure", 0, "max allowed pressure")
	flag.StringVar(&cfg.PressureURL, "pressure-url", "", "URL of the spectrograph pressure telemetry collaborator; required if -check-pressure")
	flag.BoolVar(&cfg.Thresholds.CheckTemperature, "check-temperature", false, "enable temperature pre-check")
	flag.Float64Var(&cfg.Thresholds.MaxTemperature, "max-temperature", 0, "max allowed temperature")
	flag.StringVar(&cfg.TemperatureURL, "temperature-url", "", "URL of the spectrograph temperature telemetry collaborator; required if -check-temperature")

	flag.BoolVar(&cfg.NotifyEnabled, "notify", false, "publish run-event notifications")
	flag.StringVar(&cfg.NotifyRedisAddr, "notify-redis-addr", "", "redis addr for run-event notifications")
	flag.StringVar(&cfg.NotifyRedisChannel, "notify-redis-channel", "", "redis pub/sub channel for run-event notifications")

	flag.StringVar(&cfg.JSONLinesPath, "json-log-path", "", "path for the JSON-lines structured log sink")
	flag.StringVar(&cfg.DataPath, "data-path", cfg.DataPath, "directory for run-record and sample persistence")
	flag.StringVar(&cfg.LockPath, "lock-path", cfg.LockPath, "mutual-exclusion lockfile path")

	flag.StringVar(&cfg.NPSBaseURL, "nps-base-url", "", "base URL of the NPS control-plane actor")
	flag.StringVar(&cfg.O2URL, "o2-url", "", "URL of the O2 alert HTTP collaborator")
	flag.StringVar(&cfg.EStopActor, "estop-actor", "safety", "actor name addressed for e-stop status, under nps-base-url")

	flag.StringVar(&cfg.ThermistorMode, "thermistor-mode", cfg.ThermistorMode, "udp|http")
	flag.StringVar(&cfg.ThermistorAddr, "thermistor-addr", "", "UDP address of the thermistor controller")
	flag.StringVar(&cfg.ThermistorURL, "thermistor-url", "", "URL of the HTTP thermistor collaborator")
	flag.StringVar(&cfg.DescriptorsPath, "descriptors", "", "JSON file of valve descriptors; defaults to a convention derived from -cameras")

	flag.Parse()

	if cameras != "" {
		cfg.Cameras = strings.Split(cameras, ",")
	}
	cfg.Action = "purge-and-fill"
	cfg.Interactivity = config.InteractivityNo
	cfg.ServerAddr = "http://localhost" + listenAddr
	opts.SessionSecret = []byte(sessionSecret)

	if err := cfg.Validate(); err != nil {
		return nil, opts, "", err
	}
	return cfg, opts, listenAddr, nil
}
