// Package engine wires internal/config into a ready-to-run
// internal/fill.Orchestrator. Both cmd/cryofilld and cmd/cryofill-server
// call these same constructors so the core engine is invoked identically
// by the CLI and the HTTP server, per spec §6.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/lvmcryo/cryofill/internal/alerts"
	"github.com/lvmcryo/cryofill/internal/config"
	"github.com/lvmcryo/cryofill/internal/errkind"
	"github.com/lvmcryo/cryofill/internal/fill"
	"github.com/lvmcryo/cryofill/internal/npsdriver"
	"github.com/lvmcryo/cryofill/internal/runrecord"
	"github.com/lvmcryo/cryofill/internal/thermistor"
	"github.com/lvmcryo/cryofill/internal/validator"
)

// BuildDriver constructs the NPS driver and its e-stop interlock from cfg.
func BuildDriver(log *zap.Logger, cfg *config.Config) *npsdriver.Driver {
	var estops alerts.Source
	if !cfg.DryRun {
		estops = BuildAlerts(cfg)
	}
	transport := npsdriver.NewHTTPTransport(cfg.NPSBaseURL, nil)
	return npsdriver.New(log, transport, estops, cfg.DryRun)
}

// BuildAlerts constructs the O2/e-stop alert source from cfg.
func BuildAlerts(cfg *config.Config) alerts.Source {
	return alerts.New(
		alerts.NewHTTPO2Transport(cfg.O2URL, nil),
		alerts.NewActorEStopTransport(cfg.NPSBaseURL, cfg.EStopActor, nil),
	)
}

// BuildThermistorReader constructs the configured thermistor wire reader,
// or nil if thermistor use is disabled.
func BuildThermistorReader(cfg *config.Config) thermistor.Reader {
	if !cfg.UseThermistor {
		return nil
	}
	if cfg.ThermistorMode == "http" {
		return thermistor.NewHTTPReader(nil, cfg.ThermistorURL)
	}

	channels := make(thermistor.ChannelMap)
	for i, cam := range cfg.Cameras {
		channels[i] = cam
	}
	channels[len(cfg.Cameras)] = "purge"
	return thermistor.NewUDPReader(cfg.ThermistorAddr, channels, 2*time.Second)
}

// LoadDescriptors reads cfg.DescriptorsPath if set, otherwise derives one
// valve per camera plus "purge" using a fixed actor/outlet naming
// convention.
func LoadDescriptors(cfg *config.Config) ([]runrecord.ValveDescriptor, error) {
	if cfg.DescriptorsPath != "" {
		data, err := os.ReadFile(cfg.DescriptorsPath)
		if err != nil {
			return nil, errkind.Wrap(errkind.ValidationFailed, err, "reading descriptors file")
		}
		var descriptors []runrecord.ValveDescriptor
		if err := json.NewDecoder(bytes.NewReader(data)).Decode(&descriptors); err != nil {
			return nil, errkind.Wrap(errkind.ValidationFailed, err, "decoding descriptors file")
		}
		for i := range descriptors {
			if err := descriptors[i].Validate(); err != nil {
				return nil, err
			}
		}
		return descriptors, nil
	}

	descriptors := make([]runrecord.ValveDescriptor, 0, len(cfg.Cameras)+1)
	descriptors = append(descriptors, runrecord.ValveDescriptor{
		Name: "purge", NPSActor: "nps-1", Outlet: "purge",
		Thermistor: &runrecord.ThermistorConfig{Channel: "purge", CloseOnActive: true},
	})
	for _, cam := range cfg.Cameras {
		descriptors = append(descriptors, runrecord.ValveDescriptor{
			Name: cam, NPSActor: "nps-1", Outlet: cam,
			Thermistor: &runrecord.ThermistorConfig{Channel: cam, CloseOnActive: !cfg.RequireAllThermistors},
		})
	}
	for i := range descriptors {
		if err := descriptors[i].Validate(); err != nil {
			return nil, err
		}
	}
	return descriptors, nil
}

// BuildPreChecks translates cfg.Thresholds into Phase 0 gates, grounded on
// original_source/src/lvmcryo/handlers/ln2.py's LN2Handler.check(): fetch
// one camera->value reading map from the telemetry collaborator, then fail
// if any camera's reading is missing or above the configured maximum.
// cfg.Validate already rejects a Check* flag left armed with no URL
// configured, so a registered check here always has a real collaborator
// to call.
func BuildPreChecks(cfg *config.Config) []fill.PreCheck {
	var checks []fill.PreCheck
	if cfg.Thresholds.CheckPressure {
		checks = append(checks, fill.PreCheck{
			Name: "pressure",
			Run:  telemetryCheck(cfg.PressureURL, cfg.Cameras, cfg.Thresholds.MaxPressure, "pressure", "Torr"),
		})
	}
	if cfg.Thresholds.CheckTemperature {
		checks = append(checks, fill.PreCheck{
			Name: "temperature",
			Run:  telemetryCheck(cfg.TemperatureURL, cfg.Cameras, cfg.Thresholds.MaxTemperature, "temperature", "C"),
		})
	}
	return checks
}

// telemetryCheck returns a fill.PreCheck.Run closure that fetches a
// camera->reading map from url and fails the check if any named camera's
// reading is missing or exceeds max.
func telemetryCheck(url string, cameras []string, max float64, label, unit string) func(context.Context) error {
	probe := telemetryProbe{url: url}
	return func(ctx context.Context) error {
		readings, err := probe.fetch(ctx)
		if err != nil {
			return errkind.Wrap(errkind.PreCheckFailed, err, fmt.Sprintf("reading spectrograph %ss", label))
		}
		for _, cam := range cameras {
			v, ok := readings[cam]
			if !ok {
				return errkind.Newf(errkind.PreCheckFailed, "failed retrieving %q %s", cam, label)
			}
			if v > max {
				return errkind.Newf(errkind.PreCheckFailed,
					"%s for camera %q is %.1f %s which is above the maximum allowed %s (%.1f %s)",
					label, cam, v, unit, label, max, unit)
			}
		}
		return nil
	}
}

// telemetryProbe is the HTTP collaborator Phase 0's pressure/temperature
// pre-checks read from: a GET returning a JSON object mapping camera name
// to its current reading, mirroring the shape of
// original_source/src/lvmcryo/handlers/ln2.py's spectrograph_pressures()/
// spectrograph_temperatures() helpers.
type telemetryProbe struct {
	url    string
	client *http.Client
}

func (p *telemetryProbe) fetch(ctx context.Context) (map[string]float64, error) {
	client := p.client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telemetry probe %s: status %d", p.url, resp.StatusCode)
	}
	var readings map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&readings); err != nil {
		return nil, err
	}
	return readings, nil
}

// BuildOrchestrator assembles a fully wired fill.Orchestrator from cfg.
func BuildOrchestrator(log *zap.Logger, cfg *config.Config) (*fill.Orchestrator, error) {
	descriptors, err := LoadDescriptors(cfg)
	if err != nil {
		return nil, err
	}

	nps := BuildDriver(log, cfg)

	var alertsSrc alerts.Source
	if !cfg.DryRun {
		alertsSrc = BuildAlerts(cfg)
	}

	opts := fill.Options{
		Action:                runrecord.Action(cfg.Action),
		Cameras:               cfg.Cameras,
		MinPurgeTime:          cfg.MinPurgeTime,
		MaxPurgeTime:          cfg.MaxPurgeTime,
		MinFillTime:           cfg.MinFillTime,
		MaxFillTime:           cfg.MaxFillTime,
		UseThermistor:         cfg.UseThermistor,
		RequireAllThermistors: cfg.RequireAllThermistors,
		ThermistorInterval:    time.Second,
		DryRun:                cfg.DryRun,
		Interactive:           cfg.Interactivity != config.InteractivityNo,
		PreChecks:             BuildPreChecks(cfg),
	}

	return fill.New(log, nps, alertsSrc, BuildThermistorReader(cfg), descriptors, opts)
}

// WriteRunRecord persists rec as JSON under cfg.DataPath — the
// "persistent record of the fill" spec §1 requires; database writing
// itself is an explicit non-goal.
func WriteRunRecord(log *zap.Logger, cfg *config.Config, rec *runrecord.Record) {
	if rec == nil || cfg.DataPath == "" {
		return
	}
	if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
		log.Warn("failed to create data path", zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/run-%d.json", cfg.DataPath, time.Now().UTC().UnixNano())
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		log.Warn("failed to marshal run record", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Warn("failed to write run record", zap.Error(err))
	}
}

// LoadPostRunSamples reads the post-run dataset C8 validates against —
// the "external collaborator" the spec describes for JSON measurement
// retrieval (an explicit non-goal); this reads a per-run JSON file a
// telemetry sidecar is expected to drop under cfg.DataPath/samples.json.
func LoadPostRunSamples(cfg *config.Config) ([]validator.Sample, error) {
	if cfg.DataPath == "" {
		return nil, nil
	}
	path := cfg.DataPath + "/samples.json"
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var samples []validator.Sample
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, err
	}
	return samples, nil
}
