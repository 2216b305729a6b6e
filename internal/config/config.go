// Package config resolves the CLI/profile configuration surface of
// spec §6 into a validated struct. Grounded on the teacher's use of
// gin's struct-tag binding conventions (cmd/zmux-server/main.go enables
// binding.EnableDecoderDisallowUnknownFields for strict decoding) — this
// package applies the same struct-tag discipline to configuration via
// go-playground/validator/v10 directly, since the teacher's own use of
// that library is indirect (through gin) but the tag vocabulary is
// identical across the pack.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lvmcryo/cryofill/internal/errkind"
)

// Interactivity selects how the operator keystroke listener behaves.
type Interactivity string

const (
	InteractivityAuto Interactivity = "auto"
	InteractivityYes  Interactivity = "yes"
	InteractivityNo   Interactivity = "no"
)

// NotificationLevel selects which severities get sent.
type NotificationLevel string

const (
	NotificationInfo  NotificationLevel = "info"
	NotificationError NotificationLevel = "error"
)

// Thresholds bundles the pre-fill check comparison values (spec §4.6
// Phase 0, §6 CLI surface).
type Thresholds struct {
	CheckPressure          bool    `validate:"-"`
	MaxPressure            float64 `validate:"omitempty,gt=0"`
	CheckTemperature       bool    `validate:"-"`
	MaxTemperature         float64 `validate:"omitempty"`
	CheckO2                bool    `validate:"-"`
	CheckEStop             bool    `validate:"-"`
	MaxTemperatureIncrease float64 `validate:"gte=0"`
}

// Config is the full resolved run configuration: CLI flags merged with an
// optional named profile, validated as one unit before the orchestrator
// is constructed.
type Config struct {
	Action  string   `validate:"required,oneof=purge-and-fill purge fill abort clear-lock close-valves ion auto-fill list-profiles"`
	Cameras []string `validate:"required_unless=Action abort,dive,required"`

	Interactivity Interactivity `validate:"required,oneof=auto yes no"`

	UseThermistor         bool
	RequireAllThermistors bool

	MinPurgeTime time.Duration `validate:"gte=0"`
	MaxPurgeTime time.Duration `validate:"gtefield=MinPurgeTime"`
	MinFillTime  time.Duration `validate:"gte=0"`
	MaxFillTime  time.Duration `validate:"gtefield=MinFillTime"`

	Thresholds Thresholds `validate:"required"`

	NotifyEnabled bool
	NotifyLevel   NotificationLevel `validate:"omitempty,oneof=info error"`

	LogPath       string
	JSONLinesPath string
	DataPath      string        `validate:"required"`
	DataExtraTime time.Duration `validate:"gte=0"`

	LockPath string `validate:"required"`

	DryRun    bool
	ClearLock bool

	// NPSBaseURL addresses the networked power switch control-plane actor
	// (internal/npsdriver's HTTP transport).
	NPSBaseURL string `validate:"required_unless=DryRun true"`
	// O2URL and EStopActor address the two alert collaborators
	// (internal/alerts); EStopActor is reached under NPSBaseURL, the same
	// control-plane actor the NPS driver addresses.
	O2URL      string `validate:"required_unless=DryRun true"`
	EStopActor string `validate:"required_unless=DryRun true"`

	// ThermistorMode selects the wire protocol: "udp" (datagram) or "http".
	ThermistorMode string `validate:"omitempty,oneof=udp http"`
	ThermistorAddr string // required when ThermistorMode=udp
	ThermistorURL  string // required when ThermistorMode=http

	// PressureURL and TemperatureURL address the spectrograph telemetry
	// collaborators Phase 0's pressure/temperature pre-checks read from
	// (one JSON camera->value map per URL); required only when the
	// corresponding Thresholds.Check* flag is set, checked in Validate
	// since go-playground/validator's required_if cannot reach into the
	// nested Thresholds struct.
	PressureURL    string
	TemperatureURL string

	// DescriptorsPath points at a JSON file of runrecord.ValveDescriptor;
	// when empty, internal/engine.LoadDescriptors derives a default
	// descriptor set from Cameras using a fixed actor/outlet naming
	// convention.
	DescriptorsPath string

	// NotifyRedisAddr/NotifyRedisChannel configure internal/notify when
	// NotifyEnabled is set.
	NotifyRedisAddr    string `validate:"required_if=NotifyEnabled true"`
	NotifyRedisChannel string

	// ServerAddr is the base URL of a running cmd/cryofill-server instance;
	// the CLI's "abort" action forwards to that server's /abort, since a
	// one-shot CLI invocation has no in-process run of its own to cancel.
	ServerAddr string `validate:"required_if=Action abort"`
}

// Validate runs struct-tag validation and returns an errkind.ValidationFailed
// wrapping the first failure go-playground/validator reports.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return errkind.Wrap(errkind.ValidationFailed, err, "config")
	}
	if c.Thresholds.CheckPressure && c.PressureURL == "" {
		return errkind.New(errkind.ValidationFailed, "check-pressure is enabled but pressure-url is not configured")
	}
	if c.Thresholds.CheckTemperature && c.TemperatureURL == "" {
		return errkind.New(errkind.ValidationFailed, "check-temperature is enabled but temperature-url is not configured")
	}
	return nil
}

// Default returns a Config populated with the spec's documented defaults
// (min/max times are deployment-specific and left zero; callers must set
// them from a profile or flags before calling Validate).
func Default() *Config {
	return &Config{
		Interactivity:  InteractivityAuto,
		LockPath:       "/data/lvmcryo.lock",
		DataPath:       "/data/lvmcryo",
		ThermistorMode: "udp",
	}
}
