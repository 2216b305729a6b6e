package fill

import (
	"context"
	"time"

	"github.com/lvmcryo/cryofill/internal/runrecord"
)

// PreCheck is one Phase 0 gate: pressures, temperatures, or any other
// threshold comparison an external collaborator can evaluate. Run returns
// a non-nil error (any kind) describing the failure; the orchestrator
// wraps it as errkind.PreCheckFailed.
type PreCheck struct {
	Name string
	Run  func(ctx context.Context) error
}

// Options configures one orchestrator run (spec §4.6, §6 CLI surface).
type Options struct {
	Action  runrecord.Action
	Cameras []string

	MinPurgeTime time.Duration
	MaxPurgeTime time.Duration
	MinFillTime  time.Duration
	MaxFillTime  time.Duration

	UseThermistor         bool
	RequireAllThermistors bool
	ThermistorInterval    time.Duration

	DryRun      bool
	Interactive bool

	PreChecks []PreCheck
}
