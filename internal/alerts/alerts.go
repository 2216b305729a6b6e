// Package alerts implements C3: polling collaborators for the O2-alarm
// and LN2 emergency-stop safety signals (spec §4.3, §6). Nothing here is
// cached — every call hits the wire, and the fill orchestrator's safety
// loop (internal/fill) is responsible for the 3s polling cadence.
package alerts

import (
	"context"
	"time"

	"github.com/lvmcryo/cryofill/internal/retry"
)

// Source is the alert-polling collaborator the safety loop and the NPS
// driver's e-stop interlock both depend on.
type Source interface {
	// O2Alert reports whether the O2 alarm is currently asserted.
	O2Alert(ctx context.Context) (bool, error)
	// LN2EStopsActive reports whether any LN2 emergency stop is active.
	LN2EStopsActive(ctx context.Context) (bool, error)
}

// O2Transport speaks the HTTP collaborator protocol of spec §6: GET
// returning at least {o2_alert: bool}.
type O2Transport interface {
	FetchO2Alert(ctx context.Context) (bool, error)
}

// EStopTransport speaks the control-plane actor protocol of spec §6: a
// `status` reply whose `safety_status_labels` field may contain
// "E_STOP_LN2".
type EStopTransport interface {
	FetchSafetyStatusLabels(ctx context.Context) ([]string, error)
}

const eStopLabel = "E_STOP_LN2"

// source wires the two transports behind the retry policy spec §4.3
// prescribes for the O2 probe (3 attempts, 0.5s delay). The e-stop read
// has no retry policy of its own in the spec; the safety loop treats its
// errors specially (logged, never counted toward the abort threshold).
type source struct {
	o2     O2Transport
	estop  EStopTransport
}

// New constructs a Source from the two wire collaborators.
func New(o2 O2Transport, estop EStopTransport) Source {
	return &source{o2: o2, estop: estop}
}

func (s *source) O2Alert(ctx context.Context) (bool, error) {
	var alert bool
	err := retry.Do(ctx, retry.Options{MaxAttempts: 3, Delay: 500 * time.Millisecond, Timeout: 10 * time.Second},
		func(ctx context.Context) error {
			var err error
			alert, err = s.o2.FetchO2Alert(ctx)
			return err
		})
	if err != nil {
		return false, err
	}
	return alert, nil
}

func (s *source) LN2EStopsActive(ctx context.Context) (bool, error) {
	labels, err := s.estop.FetchSafetyStatusLabels(ctx)
	if err != nil {
		return false, err
	}
	for _, l := range labels {
		if l == eStopLabel {
			return true, nil
		}
	}
	return false, nil
}
