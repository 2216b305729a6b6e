// Package validator implements C8: the post-run sanity check over the
// collected LN2 temperature time series. Grounded on
// original_source/src/lvmcryo/validate.py's validate_fill.
package validator

import (
	"fmt"
	"time"

	"github.com/lvmcryo/cryofill/internal/errkind"
	"github.com/lvmcryo/cryofill/internal/runrecord"
)

// Sample is one row of the post-run dataset: a timestamp plus the LN2
// temperature reading for each camera that was filled, keyed by camera
// name ("r1", "b1", ...), matching the `temp_<cam>_ln2` columns of spec §4.8.
type Sample struct {
	Timestamp   time.Time
	Temperature map[string]float64
}

// Options configures the comparison threshold.
type Options struct {
	// MaxTemperatureIncrease is the largest tolerated rise between a
	// camera's first and last LN2 temperature reading; 0 means any
	// increase at all is a failure.
	MaxTemperatureIncrease float64
}

// Result is the validator's verdict.
type Result struct {
	Failed   bool
	Warnings []string
	Message  string
}

// Validate implements spec §4.8's three checks in order: skip if no fill
// phase ran, flag insufficient data if the dataset doesn't extend far
// enough past end_time, then compare first/last LN2 temperature per
// filled camera against the threshold.
func Validate(rec *runrecord.Record, samples []Sample, opts Options) Result {
	if rec.Events.FillStart == nil {
		return Result{}
	}

	if rec.Events.End == nil {
		return Result{Warnings: []string{"run has no end_time; cannot validate"}}
	}

	if len(samples) == 0 {
		return Result{Warnings: []string{"no post-run samples collected"}}
	}

	last := samples[len(samples)-1]
	if last.Timestamp.Sub(*rec.Events.End) < 3*time.Minute {
		return Result{Warnings: []string{"insufficient data: last sample is less than 3 minutes after end_time"}}
	}

	var warnings []string
	for _, cam := range rec.Cameras {
		first, firstOK := firstTemperature(samples, cam)
		lastTemp, lastOK := lastTemperature(samples, cam)
		if !firstOK || !lastOK {
			warnings = append(warnings, fmt.Sprintf("no LN2 temperature data for camera %s", cam))
			continue
		}

		increase := lastTemp - first
		if increase > opts.MaxTemperatureIncrease {
			msg := fmt.Sprintf("camera %s LN2 temperature rose %.2f (first=%.2f last=%.2f), exceeding max_temperature_increase=%.2f",
				cam, increase, first, lastTemp, opts.MaxTemperatureIncrease)
			return Result{Failed: true, Message: msg, Warnings: warnings}
		}
		if increase > 0 {
			warnings = append(warnings, fmt.Sprintf("camera %s LN2 temperature rose %.2f, within tolerance", cam, increase))
		}
	}

	return Result{Warnings: warnings}
}

func firstTemperature(samples []Sample, cam string) (float64, bool) {
	for _, s := range samples {
		if v, ok := s.Temperature[cam]; ok {
			return v, true
		}
	}
	return 0, false
}

func lastTemperature(samples []Sample, cam string) (float64, bool) {
	for i := len(samples) - 1; i >= 0; i-- {
		if v, ok := samples[i].Temperature[cam]; ok {
			return v, true
		}
	}
	return 0, false
}

// ApplyTo folds a Result into a run record, the way the orchestrator's
// caller does once C8 has run: a failed validation marks the run failed
// without reopening any valve, since validation only ever runs after
// Phase 5 has already closed everything.
func ApplyTo(rec *runrecord.Record, result Result) error {
	if !result.Failed {
		return nil
	}
	rec.Failed = true
	if rec.Error == "" {
		rec.Error = result.Message
	}
	return errkind.New(errkind.ValidationFailed, result.Message)
}
