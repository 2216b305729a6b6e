package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvmcryo/cryofill/internal/runrecord"
)

func ts(t *testing.T, s string) time.Time {
	parsed, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return parsed
}

func TestValidatePassesTrivialWithoutFill(t *testing.T) {
	rec := &runrecord.Record{}
	result := Validate(rec, nil, Options{})
	assert.False(t, result.Failed)
	assert.Empty(t, result.Warnings)
}

func TestValidateInsufficientData(t *testing.T) {
	start := ts(t, "2026-01-01T00:00:00Z")
	end := ts(t, "2026-01-01T01:00:00Z")
	rec := &runrecord.Record{Cameras: []string{"r1"}}
	rec.Events.SetFillStart(start)
	rec.Events.SetEnd(end)

	samples := []Sample{{Timestamp: end.Add(30 * time.Second), Temperature: map[string]float64{"r1": 90}}}
	result := Validate(rec, samples, Options{})
	assert.False(t, result.Failed)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "insufficient data")
}

func TestValidateFailsOnTemperatureIncrease(t *testing.T) {
	start := ts(t, "2026-01-01T00:00:00Z")
	end := ts(t, "2026-01-01T01:00:00Z")
	rec := &runrecord.Record{Cameras: []string{"r1"}}
	rec.Events.SetFillStart(start)
	rec.Events.SetEnd(end)

	samples := []Sample{
		{Timestamp: end.Add(1 * time.Minute), Temperature: map[string]float64{"r1": 90}},
		{Timestamp: end.Add(4 * time.Minute), Temperature: map[string]float64{"r1": 95}},
	}
	result := Validate(rec, samples, Options{MaxTemperatureIncrease: 2})
	assert.True(t, result.Failed)
	assert.Contains(t, result.Message, "r1")

	err := ApplyTo(rec, result)
	assert.Error(t, err)
	assert.True(t, rec.Failed)
}

func TestValidatePassesWithinTolerance(t *testing.T) {
	start := ts(t, "2026-01-01T00:00:00Z")
	end := ts(t, "2026-01-01T01:00:00Z")
	rec := &runrecord.Record{Cameras: []string{"r1"}}
	rec.Events.SetFillStart(start)
	rec.Events.SetEnd(end)

	samples := []Sample{
		{Timestamp: end.Add(1 * time.Minute), Temperature: map[string]float64{"r1": 90}},
		{Timestamp: end.Add(4 * time.Minute), Temperature: map[string]float64{"r1": 91}},
	}
	result := Validate(rec, samples, Options{MaxTemperatureIncrease: 2})
	assert.False(t, result.Failed)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "within tolerance")
}
