package runrecord

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	start := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	purgeDone := start.Add(30 * time.Second)

	rec := &Record{
		Action:  ActionPurgeAndFill,
		Cameras: []string{"r1", "b1"},
		Events: EventTimes{
			Start:         &start,
			PurgeComplete: &purgeDone,
		},
		Valves: map[string]ValveStateView{
			"r1":    {OpenTime: &start, CloseTime: &purgeDone, TimedOut: false},
			"purge": {OpenTime: &start, TimedOut: true},
		},
		Failed:  false,
		Aborted: false,
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var roundTripped Record
	require.NoError(t, json.Unmarshal(data, &roundTripped))

	assert.Equal(t, rec.Action, roundTripped.Action)
	assert.Equal(t, rec.Cameras, roundTripped.Cameras)
	assert.Equal(t, rec.Failed, roundTripped.Failed)
	assert.Equal(t, rec.Aborted, roundTripped.Aborted)
	assert.True(t, rec.Events.Start.Equal(*roundTripped.Events.Start))
	assert.True(t, rec.Events.PurgeComplete.Equal(*roundTripped.Events.PurgeComplete))
	assert.Nil(t, roundTripped.Events.FillStart)

	require.Contains(t, roundTripped.Valves, "r1")
	assert.True(t, rec.Valves["r1"].OpenTime.Equal(*roundTripped.Valves["r1"].OpenTime))
	assert.True(t, rec.Valves["r1"].CloseTime.Equal(*roundTripped.Valves["r1"].CloseTime))
	assert.False(t, roundTripped.Valves["r1"].TimedOut)
	assert.True(t, roundTripped.Valves["purge"].TimedOut)
	assert.Nil(t, roundTripped.Valves["purge"].CloseTime)
}

func TestValveDescriptorValidateDefaultsThermistorChannel(t *testing.T) {
	d := ValveDescriptor{
		Name:       "r1",
		NPSActor:   "nps-1",
		Outlet:     "r1",
		Thermistor: &ThermistorConfig{},
	}
	require.NoError(t, d.Validate())
	assert.Equal(t, "r1", d.Thermistor.Channel)
}

func TestValveDescriptorValidateRejectsMissingFields(t *testing.T) {
	d := ValveDescriptor{Outlet: "r1"}
	assert.Error(t, d.Validate())
}

func TestSpecsGroupsCamerasBySpectrograph(t *testing.T) {
	assert.Equal(t, []string{"sp1", "sp2"}, Specs([]string{"r1", "b1", "z1", "r2"}))
}
