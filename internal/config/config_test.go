package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	c := Default()
	c.Action = "purge-and-fill"
	c.Cameras = []string{"r1", "b1"}
	c.MinPurgeTime = time.Second
	c.MaxPurgeTime = 10 * time.Second
	c.MinFillTime = time.Second
	c.MaxFillTime = 10 * time.Second
	c.Thresholds = Thresholds{MaxTemperatureIncrease: 0}
	c.NPSBaseURL = "http://nps.lvm.local"
	c.O2URL = "http://alerts.lvm.local/o2"
	c.EStopActor = "safety"
	return c
}

func TestConfigValidates(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
}

func TestConfigRejectsUnknownAction(t *testing.T) {
	c := validConfig()
	c.Action = "bogus"
	assert.Error(t, c.Validate())
}

func TestConfigRejectsMaxLessThanMin(t *testing.T) {
	c := validConfig()
	c.MaxFillTime = 0
	c.MinFillTime = time.Second
	assert.Error(t, c.Validate())
}

func TestConfigAbortDoesNotRequireCameras(t *testing.T) {
	c := validConfig()
	c.Action = "abort"
	c.Cameras = nil
	c.ServerAddr = "http://localhost:8800"
	assert.NoError(t, c.Validate())
}
