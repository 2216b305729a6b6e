package thermistor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	mu    sync.Mutex
	calls int
	data  map[string]bool
	err   error
}

func (f *fakeReader) ReadAll(ctx context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]bool, len(f.data))
	for k, v := range f.data {
		out[k] = v
	}
	return out, nil
}

func TestMonitorSamplesPeriodically(t *testing.T) {
	reader := &fakeReader{data: map[string]bool{"b1": true}}
	mon := New(zap.NewNop(), reader, 5*time.Millisecond)

	mon.Start()
	defer mon.Stop()

	require.Eventually(t, func() bool { return mon.Len() >= 2 }, time.Second, time.Millisecond)

	sample, ok := mon.Latest()
	require.True(t, ok)
	assert.True(t, sample.Data["b1"])
}

func TestMonitorStartIsIdempotent(t *testing.T) {
	reader := &fakeReader{data: map[string]bool{"r1": false}}
	mon := New(zap.NewNop(), reader, 5*time.Millisecond)

	mon.Start()
	mon.Start()
	mon.Start()
	defer mon.Stop()

	require.Eventually(t, func() bool { return mon.Len() >= 1 }, time.Second, time.Millisecond)
}

func TestMonitorStopWithoutStart(t *testing.T) {
	mon := New(zap.NewNop(), &fakeReader{}, time.Millisecond)
	mon.Stop()
}

func TestMonitorSwallowsReadErrors(t *testing.T) {
	reader := &fakeReader{err: assertError{"boom"}}
	mon := New(zap.NewNop(), reader, 5*time.Millisecond)

	mon.Start()
	defer mon.Stop()

	time.Sleep(30 * time.Millisecond)
	_, ok := mon.Latest()
	assert.False(t, ok)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestDecodeReply(t *testing.T) {
	channels := ChannelMap{0: "b1", 1: "r1", 2: "z1"}
	// bits: channel0=1, channel1=0, channel2=1 -> 0b101 = 0x0005
	data, err := decodeReply([]byte("!010005\r"), channels)
	require.NoError(t, err)
	assert.True(t, data["b1"])
	assert.False(t, data["r1"])
	assert.True(t, data["z1"])
}

func TestDecodeReplyMalformed(t *testing.T) {
	_, err := decodeReply([]byte("garbage"), ChannelMap{})
	assert.Error(t, err)
}
