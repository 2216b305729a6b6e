package valve

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvmcryo/cryofill/internal/npsdriver"
	"github.com/lvmcryo/cryofill/internal/runrecord"
	"github.com/lvmcryo/cryofill/internal/thermistor"
)

type fakeTransport struct {
	mu       sync.Mutex
	onCalls  int
	offCalls int
	stopped  []*int64
}

func (f *fakeTransport) Status(ctx context.Context, actor, outlet string) (npsdriver.OutletInfo, error) {
	return npsdriver.OutletInfo{ID: outlet, State: false}, nil
}

func (f *fakeTransport) On(ctx context.Context, actor, outlet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCalls++
	return nil
}

func (f *fakeTransport) OnWithOffAfter(ctx context.Context, actor, outlet string, after time.Duration) error {
	return nil
}

func (f *fakeTransport) Off(ctx context.Context, actor, outlet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offCalls++
	return nil
}

func (f *fakeTransport) RunCycleWithTimeout(ctx context.Context, actor, outletID string, seconds float64) (int64, error) {
	return 42, nil
}

func (f *fakeTransport) StopScript(ctx context.Context, actor string, threadID *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, threadID)
	return nil
}

func newTestDriver(t *fakeTransport) *npsdriver.Driver {
	return npsdriver.New(zap.NewNop(), t, nil, false)
}

type staticReader struct {
	mu   sync.Mutex
	data map[string]bool
}

func (r *staticReader) ReadAll(ctx context.Context) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.data))
	for k, v := range r.data {
		out[k] = v
	}
	return out, nil
}

func (r *staticReader) set(channel string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[channel] = active
}

func TestSupervisorClosesOnMaxOpenTimeout(t *testing.T) {
	transport := &fakeTransport{}
	nps := newTestDriver(transport)
	state := runrecord.NewValveState()
	sup := New(zap.NewNop(), nps, "r1", "actor1", "outlet1", nil, nil, state)

	start := time.Now()
	err := sup.Open(context.Background(), 0, 20*time.Millisecond, false, false)
	require.NoError(t, err)
	assert.True(t, time.Since(start) >= 20*time.Millisecond)

	snap := state.Snapshot()
	assert.True(t, snap.TimedOut)
	assert.NotNil(t, snap.CloseTime)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 1, transport.offCalls)
	assert.Len(t, transport.stopped, 1)
}

func TestSupervisorClosesOnThermistorActive(t *testing.T) {
	transport := &fakeTransport{}
	nps := newTestDriver(transport)
	reader := &staticReader{data: map[string]bool{"r1": false}}
	mon := thermistor.New(zap.NewNop(), reader, 5*time.Millisecond)
	mon.Start()
	defer mon.Stop()

	state := runrecord.NewValveState()
	therm := &runrecord.ThermistorConfig{
		Channel:            "r1",
		MonitoringInterval: 5 * time.Millisecond,
		MinActiveTime:      10 * time.Millisecond,
	}
	sup := New(zap.NewNop(), nps, "r1", "actor1", "outlet1", therm, mon, state)

	go func() {
		time.Sleep(15 * time.Millisecond)
		reader.set("r1", true)
	}()

	err := sup.Open(context.Background(), 0, 5*time.Second, true, true)
	require.NoError(t, err)

	snap := state.Snapshot()
	assert.False(t, snap.TimedOut)
	assert.NotNil(t, snap.FirstActive)
	assert.NotNil(t, snap.CloseTime)
}

func TestSupervisorCloseIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	nps := newTestDriver(transport)
	state := runrecord.NewValveState()
	sup := New(zap.NewNop(), nps, "purge", "actor1", "outlet1", nil, nil, state)

	require.NoError(t, sup.Open(context.Background(), 0, 10*time.Millisecond, false, false))

	err1 := sup.Close(true, false)
	err2 := sup.Close(true, false)
	assert.Equal(t, err1, err2)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 1, transport.offCalls)
}

func TestSupervisorExternalCancelClosesValve(t *testing.T) {
	transport := &fakeTransport{}
	nps := newTestDriver(transport)
	state := runrecord.NewValveState()
	sup := New(zap.NewNop(), nps, "b1", "actor1", "outlet1", nil, nil, state)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := sup.Open(ctx, 0, 5*time.Second, false, false)
	require.NoError(t, err)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 1, transport.offCalls)
}
