package fill

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvmcryo/cryofill/internal/alerts"
	"github.com/lvmcryo/cryofill/internal/npsdriver"
	"github.com/lvmcryo/cryofill/internal/runrecord"
)

type fakeTransport struct {
	mu  sync.Mutex
	off map[string]int
}

func newFakeTransport() *fakeTransport { return &fakeTransport{off: make(map[string]int)} }

func (f *fakeTransport) Status(ctx context.Context, actor, outlet string) (npsdriver.OutletInfo, error) {
	return npsdriver.OutletInfo{ID: outlet}, nil
}
func (f *fakeTransport) On(ctx context.Context, actor, outlet string) error { return nil }
func (f *fakeTransport) OnWithOffAfter(ctx context.Context, actor, outlet string, after time.Duration) error {
	return nil
}
func (f *fakeTransport) Off(ctx context.Context, actor, outlet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.off[outlet]++
	return nil
}
func (f *fakeTransport) RunCycleWithTimeout(ctx context.Context, actor, outletID string, seconds float64) (int64, error) {
	return 1, nil
}
func (f *fakeTransport) StopScript(ctx context.Context, actor string, threadID *int64) error {
	return nil
}

func (f *fakeTransport) offCount(outlet string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.off[outlet]
}

type fakeAlerts struct {
	mu       sync.Mutex
	o2       bool
	o2Err    error
	estop    bool
	estopErr error
}

func (a *fakeAlerts) O2Alert(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.o2, a.o2Err
}
func (a *fakeAlerts) LN2EStopsActive(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.estop, a.estopErr
}
func (a *fakeAlerts) setO2(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.o2 = v
}

var _ alerts.Source = (*fakeAlerts)(nil)

type fakeReader struct {
	mu   sync.Mutex
	data map[string]bool
}

func (r *fakeReader) ReadAll(ctx context.Context) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.data))
	for k, v := range r.data {
		out[k] = v
	}
	return out, nil
}
func (r *fakeReader) set(ch string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[ch] = v
}

func descriptors() []runrecord.ValveDescriptor {
	return []runrecord.ValveDescriptor{
		{Name: "purge", NPSActor: "nps1", Outlet: "o-purge"},
		{Name: "r1", NPSActor: "nps1", Outlet: "o-r1"},
		{Name: "b1", NPSActor: "nps1", Outlet: "o-b1"},
	}
}

func TestOrchestratorTimeoutPathClosesAllValves(t *testing.T) {
	transport := newFakeTransport()
	nps := npsdriver.New(zap.NewNop(), transport, nil, false)
	al := &fakeAlerts{}

	opts := Options{
		Action:       runrecord.ActionPurgeAndFill,
		Cameras:      []string{"r1", "b1"},
		MinPurgeTime: 0,
		MaxPurgeTime: 10 * time.Millisecond,
		MinFillTime:  0,
		MaxFillTime:  10 * time.Millisecond,
	}

	orch, err := New(zap.NewNop(), nps, al, nil, descriptors(), opts)
	require.NoError(t, err)

	rec, runErr := orch.Run(context.Background())
	require.NoError(t, runErr)
	assert.False(t, rec.Failed)
	assert.False(t, rec.Aborted)

	for _, v := range rec.Valves {
		assert.NotNil(t, v.CloseTime)
	}
	assert.True(t, rec.Valves["purge"].TimedOut)
	assert.True(t, rec.Valves["r1"].TimedOut)
	assert.True(t, rec.Valves["b1"].TimedOut)
}

func TestOrchestratorPreCheckFailureOpensNoValves(t *testing.T) {
	transport := newFakeTransport()
	nps := npsdriver.New(zap.NewNop(), transport, nil, false)
	al := &fakeAlerts{}

	opts := Options{
		Action:       runrecord.ActionPurgeAndFill,
		Cameras:      []string{"r1", "b1"},
		MaxPurgeTime: time.Second,
		MaxFillTime:  time.Second,
		PreChecks: []PreCheck{
			{Name: "pressure", Run: func(ctx context.Context) error {
				return assertErr("pressure out of range")
			}},
		},
	}

	orch, err := New(zap.NewNop(), nps, al, nil, descriptors(), opts)
	require.NoError(t, err)

	rec, runErr := orch.Run(context.Background())
	require.Error(t, runErr)
	assert.True(t, rec.Failed)
	for _, v := range rec.Valves {
		assert.Nil(t, v.OpenTime)
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestOrchestratorAbortsOnO2Alert(t *testing.T) {
	transport := newFakeTransport()
	nps := npsdriver.New(zap.NewNop(), transport, nil, false)
	al := &fakeAlerts{}

	opts := Options{
		Action:       runrecord.ActionFill,
		Cameras:      []string{"r1", "b1"},
		MaxFillTime:  10 * time.Second,
	}

	orch, err := New(zap.NewNop(), nps, al, nil, descriptors(), opts)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		al.setO2(true)
	}()

	done := make(chan struct{})
	var rec *runrecord.Record
	go func() {
		rec, _ = orch.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(6 * time.Second):
		t.Fatal("run did not complete after o2 alert")
	}

	assert.True(t, rec.Aborted)
	assert.True(t, rec.Failed)
	assert.True(t, transport.offCount("o-r1") >= 1)
	assert.True(t, transport.offCount("o-b1") >= 1)
}

func TestOrchestratorRequireAllThermistorsBarrier(t *testing.T) {
	transport := newFakeTransport()
	nps := npsdriver.New(zap.NewNop(), transport, nil, false)
	al := &fakeAlerts{}
	reader := &fakeReader{data: map[string]bool{"r1": false, "b1": false}}

	opts := Options{
		Action:                runrecord.ActionFill,
		Cameras:               []string{"r1", "b1"},
		MinFillTime:           0,
		MaxFillTime:           2 * time.Second,
		UseThermistor:         true,
		RequireAllThermistors: true,
		ThermistorInterval:    5 * time.Millisecond,
	}

	descs := []runrecord.ValveDescriptor{
		{Name: "purge", NPSActor: "nps1", Outlet: "o-purge"},
		{Name: "r1", NPSActor: "nps1", Outlet: "o-r1", Thermistor: &runrecord.ThermistorConfig{Channel: "r1", MonitoringInterval: 5 * time.Millisecond}},
		{Name: "b1", NPSActor: "nps1", Outlet: "o-b1", Thermistor: &runrecord.ThermistorConfig{Channel: "b1", MonitoringInterval: 5 * time.Millisecond}},
	}

	orch, err := New(zap.NewNop(), nps, al, reader, descs, opts)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		reader.set("r1", true)
		time.Sleep(30 * time.Millisecond)
		reader.set("b1", true)
	}()

	rec, runErr := orch.Run(context.Background())
	require.NoError(t, runErr)
	assert.False(t, rec.Failed)

	r1 := rec.Valves["r1"]
	b1 := rec.Valves["b1"]
	require.NotNil(t, r1.FirstActive)
	require.NotNil(t, b1.FirstActive)
	require.NotNil(t, r1.CloseTime)
	require.NotNil(t, b1.CloseTime)

	assert.False(t, r1.CloseTime.Before(*b1.FirstActive))
	assert.False(t, b1.CloseTime.Before(*r1.FirstActive))
}
