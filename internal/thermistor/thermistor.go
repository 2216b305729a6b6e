// Package thermistor implements C2 (the thermistor reader) and C4 (the
// process-wide singleton monitor that samples it). Grounded on
// original_source/src/lvmcryo/handlers/thermistor.py's ThermistorMonitor
// for the sampling cadence and stale-data semantics, and on the teacher's
// internal/processmgr.Process for the cancel-func/completion-channel
// start/stop shape.
package thermistor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reader is C2: one query returning the latest activation state per
// channel. Implementations speak either the UDP datagram protocol
// ($016\r\n / !01<HHHH>\r, see decodeReply in this package) or an HTTP
// collaborator; both return the same shape.
type Reader interface {
	ReadAll(ctx context.Context) (map[string]bool, error)
}

// Sample is one reading of every channel, timestamped at acquisition.
type Sample struct {
	Timestamp time.Time
	Data      map[string]bool
}

// Monitor is C4: a process-wide singleton periodic sampler. It is
// constructed once by the fill orchestrator and passed by handle into
// every valve supervisor — never reached via a package-level global —
// so teardown in Phase 5 is deterministic and tests can run monitors in
// isolation.
type Monitor struct {
	log      *zap.Logger
	reader   Reader
	interval time.Duration

	mu      sync.RWMutex
	samples []Sample

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	running bool
}

// New constructs a Monitor. interval <= 0 defaults to 1s (spec §4.4).
func New(log *zap.Logger, reader Reader, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		log:      log.Named("thermistor_monitor"),
		reader:   reader,
		interval: interval,
	}
}

// Start is idempotent: calling it while already running is a no-op.
// runMu serializes the check-and-set against Stop, so exactly one
// sampling goroutine is ever spawned per running period.
func (m *Monitor) Start() {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return
	}
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	stopped := make(chan struct{})
	m.stopped = stopped
	m.runMu.Unlock()

	go func() {
		m.run(ctx)
		close(stopped)
	}()
}

// Stop cancels the worker and blocks until it has exited. Safe to call
// when not running.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	cancel := m.cancel
	stopped := m.stopped
	m.running = false
	m.runMu.Unlock()

	cancel()
	<-stopped
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := m.reader.ReadAll(ctx)
			if err != nil {
				m.log.Warn("thermistor read failed; keeping previous sample", zap.Error(err))
				continue
			}
			m.mu.Lock()
			m.samples = append(m.samples, Sample{Timestamp: time.Now(), Data: data})
			m.mu.Unlock()
		}
	}
}

// Latest returns the most recent sample, or ok=false if none has been
// taken yet.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.samples) == 0 {
		return Sample{}, false
	}
	return m.samples[len(m.samples)-1], true
}

// Len reports how many samples have been recorded; mainly for tests.
func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples)
}
