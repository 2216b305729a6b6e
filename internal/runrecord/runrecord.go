// Package runrecord holds the data model described in spec.md §3: the
// static valve descriptor, the per-run valve state, and the run record
// the fill orchestrator produces. Construction validates and returns an
// error rather than panicking, per SPEC_FULL.md's ambient-stack notes
// (modeled on the teacher's channelmodel.ToDomain() pattern).
package runrecord

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Action identifies which phases of a run execute.
type Action string

const (
	ActionPurge         Action = "purge"
	ActionFill          Action = "fill"
	ActionPurgeAndFill  Action = "purge-and-fill"
)

// ThermistorConfig describes the thermistor attached to a valve, if any.
type ThermistorConfig struct {
	Channel             string        // defaults to the valve name if empty
	MonitoringInterval  time.Duration // default 1s
	MinActiveTime       time.Duration // required_active_time in spec terms
	CloseOnActive       bool
	Disabled            bool
}

// ValveDescriptor is the static configuration of one valve (spec §3).
type ValveDescriptor struct {
	Name       string
	NPSActor   string
	Outlet     string
	Thermistor *ThermistorConfig // nil if the valve has no thermistor
}

// Validate checks that a descriptor is well-formed, computing the
// thermistor channel default (outlet name -> valve name) once at
// construction, per SPEC_FULL.md §9.
func (d *ValveDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("valve descriptor: name is required")
	}
	if strings.TrimSpace(d.NPSActor) == "" {
		return fmt.Errorf("valve descriptor %q: nps_actor is required", d.Name)
	}
	if strings.TrimSpace(d.Outlet) == "" {
		return fmt.Errorf("valve descriptor %q: outlet is required", d.Name)
	}
	if d.Thermistor != nil && d.Thermistor.Channel == "" {
		d.Thermistor.Channel = d.Name
	}
	return nil
}

// ValveState is the per-run mutable state of one valve (spec §3).
// It is owned exclusively by the valve supervisor driving it; readers
// elsewhere (the validator, the run record) only observe it after Done
// has fired.
type ValveState struct {
	mu sync.Mutex

	ThreadID    *int64
	active      bool
	OpenTime    *time.Time
	CloseTime   *time.Time
	FirstActive *time.Time
	TimedOut    bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewValveState returns a fresh, idle state with its done channel armed.
func NewValveState() *ValveState {
	return &ValveState{done: make(chan struct{})}
}

// Done returns a channel closed exactly once, when the valve finishes its
// close path (normal, timeout, or abort).
func (s *ValveState) Done() <-chan struct{} { return s.done }

// FireDone closes Done idempotently. Safe to call from any exit path,
// including panic-recovery cleanup.
func (s *ValveState) FireDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// MarkOpen records the open transition. Invariant 2: active implies
// open_time set and close_time unset.
func (s *ValveState) MarkOpen(at time.Time, threadID *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	s.OpenTime = &at
	s.ThreadID = threadID
	s.CloseTime = nil
}

// MarkFirstActive records the first moment the thermistor's active streak
// satisfied the required-active-time invariant. A no-op after the first
// call, since first_active is monotone (spec §5 ordering guarantees).
func (s *ValveState) MarkFirstActive(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FirstActive == nil {
		s.FirstActive = &at
	}
}

// MarkClosed records the close transition. Idempotent: a second call
// after close_time is already set is a no-op other than TimedOut, which
// is only ever set true, never cleared (Testable Property 9).
func (s *ValveState) MarkClosed(at time.Time, timedOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CloseTime == nil {
		s.CloseTime = &at
	}
	s.active = false
	if timedOut {
		s.TimedOut = true
	}
}

// CachedThreadID returns the NPS script thread id armed for this valve, if
// any, safely under the state's mutex (unlike the exported field, which
// callers outside this package should not read directly while the
// supervisor may still be writing it).
func (s *ValveState) CachedThreadID() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ThreadID
}

// Active reports whether the valve is currently open. MarkOpen is called
// by the supervisor once its blocking open RPC returns, so a valve is
// never reported active while that RPC is still in flight (see
// internal/fill's notes on the corresponding Open Question).
func (s *ValveState) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Snapshot returns an immutable copy of the current state for inclusion
// in a Record.
func (s *ValveState) Snapshot() ValveStateView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ValveStateView{
		OpenTime:    s.OpenTime,
		CloseTime:   s.CloseTime,
		FirstActive: s.FirstActive,
		TimedOut:    s.TimedOut,
	}
}

// ValveStateView is a read-only snapshot of ValveState suitable for
// embedding in a Record or serializing.
type ValveStateView struct {
	OpenTime    *time.Time `json:"open_time,omitempty"`
	CloseTime   *time.Time `json:"close_time,omitempty"`
	FirstActive *time.Time `json:"first_active,omitempty"`
	TimedOut    bool       `json:"timed_out"`
}

// EventTimes holds the run-level timestamps of spec §3. Writes are
// monotone: later writes may set fields but callers must never clear an
// already-set field (Testable Property 3).
type EventTimes struct {
	Start         *time.Time `json:"start,omitempty"`
	PurgeStart    *time.Time `json:"purge_start,omitempty"`
	PurgeComplete *time.Time `json:"purge_complete,omitempty"`
	FillStart     *time.Time `json:"fill_start,omitempty"`
	FillComplete  *time.Time `json:"fill_complete,omitempty"`
	FailTime      *time.Time `json:"fail_time,omitempty"`
	AbortTime     *time.Time `json:"abort_time,omitempty"`
	End           *time.Time `json:"end,omitempty"`
}

func setOnce(dst **time.Time, at time.Time) {
	if *dst == nil {
		t := at
		*dst = &t
	}
}

func (e *EventTimes) SetStart(at time.Time)         { setOnce(&e.Start, at) }
func (e *EventTimes) SetPurgeStart(at time.Time)     { setOnce(&e.PurgeStart, at) }
func (e *EventTimes) SetPurgeComplete(at time.Time)  { setOnce(&e.PurgeComplete, at) }
func (e *EventTimes) SetFillStart(at time.Time)      { setOnce(&e.FillStart, at) }
func (e *EventTimes) SetFillComplete(at time.Time)   { setOnce(&e.FillComplete, at) }
func (e *EventTimes) SetFailTime(at time.Time)       { setOnce(&e.FailTime, at) }
func (e *EventTimes) SetAbortTime(at time.Time)      { setOnce(&e.AbortTime, at) }
func (e *EventTimes) SetEnd(at time.Time)            { setOnce(&e.End, at) }

// Record is the run record produced by the fill orchestrator (spec §3).
type Record struct {
	Action   Action                    `json:"action"`
	Cameras  []string                  `json:"cameras"`
	Events   EventTimes                `json:"events"`
	Valves   map[string]ValveStateView `json:"valves"`
	Failed   bool                      `json:"failed"`
	Aborted  bool                      `json:"aborted"`
	Error    string                    `json:"error,omitempty"`
}

// Specs groups cameras by spectrograph, e.g. "r1" and "b1" -> "sp1".
// Supplements the original's LN2Handler.get_specs (original_source). The
// validator does not call it; only its unit test does.
func Specs(cameras []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, cam := range cameras {
		if cam == "" {
			continue
		}
		id := cam[len(cam)-1:]
		sp := "sp" + id
		if _, ok := seen[sp]; !ok {
			seen[sp] = struct{}{}
			out = append(out, sp)
		}
	}
	return out
}
