// Package correlation tracks in-flight authorization requests by retrieval
// reference number and records whether each one was answered in time.
package correlation

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultWindow is how long a request may wait for its response.
const DefaultWindow = 7 * time.Second

// Outcome is how a tracked transaction ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeTimeout Outcome = "TIMEOUT"
	OutcomeFailed  Outcome = "FAILED"
)

// Recorder receives exactly one outcome per started entry.
type Recorder interface {
	RecordSuccess(key string, elapsed time.Duration)
	RecordTimeout(key string)
	RecordFailure(key string, reason string)
}

type entry struct {
	startedAt time.Time
	timer     *time.Timer
}

// Timer is the per-key state machine absent → pending → absent. Whoever
// removes the entry from the map under the lock records the outcome, so a
// response racing the deadline yields exactly one of success or timeout.
//
// A second StartTimer for a key that is still pending replaces the first
// entry; the replaced entry records nothing.
type Timer struct {
	window   time.Duration
	recorder Recorder

	mu      sync.Mutex
	pending map[string]*entry
}

// NewTimer creates a Timer. window <= 0 selects DefaultWindow.
func NewTimer(window time.Duration, recorder Recorder) *Timer {
	if window <= 0 {
		window = DefaultWindow
	}
	if recorder == nil {
		recorder = Recorders()
	}
	return &Timer{
		window:   window,
		recorder: recorder,
		pending:  make(map[string]*entry),
	}
}

// Window returns the configured deadline.
func (t *Timer) Window() time.Duration {
	return t.window
}

// StartTimer marks key pending and schedules its deadline.
func (t *Timer) StartTimer(key string) {
	e := &entry{startedAt: time.Now()}

	t.mu.Lock()
	if old, ok := t.pending[key]; ok {
		old.timer.Stop()
		slog.Warn("[Timer] Replacing pending transaction", "rrn", key)
	}
	t.pending[key] = e
	e.timer = time.AfterFunc(t.window, func() { t.expire(key, e) })
	t.mu.Unlock()

	slog.Debug("[Timer] Started", "rrn", key, "window", t.window)
}

// CheckResponse resolves a pending key as success and reports true. A key
// that is not pending is ignored.
func (t *Timer) CheckResponse(key string) bool {
	e, ok := t.take(key, nil)
	if !ok {
		slog.Debug("[Timer] Response for unknown or expired transaction", "rrn", key)
		return false
	}
	e.timer.Stop()
	elapsed := time.Since(e.startedAt)
	slog.Info("[Timer] Response received", "rrn", key, "elapsed", elapsed)
	t.recorder.RecordSuccess(key, elapsed)
	return true
}

// Fail resolves a pending key as failed, e.g. when the request never reached
// a terminal. A key that is not pending is ignored.
func (t *Timer) Fail(key, reason string) bool {
	e, ok := t.take(key, nil)
	if !ok {
		return false
	}
	e.timer.Stop()
	slog.Warn("[Timer] Transaction failed", "rrn", key, "reason", reason)
	t.recorder.RecordFailure(key, reason)
	return true
}

// IsPending reports whether key is waiting for a response.
func (t *Timer) IsPending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

// Pending returns the number of waiting keys.
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop resolves every pending key as failed so none is left orphaned.
func (t *Timer) Stop() {
	t.mu.Lock()
	drained := t.pending
	t.pending = make(map[string]*entry)
	t.mu.Unlock()

	for key, e := range drained {
		e.timer.Stop()
		t.recorder.RecordFailure(key, "shutdown")
	}
}

func (t *Timer) expire(key string, e *entry) {
	if _, ok := t.take(key, e); !ok {
		return
	}
	slog.Warn("[Timer] Transaction timed out", "rrn", key, "window", t.window)
	t.recorder.RecordTimeout(key)
}

// take removes key. When want is non-nil the entry is only removed if it is
// still that exact entry.
func (t *Timer) take(key string, want *entry) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[key]
	if !ok || (want != nil && e != want) {
		return nil, false
	}
	delete(t.pending, key)
	return e, true
}

// ============================================================================
// RECORDERS
// ============================================================================

type multiRecorder []Recorder

// Recorders fans outcomes out to every recorder in order.
func Recorders(rs ...Recorder) Recorder {
	return multiRecorder(rs)
}

func (m multiRecorder) RecordSuccess(key string, elapsed time.Duration) {
	for _, r := range m {
		r.RecordSuccess(key, elapsed)
	}
}

func (m multiRecorder) RecordTimeout(key string) {
	for _, r := range m {
		r.RecordTimeout(key)
	}
}

func (m multiRecorder) RecordFailure(key string, reason string) {
	for _, r := range m {
		r.RecordFailure(key, reason)
	}
}
