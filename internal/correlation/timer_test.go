package correlation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	mu        sync.Mutex
	successes map[string]int
	timeouts  map[string]int
	failures  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		successes: map[string]int{},
		timeouts:  map[string]int{},
		failures:  map[string]int{},
	}
}

func (r *countingRecorder) RecordSuccess(key string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes[key]++
}

func (r *countingRecorder) RecordTimeout(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts[key]++
}

func (r *countingRecorder) RecordFailure(key string, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[key]++
}

func (r *countingRecorder) counts(key string) (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes[key], r.timeouts[key], r.failures[key]
}

func TestTimer_ResponseWithinWindow(t *testing.T) {
	rec := newCountingRecorder()
	timer := NewTimer(time.Second, rec)

	timer.StartTimer("123456789012")
	assert.True(t, timer.IsPending("123456789012"))

	assert.True(t, timer.CheckResponse("123456789012"))
	assert.False(t, timer.IsPending("123456789012"))

	s, to, f := rec.counts("123456789012")
	assert.Equal(t, [3]int{1, 0, 0}, [3]int{s, to, f})
}

func TestTimer_DeadlineRecordsTimeout(t *testing.T) {
	rec := newCountingRecorder()
	timer := NewTimer(20*time.Millisecond, rec)

	timer.StartTimer("K")

	require.Eventually(t, func() bool {
		_, to, _ := rec.counts("K")
		return to == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, timer.Pending())

	// A late response is a no-op.
	assert.False(t, timer.CheckResponse("K"))
	s, to, _ := rec.counts("K")
	assert.Equal(t, 0, s)
	assert.Equal(t, 1, to)
}

func TestTimer_UnknownKeyIsNoop(t *testing.T) {
	rec := newCountingRecorder()
	timer := NewTimer(time.Second, rec)

	assert.False(t, timer.CheckResponse("never-started"))
	assert.False(t, timer.Fail("never-started", "x"))

	s, to, f := rec.counts("never-started")
	assert.Zero(t, s+to+f)
}

func TestTimer_RestartReplacesEntry(t *testing.T) {
	rec := newCountingRecorder()
	timer := NewTimer(30*time.Millisecond, rec)

	timer.StartTimer("K")
	time.Sleep(15 * time.Millisecond)
	timer.StartTimer("K")
	assert.Equal(t, 1, timer.Pending())

	time.Sleep(60 * time.Millisecond)

	_, to, _ := rec.counts("K")
	assert.Equal(t, 1, to, "replaced entry must not record its own timeout")
}

func TestTimer_MutualExclusion(t *testing.T) {
	rec := newCountingRecorder()
	timer := NewTimer(time.Millisecond, rec)

	const keys = 500
	var wg sync.WaitGroup
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("K%03d", i)
		timer.StartTimer(key)
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			timer.CheckResponse(key)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return timer.Pending() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("K%03d", i)
		s, to, f := rec.counts(key)
		assert.Equal(t, 1, s+to, "key %s: success=%d timeout=%d", key, s, to)
		assert.Zero(t, f)
	}
}

func TestTimer_FailAndStop(t *testing.T) {
	rec := newCountingRecorder()
	timer := NewTimer(time.Minute, rec)

	timer.StartTimer("A")
	timer.StartTimer("B")
	timer.StartTimer("C")

	assert.True(t, timer.Fail("A", "no terminals connected"))
	timer.Stop()

	for _, key := range []string{"A", "B", "C"} {
		s, to, f := rec.counts(key)
		assert.Equal(t, [3]int{0, 0, 1}, [3]int{s, to, f}, key)
	}
	assert.Zero(t, timer.Pending())
}

func TestRecorders_FanOut(t *testing.T) {
	a, b := newCountingRecorder(), newCountingRecorder()
	timer := NewTimer(time.Second, Recorders(a, b))

	timer.StartTimer("K")
	timer.CheckResponse("K")

	sa, _, _ := a.counts("K")
	sb, _, _ := b.counts("K")
	assert.Equal(t, 1, sa)
	assert.Equal(t, 1, sb)
}

func TestNewTimer_Defaults(t *testing.T) {
	timer := NewTimer(0, nil)
	assert.Equal(t, DefaultWindow, timer.Window())

	timer.StartTimer("K")
	assert.True(t, timer.CheckResponse("K"))
}
