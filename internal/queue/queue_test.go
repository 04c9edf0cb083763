package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rogersf/relay/internal/clock"
	"github.com/rogersf/relay/internal/domain"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New(cfg)
	t.Cleanup(q.Stop)
	return q
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func waitResult(t *testing.T, h *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait(%s): %v", h.ID, err)
	}
	return res
}

func okUnit(context.Context) (any, error) { return "ok", nil }

func labels(infos []domain.TaskInfo) []string {
	out := make([]string, len(infos))
	for i, in := range infos {
		out[i] = in.Label
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEnqueue_PriorityOrderWithFIFOTies(t *testing.T) {
	q := newTestQueue(t, Config{})

	var mu sync.Mutex
	var order []string
	unit := func(label string) Unit {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return nil, nil
		}
	}

	specs := []struct {
		label string
		prio  domain.Priority
	}{
		{"low", domain.PriorityLow},
		{"high-1", domain.PriorityHigh},
		{"normal", domain.PriorityNormal},
		{"high-2", domain.PriorityHigh},
		{"critical", domain.PriorityCritical},
		{"background", domain.PriorityBackground},
	}
	var handles []*Handle
	for _, s := range specs {
		h, err := q.Enqueue(Spec{Kind: domain.TaskComment, Label: s.label, Priority: s.prio, Execute: unit(s.label)})
		if err != nil {
			t.Fatalf("Enqueue(%s): %v", s.label, err)
		}
		handles = append(handles, h)
	}

	want := []string{"critical", "high-1", "high-2", "normal", "low", "background"}
	if got := labels(q.Pending()); !equalStrings(got, want) {
		t.Fatalf("Pending order = %v, want %v", got, want)
	}

	q.Start(context.Background())
	for _, h := range handles {
		if res := waitResult(t, h); res.Status != domain.TaskCompleted {
			t.Errorf("task %s status = %s, want completed", h.ID, res.Status)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if !equalStrings(order, want) {
		t.Errorf("execution order = %v, want %v", order, want)
	}
}

func TestEnqueue_Invalid(t *testing.T) {
	q := newTestQueue(t, Config{})
	if _, err := q.Enqueue(Spec{Kind: domain.TaskComment}); !errors.Is(err, domain.ErrInvalidTask) {
		t.Errorf("nil execute: err = %v, want ErrInvalidTask", err)
	}
	if _, err := q.Enqueue(Spec{Execute: okUnit, MaxRetries: -1}); !errors.Is(err, domain.ErrInvalidTask) {
		t.Errorf("negative retries: err = %v, want ErrInvalidTask", err)
	}
}

func TestRetry_ExhaustsAfterNPlusOneAttempts(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.Start(context.Background())

	var calls atomic.Int32
	boom := errors.New("click failed")
	h, err := q.Enqueue(Spec{
		Kind:       domain.TaskComment,
		MaxRetries: 3,
		Execute: func(context.Context) (any, error) {
			calls.Add(1)
			return nil, boom
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	res := waitResult(t, h)
	if res.Status != domain.TaskFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("Err = %v, want %v", res.Err, boom)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
	if res.Attempts != 4 {
		t.Errorf("Result.Attempts = %d, want 4", res.Attempts)
	}
	info, ok := q.Get(h.ID)
	if !ok || info.RetryCount != 3 || info.LastError == "" {
		t.Errorf("Get = %+v, %v; want retry_count 3 with last error", info, ok)
	}
	if s := q.Stats(); s.Failed != 1 || s.Completed != 0 {
		t.Errorf("Stats = %+v, want 1 failed", s)
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.Start(context.Background())

	var calls atomic.Int32
	h, _ := q.Enqueue(Spec{
		Kind:       domain.TaskDirectMessage,
		MaxRetries: 2,
		Execute: func(context.Context) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return 42, nil
		},
	})

	res := waitResult(t, h)
	if res.Status != domain.TaskCompleted || res.Value != 42 {
		t.Errorf("result = %+v, want completed with 42", res)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
}

func TestInsertRetry_AheadOfPeersBehindHigherPriority(t *testing.T) {
	q := newTestQueue(t, Config{})
	for _, s := range []struct {
		label string
		prio  domain.Priority
	}{
		{"high", domain.PriorityHigh},
		{"normal-1", domain.PriorityNormal},
		{"normal-2", domain.PriorityNormal},
		{"low", domain.PriorityLow},
	} {
		if _, err := q.Enqueue(Spec{Label: s.label, Priority: s.prio, Execute: okUnit}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	retried := &task{info: domain.TaskInfo{ID: "r", Label: "retried", Priority: domain.PriorityNormal}}
	q.mu.Lock()
	q.insertRetryLocked(retried)
	q.mu.Unlock()

	want := []string{"high", "retried", "normal-1", "normal-2", "low"}
	if got := labels(q.Pending()); !equalStrings(got, want) {
		t.Errorf("Pending = %v, want %v", got, want)
	}

	bg := &task{info: domain.TaskInfo{ID: "bg", Label: "bg-retry", Priority: domain.PriorityBackground}}
	q.mu.Lock()
	q.insertRetryLocked(bg)
	q.mu.Unlock()
	got := labels(q.Pending())
	if got[len(got)-1] != "bg-retry" {
		t.Errorf("background retry should go last, got %v", got)
	}
}

func TestCancel_PendingTaskNeverRuns(t *testing.T) {
	q := newTestQueue(t, Config{})

	var ran atomic.Bool
	a, _ := q.Enqueue(Spec{Label: "a", Execute: okUnit})
	b, _ := q.Enqueue(Spec{Label: "b", Execute: func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}})

	if err := q.Cancel(b.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := q.Cancel(b.ID); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("second Cancel err = %v, want ErrTaskNotFound", err)
	}
	if err := q.Cancel("missing"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Cancel(missing) err = %v, want ErrTaskNotFound", err)
	}

	q.Start(context.Background())
	waitResult(t, a)
	res := waitResult(t, b)
	if res.Status != domain.TaskCancelled || !errors.Is(res.Err, domain.ErrTaskCancelled) {
		t.Errorf("cancelled result = %+v", res)
	}
	if ran.Load() {
		t.Error("cancelled task executed")
	}
	if s := q.Stats(); s.Cancelled != 1 || s.Completed != 1 {
		t.Errorf("Stats = %+v, want 1 cancelled, 1 completed", s)
	}
}

func TestCancel_RunningTaskRejected(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.Start(context.Background())

	release := make(chan struct{})
	h, _ := q.Enqueue(Spec{Execute: func(context.Context) (any, error) {
		<-release
		return nil, nil
	}})
	waitFor(t, func() bool { return len(q.Running()) == 1 })

	if err := q.Cancel(h.ID); !errors.Is(err, domain.ErrTaskNotPending) {
		t.Errorf("Cancel(running) err = %v, want ErrTaskNotPending", err)
	}
	close(release)
	if res := waitResult(t, h); res.Status != domain.TaskCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
}

func TestCancel_DuringRetryBackoff(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	q := newTestQueue(t, Config{Clock: fc})
	q.Start(context.Background())

	var calls atomic.Int32
	h, _ := q.Enqueue(Spec{
		MaxRetries: 3,
		RetryDelay: time.Minute,
		Execute: func(context.Context) (any, error) {
			calls.Add(1)
			return nil, errors.New("nav failed")
		},
	})
	waitFor(t, func() bool { return fc.PendingTimers() == 1 })

	if err := q.Cancel(h.ID); err != nil {
		t.Fatalf("Cancel during backoff: %v", err)
	}
	fc.Advance(2 * time.Minute)

	res := waitResult(t, h)
	if res.Status != domain.TaskCancelled {
		t.Errorf("status = %s, want cancelled", res.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestRetry_WaitsForDelay(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	q := newTestQueue(t, Config{Clock: fc})
	q.Start(context.Background())

	var calls atomic.Int32
	h, _ := q.Enqueue(Spec{
		MaxRetries: 1,
		RetryDelay: 5 * time.Second,
		Execute: func(context.Context) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("first try fails")
			}
			return nil, nil
		},
	})
	waitFor(t, func() bool { return fc.PendingTimers() == 1 })
	if got := calls.Load(); got != 1 {
		t.Fatalf("attempts before delay = %d, want 1", got)
	}
	if s := q.Stats(); s.Pending != 1 {
		t.Errorf("Stats.Pending during backoff = %d, want 1", s.Pending)
	}

	fc.Advance(5 * time.Second)
	if res := waitResult(t, h); res.Status != domain.TaskCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
}

func TestClearQueue(t *testing.T) {
	q := newTestQueue(t, Config{})
	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, _ := q.Enqueue(Spec{Execute: okUnit})
		handles = append(handles, h)
	}
	if n := q.ClearQueue(); n != 3 {
		t.Errorf("ClearQueue = %d, want 3", n)
	}
	for _, h := range handles {
		if res := waitResult(t, h); res.Status != domain.TaskCancelled {
			t.Errorf("status = %s, want cancelled", res.Status)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestTimeout_TreatedAsFailure(t *testing.T) {
	q := newTestQueue(t, Config{DefaultTimeout: 20 * time.Millisecond})
	q.Start(context.Background())

	h, _ := q.Enqueue(Spec{Execute: func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	res := waitResult(t, h)
	if res.Status != domain.TaskFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if !errors.Is(res.Err, domain.ErrTaskTimeout) {
		t.Errorf("Err = %v, want ErrTaskTimeout", res.Err)
	}
}

func TestPanic_RecoveredAsFailure(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.Start(context.Background())

	h, _ := q.Enqueue(Spec{Execute: func(context.Context) (any, error) {
		panic("selector exploded")
	}})
	res := waitResult(t, h)
	if res.Status != domain.TaskFailed || !errors.Is(res.Err, domain.ErrTaskPanicked) {
		t.Errorf("result = %+v, want failed with ErrTaskPanicked", res)
	}

	after, _ := q.Enqueue(Spec{Execute: okUnit})
	if res := waitResult(t, after); res.Status != domain.TaskCompleted {
		t.Errorf("worker did not survive panic: %+v", res)
	}
}

func TestMaxConcurrent_SerializesExecution(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1})
	q.Start(context.Background())

	var active, peak atomic.Int32
	unit := func(context.Context) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}
	var handles []*Handle
	for i := 0; i < 5; i++ {
		h, _ := q.Enqueue(Spec{Execute: unit})
		handles = append(handles, h)
	}
	for _, h := range handles {
		waitResult(t, h)
	}
	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrency = %d, want 1", got)
	}
}

func TestStats_Idempotent(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.Start(context.Background())

	done, _ := q.Enqueue(Spec{Execute: okUnit})
	waitResult(t, done)

	release := make(chan struct{})
	blocker, _ := q.Enqueue(Spec{Execute: func(context.Context) (any, error) {
		<-release
		return nil, nil
	}})
	waitFor(t, func() bool { return len(q.Running()) == 1 })
	if _, err := q.Enqueue(Spec{Execute: okUnit, Priority: domain.PriorityLow}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first := q.Stats()
	second := q.Stats()
	if first != second {
		t.Errorf("Stats changed without mutation: %+v vs %+v", first, second)
	}
	if first.Pending != 1 || first.Running != 1 || first.Completed != 1 {
		t.Errorf("Stats = %+v, want 1 pending, 1 running, 1 completed", first)
	}
	close(release)
	waitResult(t, blocker)
}

func TestCompleted_Bounded(t *testing.T) {
	q := newTestQueue(t, Config{MaxCompleted: 2})
	q.Start(context.Background())
	var last *Handle
	for i := 0; i < 3; i++ {
		h, _ := q.Enqueue(Spec{Label: string(rune('a' + i)), Execute: okUnit})
		last = h
	}
	waitResult(t, last)
	waitFor(t, func() bool { return q.Stats().Completed == 3 })

	got := labels(q.Completed())
	if !equalStrings(got, []string{"b", "c"}) {
		t.Errorf("Completed = %v, want [b c]", got)
	}
}

func TestStop_CancelsPendingAndRejectsEnqueue(t *testing.T) {
	q := New(Config{})
	h, _ := q.Enqueue(Spec{Execute: okUnit})
	q.Stop()
	q.Stop()

	res := waitResult(t, h)
	if res.Status != domain.TaskCancelled || !errors.Is(res.Err, domain.ErrQueueStopped) {
		t.Errorf("result = %+v, want cancelled by stop", res)
	}
	if _, err := q.Enqueue(Spec{Execute: okUnit}); !errors.Is(err, domain.ErrQueueStopped) {
		t.Errorf("Enqueue after Stop err = %v, want ErrQueueStopped", err)
	}
}

type memRecorder struct {
	mu    sync.Mutex
	infos []domain.TaskInfo
}

func (m *memRecorder) RecordTask(_ context.Context, info domain.TaskInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, info)
	return nil
}

func (m *memRecorder) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.infos)
}

func TestRecorder_ReceivesTerminalTasks(t *testing.T) {
	rec := &memRecorder{}
	q := newTestQueue(t, Config{Recorder: rec})
	q.Start(context.Background())

	h, _ := q.Enqueue(Spec{Kind: domain.TaskSessionCheck, Execute: okUnit})
	waitResult(t, h)
	waitFor(t, func() bool { return rec.len() == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.infos[0].Status != domain.TaskCompleted || rec.infos[0].Kind != domain.TaskSessionCheck {
		t.Errorf("recorded %+v", rec.infos[0])
	}
}
