// Package queue implements the browser task sequencer: a priority queue whose
// worker runs at most MaxConcurrent units against the shared browser at once,
// retries failures after a delay, and resolves a future per task.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rogersf/relay/internal/clock"
	"github.com/rogersf/relay/internal/domain"
	"github.com/rogersf/relay/internal/observability"
)

// Unit is the opaque work a task performs against the browser.
type Unit func(ctx context.Context) (any, error)

// Spec describes a task to enqueue.
type Spec struct {
	Kind     domain.TaskKind
	Label    string
	Priority domain.Priority
	Execute  Unit
	// MaxRetries is the number of extra attempts after the first failure.
	MaxRetries int
	RetryDelay time.Duration
	// Timeout bounds each attempt. Zero uses the queue default.
	Timeout time.Duration
}

// Result is the terminal outcome of a task.
type Result struct {
	TaskID   string
	Status   domain.TaskStatus
	Value    any
	Err      error
	Attempts int
}

// Handle is the future returned by Enqueue.
type Handle struct {
	ID   string
	done chan struct{}
	res  Result
}

// Done is closed once the task reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task is terminal or ctx is done. The returned error
// is ctx.Err() only; task failures are reported in Result.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// TaskRecorder persists terminal task snapshots.
type TaskRecorder interface {
	RecordTask(ctx context.Context, t domain.TaskInfo) error
}

// Config configures a Queue.
type Config struct {
	// MaxConcurrent must be 1 against a single browser.
	MaxConcurrent  int
	MaxCompleted   int
	DefaultTimeout time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
	Recorder       TaskRecorder
}

type task struct {
	info     domain.TaskInfo
	spec     Spec
	handle   *Handle
	backoff  clock.Timer
	attempts int
}

// Queue is the browser task sequencer.
type Queue struct {
	cfg Config

	mu        sync.Mutex
	pending   []*task
	running   map[string]*task
	waiting   map[string]*task
	completed []domain.TaskInfo

	nCompleted int
	nFailed    int
	nCancelled int
	durTotal   int64

	started bool
	stopped bool
	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Queue. Call Start to begin dispatching.
func New(cfg Config) *Queue {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxCompleted <= 0 {
		cfg.MaxCompleted = 100
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		running: make(map[string]*task),
		waiting: make(map[string]*task),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Enqueue inserts a task in priority order. Ties keep arrival order.
func (q *Queue) Enqueue(spec Spec) (*Handle, error) {
	if spec.Execute == nil {
		return nil, fmt.Errorf("%w: nil execute unit", domain.ErrInvalidTask)
	}
	if spec.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: negative max retries", domain.ErrInvalidTask)
	}
	if spec.Priority == 0 {
		spec.Priority = domain.PriorityNormal
	}

	t := &task{
		spec:   spec,
		handle: &Handle{ID: uuid.NewString(), done: make(chan struct{})},
	}
	t.info = domain.TaskInfo{
		ID:         t.handle.ID,
		Kind:       spec.Kind,
		Label:      spec.Label,
		Priority:   domain.Priority(spec.Priority.Rank()),
		Status:     domain.TaskPending,
		MaxRetries: spec.MaxRetries,
		RetryDelay: spec.RetryDelay.Milliseconds(),
		CreatedAt:  q.cfg.Clock.Now().UnixMilli(),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, domain.ErrQueueStopped
	}
	q.insertLocked(t)
	q.mu.Unlock()

	q.cfg.Logger.Debug("task enqueued", "task_id", t.info.ID, "kind", t.info.Kind, "priority", t.info.Priority.String())
	q.signal()
	return t.handle, nil
}

// insertLocked places t ahead of the first pending task with a numerically
// greater rank.
func (q *Queue) insertLocked(t *task) {
	rank := t.info.Priority.Rank()
	idx := len(q.pending)
	for i, p := range q.pending {
		if p.info.Priority.Rank() > rank {
			idx = i
			break
		}
	}
	q.pending = insertAt(q.pending, idx, t)
}

// insertRetryLocked places t ahead of the first pending task with an equal or
// greater rank, so a retry runs before its peers but never before strictly
// higher-priority work.
func (q *Queue) insertRetryLocked(t *task) {
	rank := t.info.Priority.Rank()
	idx := len(q.pending)
	for i, p := range q.pending {
		if p.info.Priority.Rank() >= rank {
			idx = i
			break
		}
	}
	q.pending = insertAt(q.pending, idx, t)
}

func insertAt(s []*task, i int, t *task) []*task {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = t
	return s
}

// Start launches the dispatch loop. Tasks enqueued earlier begin running.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.loop(ctx)
}

// Stop cancels everything not yet running and waits for running units to
// return. Stop is idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.stopped = true
	var dropped []*task
	dropped = append(dropped, q.pending...)
	q.pending = nil
	for id, t := range q.waiting {
		if t.backoff != nil {
			t.backoff.Stop()
		}
		dropped = append(dropped, t)
		delete(q.waiting, id)
	}
	for _, t := range dropped {
		q.cancelLocked(t, domain.ErrQueueStopped)
	}
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
	q.record(dropped)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()
	for {
		q.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-q.wake:
		}
	}
}

// dispatch starts head tasks while capacity remains.
func (q *Queue) dispatch(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.stopped || len(q.running) >= q.cfg.MaxConcurrent || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		t.info.Status = domain.TaskRunning
		t.info.StartedAt = q.cfg.Clock.Now().UnixMilli()
		t.attempts++
		q.running[t.info.ID] = t
		q.wg.Add(1)
		q.mu.Unlock()

		go q.execute(ctx, t)
	}
}

func (q *Queue) execute(ctx context.Context, t *task) {
	defer q.wg.Done()

	timeout := t.spec.Timeout
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout
	}
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	runCtx, span := observability.StartSpan(runCtx, "queue.task",
		attribute.String("task.id", t.info.ID),
		attribute.String("task.kind", string(t.info.Kind)),
		attribute.Int("task.attempt", t.attempts),
	)

	value, err := runUnit(runCtx, t.spec.Execute)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = domain.WrapEngineError(domain.ErrTaskTimeout.Code, fmt.Sprintf("after %s", timeout), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	cancel()

	q.finish(t, value, err)
	q.signal()
}

// runUnit converts a panic in the unit into an error so it never escapes the
// worker.
func runUnit(ctx context.Context, u Unit) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.WrapEngineError(domain.ErrTaskPanicked.Code, "recovered", fmt.Errorf("%v", r))
		}
	}()
	return u(ctx)
}

func (q *Queue) finish(t *task, value any, err error) {
	now := q.cfg.Clock.Now().UnixMilli()

	q.mu.Lock()
	delete(q.running, t.info.ID)

	if err == nil {
		t.info.Status = domain.TaskCompleted
		t.info.CompletedAt = now
		t.info.LastError = ""
		q.nCompleted++
		q.durTotal += t.info.DurationMs()
		q.terminateLocked(t, Result{Value: value})
		q.mu.Unlock()
		q.cfg.Logger.Info("task completed", "task_id", t.info.ID, "kind", t.info.Kind, "attempts", t.attempts)
		q.record([]*task{t})
		return
	}

	t.info.LastError = err.Error()
	if t.info.RetryCount < t.info.MaxRetries && !q.stopped {
		t.info.RetryCount++
		t.info.Status = domain.TaskPending
		delay := t.spec.RetryDelay
		q.cfg.Logger.Warn("task failed, retrying",
			"task_id", t.info.ID, "kind", t.info.Kind,
			"retry", t.info.RetryCount, "max_retries", t.info.MaxRetries,
			"delay", delay, "error", err)
		if delay <= 0 {
			q.insertRetryLocked(t)
		} else {
			q.waiting[t.info.ID] = t
			id := t.info.ID
			t.backoff = q.cfg.Clock.AfterFunc(delay, func() { q.requeue(id) })
		}
		q.mu.Unlock()
		return
	}

	t.info.Status = domain.TaskFailed
	t.info.CompletedAt = now
	q.nFailed++
	q.terminateLocked(t, Result{Err: err})
	q.mu.Unlock()
	q.cfg.Logger.Error("task failed", "task_id", t.info.ID, "kind", t.info.Kind, "attempts", t.attempts, "error", err)
	q.record([]*task{t})
}

// requeue moves a task out of retry backoff.
func (q *Queue) requeue(id string) {
	q.mu.Lock()
	t, ok := q.waiting[id]
	if !ok || q.stopped {
		q.mu.Unlock()
		return
	}
	delete(q.waiting, id)
	t.backoff = nil
	q.insertRetryLocked(t)
	q.mu.Unlock()
	q.signal()
}

// terminateLocked stores the snapshot and resolves the future.
func (q *Queue) terminateLocked(t *task, res Result) {
	res.TaskID = t.info.ID
	res.Status = t.info.Status
	res.Attempts = t.attempts
	t.handle.res = res
	close(t.handle.done)

	q.completed = append(q.completed, t.info)
	if over := len(q.completed) - q.cfg.MaxCompleted; over > 0 {
		q.completed = append([]domain.TaskInfo(nil), q.completed[over:]...)
	}
}

func (q *Queue) cancelLocked(t *task, cause error) {
	t.info.Status = domain.TaskCancelled
	t.info.CompletedAt = q.cfg.Clock.Now().UnixMilli()
	q.nCancelled++
	q.terminateLocked(t, Result{Err: cause})
}

func (q *Queue) record(tasks []*task) {
	if q.cfg.Recorder == nil {
		return
	}
	for _, t := range tasks {
		if err := q.cfg.Recorder.RecordTask(context.Background(), t.info); err != nil {
			q.cfg.Logger.Warn("record task", "task_id", t.info.ID, "error", err)
		}
	}
}

// Cancel removes a pending task, including one waiting out a retry delay.
// Running tasks cannot be cancelled.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	if _, ok := q.running[id]; ok {
		q.mu.Unlock()
		return domain.ErrTaskNotPending
	}
	var target *task
	if t, ok := q.waiting[id]; ok {
		if t.backoff != nil {
			t.backoff.Stop()
		}
		delete(q.waiting, id)
		target = t
	} else {
		for i, t := range q.pending {
			if t.info.ID == id {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				target = t
				break
			}
		}
	}
	if target == nil {
		q.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	q.cancelLocked(target, domain.ErrTaskCancelled)
	q.mu.Unlock()

	q.cfg.Logger.Info("task cancelled", "task_id", id)
	q.record([]*task{target})
	return nil
}

// ClearQueue cancels every pending task and returns how many were cancelled.
func (q *Queue) ClearQueue() int {
	q.mu.Lock()
	dropped := append([]*task(nil), q.pending...)
	q.pending = nil
	for id, t := range q.waiting {
		if t.backoff != nil {
			t.backoff.Stop()
		}
		dropped = append(dropped, t)
		delete(q.waiting, id)
	}
	for _, t := range dropped {
		q.cancelLocked(t, domain.ErrTaskCancelled)
	}
	q.mu.Unlock()

	if len(dropped) > 0 {
		q.cfg.Logger.Info("queue cleared", "cancelled", len(dropped))
	}
	q.record(dropped)
	return len(dropped)
}

// Stats returns occupancy counts and the average duration of completed tasks.
func (q *Queue) Stats() domain.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := domain.QueueStats{
		Pending:   len(q.pending) + len(q.waiting),
		Running:   len(q.running),
		Completed: q.nCompleted,
		Failed:    q.nFailed,
		Cancelled: q.nCancelled,
	}
	if q.nCompleted > 0 {
		s.AvgDurationMs = float64(q.durTotal) / float64(q.nCompleted)
	}
	return s
}

// Pending returns queued tasks in dispatch order followed by tasks waiting
// out a retry delay.
func (q *Queue) Pending() []domain.TaskInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.TaskInfo, 0, len(q.pending)+len(q.waiting))
	for _, t := range q.pending {
		out = append(out, t.info)
	}
	for _, t := range q.waiting {
		out = append(out, t.info)
	}
	return out
}

// Running returns snapshots of tasks currently executing.
func (q *Queue) Running() []domain.TaskInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.TaskInfo, 0, len(q.running))
	for _, t := range q.running {
		out = append(out, t.info)
	}
	return out
}

// Completed returns the bounded list of terminal tasks, oldest first.
func (q *Queue) Completed() []domain.TaskInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.TaskInfo(nil), q.completed...)
}

// Get returns the snapshot of a live or recently finished task.
func (q *Queue) Get(id string) (domain.TaskInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.running[id]; ok {
		return t.info, true
	}
	if t, ok := q.waiting[id]; ok {
		return t.info, true
	}
	for _, t := range q.pending {
		if t.info.ID == id {
			return t.info, true
		}
	}
	for i := len(q.completed) - 1; i >= 0; i-- {
		if q.completed[i].ID == id {
			return q.completed[i], true
		}
	}
	return domain.TaskInfo{}, false
}

// Len returns the number of tasks not yet terminal.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.waiting) + len(q.running)
}
