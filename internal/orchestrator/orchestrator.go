// Package orchestrator runs the relay's control loop: it discovers posts,
// schedules comments and direct messages through the rate/dedup policies and
// the browser queue, re-checks platform logins, and pauses itself after
// repeated failures.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rogersf/relay/internal/action"
	"github.com/rogersf/relay/internal/clock"
	"github.com/rogersf/relay/internal/config"
	"github.com/rogersf/relay/internal/content"
	"github.com/rogersf/relay/internal/domain"
	"github.com/rogersf/relay/internal/observability"
	"github.com/rogersf/relay/internal/platform"
	"github.com/rogersf/relay/internal/policy"
	"github.com/rogersf/relay/internal/queue"
	"github.com/rogersf/relay/internal/session"
)

// Actions builds the queue units the orchestrator schedules.
// *action.Executor satisfies it.
type Actions interface {
	CommentUnit(req action.CommentRequest) queue.Unit
	DMUnit(req action.DMRequest) queue.Unit
	DiscoveryUnit(platform string) queue.Unit
	PollUnit(req action.PollRequest) queue.Unit
}

// Config wires the orchestrator to its collaborators.
type Config struct {
	Settings      config.OrchestratorConfig
	Queue         config.QueueConfig
	Platforms     *platform.Registry
	Sessions      *session.Manager
	Checker       session.LoginChecker
	Tasks         *queue.Queue
	Actions       Actions
	Content       content.Generator
	CommentPolicy *policy.Policy
	DMPolicy      *policy.Policy
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Orchestrator is the top-level state machine. It moves stopped → starting →
// running, back to stopped on Stop, and to paused after too many consecutive
// errors when pause_on_error is set.
type Orchestrator struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	status domain.OrchestratorStatus
	pool   map[string][]domain.Candidate
	seen   map[string]bool
	// posted holds each platform's comment times within the last hour;
	// lastPosted survives the pruning for intervals longer than an hour.
	posted     map[string][]time.Time
	lastPosted map[string]time.Time
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a stopped Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Settings.CommentsPerHour <= 0 {
		cfg.Settings.CommentsPerHour = 6
	}
	return &Orchestrator{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		status: domain.OrchestratorStatus{State: domain.OrchestratorStopped},
		pool:   make(map[string][]domain.Candidate),
		seen:   make(map[string]bool),

		posted:     make(map[string][]time.Time),
		lastPosted: make(map[string]time.Time),
	}
}

// IsQuietHour reports whether hour falls in [start, end), wrapping past
// midnight when start > end. Equal bounds disable quiet hours.
func IsQuietHour(hour, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

// Start verifies logins when required and launches the timers. It fails
// with ErrAlreadyRunning unless the orchestrator is stopped or paused.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if st := o.status.State; st != domain.OrchestratorStopped && st != domain.OrchestratorPaused {
		o.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	o.status = domain.OrchestratorStatus{
		State:     domain.OrchestratorStarting,
		StartedAt: o.clock.Now(),
	}
	o.mu.Unlock()

	// a paused run's loops may still be unwinding
	o.wg.Wait()

	if o.cfg.Settings.RequireLoginVerification {
		if ok := o.verifyLogins(ctx); len(ok) == 0 {
			o.mu.Lock()
			o.status.State = domain.OrchestratorStopped
			o.mu.Unlock()
			o.logger.Error("orchestrator start aborted", "reason", "no platform logged in")
			return domain.ErrNoLoggedIn
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.cancel = cancel
	o.stopCh = make(chan struct{})
	o.status.State = domain.OrchestratorRunning
	o.status.IsRunning = true
	stopCh := o.stopCh
	o.mu.Unlock()

	s := o.cfg.Settings
	commentEvery := time.Duration(60/s.CommentsPerHour) * time.Minute
	if commentEvery <= 0 {
		commentEvery = time.Minute
	}
	o.every(runCtx, stopCh, "comment", commentEvery, func(ctx context.Context) { _ = o.RunCommentCycle(ctx) })
	o.every(runCtx, stopCh, "discovery", minutes(s.DiscoveryIntervalMinutes, 30), func(ctx context.Context) { _ = o.RunDiscoveryCycle(ctx) })
	o.every(runCtx, stopCh, "session_check", minutes(s.SessionCheckIntervalMinutes, 60), func(ctx context.Context) { o.RunSessionCheck(ctx) })
	o.every(runCtx, stopCh, "hourly_reset", time.Hour, func(context.Context) { o.ResetHourly() })
	o.every(runCtx, stopCh, "daily_reset", 24*time.Hour, func(ctx context.Context) { o.ResetDaily(ctx) })

	o.logger.Info("orchestrator started",
		"comment_interval", commentEvery, "logged_in", o.cfg.Sessions.ActivePlatforms())
	return nil
}

func minutes(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Minute
}

// every runs fn on each tick until stopCh closes.
func (o *Orchestrator) every(ctx context.Context, stopCh chan struct{}, name string, d time.Duration, fn func(context.Context)) {
	t := o.clock.NewTicker(d)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer t.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-t.C():
				o.logger.Debug("orchestrator timer fired", "timer", name)
				fn(ctx)
			}
		}
	}()
}

// Stop clears all timers and waits for in-flight cycles. Calling Stop on a
// stopped orchestrator is a no-op.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	wasActive := o.haltLocked(domain.OrchestratorStopped)
	o.mu.Unlock()
	o.wg.Wait()
	if wasActive {
		o.logger.Info("orchestrator stopped")
	}
}

// haltLocked signals the loops to exit without waiting for them.
func (o *Orchestrator) haltLocked(next domain.OrchestratorState) bool {
	wasActive := o.stopCh != nil
	if wasActive {
		close(o.stopCh)
		o.stopCh = nil
		o.cancel()
		o.cancel = nil
	}
	o.status.State = next
	o.status.IsRunning = false
	return wasActive
}

// State returns the lifecycle state.
func (o *Orchestrator) State() domain.OrchestratorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.State
}

// Status returns a snapshot of the control loop.
func (o *Orchestrator) Status() domain.OrchestratorStatus {
	active := o.loggedIn()
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status
	st.LoggedInPlatforms = active
	st.PostsInQueue = o.poolSizeLocked()
	return st
}

func (o *Orchestrator) running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.State == domain.OrchestratorRunning
}

// loggedIn lists enabled platforms whose session is active, sorted.
func (o *Orchestrator) loggedIn() []string {
	var out []string
	for _, p := range o.cfg.Sessions.ActivePlatforms() {
		if spec, err := o.cfg.Platforms.Get(p); err == nil && spec.Enabled {
			out = append(out, p)
		}
	}
	return out
}

func (o *Orchestrator) verifyLogins(ctx context.Context) []string {
	var ok []string
	for _, p := range o.cfg.Platforms.Enabled() {
		st, err := o.cfg.Sessions.VerifyLogin(ctx, p, o.cfg.Checker)
		if err != nil {
			o.logger.Warn("login verification failed", "platform", p, "error", err)
			continue
		}
		o.logger.Info("login verified", "platform", p, "username", st.Username)
		ok = append(ok, p)
	}
	return ok
}

// RunSessionCheck re-verifies the login of every enabled platform.
func (o *Orchestrator) RunSessionCheck(ctx context.Context) []string {
	ok := o.verifyLogins(ctx)
	o.mu.Lock()
	o.status.LoggedInPlatforms = ok
	o.mu.Unlock()
	return ok
}

// ResetHourly clears the per-hour comment counter.
func (o *Orchestrator) ResetHourly() {
	o.mu.Lock()
	o.status.CommentsThisHour = 0
	o.mu.Unlock()
}

// ResetDaily clears the daily counter and prunes policy history.
func (o *Orchestrator) ResetDaily(ctx context.Context) {
	o.mu.Lock()
	o.status.CommentsToday = 0
	o.mu.Unlock()
	for _, p := range []*policy.Policy{o.cfg.CommentPolicy, o.cfg.DMPolicy} {
		if p == nil {
			continue
		}
		if err := p.Prune(ctx); err != nil {
			o.logger.Warn("prune policy history", "policy", p.Kind(), "error", err)
		}
	}
}

// recordError counts a cycle failure and pauses the orchestrator once the
// configured maximum is reached.
func (o *Orchestrator) recordError(err error) error {
	o.mu.Lock()
	o.status.ConsecutiveErrors++
	o.status.LastError = err.Error()
	n := o.status.ConsecutiveErrors
	pause := o.cfg.Settings.PauseOnError && n >= o.cfg.Settings.MaxConsecutiveErrors &&
		o.status.State == domain.OrchestratorRunning
	if pause {
		o.haltLocked(domain.OrchestratorPaused)
	}
	o.mu.Unlock()

	o.logger.Error("orchestrator cycle failed", "consecutive_errors", n, "error", err)
	if pause {
		o.logger.Warn("orchestrator paused", "consecutive_errors", n)
	}
	return err
}

func (o *Orchestrator) clearErrors() {
	o.mu.Lock()
	o.status.ConsecutiveErrors = 0
	o.status.LastError = ""
	o.mu.Unlock()
}

// RunCommentCycle schedules at most one comment. Quiet hours, the hourly
// cap, an empty logged-in set and policy refusals all skip the cycle
// without error.
func (o *Orchestrator) RunCommentCycle(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "orchestrator.comment_cycle")
	defer span.End()

	if !o.running() {
		return domain.ErrNotRunning
	}
	s := o.cfg.Settings
	if hour := o.clock.Now().Hour(); IsQuietHour(hour, s.QuietHoursStart, s.QuietHoursEnd) {
		o.logger.Debug("comment cycle skipped", "reason", "quiet hours", "hour", hour)
		return nil
	}

	o.mu.Lock()
	count := o.status.CommentsThisHour
	o.mu.Unlock()
	if count >= s.CommentsPerHour {
		o.logger.Debug("comment cycle skipped", "reason", "hourly cap", "count", count)
		return nil
	}

	platforms := o.loggedIn()
	if len(platforms) == 0 {
		o.logger.Info("comment cycle skipped", "reason", "no logged-in platform")
		return nil
	}
	target := o.pickTarget(platforms, count)
	if target == "" {
		o.logger.Info("comment cycle skipped", "reason", "platform rate", "platforms", platforms)
		return nil
	}
	span.SetAttributes(attribute.String("platform", target))

	cand, ok := o.nextCandidate(target)
	if !ok {
		if err := o.discover(ctx, []string{target}); err != nil {
			return o.recordError(err)
		}
		if cand, ok = o.nextCandidate(target); !ok {
			o.logger.Info("comment cycle skipped", "reason", "no candidates", "platform", target)
			return nil
		}
	}
	span.SetAttributes(attribute.String("post.id", cand.PostID))

	text, err := o.cfg.Content.GenerateComment(ctx, content.Context{
		Platform: cand.Platform,
		PostID:   cand.PostID,
		PostURL:  cand.URL,
		Author:   cand.Author,
		Excerpt:  cand.Excerpt,
	})
	if err != nil {
		return o.recordError(fmt.Errorf("generate comment: %w", err))
	}

	dec := o.cfg.CommentPolicy.Admit(ctx, policy.Proposal{
		Platform:  cand.Platform,
		TargetID:  cand.PostID,
		Recipient: cand.Author,
		Text:      text,
	})
	if dec.Skipped() {
		o.logger.Info("comment skipped by policy",
			"platform", cand.Platform, "post_id", cand.PostID, "kind", dec.Kind, "reason", dec.Reason, "wait", dec.Wait)
		return nil
	}

	h, err := o.cfg.Tasks.Enqueue(queue.Spec{
		Kind:       domain.TaskComment,
		Label:      fmt.Sprintf("comment %s/%s", cand.Platform, cand.PostID),
		Priority:   domain.PriorityNormal,
		Execute:    o.cfg.Actions.CommentUnit(action.CommentRequest{Platform: cand.Platform, PostID: cand.PostID, PostURL: cand.URL, Text: text}),
		MaxRetries: o.cfg.Queue.MaxRetries,
		RetryDelay: o.cfg.Queue.RetryDelay(),
	})
	if err != nil {
		o.release(ctx, o.cfg.CommentPolicy, dec.RecordID)
		return o.recordError(err)
	}
	res, err := h.Wait(ctx)
	if err != nil {
		// The task outlives the cycle; settle it once it finishes.
		bg := context.WithoutCancel(ctx)
		go func() {
			res, _ := h.Wait(bg)
			o.finishComment(bg, cand, dec.RecordID, res)
		}()
		return err
	}
	ar, err := o.finishComment(ctx, cand, dec.RecordID, res)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("action.status", string(ar.Status)))
	return nil
}

// finishComment settles the reservation for a finished comment task and
// updates the counters. A failure is recorded as a cycle error.
func (o *Orchestrator) finishComment(ctx context.Context, cand domain.Candidate, recordID string, res queue.Result) (action.Result, error) {
	ar, err := o.settle(ctx, o.cfg.CommentPolicy, recordID, res)
	if err != nil {
		return ar, o.recordError(fmt.Errorf("%w: comment on %s/%s: %v", domain.ErrActionFailed, cand.Platform, cand.PostID, err))
	}

	now := o.clock.Now()
	o.mu.Lock()
	o.status.CommentsThisHour++
	o.status.CommentsToday++
	o.status.LastCommentAt = now
	o.posted[cand.Platform] = append(o.posted[cand.Platform], now)
	o.lastPosted[cand.Platform] = now
	o.mu.Unlock()
	o.clearErrors()
	return ar, nil
}

// pickTarget walks the logged-in platforms round-robin from count and
// returns the first whose own rate table allows another comment now.
func (o *Orchestrator) pickTarget(platforms []string, count int) string {
	now := o.clock.Now()
	for i := range platforms {
		p := platforms[(count+i)%len(platforms)]
		if reason := o.platformBlocked(p, now); reason != "" {
			o.logger.Debug("platform not ready", "platform", p, "reason", reason)
			continue
		}
		return p
	}
	return ""
}

// platformBlocked returns why p may not receive a comment at now, or "".
func (o *Orchestrator) platformBlocked(p string, now time.Time) string {
	spec, err := o.cfg.Platforms.Get(p)
	if err != nil {
		return err.Error()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := now.Add(-time.Hour)
	times := o.posted[p]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	times = times[i:]
	o.posted[p] = times

	if spec.CommentsPerHour > 0 && len(times) >= spec.CommentsPerHour {
		return "platform hourly cap"
	}
	if last, ok := o.lastPosted[p]; ok && spec.IntervalMinutes > 0 &&
		now.Sub(last) < time.Duration(spec.IntervalMinutes)*time.Minute {
		return "platform interval"
	}
	return ""
}

// settle confirms or releases the policy reservation for a finished task.
func (o *Orchestrator) settle(ctx context.Context, p *policy.Policy, recordID string, res queue.Result) (action.Result, error) {
	if res.Err != nil {
		o.release(ctx, p, recordID)
		return action.Result{}, res.Err
	}
	ar, _ := res.Value.(action.Result)
	if err := p.Confirm(ctx, recordID, ar.Verified); err != nil {
		o.logger.Warn("confirm reservation", "policy", p.Kind(), "record_id", recordID, "error", err)
	}
	return ar, nil
}

func (o *Orchestrator) release(ctx context.Context, p *policy.Policy, recordID string) {
	if err := p.Release(ctx, recordID); err != nil {
		o.logger.Warn("release reservation", "policy", p.Kind(), "record_id", recordID, "error", err)
	}
}

// RunDiscoveryCycle refreshes the candidate pool of every logged-in platform.
func (o *Orchestrator) RunDiscoveryCycle(ctx context.Context) error {
	if !o.running() {
		return domain.ErrNotRunning
	}
	platforms := o.loggedIn()
	if len(platforms) == 0 {
		return nil
	}
	if err := o.discover(ctx, platforms); err != nil {
		return o.recordError(err)
	}
	o.clearErrors()
	return nil
}

// discover runs discovery for each platform through the queue. It fails only
// when every platform failed.
func (o *Orchestrator) discover(ctx context.Context, platforms []string) error {
	var lastErr error
	succeeded := 0
	for _, p := range platforms {
		h, err := o.cfg.Tasks.Enqueue(queue.Spec{
			Kind:       domain.TaskDiscovery,
			Label:      "discover " + p,
			Priority:   domain.PriorityLow,
			Execute:    o.cfg.Actions.DiscoveryUnit(p),
			MaxRetries: o.cfg.Queue.MaxRetries,
			RetryDelay: o.cfg.Queue.RetryDelay(),
		})
		if err != nil {
			lastErr = err
			continue
		}
		res, err := h.Wait(ctx)
		if err != nil {
			return err
		}
		if res.Err != nil {
			o.logger.Warn("discovery failed", "platform", p, "task_id", res.TaskID, "error", res.Err)
			lastErr = res.Err
			continue
		}
		found, _ := res.Value.([]domain.Candidate)
		added := o.addCandidates(p, found)
		o.logger.Info("discovery finished", "platform", p, "found", len(found), "added", added)
		succeeded++
	}

	o.mu.Lock()
	o.status.LastDiscoveryAt = o.clock.Now()
	o.mu.Unlock()
	if succeeded == 0 && lastErr != nil {
		return domain.WrapEngineError(domain.ErrDiscoveryFailed.Code, "all platforms failed", lastErr)
	}
	return nil
}

// addCandidates appends unseen posts to the platform's pool.
func (o *Orchestrator) addCandidates(platformName string, found []domain.Candidate) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	added := 0
	for _, c := range found {
		if c.Platform == "" {
			c.Platform = platformName
		}
		key := c.Platform + "/" + c.PostID
		if c.PostID == "" || o.seen[key] {
			continue
		}
		o.seen[key] = true
		o.pool[c.Platform] = append(o.pool[c.Platform], c)
		added++
	}
	return added
}

func (o *Orchestrator) nextCandidate(platformName string) (domain.Candidate, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.pool[platformName]
	if len(list) == 0 {
		return domain.Candidate{}, false
	}
	c := list[0]
	o.pool[platformName] = list[1:]
	return c, true
}

func (o *Orchestrator) poolSizeLocked() int {
	n := 0
	for _, l := range o.pool {
		n += len(l)
	}
	return n
}

// Candidates returns the pooled posts for a platform.
func (o *Orchestrator) Candidates(platformName string) []domain.Candidate {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.Candidate(nil), o.pool[platformName]...)
}

// DMRequest asks the orchestrator to message a recipient. Empty Text is
// generated from Context.
type DMRequest struct {
	Platform  string
	Recipient string
	Text      string
	Context   content.Context
}

// ScheduleDM admits a direct message through the DM policy and enqueues it.
// A policy refusal returns the decision with a nil handle and no error. The
// reservation is confirmed or released once the task finishes.
func (o *Orchestrator) ScheduleDM(ctx context.Context, req DMRequest) (policy.Decision, *queue.Handle, error) {
	if !o.cfg.Sessions.IsActive(req.Platform) {
		return policy.Decision{}, nil, fmt.Errorf("%w: %s", domain.ErrSessionNotActive, req.Platform)
	}
	text := req.Text
	if text == "" {
		c := req.Context
		c.Platform, c.Recipient = req.Platform, req.Recipient
		var err error
		if text, err = o.cfg.Content.GenerateDM(ctx, c); err != nil {
			return policy.Decision{}, nil, fmt.Errorf("generate dm: %w", err)
		}
	}

	dec := o.cfg.DMPolicy.Admit(ctx, policy.Proposal{
		Platform:  req.Platform,
		TargetID:  req.Recipient,
		Recipient: req.Recipient,
		Text:      text,
	})
	if dec.Skipped() {
		o.logger.Info("dm skipped by policy",
			"platform", req.Platform, "recipient", req.Recipient, "kind", dec.Kind, "reason", dec.Reason, "wait", dec.Wait)
		return dec, nil, nil
	}

	h, err := o.cfg.Tasks.Enqueue(queue.Spec{
		Kind:       domain.TaskDirectMessage,
		Label:      fmt.Sprintf("dm %s/%s", req.Platform, req.Recipient),
		Priority:   domain.PriorityNormal,
		Execute:    o.cfg.Actions.DMUnit(action.DMRequest{Platform: req.Platform, Recipient: req.Recipient, Text: text}),
		MaxRetries: o.cfg.Queue.MaxRetries,
		RetryDelay: o.cfg.Queue.RetryDelay(),
	})
	if err != nil {
		o.release(ctx, o.cfg.DMPolicy, dec.RecordID)
		return dec, nil, err
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		res, _ := h.Wait(bg)
		if _, err := o.settle(bg, o.cfg.DMPolicy, dec.RecordID, res); err != nil {
			o.logger.Warn("dm failed", "platform", req.Platform, "recipient", req.Recipient, "task_id", res.TaskID, "error", err)
		}
	}()
	return dec, h, nil
}

// SchedulePoll enqueues a generation poll bounded by the generation timeout.
func (o *Orchestrator) SchedulePoll(req action.PollRequest) (*queue.Handle, error) {
	return o.cfg.Tasks.Enqueue(queue.Spec{
		Kind:     domain.TaskGenerationPoll,
		Label:    "poll " + req.ResultSelector,
		Priority: domain.PriorityNormal,
		Execute:  o.cfg.Actions.PollUnit(req),
		Timeout:  o.cfg.Queue.GenerationTimeout(),
	})
}
