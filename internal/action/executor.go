// Package action builds the queue units that drive the browser for comments,
// direct messages, login checks, discovery and generation polling, recording
// evidence for each through the verifier and audit log.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/rogersf/relay/internal/clock"
	"github.com/rogersf/relay/internal/domain"
	"github.com/rogersf/relay/internal/driver"
	"github.com/rogersf/relay/internal/platform"
	"github.com/rogersf/relay/internal/queue"
	"github.com/rogersf/relay/internal/verify"
)

// Executor is the integration layer between queued tasks and the browser.
type Executor struct {
	Driver    driver.Driver
	Verifier  *verify.Verifier
	Audit     *verify.AuditLog
	Platforms *platform.Registry
	Clock     clock.Clock
	// SettleDelay is the pause between submitting and verifying.
	SettleDelay time.Duration
	Logger      *slog.Logger
}

// NewExecutor creates an Executor with all required dependencies.
func NewExecutor(
	d driver.Driver,
	v *verify.Verifier,
	platforms *platform.Registry,
	c clock.Clock,
	settle time.Duration,
	logger *slog.Logger,
) *Executor {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Driver:      d,
		Verifier:    v,
		Audit:       v.Audit(),
		Platforms:   platforms,
		Clock:       c,
		SettleDelay: settle,
		Logger:      logger,
	}
}

// Result is the value a unit hands back through the queue.
type Result struct {
	ActionID string
	Status   domain.ActionStatus
	Score    int
	Verified bool
	Data     map[string]string
}

// CommentRequest asks for text to be posted under a post.
type CommentRequest struct {
	Platform string
	PostID   string
	PostURL  string
	Text     string
}

// DMRequest asks for a direct message to recipient.
type DMRequest struct {
	Platform  string
	Recipient string
	Text      string
}

// interaction is the shared navigate, type, submit and verify sequence.
type interaction struct {
	actionType domain.ActionType
	platform   string
	target     string
	url        string
	urlExpect  string
	input      string
	submit     string
	thread     string
	text       string
}

// CommentUnit returns the queue unit that posts req.
func (e *Executor) CommentUnit(req CommentRequest) queue.Unit {
	return func(ctx context.Context) (any, error) { return e.Comment(ctx, req) }
}

// Comment posts a comment and verifies it appeared in the thread.
func (e *Executor) Comment(ctx context.Context, req CommentRequest) (Result, error) {
	spec, err := e.Platforms.Get(req.Platform)
	if err != nil {
		return Result{}, err
	}
	if req.PostURL == "" {
		return Result{}, fmt.Errorf("%w: comment on %s has no post URL", domain.ErrActionFailed, req.PostID)
	}
	s := spec.Selectors
	return e.interact(ctx, interaction{
		actionType: domain.ActionComment,
		platform:   req.Platform,
		target:     req.PostID,
		url:        req.PostURL,
		urlExpect:  req.PostID,
		input:      s.CommentInput,
		submit:     s.CommentSubmit,
		thread:     s.CommentThread,
		text:       req.Text,
	})
}

// DMUnit returns the queue unit that sends req.
func (e *Executor) DMUnit(req DMRequest) queue.Unit {
	return func(ctx context.Context) (any, error) { return e.DM(ctx, req) }
}

// DM sends a direct message and verifies it appeared in the conversation.
func (e *Executor) DM(ctx context.Context, req DMRequest) (Result, error) {
	spec, err := e.Platforms.Get(req.Platform)
	if err != nil {
		return Result{}, err
	}
	s := spec.Selectors
	return e.interact(ctx, interaction{
		actionType: domain.ActionDirectMessage,
		platform:   req.Platform,
		target:     req.Recipient,
		url:        spec.DMURL(req.Recipient),
		urlExpect:  url.PathEscape(req.Recipient),
		input:      s.DMInput,
		submit:     s.DMSubmit,
		thread:     s.DMThread,
		text:       req.Text,
	})
}

func (e *Executor) interact(ctx context.Context, in interaction) (Result, error) {
	if in.input == "" || in.submit == "" {
		return Result{}, fmt.Errorf("%w: %s has no %s input/submit selectors", domain.ErrConfigInvalid, in.platform, in.actionType)
	}
	if in.thread == "" {
		in.thread = "body"
	}

	id := e.Audit.StartAction(in.actionType, in.platform, in.target, map[string]string{
		"url":  in.url,
		"text": in.text,
	})
	log := e.Logger.With("action_id", id, "platform", in.platform, "type", in.actionType)

	if _, err := e.Driver.Navigate(ctx, in.url); err != nil {
		return e.fail(ctx, id, err)
	}
	if _, err := e.Verifier.RunCheck(ctx, id, verify.Check{Kind: verify.CheckScreenshot, Phase: "before"}); err != nil {
		return e.fail(ctx, id, err)
	}
	found, err := e.Verifier.RunCheck(ctx, id, verify.Check{Kind: verify.CheckElementExists, Selector: in.input, Required: true})
	switch {
	case err != nil:
		return e.fail(ctx, id, err)
	case found.Err != nil:
		return e.fail(ctx, id, found.Err)
	case !found.Passed:
		return e.fail(ctx, id, fmt.Errorf("%w: %s", domain.ErrElementNotFound, in.input))
	}

	before, _, err := e.Driver.ExecuteScript(ctx, driver.DOMJS)
	if err != nil {
		return e.fail(ctx, id, err)
	}
	if err := e.Driver.Type(ctx, in.input, in.text); err != nil {
		return e.fail(ctx, id, err)
	}
	if err := e.Driver.Click(ctx, in.submit); err != nil {
		return e.fail(ctx, id, err)
	}
	if err := e.Clock.Sleep(ctx, e.SettleDelay); err != nil {
		return e.fail(ctx, id, err)
	}

	vr, err := e.Verifier.VerifyAction(ctx, id, in.actionType, []verify.Check{
		{Kind: verify.CheckURLContains, Expected: in.urlExpect, Description: "still on target page"},
		{Kind: verify.CheckTextContains, Selector: in.thread, Expected: in.text, Required: true, Description: "text visible in thread"},
		{Kind: verify.CheckScreenshot, Phase: "after"},
		{Kind: verify.CheckStateChanged, Expected: verify.DOMHash(before), Description: "page changed"},
	})
	if err != nil {
		return e.fail(ctx, id, err)
	}
	res, err := e.complete(ctx, id, verify.Outcome{
		Success: true,
		Result:  map[string]string{"verifier_score": strconv.Itoa(vr.Score)},
	})
	if err == nil && !res.Verified {
		log.Warn("action not verified", "status", res.Status, "score", res.Score)
	}
	return res, err
}

// fail records err on the action, finalizes it and returns err so the queue
// can retry. A deadline on ctx marks the record as timed out.
func (e *Executor) fail(ctx context.Context, id string, err error) (Result, error) {
	_ = e.Audit.AddError(id, err.Error())
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	res, cerr := e.complete(ctx, id, verify.Outcome{TimedOut: timedOut})
	if cerr != nil {
		e.Logger.Error("complete failed action", "action_id", id, "error", cerr)
	}
	e.Logger.Warn("action failed", "action_id", id, "status", res.Status, "error", err)
	return res, err
}

// complete finalizes the record. Persistence runs detached from ctx so a
// timed-out attempt still leaves its record behind.
func (e *Executor) complete(ctx context.Context, id string, out verify.Outcome) (Result, error) {
	rec, err := e.Audit.CompleteAction(context.WithoutCancel(ctx), id, out)
	res := Result{
		ActionID: id,
		Status:   rec.Status,
		Score:    rec.VerificationScore,
		Verified: rec.Status == domain.ActionVerified,
		Data:     rec.Result,
	}
	return res, err
}

// Discover lists candidate posts on the platform's feed.
func (e *Executor) Discover(ctx context.Context, platformName string) ([]domain.Candidate, error) {
	spec, err := e.Platforms.Get(platformName)
	if err != nil {
		return nil, err
	}
	if _, err := e.Driver.Navigate(ctx, spec.FeedURL()); err != nil {
		return nil, domain.WrapEngineError(domain.ErrDiscoveryFailed.Code, platformName, err)
	}
	raw, ok, err := e.Driver.ExecuteScript(ctx, spec.Script())
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrDiscoveryFailed.Code, platformName, err)
	}
	if !ok {
		return nil, domain.NewEngineError(domain.ErrDiscoveryFailed.Code, platformName+": discovery script returned nothing")
	}

	var found []domain.Candidate
	if err := json.Unmarshal([]byte(raw), &found); err != nil {
		return nil, domain.WrapEngineError(domain.ErrDiscoveryFailed.Code, platformName+": decode candidates", err)
	}
	out := make([]domain.Candidate, 0, len(found))
	seen := make(map[string]bool, len(found))
	for _, c := range found {
		if c.PostID == "" || c.URL == "" || seen[c.PostID] {
			continue
		}
		seen[c.PostID] = true
		c.Platform = platformName
		out = append(out, c)
	}
	e.Logger.Debug("discovery finished", "platform", platformName, "candidates", len(out))
	return out, nil
}

// DiscoveryUnit returns the queue unit for Discover. Its value is a
// []domain.Candidate.
func (e *Executor) DiscoveryUnit(platformName string) queue.Unit {
	return func(ctx context.Context) (any, error) { return e.Discover(ctx, platformName) }
}
