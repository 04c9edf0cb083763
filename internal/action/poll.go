package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rogersf/relay/internal/domain"
	"github.com/rogersf/relay/internal/driver"
	"github.com/rogersf/relay/internal/queue"
	"github.com/rogersf/relay/internal/verify"
)

const defaultPollInterval = 5 * time.Second

// PollRequest waits for a long-running generation to render its result.
type PollRequest struct {
	Platform string
	// URL is opened first when set; otherwise the current page is polled.
	URL            string
	ResultSelector string
	// DoneText, when set, must appear in the result element.
	DoneText string
	Interval time.Duration
}

// PollUnit returns the queue unit for Poll. Enqueue it with the generation
// timeout so the deadline bounds the whole wait.
func (e *Executor) PollUnit(req PollRequest) queue.Unit {
	return func(ctx context.Context) (any, error) { return e.Poll(ctx, req) }
}

// Poll checks for the result element every Interval until it appears or ctx
// ends. The rendered text is returned in Result.Data["text"].
func (e *Executor) Poll(ctx context.Context, req PollRequest) (Result, error) {
	if req.ResultSelector == "" {
		return Result{}, fmt.Errorf("%w: poll needs a result selector", domain.ErrInvalidTask)
	}
	interval := req.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	id := e.Audit.StartAction(domain.ActionGenerationPoll, req.Platform, req.ResultSelector, map[string]string{"url": req.URL})
	if req.URL != "" {
		if _, err := e.Driver.Navigate(ctx, req.URL); err != nil {
			return e.pollFailed(ctx, id, err)
		}
	}

	polls := 0
	for {
		polls++
		out, _, err := e.Driver.ExecuteScript(ctx, driver.ElementExistsJS(req.ResultSelector))
		if err != nil {
			return e.pollFailed(ctx, id, err)
		}
		if out == "true" {
			text, _, _ := e.Driver.ExecuteScript(ctx, driver.TextJS(req.ResultSelector))
			if req.DoneText == "" || strings.Contains(text, req.DoneText) {
				break
			}
		}
		if err := e.Clock.Sleep(ctx, interval); err != nil {
			return e.pollFailed(ctx, id, err)
		}
	}

	if _, err := e.Verifier.VerifyAction(ctx, id, domain.ActionGenerationPoll, []verify.Check{
		{Kind: verify.CheckElementExists, Selector: req.ResultSelector, Required: true},
		{Kind: verify.CheckTextContains, Selector: req.ResultSelector, Expected: req.DoneText},
	}); err != nil {
		return e.pollFailed(ctx, id, err)
	}
	text, _, _ := e.Driver.ExecuteScript(ctx, driver.TextJS(req.ResultSelector))
	return e.complete(ctx, id, verify.Outcome{
		Success: true,
		Result:  map[string]string{"text": text, "polls": fmt.Sprint(polls)},
	})
}

func (e *Executor) pollFailed(ctx context.Context, id string, err error) (Result, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res, _ := e.fail(ctx, id, err)
		return res, fmt.Errorf("%w: %v", domain.ErrGenerationTimedOut, err)
	}
	return e.fail(ctx, id, err)
}
