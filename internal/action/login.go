package action

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rogersf/relay/internal/domain"
	"github.com/rogersf/relay/internal/driver"
	"github.com/rogersf/relay/internal/queue"
	"github.com/rogersf/relay/internal/session"
	"github.com/rogersf/relay/internal/verify"
)

var loginPathHints = []string{"/login", "/signin", "/sign-in", "/accounts/login"}

// LoginCheckUnit returns the queue unit for LoginCheck.
func (e *Executor) LoginCheckUnit(platformName string) queue.Unit {
	return func(ctx context.Context) (any, error) { return e.LoginCheck(ctx, platformName) }
}

// LoginCheck opens the platform home page and decides whether the browser is
// logged in. Result.Data carries "logged_in", "username" and "detail".
func (e *Executor) LoginCheck(ctx context.Context, platformName string) (Result, error) {
	spec, err := e.Platforms.Get(platformName)
	if err != nil {
		return Result{}, err
	}
	sel := spec.Selectors
	if sel.LoggedIn == "" {
		return Result{}, fmt.Errorf("%w: %s has no logged_in selector", domain.ErrConfigInvalid, platformName)
	}

	id := e.Audit.StartAction(domain.ActionLoginCheck, platformName, spec.BaseURL, nil)
	final, err := e.Driver.Navigate(ctx, spec.BaseURL)
	if err != nil {
		return e.fail(ctx, id, err)
	}

	vr, err := e.Verifier.VerifyAction(ctx, id, domain.ActionLoginCheck, []verify.Check{
		{Kind: verify.CheckURLContains, Expected: hostOf(spec.BaseURL), Description: "stayed on platform"},
		{Kind: verify.CheckElementExists, Selector: sel.LoggedIn, Required: true, Description: "logged-in marker"},
		{Kind: verify.CheckScreenshot, Phase: "after"},
	})
	if err != nil {
		return e.fail(ctx, id, err)
	}

	marker := false
	for _, cr := range vr.Checks {
		if cr.Check.Kind == verify.CheckElementExists && cr.Passed {
			marker = true
		}
		if cr.Err != nil && errors.Is(cr.Err, context.DeadlineExceeded) {
			return e.fail(ctx, id, cr.Err)
		}
	}

	data := map[string]string{"logged_in": "false", "final_url": final}
	switch {
	case onLoginPage(final):
		data["detail"] = "redirected to login page"
	case !marker:
		data["detail"] = "logged-in marker not found"
	default:
		data["logged_in"] = "true"
		if sel.Username != "" {
			if name, ok, err := e.Driver.ExecuteScript(ctx, driver.TextJS(sel.Username)); err == nil && ok {
				data["username"] = strings.TrimSpace(name)
			}
		}
	}
	if data["detail"] != "" {
		_ = e.Audit.AddNotes(id, data["detail"])
	}
	return e.complete(ctx, id, verify.Outcome{Success: data["logged_in"] == "true", Result: data})
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func onLoginPage(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	for _, hint := range loginPathHints {
		if strings.HasPrefix(p, hint) {
			return true
		}
	}
	return false
}

// Gateway routes login checks through the browser queue so they never run
// alongside other browser work. It satisfies session.LoginChecker and
// session.Refresher.
type Gateway struct {
	Exec    *Executor
	Queue   *queue.Queue
	Timeout time.Duration
}

var (
	_ session.LoginChecker = (*Gateway)(nil)
	_ session.Refresher    = (*Gateway)(nil)
)

// CheckLogin enqueues a high-priority login check and waits for it.
func (g *Gateway) CheckLogin(ctx context.Context, platformName string) (session.LoginResult, error) {
	h, err := g.Queue.Enqueue(queue.Spec{
		Kind:       domain.TaskSessionCheck,
		Label:      "login check " + platformName,
		Priority:   domain.PriorityHigh,
		Execute:    g.Exec.LoginCheckUnit(platformName),
		MaxRetries: 1,
		Timeout:    g.Timeout,
	})
	if err != nil {
		return session.LoginResult{}, err
	}
	res, err := h.Wait(ctx)
	if err != nil {
		return session.LoginResult{}, err
	}
	if res.Err != nil {
		return session.LoginResult{}, res.Err
	}
	r, ok := res.Value.(Result)
	if !ok {
		return session.LoginResult{}, fmt.Errorf("%w: unexpected login check value %T", domain.ErrActionFailed, res.Value)
	}
	return session.LoginResult{
		LoggedIn: r.Data["logged_in"] == "true",
		Username: r.Data["username"],
		Detail:   r.Data["detail"],
	}, nil
}

// Refresh re-checks the login and returns the observed username.
func (g *Gateway) Refresh(ctx context.Context, platformName string) (string, error) {
	lr, err := g.CheckLogin(ctx, platformName)
	if err != nil {
		return "", err
	}
	if !lr.LoggedIn {
		return "", domain.NewEngineError(domain.ErrSessionNotActive.Code, platformName+": "+lr.Detail)
	}
	return lr.Username, nil
}
