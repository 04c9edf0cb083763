// Package drivertest provides a scripted in-memory browser driver.
package drivertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/rogersf/relay/internal/domain"
	"github.com/rogersf/relay/internal/driver"
)

// Operation names accepted by FailNext.
const (
	OpNavigate   = "navigate"
	OpScript     = "script"
	OpClick      = "click"
	OpType       = "type"
	OpURL        = "url"
	OpScreenshot = "screenshot"
)

type scriptResult struct {
	value string
	ok    bool
}

type failure struct {
	err       error
	remaining int
}

// Fake is a driver.Driver whose page state is set up by the test. Scripts
// are matched by exact expression text; unknown expressions evaluate to null.
type Fake struct {
	mu sync.Mutex

	url       string
	redirects map[string]string
	scripts   map[string]scriptResult
	elements  map[string]bool
	typed     map[string]string
	clicks    []string
	navs      []string
	calls     []string
	shot      []byte
	failures  map[string]*failure
	// OnClick runs after a successful click, letting tests mutate page state.
	OnClick func(f *Fake, selector string)
}

var _ driver.Driver = (*Fake)(nil)

// New returns a Fake sitting on about:blank.
func New() *Fake {
	return &Fake{
		url:       "about:blank",
		redirects: make(map[string]string),
		scripts:   make(map[string]scriptResult),
		elements:  make(map[string]bool),
		typed:     make(map[string]string),
		failures:  make(map[string]*failure),
		shot:      []byte("\x89PNG fake screenshot"),
	}
}

// SetScript registers the result of expr.
func (f *Fake) SetScript(expr, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[expr] = scriptResult{value: value, ok: true}
}

// SetElement marks selector as present and visible with the given text.
func (f *Fake) SetElement(selector, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elements[selector] = true
	f.scripts[driver.ElementExistsJS(selector)] = scriptResult{value: "true", ok: true}
	f.scripts[driver.ElementVisibleJS(selector)] = scriptResult{value: "true", ok: true}
	f.scripts[driver.TextJS(selector)] = scriptResult{value: text, ok: true}
}

// RemoveElement makes selector absent.
func (f *Fake) RemoveElement(selector string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.elements, selector)
	f.scripts[driver.ElementExistsJS(selector)] = scriptResult{value: "false", ok: true}
	f.scripts[driver.ElementVisibleJS(selector)] = scriptResult{value: "false", ok: true}
	delete(f.scripts, driver.TextJS(selector))
}

// Redirect makes navigation to from land on to.
func (f *Fake) Redirect(from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirects[from] = to
}

// SetScreenshot replaces the bytes returned by Screenshot.
func (f *Fake) SetScreenshot(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shot = append([]byte(nil), b...)
}

// FailNext makes the next n calls of op return err.
func (f *Fake) FailNext(op string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = &failure{err: err, remaining: n}
}

// Typed returns the text last typed into selector.
func (f *Fake) Typed(selector string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typed[selector]
}

// Clicks returns the clicked selectors in order.
func (f *Fake) Clicks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.clicks...)
}

// Navigations returns the requested URLs in order.
func (f *Fake) Navigations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navs...)
}

// Calls returns every primitive invoked, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// failLocked records the call and returns an injected failure if one is due.
func (f *Fake) failLocked(op string) error {
	f.calls = append(f.calls, op)
	fl, ok := f.failures[op]
	if !ok || fl.remaining == 0 {
		return nil
	}
	fl.remaining--
	return fl.err
}

func (f *Fake) Navigate(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLocked(OpNavigate); err != nil {
		return "", err
	}
	f.navs = append(f.navs, url)
	if to, ok := f.redirects[url]; ok {
		url = to
	}
	f.url = url
	return url, nil
}

func (f *Fake) ExecuteScript(ctx context.Context, expr string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLocked(OpScript); err != nil {
		return "", false, err
	}
	if expr == driver.DOMJS {
		if r, ok := f.scripts[expr]; ok {
			return r.value, r.ok, nil
		}
		return fmt.Sprintf("<html><body data-url=%q></body></html>", f.url), true, nil
	}
	r, ok := f.scripts[expr]
	if !ok {
		return "", false, nil
	}
	return r.value, r.ok, nil
}

func (f *Fake) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if err := f.failLocked(OpClick); err != nil {
		f.mu.Unlock()
		return err
	}
	if !f.elements[selector] {
		f.mu.Unlock()
		return domain.WrapEngineError(domain.ErrElementNotFound.Code, selector, fmt.Errorf("no such element"))
	}
	f.clicks = append(f.clicks, selector)
	hook := f.OnClick
	f.mu.Unlock()
	if hook != nil {
		hook(f, selector)
	}
	return nil
}

func (f *Fake) Type(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLocked(OpType); err != nil {
		return err
	}
	if !f.elements[selector] {
		return domain.WrapEngineError(domain.ErrElementNotFound.Code, selector, fmt.Errorf("no such element"))
	}
	f.typed[selector] = text
	return nil
}

func (f *Fake) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLocked(OpURL); err != nil {
		return "", err
	}
	return f.url, nil
}

func (f *Fake) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLocked(OpScreenshot); err != nil {
		return nil, err
	}
	return append([]byte(nil), f.shot...), nil
}
