package driver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/rogersf/relay/internal/domain"
)

// RodOptions configures how RodDriver reaches Chrome.
type RodOptions struct {
	// DebuggerURL attaches to an already running browser when set.
	DebuggerURL string
	// Bin is the Chrome binary to launch when DebuggerURL is empty.
	Bin string
	// Flags are extra launch flags such as "user-data-dir=/path".
	Flags             []string
	Headless          bool
	NavigationTimeout time.Duration
	// SettleDelay is waited after navigation so client-side rendering can finish.
	SettleDelay time.Duration
	Logger      *slog.Logger
}

// RodDriver drives a single Chrome tab through the DevTools protocol.
type RodDriver struct {
	opts RodOptions

	mu         sync.RWMutex
	browser    *rod.Browser
	page       *rod.Page
	controlURL string
}

// NewRodDriver creates an unconnected driver. Call Connect before use.
func NewRodDriver(opts RodOptions) *RodDriver {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RodDriver{opts: opts}
}

// Connect launches or attaches to Chrome and opens the working tab.
func (d *RodDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		return nil
	}

	controlURL := d.opts.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(d.opts.Headless)
		if d.opts.Bin != "" {
			l = l.Bin(d.opts.Bin)
		}
		for _, raw := range d.opts.Flags {
			name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
		u, err := l.Launch()
		if err != nil {
			return domain.WrapEngineError(domain.ErrDriverNotReady.Code, "launch chrome", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return domain.WrapEngineError(domain.ErrDriverNotReady.Code, "connect to chrome", err)
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return domain.WrapEngineError(domain.ErrDriverNotReady.Code, "open tab", err)
	}

	d.browser = browser
	d.page = page
	d.controlURL = controlURL
	d.opts.Logger.Info("browser connected", "control_url", controlURL)
	return nil
}

// Close shuts the browser connection down.
func (d *RodDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.browser = nil
	d.page = nil
	return err
}

// ControlURL returns the DevTools endpoint in use.
func (d *RodDriver) ControlURL() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.controlURL
}

func (d *RodDriver) currentPage() (*rod.Page, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.page == nil {
		return nil, domain.ErrDriverNotReady
	}
	return d.page, nil
}

// Navigate implements Driver.
func (d *RodDriver) Navigate(ctx context.Context, url string) (string, error) {
	page, err := d.currentPage()
	if err != nil {
		return "", err
	}
	p := page.Context(ctx).Timeout(d.opts.NavigationTimeout)
	if err := p.Navigate(url); err != nil {
		return "", domain.WrapEngineError(domain.ErrNavigationFailed.Code, url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return "", domain.WrapEngineError(domain.ErrNavigationFailed.Code, "wait load "+url, err)
	}
	if d.opts.SettleDelay > 0 {
		t := time.NewTimer(d.opts.SettleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return d.CurrentURL(ctx)
}

// ExecuteScript implements Driver. Objects should be returned as
// JSON.stringify output by the expression itself.
func (d *RodDriver) ExecuteScript(ctx context.Context, expr string) (string, bool, error) {
	page, err := d.currentPage()
	if err != nil {
		return "", false, err
	}
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           fmt.Sprintf("() => (%s)", expr),
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return "", false, domain.WrapEngineError(domain.ErrScriptFailed.Code, "evaluate", err)
	}
	if res.Type == proto.RuntimeRemoteObjectTypeUndefined || res.Value.Nil() {
		return "", false, nil
	}
	return res.Value.Str(), true, nil
}

// Click implements Driver.
func (d *RodDriver) Click(ctx context.Context, selector string) error {
	page, err := d.currentPage()
	if err != nil {
		return err
	}
	el, err := page.Context(ctx).Element(selector)
	if err != nil {
		return domain.WrapEngineError(domain.ErrElementNotFound.Code, selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return domain.WrapEngineError(domain.ErrInteractionFailed.Code, "click "+selector, err)
	}
	return nil
}

// Type implements Driver.
func (d *RodDriver) Type(ctx context.Context, selector, text string) error {
	page, err := d.currentPage()
	if err != nil {
		return err
	}
	el, err := page.Context(ctx).Element(selector)
	if err != nil {
		return domain.WrapEngineError(domain.ErrElementNotFound.Code, selector, err)
	}
	if err := el.Input(text); err != nil {
		return domain.WrapEngineError(domain.ErrInteractionFailed.Code, "type into "+selector, err)
	}
	return nil
}

// CurrentURL implements Driver.
func (d *RodDriver) CurrentURL(ctx context.Context) (string, error) {
	page, err := d.currentPage()
	if err != nil {
		return "", err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return "", domain.WrapEngineError(domain.ErrScriptFailed.Code, "page info", err)
	}
	return info.URL, nil
}

// Screenshot implements Driver.
func (d *RodDriver) Screenshot(ctx context.Context) ([]byte, error) {
	page, err := d.currentPage()
	if err != nil {
		return nil, err
	}
	buf, err := page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrScreenshotFailed.Code, "capture", err)
	}
	return buf, nil
}
