// Package browser owns the lifecycle of one automated Chrome session. It has
// no knowledge of logins or platforms.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"referral-sync/internal/proxy"
	"referral-sync/internal/syncerr"
)

const (
	DefaultWaitTimeout = 10 * time.Second
	navigateTimeout    = 45 * time.Second
	probeTimeout       = 5 * time.Second
)

// ErrNotInitialized is returned by operations on a session that is not running.
var ErrNotInitialized = errors.New("browser session not initialized")

// Session is the plumbing a platform driver and the session controller need.
type Session interface {
	Initialize(ctx context.Context, p *proxy.BrowserProxy) error
	Navigate(ctx context.Context, url string) error
	FindElement(ctx context.Context, selector string, timeout time.Duration) (*cdp.Node, error)
	FindElements(ctx context.Context, selector string, timeout time.Duration) ([]*cdp.Node, error)
	Click(ctx context.Context, selector string) error
	SendKeys(ctx context.Context, selector, text string) error
	SelectOption(ctx context.Context, selector, value string) error
	HTML(ctx context.Context) (string, error)
	// Screenshot archives the current page and returns its location, or ""
	// when nothing could be captured. It never fails.
	Screenshot(ctx context.Context, label string) string
	IsAlive(ctx context.Context) bool
	Close()
}

// Saver archives screenshot bytes.
type Saver interface {
	Save(ctx context.Context, label string, png []byte) (string, error)
}

// Options configures the Chrome process.
type Options struct {
	Headless    bool
	ExecPath    string
	UserAgent   string
	WaitTimeout time.Duration
}

// Manager is a Session backed by chromedp. It can be re-initialized after Close.
type Manager struct {
	opts  Options
	shots Saver
	log   *zap.Logger

	mu          sync.Mutex
	bctx        context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
}

var _ Session = (*Manager)(nil)

// NewManager builds an uninitialized session.
func NewManager(opts Options, shots Saver, log *zap.Logger) *Manager {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{opts: opts, shots: shots, log: log}
}

// Initialize starts Chrome, optionally routed through p. Any previous
// process is closed first. Canceling ctx aborts a startup still in progress;
// once started, the browser lives until Close.
func (m *Manager) Initialize(ctx context.Context, p *proxy.BrowserProxy) error {
	m.Close()
	if err := ctx.Err(); err != nil {
		return syncerr.Browser(fmt.Errorf("start chrome: %w", err))
	}

	flags := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", m.opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
	)
	if m.opts.ExecPath != "" {
		flags = append(flags, chromedp.ExecPath(m.opts.ExecPath))
	}
	if m.opts.UserAgent != "" {
		flags = append(flags, chromedp.UserAgent(m.opts.UserAgent))
	}
	if p != nil {
		flags = append(flags, chromedp.ProxyServer("http://"+p.Server()))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), flags...)
	bctx, tabCancel := chromedp.NewContext(allocCtx)
	stop := context.AfterFunc(ctx, allocCancel)

	// The first Run launches the browser and binds its lifetime to bctx, so
	// it must not run on a deadline-bound child.
	if err := chromedp.Run(bctx); err != nil {
		stop()
		tabCancel()
		allocCancel()
		return syncerr.Browser(fmt.Errorf("start chrome: %w", err))
	}

	if p != nil && p.Username != "" {
		listenForProxyAuth(bctx, p.Username, p.Password)
		if err := chromedp.Run(bctx, fetch.Enable().WithHandleAuthRequests(true)); err != nil {
			stop()
			tabCancel()
			allocCancel()
			return syncerr.Browser(fmt.Errorf("enable proxy auth: %w", err))
		}
	}
	if !stop() {
		tabCancel()
		allocCancel()
		return syncerr.Browser(fmt.Errorf("start chrome: %w", context.Cause(ctx)))
	}

	m.mu.Lock()
	m.bctx, m.tabCancel, m.allocCancel = bctx, tabCancel, allocCancel
	m.mu.Unlock()
	m.log.Debug("browser session started", zap.Bool("proxy", p != nil))
	return nil
}

// listenForProxyAuth answers the proxy's auth challenge and releases paused requests.
func listenForProxyAuth(bctx context.Context, username, password string) {
	chromedp.ListenTarget(bctx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				c := chromedp.FromContext(bctx)
				_ = fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				}).Do(cdp.WithExecutor(bctx, c.Target))
			}()
		case *fetch.EventRequestPaused:
			go func() {
				c := chromedp.FromContext(bctx)
				_ = fetch.ContinueRequest(e.RequestID).Do(cdp.WithExecutor(bctx, c.Target))
			}()
		}
	})
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (m *Manager) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	m.mu.Lock()
	bctx := m.bctx
	m.mu.Unlock()
	if bctx == nil {
		return syncerr.Browser(ErrNotInitialized)
	}
	rctx, cancel := context.WithTimeout(bctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(rctx, actions...)
}

// Navigate loads url and waits for the body.
func (m *Manager) Navigate(ctx context.Context, url string) error {
	err := m.run(ctx, navigateTimeout, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
	if err == nil {
		return nil
	}
	if _, ok := syncerr.As(err); ok {
		return err
	}
	if strings.Contains(err.Error(), "net::ERR") {
		return syncerr.Network(fmt.Errorf("navigate %s: %w", url, err))
	}
	return syncerr.Browser(fmt.Errorf("navigate %s: %w", url, err))
}

// FindElement waits up to timeout for selector to match.
func (m *Manager) FindElement(ctx context.Context, selector string, timeout time.Duration) (*cdp.Node, error) {
	var nodes []*cdp.Node
	if err := m.run(ctx, m.wait(timeout), chromedp.Nodes(selector, &nodes, chromedp.ByQuery)); err != nil {
		return nil, elementErr(selector, err)
	}
	if len(nodes) == 0 {
		return nil, syncerr.Parsingf("element %q not found", selector)
	}
	return nodes[0], nil
}

// FindElements waits up to timeout for at least one match and returns all of them.
func (m *Manager) FindElements(ctx context.Context, selector string, timeout time.Duration) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	if err := m.run(ctx, m.wait(timeout), chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll)); err != nil {
		return nil, elementErr(selector, err)
	}
	return nodes, nil
}

// Click clicks the first visible match. When the native click is intercepted
// (overlays, sticky headers) it falls back to a scripted element.click().
func (m *Manager) Click(ctx context.Context, selector string) error {
	err := m.run(ctx, m.opts.WaitTimeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
	if err == nil {
		return nil
	}
	m.log.Debug("native click failed, using scripted click", zap.String("selector", selector), zap.Error(err))

	var clicked bool
	script := fmt.Sprintf(`(function(){const el=document.querySelector(%s); if(!el){return false}; el.click(); return true})()`, jsString(selector))
	if serr := m.run(ctx, probeTimeout, chromedp.Evaluate(script, &clicked)); serr != nil {
		return elementErr(selector, serr)
	}
	if !clicked {
		return syncerr.Parsingf("click %q: element not found", selector)
	}
	return nil
}

// SendKeys replaces the value of an input with text.
func (m *Manager) SendKeys(ctx context.Context, selector, text string) error {
	err := m.run(ctx, m.opts.WaitTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return elementErr(selector, err)
	}
	return nil
}

// SelectOption sets a <select> value and fires the change event frameworks listen for.
func (m *Manager) SelectOption(ctx context.Context, selector, value string) error {
	script := fmt.Sprintf(`(function(){const el=document.querySelector(%s); if(!el){return false}; el.dispatchEvent(new Event('change',{bubbles:true})); return true})()`, jsString(selector))
	var ok bool
	err := m.run(ctx, m.opts.WaitTimeout,
		chromedp.SetValue(selector, value, chromedp.ByQuery),
		chromedp.Evaluate(script, &ok),
	)
	if err != nil {
		return elementErr(selector, err)
	}
	if !ok {
		return syncerr.Parsingf("select %q: element not found", selector)
	}
	return nil
}

// HTML returns the current document markup.
func (m *Manager) HTML(ctx context.Context) (string, error) {
	var html string
	if err := m.run(ctx, probeTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", syncerr.Browser(fmt.Errorf("read page html: %w", err))
	}
	return html, nil
}

// Screenshot captures the viewport. Errors, including a dead session, are
// logged and swallowed.
func (m *Manager) Screenshot(ctx context.Context, label string) (loc string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("screenshot panicked", zap.String("label", label), zap.Any("panic", r))
			loc = ""
		}
	}()
	if m.shots == nil {
		return ""
	}
	var buf []byte
	if err := m.run(ctx, probeTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		m.log.Warn("screenshot failed", zap.String("label", label), zap.Error(err))
		return ""
	}
	saved, err := m.shots.Save(ctx, label, buf)
	if err != nil {
		m.log.Warn("screenshot not saved", zap.String("label", label), zap.Error(err))
		return ""
	}
	m.log.Info("screenshot saved", zap.String("label", label), zap.String("location", saved))
	return saved
}

// IsAlive runs a no-op script to check the tab still answers.
func (m *Manager) IsAlive(ctx context.Context) bool {
	var v int
	return m.run(ctx, probeTimeout, chromedp.Evaluate(`1`, &v)) == nil && v == 1
}

// Close terminates the tab and the Chrome process. Safe to call repeatedly.
func (m *Manager) Close() {
	m.mu.Lock()
	tabCancel, allocCancel := m.tabCancel, m.allocCancel
	m.bctx, m.tabCancel, m.allocCancel = nil, nil, nil
	m.mu.Unlock()

	if tabCancel != nil {
		tabCancel()
	}
	if allocCancel != nil {
		allocCancel()
	}
}

func (m *Manager) wait(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return m.opts.WaitTimeout
	}
	return timeout
}

func elementErr(selector string, err error) error {
	if _, ok := syncerr.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return syncerr.Parsing(fmt.Errorf("wait for %q: %w", selector, err))
	}
	return syncerr.Browser(fmt.Errorf("element %q: %w", selector, err))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
