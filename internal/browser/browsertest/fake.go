// Package browsertest provides an in-memory browser.Session for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"

	"referral-sync/internal/browser"
	"referral-sync/internal/proxy"
	"referral-sync/internal/syncerr"
)

// Fake records calls and serves scripted pages. Selectors listed in Present
// are found; anything else times out as a parsing error.
type Fake struct {
	mu sync.Mutex

	Present map[string]bool
	Page    string
	Dead    bool

	Inits       int
	Closes      int
	Proxies     []*proxy.BrowserProxy
	Navigations []string
	Typed       map[string]string
	Selected    map[string]string
	Clicks      []string
	Shots       []string

	// OnClick lets a test change the page when something is clicked.
	OnClick func(f *Fake, selector string)
}

var _ browser.Session = (*Fake)(nil)

func New() *Fake {
	return &Fake{Present: map[string]bool{}, Typed: map[string]string{}, Selected: map[string]string{}}
}

func (f *Fake) Initialize(_ context.Context, p *proxy.BrowserProxy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Inits++
	f.Dead = false
	f.Proxies = append(f.Proxies, p)
	return nil
}

func (f *Fake) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Dead {
		return syncerr.Browserf("navigate %s: session closed", url)
	}
	f.Navigations = append(f.Navigations, url)
	return nil
}

func (f *Fake) FindElement(_ context.Context, selector string, _ time.Duration) (*cdp.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Present[selector] {
		return nil, syncerr.Parsingf("wait for %q: timeout", selector)
	}
	return &cdp.Node{NodeName: selector}, nil
}

func (f *Fake) FindElements(ctx context.Context, selector string, timeout time.Duration) ([]*cdp.Node, error) {
	n, err := f.FindElement(ctx, selector, timeout)
	if err != nil {
		return nil, err
	}
	return []*cdp.Node{n}, nil
}

func (f *Fake) Click(_ context.Context, selector string) error {
	f.mu.Lock()
	if !f.Present[selector] {
		f.mu.Unlock()
		return syncerr.Parsingf("click %q: element not found", selector)
	}
	f.Clicks = append(f.Clicks, selector)
	hook := f.OnClick
	f.mu.Unlock()
	if hook != nil {
		hook(f, selector)
	}
	return nil
}

func (f *Fake) SendKeys(_ context.Context, selector, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Present[selector] {
		return syncerr.Parsingf("wait for %q: timeout", selector)
	}
	f.Typed[selector] = text
	return nil
}

func (f *Fake) SelectOption(_ context.Context, selector, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Present[selector] {
		return syncerr.Parsingf("select %q: element not found", selector)
	}
	f.Selected[selector] = value
	return nil
}

func (f *Fake) HTML(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Dead {
		return "", syncerr.Browserf("read page html: session closed")
	}
	return f.Page, nil
}

// Screenshot fails on a done ctx, as a real capture would.
func (f *Fake) Screenshot(ctx context.Context, label string) string {
	if ctx.Err() != nil {
		return ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Shots = append(f.Shots, label)
	return fmt.Sprintf("mem://%s", label)
}

func (f *Fake) IsAlive(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Dead && f.Inits > f.Closes
}

func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Inits > f.Closes {
		f.Closes++
	}
}

// Set marks selectors as present.
func (f *Fake) Set(selectors ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range selectors {
		f.Present[s] = true
	}
}
