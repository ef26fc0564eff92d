package platform

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"referral-sync/internal/syncerr"
)

const loginSettleTimeout = 20 * time.Second

// SelectorDriver drives a platform described entirely by a Definition.
type SelectorDriver struct {
	def  Definition
	deps Deps
	log  *zap.Logger
}

var _ Driver = (*SelectorDriver)(nil)

func NewSelectorDriver(def Definition, deps Deps) *SelectorDriver {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &SelectorDriver{def: def, deps: deps, log: log.With(zap.String("platform", def.Name))}
}

func (d *SelectorDriver) PlatformName() string { return d.def.Name }

// Login fills the login form and waits for the dashboard. When the dashboard
// never shows up the page is inspected to tell bad credentials from throttling.
func (d *SelectorDriver) Login(ctx context.Context) (bool, error) {
	s := d.deps.Session
	loginURL := d.deps.Credentials.LoginURL
	if loginURL == "" {
		loginURL = d.def.LoginURL
	}
	if d.deps.Credentials.Username == "" || d.deps.Credentials.Password == "" {
		return false, syncerr.Authf("%s: no credentials configured", d.def.Name)
	}

	if err := s.Navigate(ctx, loginURL); err != nil {
		return false, err
	}
	if err := d.checkPage(ctx); err != nil {
		return false, err
	}
	if err := s.SendKeys(ctx, d.def.UsernameSelector, d.deps.Credentials.Username); err != nil {
		return false, err
	}
	if err := s.SendKeys(ctx, d.def.PasswordSelector, d.deps.Credentials.Password); err != nil {
		return false, err
	}
	if err := s.Click(ctx, d.def.SubmitSelector); err != nil {
		return false, err
	}

	_, waitErr := s.FindElement(ctx, d.def.LoggedInSelector, loginSettleTimeout)
	if waitErr == nil {
		d.log.Debug("logged in")
		return true, nil
	}
	if err := d.checkPage(ctx); err != nil {
		return false, err
	}
	return false, waitErr
}

// UpdateStatus opens the lead's page and writes target.Status. A lead already
// showing the target status is left untouched.
func (d *SelectorDriver) UpdateStatus(ctx context.Context, target Target) (bool, error) {
	if target.ExternalID == "" {
		return false, syncerr.Parsingf("lead %d has no external id on %s", target.LeadID, d.def.Name)
	}
	s := d.deps.Session
	leadURL := fmt.Sprintf(d.def.LeadURL, url.PathEscape(target.ExternalID))
	if err := s.Navigate(ctx, leadURL); err != nil {
		return false, err
	}

	html, err := s.HTML(ctx)
	if err != nil {
		return false, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false, syncerr.Parsing(fmt.Errorf("parse lead page: %w", err))
	}
	if err := classifyPage(doc, d.def); err != nil {
		return false, err
	}
	if current := currentStatus(doc, d.def); current != "" && strings.EqualFold(current, target.Status) {
		d.log.Debug("status already current", zap.Int64("lead_id", target.LeadID), zap.String("status", current))
		return true, nil
	}

	if err := s.SelectOption(ctx, d.def.StatusSelector, target.Status); err != nil {
		return false, err
	}
	if err := s.Click(ctx, d.def.SaveSelector); err != nil {
		return false, err
	}
	if d.def.ConfirmationSelector != "" {
		if _, err := s.FindElement(ctx, d.def.ConfirmationSelector, 0); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (d *SelectorDriver) checkPage(ctx context.Context) error {
	html, err := d.deps.Session.HTML(ctx)
	if err != nil {
		return err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return syncerr.Parsing(fmt.Errorf("parse page: %w", err))
	}
	return classifyPage(doc, d.def)
}

var errRateLimited = errors.New("platform is rate limiting requests")

// classifyPage maps known failure banners to the error taxonomy.
func classifyPage(doc *goquery.Document, def Definition) error {
	if def.AuthErrorSelector != "" {
		if sel := doc.Find(def.AuthErrorSelector); sel.Length() > 0 {
			msg := strings.TrimSpace(sel.First().Text())
			if msg == "" {
				msg = "login rejected"
			}
			return syncerr.Authf("%s: %s", def.Name, msg)
		}
	}
	if def.RateLimitText != "" {
		body := strings.ToLower(doc.Find("body").Text())
		if strings.Contains(body, strings.ToLower(def.RateLimitText)) {
			return syncerr.RateLimit(def.RateLimitCooldown, fmt.Errorf("%s: %w", def.Name, errRateLimited))
		}
	}
	return nil
}

func currentStatus(doc *goquery.Document, def Definition) string {
	if def.CurrentStatusSelector == "" {
		return ""
	}
	return strings.TrimSpace(doc.Find(def.CurrentStatusSelector).First().Text())
}
