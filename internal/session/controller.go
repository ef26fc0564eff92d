// Package session wraps a platform driver with login retries, liveness checks
// and diagnostic capture.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"referral-sync/internal/browser"
	"referral-sync/internal/platform"
	"referral-sync/internal/proxy"
	"referral-sync/internal/syncerr"
	"referral-sync/internal/telemetry"
)

// State is the authentication state of a controller.
type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateAuthenticating  State = "AUTHENTICATING"
	StateAuthenticated   State = "AUTHENTICATED"
	StateSyncing         State = "SYNCING"
	StateClosed          State = "CLOSED"
	StateAuthFailed      State = "AUTH_FAILED"
)

const (
	DefaultMaxLoginRetries = 3
	DefaultBackoffBase     = 30 * time.Second

	screenshotTimeout = 10 * time.Second
)

var (
	ErrClosed           = errors.New("sync session closed")
	ErrNotAuthenticated = errors.New("sync session not authenticated")
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Options tunes the retry policy.
type Options struct {
	MaxLoginRetries int
	BackoffBase     time.Duration
	// Proxy is applied every time the browser is (re)initialized. Nil means direct.
	Proxy *proxy.BrowserProxy
	Sleep Sleeper
}

// Controller drives one platform for one organization over one browser session.
// It is not safe to call LoginWithRetry and UpdateStatus concurrently.
type Controller struct {
	driver  platform.Driver
	browser browser.Session
	opts    Options
	log     *zap.Logger

	mu    sync.Mutex
	state State
}

func New(driver platform.Driver, sess browser.Session, opts Options, log *zap.Logger) *Controller {
	if opts.MaxLoginRetries <= 0 {
		opts.MaxLoginRetries = DefaultMaxLoginRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		driver:  driver,
		browser: sess,
		opts:    opts,
		log:     log.With(zap.String("platform", driver.PlatformName())),
		state:   StateUnauthenticated,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Platform() string { return c.driver.PlatformName() }

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.state = s
	}
}

// Backoff is the wait before the given attempt (attempt >= 2).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	return base << (attempt - 1)
}

// LoginWithRetry logs in, retrying transient failures with exponential backoff
// and a fresh browser before every retry. Bad credentials stop immediately and
// leave the controller in AUTH_FAILED. A rate limit also stops the loop and is
// returned as is so the caller can record the platform's cooldown.
func (c *Controller) LoginWithRetry(ctx context.Context) (bool, error) {
	switch c.State() {
	case StateAuthenticated:
		return true, nil
	case StateClosed:
		return false, ErrClosed
	case StateAuthFailed:
		return false, syncerr.Authf("%s: credentials already rejected", c.Platform())
	}

	platformName := c.Platform()
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxLoginRetries; attempt++ {
		if attempt > 1 {
			wait := Backoff(c.opts.BackoffBase, attempt)
			c.log.Info("retrying login", zap.Int("attempt", attempt), zap.Duration("backoff", wait))
			if err := c.opts.Sleep(ctx, wait); err != nil {
				c.setState(StateUnauthenticated)
				if lastErr != nil {
					return false, fmt.Errorf("login backoff interrupted: %w", errors.Join(err, lastErr))
				}
				return false, fmt.Errorf("login backoff interrupted: %w", err)
			}
			c.browser.Close()
			if err := c.browser.Initialize(ctx, c.opts.Proxy); err != nil {
				lastErr = err
				c.log.Warn("browser reinit failed", zap.Int("attempt", attempt), zap.Error(err))
				telemetry.LoginAttempts.WithLabelValues(platformName, "error").Inc()
				continue
			}
		} else if !c.browser.IsAlive(ctx) {
			if err := c.browser.Initialize(ctx, c.opts.Proxy); err != nil {
				lastErr = err
				c.log.Warn("browser init failed", zap.Error(err))
				telemetry.LoginAttempts.WithLabelValues(platformName, "error").Inc()
				continue
			}
		}

		c.setState(StateAuthenticating)
		ok, err := c.driver.Login(ctx)
		if err == nil && ok {
			c.setState(StateAuthenticated)
			telemetry.LoginAttempts.WithLabelValues(platformName, "success").Inc()
			c.log.Info("logged in", zap.Int("attempt", attempt))
			return true, nil
		}
		if err == nil {
			err = syncerr.Browserf("%s: login did not complete", platformName)
		}
		if syncerr.IsAuth(err) {
			c.setState(StateAuthFailed)
			telemetry.LoginAttempts.WithLabelValues(platformName, "auth_failed").Inc()
			shot := c.screenshot(ctx, "login_auth_failed")
			c.log.Warn("login rejected", zap.String("screenshot", shot), zap.Error(err))
			return false, err
		}
		if cd, ok := syncerr.CooldownOf(err); ok {
			c.setState(StateUnauthenticated)
			telemetry.LoginAttempts.WithLabelValues(platformName, "rate_limited").Inc()
			shot := c.screenshot(ctx, "login_rate_limited")
			c.log.Warn("login rate limited",
				zap.Int("attempt", attempt),
				zap.Duration("cooldown", cd),
				zap.String("screenshot", shot),
				zap.Error(err),
			)
			return false, err
		}

		lastErr = err
		c.setState(StateUnauthenticated)
		telemetry.LoginAttempts.WithLabelValues(platformName, "error").Inc()
		shot := c.screenshot(ctx, fmt.Sprintf("login_attempt_%d", attempt))
		c.log.Warn("login attempt failed",
			zap.Int("attempt", attempt),
			zap.String("category", string(syncerr.CategoryOf(err))),
			zap.String("screenshot", shot),
			zap.Error(err),
		)
	}

	c.setState(StateUnauthenticated)
	return false, fmt.Errorf("login failed after %d attempts: %w", c.opts.MaxLoginRetries, lastErr)
}

// UpdateStatus writes one status through the driver. A dead browser is
// reported as a browser error without retrying.
func (c *Controller) UpdateStatus(ctx context.Context, target platform.Target) (bool, error) {
	switch c.State() {
	case StateAuthenticated:
	case StateClosed:
		return false, ErrClosed
	default:
		return false, ErrNotAuthenticated
	}

	log := c.log.With(zap.Int64("lead_id", target.LeadID))
	if !c.browser.IsAlive(ctx) {
		c.setState(StateUnauthenticated)
		shot := c.screenshot(ctx, fmt.Sprintf("update_status_dead_%d", target.LeadID))
		log.Warn("browser session is dead", zap.String("screenshot", shot))
		return false, syncerr.Browserf("browser session is not alive").WithStage("update_status")
	}

	c.setState(StateSyncing)
	ok, err := c.driver.UpdateStatus(ctx, target)
	c.setState(StateAuthenticated)
	if err == nil && !ok {
		err = syncerr.Parsingf("status %q was not confirmed", target.Status)
	}
	if err != nil {
		shot := c.screenshot(ctx, fmt.Sprintf("update_status_%d", target.LeadID))
		log.Warn("status update failed",
			zap.String("status", target.Status),
			zap.String("category", string(syncerr.CategoryOf(err))),
			zap.String("screenshot", shot),
			zap.Error(err),
		)
		return false, err
	}
	return true, nil
}

// screenshot captures the page on a context detached from ctx, so a failure
// caused by a deadline still gets its picture.
func (c *Controller) screenshot(ctx context.Context, label string) string {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), screenshotTimeout)
	defer cancel()
	return c.browser.Screenshot(sctx, label)
}

// Close releases the browser. Safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()
	c.browser.Close()
}
