// Package orchestrator decides, per lead, whether and how a status is pushed
// to the lead's referral platform, and records the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"referral-sync/internal/browser"
	"referral-sync/internal/models"
	"referral-sync/internal/platform"
	"referral-sync/internal/proxy"
	"referral-sync/internal/ratelimit"
	"referral-sync/internal/session"
	"referral-sync/internal/store"
	"referral-sync/internal/syncerr"
	"referral-sync/internal/telemetry"
)

// Outcome is the per-lead result of applying an action.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Skip reasons.
const (
	ReasonOptedOut       = "opted_out"
	ReasonNoMapping      = "no_stage_mapping"
	ReasonRecentlySynced = "synced_within_min_interval"
	ReasonTierUnchanged  = "tier_unchanged"
)

// Result reports what happened to one lead. Err is set for failures.
type Result struct {
	LeadID   int64
	Platform string
	Outcome  Outcome
	Reason   string
	Err      error
}

// LeadWriter persists what the orchestrator learned about a lead.
type LeadWriter interface {
	UpdateSyncMetadata(ctx context.Context, leadID int64, platform string, entry models.PlatformSync) error
	UpdateTier(ctx context.Context, leadID int64, tier models.Tier) error
}

// OrgSource serves per-organization credentials and settings.
type OrgSource interface {
	PlatformCredentials(ctx context.Context, orgID, platform string) (models.PlatformCredentials, error)
	SyncSettings(ctx context.Context, orgID string) (models.OrgSyncSettings, error)
}

// StageMapper resolves internal stages to platform statuses.
type StageMapper interface {
	MappedStage(platform, internalStage, leadType string) (string, bool)
}

// IdentitySource mints proxy identities. A nil identity means direct traffic.
type IdentitySource interface {
	NewIdentity(ctx context.Context, orgID string) (*proxy.Identity, error)
}

// CooldownStore tracks platforms that throttled an organization.
type CooldownStore interface {
	Remaining(ctx context.Context, key string) (time.Duration, error)
	Set(ctx context.Context, key string, d time.Duration) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Leads      LeadWriter
	Orgs       OrgSource
	Stages     StageMapper
	Identities IdentitySource
	Cooldowns  CooldownStore
	Platforms  *platform.Registry
	// NewSession returns an uninitialized browser session.
	NewSession func() browser.Session
	Logger     *zap.Logger
}

// Options tunes session handling and pacing.
type Options struct {
	MaxLoginRetries int
	BackoffBase     time.Duration
	Sleep           session.Sleeper
	// SessionReuse keeps one authenticated session per organization and
	// platform for the lifetime of a Scope.
	SessionReuse bool
	// PlatformRate caps calls per second to each platform; zero disables pacing.
	PlatformRate  float64
	PlatformBurst int
	// ProxyCheckURL, when set, is fetched through each new proxy identity
	// before a browser is started on it.
	ProxyCheckURL     string
	ProxyCheckTimeout time.Duration
}

// Orchestrator is shared by all chunk units; per-chunk state lives in a Scope.
type Orchestrator struct {
	deps Deps
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(deps Deps, opts Options) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.PlatformBurst <= 0 {
		opts.PlatformBurst = 1
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		log:      log,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (o *Orchestrator) limiter(platformName string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[platformName]
	if !ok {
		limit := rate.Inf
		if o.opts.PlatformRate > 0 {
			limit = rate.Limit(o.opts.PlatformRate)
		}
		l = rate.NewLimiter(limit, o.opts.PlatformBurst)
		o.limiters[platformName] = l
	}
	return l
}

// Retier recomputes a lead's tier from its last activity and stores it.
func (o *Orchestrator) Retier(ctx context.Context, lead models.Lead) Result {
	res := Result{LeadID: lead.ID, Platform: platform.Normalize(lead.Source)}
	tier := models.TierFor(lead.LastActivityAt, o.now())
	if tier == lead.Tier {
		res.Outcome, res.Reason = OutcomeSkipped, ReasonTierUnchanged
		return res
	}
	if err := o.deps.Leads.UpdateTier(ctx, lead.ID, tier); err != nil {
		res.Outcome, res.Reason, res.Err = OutcomeFailed, "update_tier", err
		return res
	}
	res.Outcome = OutcomeSucceeded
	return res
}

// NewScope opens a per-chunk scope. The caller must Close it.
func (o *Orchestrator) NewScope() *Scope {
	return &Scope{o: o, cached: make(map[string]*session.Controller)}
}

// Scope owns the browser sessions opened while processing one chunk.
// It is used by a single goroutine.
type Scope struct {
	o      *Orchestrator
	cached map[string]*session.Controller
	closed bool
}

// Apply runs action against lead. It never panics and never returns an error;
// failures are reported in the Result.
func (s *Scope) Apply(ctx context.Context, action models.Action, lead models.Lead, params models.ActionParams) Result {
	switch action {
	case models.ActionRetier:
		return s.o.Retier(ctx, lead)
	case models.ActionSyncStatus, "":
		return s.SyncLead(ctx, lead, params)
	}
	return Result{LeadID: lead.ID, Outcome: OutcomeFailed, Reason: "unknown_action", Err: fmt.Errorf("unknown action %q", action)}
}

// SyncLead mirrors the lead's internal stage onto its platform.
func (s *Scope) SyncLead(ctx context.Context, lead models.Lead, params models.ActionParams) (res Result) {
	o := s.o
	platformName := platform.Normalize(lead.Source)
	log := o.log.With(zap.String("org_id", lead.OrganizationID), zap.Int64("lead_id", lead.ID), zap.String("platform", platformName))
	res = Result{LeadID: lead.ID, Platform: platformName}

	defer func() {
		if r := recover(); r != nil {
			res.Outcome, res.Reason, res.Err = OutcomeFailed, "panic", fmt.Errorf("panic: %v", r)
			log.Error("lead sync panicked", zap.Any("panic", r))
		}
		telemetry.LeadOutcomes.WithLabelValues(platformName, string(res.Outcome)).Inc()
	}()

	if s.closed {
		return failed(res, "scope_closed", errors.New("scope already closed"))
	}
	if lead.OptedOut {
		return skipped(res, ReasonOptedOut)
	}
	mapped, ok := o.deps.Stages.MappedStage(platformName, lead.InternalStage, lead.LeadType)
	if !ok {
		log.Debug("no stage mapping", zap.String("stage", lead.InternalStage), zap.String("lead_type", lead.LeadType))
		return skipped(res, ReasonNoMapping)
	}

	now := o.now()
	if !params.Force {
		settings, err := o.deps.Orgs.SyncSettings(ctx, lead.OrganizationID)
		if err != nil {
			return failed(res, "load_settings", err)
		}
		if last, ok := lead.LastUpdated(platformName); ok && now.Sub(last) < settings.MinSyncInterval {
			return skipped(res, ReasonRecentlySynced)
		}
	}

	factory, ok := o.deps.Platforms.Lookup(platformName)
	if !ok {
		return failed(res, "unknown_platform", fmt.Errorf("no driver registered for %q", lead.Source))
	}

	cooldownKey := ratelimit.Key(lead.OrganizationID, platformName)
	if o.deps.Cooldowns != nil {
		left, err := o.deps.Cooldowns.Remaining(ctx, cooldownKey)
		if err != nil {
			log.Warn("cooldown lookup failed", zap.Error(err))
		} else if left > 0 {
			return failed(res, "rate_limit_cooldown", fmt.Errorf("platform cooling down for %s", left.Round(time.Second)))
		}
	}

	ctrl, err := s.controller(ctx, lead.OrganizationID, platformName, factory)
	if err != nil {
		return failed(res, string(reasonFor(err)), err)
	}
	defer func() { s.release(lead.OrganizationID, platformName, ctrl, res.Outcome != OutcomeSucceeded) }()

	pace := o.limiter(platformName)
	if ctrl.State() != session.StateAuthenticated {
		if err := pace.Wait(ctx); err != nil {
			return failed(res, "canceled", err)
		}
		if _, err := ctrl.LoginWithRetry(ctx); err != nil {
			s.noteCooldown(ctx, cooldownKey, err, log)
			log.Warn("login failed", zap.Error(err))
			return failed(res, string(reasonFor(err)), err)
		}
	}

	if err := pace.Wait(ctx); err != nil {
		return failed(res, "canceled", err)
	}
	target := platform.Target{LeadID: lead.ID, ExternalID: lead.ExternalID, Status: mapped}
	if _, err := ctrl.UpdateStatus(ctx, target); err != nil {
		s.noteCooldown(ctx, cooldownKey, err, log)
		log.Warn("status update failed", zap.String("status", mapped), zap.Error(err))
		return failed(res, string(reasonFor(err)), err)
	}

	updatedAt := now.UTC()
	if err := o.deps.Leads.UpdateSyncMetadata(ctx, lead.ID, platformName, models.PlatformSync{LastStatus: mapped, LastUpdatedAt: &updatedAt}); err != nil {
		log.Error("status pushed but metadata not recorded", zap.String("status", mapped), zap.Error(err))
		return failed(res, "record_metadata", err)
	}
	log.Info("lead synced", zap.String("status", mapped))
	res.Outcome = OutcomeSucceeded
	return res
}

// controller returns the cached controller for (org, platform) or builds a new
// one with fresh credentials and a fresh proxy identity.
func (s *Scope) controller(ctx context.Context, orgID, platformName string, factory platform.Factory) (*session.Controller, error) {
	key := ratelimit.Key(orgID, platformName)
	if c, ok := s.cached[key]; ok {
		return c, nil
	}
	o := s.o
	creds, err := o.deps.Orgs.PlatformCredentials(ctx, orgID, platformName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, syncerr.Auth(err).WithStage("credentials")
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	var identity *proxy.Identity
	if o.deps.Identities != nil {
		identity, err = o.deps.Identities.NewIdentity(ctx, orgID)
		if err != nil {
			return nil, syncerr.Network(err).WithStage("proxy")
		}
		if identity != nil && o.opts.ProxyCheckURL != "" {
			if err := proxy.Verify(ctx, identity, o.opts.ProxyCheckURL, o.opts.ProxyCheckTimeout); err != nil {
				return nil, syncerr.Network(err).WithStage("proxy")
			}
		}
	}

	sess := o.deps.NewSession()
	log := o.log.With(zap.String("org_id", orgID))
	driver := factory(platform.Deps{Session: sess, Credentials: creds, Logger: log})
	c := session.New(driver, sess, session.Options{
		MaxLoginRetries: o.opts.MaxLoginRetries,
		BackoffBase:     o.opts.BackoffBase,
		Proxy:           identity.Browser(),
		Sleep:           o.opts.Sleep,
	}, log)
	if o.opts.SessionReuse {
		s.cached[key] = c
	}
	return c, nil
}

func (s *Scope) release(orgID, platformName string, c *session.Controller, failed bool) {
	if s.o.opts.SessionReuse && !failed {
		return
	}
	delete(s.cached, ratelimit.Key(orgID, platformName))
	c.Close()
}

func (s *Scope) noteCooldown(ctx context.Context, key string, err error, log *zap.Logger) {
	cd, ok := syncerr.CooldownOf(err)
	if !ok || cd <= 0 || s.o.deps.Cooldowns == nil {
		return
	}
	if err := s.o.deps.Cooldowns.Set(context.WithoutCancel(ctx), key, cd); err != nil {
		log.Warn("failed to record platform cooldown", zap.Error(err))
		return
	}
	log.Warn("platform rate limited, cooling down", zap.Duration("cooldown", cd))
}

// Close closes every session still owned by the scope.
func (s *Scope) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for key, c := range s.cached {
		c.Close()
		delete(s.cached, key)
	}
}

func reasonFor(err error) syncerr.Category {
	if c := syncerr.CategoryOf(err); c != "" {
		return c
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}

func skipped(res Result, reason string) Result {
	res.Outcome, res.Reason = OutcomeSkipped, reason
	return res
}

func failed(res Result, reason string, err error) Result {
	res.Outcome, res.Reason, res.Err = OutcomeFailed, reason, err
	return res
}
