package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"referral-sync/internal/models"
)

// OrgStore reads per-organization proxy, credential and sync settings.
// All of it is read-only during a sync run.
type OrgStore struct {
	db                     DB
	defaultMinSyncInterval time.Duration
}

func NewOrgStore(db DB, defaultMinSyncInterval time.Duration) *OrgStore {
	return &OrgStore{db: db, defaultMinSyncInterval: defaultMinSyncInterval}
}

// ProxyConfig returns the organization's proxy row, or nil when there is none.
func (s *OrgStore) ProxyConfig(ctx context.Context, orgID string) (*models.ProxyConfig, error) {
	var (
		cfg            = models.ProxyConfig{OrgID: orgID}
		lifetimeSecond int
	)
	err := s.db.QueryRow(ctx, `
		SELECT host, port, username, password, rotate, sticky_lifetime_seconds, enabled
		FROM org_proxy_configs WHERE org_id = $1
	`, orgID).Scan(&cfg.Host, &cfg.Port, &cfg.Username, &cfg.Password, &cfg.Rotate, &lifetimeSecond, &cfg.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query proxy config: %w", err)
	}
	cfg.StickyLifetime = time.Duration(lifetimeSecond) * time.Second
	return &cfg, nil
}

// PlatformCredentials returns the organization's login for platform.
func (s *OrgStore) PlatformCredentials(ctx context.Context, orgID, platform string) (models.PlatformCredentials, error) {
	creds := models.PlatformCredentials{OrgID: orgID, Platform: platform}
	var loginURL pgtype.Text
	err := s.db.QueryRow(ctx, `
		SELECT username, password, login_url FROM platform_credentials WHERE org_id = $1 AND platform = $2
	`, orgID, platform).Scan(&creds.Username, &creds.Password, &loginURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return creds, fmt.Errorf("credentials for %s/%s: %w", orgID, platform, ErrNotFound)
	}
	if err != nil {
		return creds, fmt.Errorf("query credentials: %w", err)
	}
	if v := textPtr(loginURL); v != nil {
		creds.LoginURL = *v
	}
	return creds, nil
}

// SyncSettings returns the organization's settings, falling back to defaults.
func (s *OrgStore) SyncSettings(ctx context.Context, orgID string) (models.OrgSyncSettings, error) {
	settings := models.OrgSyncSettings{OrgID: orgID, MinSyncInterval: s.defaultMinSyncInterval}
	var seconds int
	err := s.db.QueryRow(ctx, `
		SELECT min_sync_interval_seconds FROM org_sync_settings WHERE org_id = $1
	`, orgID).Scan(&seconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("query sync settings: %w", err)
	}
	settings.MinSyncInterval = time.Duration(seconds) * time.Second
	return settings, nil
}
