package models

import "time"

// ProxyConfig is an organization's residential proxy configuration row.
type ProxyConfig struct {
	OrgID    string `json:"org_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	// Rotate enables a fresh sticky session per sync run.
	Rotate         bool          `json:"rotate"`
	StickyLifetime time.Duration `json:"sticky_lifetime"`
	Enabled        bool          `json:"enabled"`
}

// PlatformCredentials are an organization's login for one referral platform.
type PlatformCredentials struct {
	OrgID    string `json:"org_id"`
	Platform string `json:"platform"`
	Username string `json:"username"`
	Password string `json:"-"`
	LoginURL string `json:"login_url,omitempty"`
}

// OrgSyncSettings are per-organization knobs read by the orchestrator.
type OrgSyncSettings struct {
	OrgID           string        `json:"org_id"`
	MinSyncInterval time.Duration `json:"min_sync_interval"`
}
