package models

import "time"

// PlatformSync is the per-platform entry of a lead's sync metadata.
type PlatformSync struct {
	LastStatus    string     `json:"last_status,omitempty"`
	LastUpdatedAt *time.Time `json:"last_updated_at,omitempty"`
}

// Lead is the subset of a lead record the sync engine reads and writes.
// Creation and deletion belong to the CRM import.
type Lead struct {
	ID             int64                   `json:"id"`
	ExternalID     string                  `json:"external_id"`
	OrganizationID string                  `json:"organization_id"`
	Source         string                  `json:"source"`
	InternalStage  string                  `json:"internal_stage"`
	LeadType       string                  `json:"lead_type,omitempty"`
	LastActivityAt *time.Time              `json:"last_activity_at,omitempty"`
	LastSyncedAt   *time.Time              `json:"last_synced_at,omitempty"`
	OptedOut       bool                    `json:"opted_out"`
	Tier           Tier                    `json:"tier,omitempty"`
	SyncMetadata   map[string]PlatformSync `json:"sync_metadata,omitempty"`
}

// LastUpdated returns when the platform was last updated for this lead.
func (l Lead) LastUpdated(platform string) (time.Time, bool) {
	entry, ok := l.SyncMetadata[platform]
	if !ok || entry.LastUpdatedAt == nil {
		return time.Time{}, false
	}
	return *entry.LastUpdatedAt, true
}
