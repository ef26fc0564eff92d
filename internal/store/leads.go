package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"referral-sync/internal/models"
)

const (
	DefaultPageSize = 500
	MaxPageSize     = 1000
)

// LeadQuery selects one cursor page of an organization's leads.
type LeadQuery struct {
	OrgID string
	// Tier restricts the page to leads whose last activity falls in the tier.
	Tier *models.Tier
	// Cursor is the last id seen; zero starts from the beginning.
	Cursor int64
	Limit  int
}

// LeadPage is one page of leads in ascending id order.
type LeadPage struct {
	Leads      []models.Lead
	NextCursor int64
	HasMore    bool
}

// LeadRepository is the only component touching the leads table.
type LeadRepository struct {
	db    DB
	log   *zap.Logger
	nowFn func() time.Time
}

// NewLeadRepository builds a repository over db.
func NewLeadRepository(db DB, log *zap.Logger) *LeadRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &LeadRepository{db: db, log: log, nowFn: time.Now}
}

const leadColumns = `id, external_id, organization_id, source, status, lead_type,
	last_activity_at, last_synced_at, opted_out, tier, sync_metadata`

// GetLeadsCursor returns the page of leads after q.Cursor. Paging is keyed on
// id, so every page costs the same regardless of depth. It fetches one row
// more than the limit to detect HasMore without counting.
//
// On a backend failure the page is empty with HasMore=false, so callers that
// only inspect the page stop cleanly; the error is still returned for callers
// that need to tell "failed" from "no leads".
func (r *LeadRepository) GetLeadsCursor(ctx context.Context, q LeadQuery) (LeadPage, error) {
	limit := clampLimit(q.Limit)
	sql, args := buildCursorQuery(q, limit, r.nowFn())

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		r.log.Error("lead cursor query failed", zap.String("org_id", q.OrgID), zap.Int64("cursor", q.Cursor), zap.Error(err))
		return LeadPage{}, fmt.Errorf("query leads: %w", err)
	}
	leads, err := scanLeads(rows)
	if err != nil {
		r.log.Error("lead cursor scan failed", zap.String("org_id", q.OrgID), zap.Int64("cursor", q.Cursor), zap.Error(err))
		return LeadPage{}, err
	}
	return pageFrom(leads, limit, q.Cursor), nil
}

// GetLeadsByIDs loads known leads in one round trip, in ascending id order.
// Ids that no longer exist are simply absent from the result.
func (r *LeadRepository) GetLeadsByIDs(ctx context.Context, ids []int64) ([]models.Lead, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ANY($1) ORDER BY id ASC`, ids)
	if err != nil {
		r.log.Error("lead batch lookup failed", zap.Int("ids", len(ids)), zap.Error(err))
		return nil, fmt.Errorf("query leads by id: %w", err)
	}
	leads, err := scanLeads(rows)
	if err != nil {
		r.log.Error("lead batch scan failed", zap.Int("ids", len(ids)), zap.Error(err))
		return nil, err
	}
	return leads, nil
}

// UpdateSyncMetadata replaces the nested entry for platform and bumps
// last_synced_at. No other column is written.
func (r *LeadRepository) UpdateSyncMetadata(ctx context.Context, leadID int64, platform string, entry models.PlatformSync) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal sync metadata: %w", err)
	}
	syncedAt := r.nowFn().UTC()
	if entry.LastUpdatedAt != nil {
		syncedAt = *entry.LastUpdatedAt
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE leads
		SET sync_metadata = jsonb_set(COALESCE(sync_metadata, '{}'::jsonb), ARRAY[$2::text], $3::jsonb, true),
		    last_synced_at = $4
		WHERE id = $1
	`, leadID, platform, raw, syncedAt)
	if err != nil {
		return fmt.Errorf("update sync metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lead %d: %w", leadID, ErrNotFound)
	}
	return nil
}

// UpdateTier writes the derived tier for explicit re-tiering runs.
func (r *LeadRepository) UpdateTier(ctx context.Context, leadID int64, tier models.Tier) error {
	tag, err := r.db.Exec(ctx, `UPDATE leads SET tier = $2 WHERE id = $1`, leadID, string(tier))
	if err != nil {
		return fmt.Errorf("update tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lead %d: %w", leadID, ErrNotFound)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// buildCursorQuery renders the page query. Tier bounds become last_activity_at
// bounds relative to now: age >= min  <=>  last_activity_at <= now-min.
func buildCursorQuery(q LeadQuery, limit int, now time.Time) (string, []any) {
	var b strings.Builder
	args := []any{q.OrgID, q.Cursor}
	b.WriteString(`SELECT ` + leadColumns + ` FROM leads WHERE organization_id = $1 AND id > $2`)

	if q.Tier != nil {
		min, max := q.Tier.Bounds()
		switch {
		case max == 0:
			args = append(args, now.Add(-min))
			fmt.Fprintf(&b, ` AND (last_activity_at IS NULL OR last_activity_at <= $%d)`, len(args))
		default:
			if min > 0 {
				args = append(args, now.Add(-min))
				fmt.Fprintf(&b, ` AND last_activity_at <= $%d`, len(args))
			}
			args = append(args, now.Add(-max))
			fmt.Fprintf(&b, ` AND last_activity_at > $%d`, len(args))
		}
	}

	args = append(args, limit+1)
	fmt.Fprintf(&b, ` ORDER BY id ASC LIMIT $%d`, len(args))
	return b.String(), args
}

func pageFrom(leads []models.Lead, limit int, cursor int64) LeadPage {
	page := LeadPage{NextCursor: cursor}
	if len(leads) > limit {
		page.HasMore = true
		leads = leads[:limit]
	}
	page.Leads = leads
	if len(leads) > 0 {
		page.NextCursor = leads[len(leads)-1].ID
	}
	return page
}

func scanLeads(rows pgx.Rows) ([]models.Lead, error) {
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		var (
			lead         models.Lead
			leadType     pgtype.Text
			tier         pgtype.Text
			metadataJSON []byte
		)
		if err := rows.Scan(
			&lead.ID, &lead.ExternalID, &lead.OrganizationID, &lead.Source, &lead.InternalStage, &leadType,
			&lead.LastActivityAt, &lead.LastSyncedAt, &lead.OptedOut, &tier, &metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		if t := textPtr(leadType); t != nil {
			lead.LeadType = *t
		}
		if t := textPtr(tier); t != nil {
			lead.Tier = models.Tier(*t)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &lead.SyncMetadata); err != nil {
				return nil, fmt.Errorf("unmarshal sync metadata for lead %d: %w", lead.ID, err)
			}
		}
		leads = append(leads, lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return leads, nil
}
