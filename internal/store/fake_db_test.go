package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"referral-sync/internal/models"
)

// fakeDB serves the lead queries from memory and records writes.
type fakeDB struct {
	leads    []models.Lead
	queryErr error
	queries  int
	execs    []fakeExec
	row      func(sql string, args []any) pgx.Row
}

type fakeExec struct {
	sql  string
	args []any
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, fakeExec{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	sorted := append([]models.Lead(nil), f.leads...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var out []models.Lead
	if strings.Contains(sql, "ANY($1)") {
		want := map[int64]bool{}
		for _, id := range args[0].([]int64) {
			want[id] = true
		}
		for _, l := range sorted {
			if want[l.ID] {
				out = append(out, l)
			}
		}
	} else {
		org, cursor, limit := args[0].(string), args[1].(int64), args[len(args)-1].(int)
		for _, l := range sorted {
			if l.OrganizationID == org && l.ID > cursor && len(out) < limit {
				out = append(out, l)
			}
		}
	}
	return &fakeRows{leads: out, idx: -1}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if f.row != nil {
		return f.row(sql, args)
	}
	return fakeRow{err: pgx.ErrNoRows}
}

type fakeRow struct {
	err  error
	vals []any
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.vals)
}

type fakeRows struct {
	leads []models.Lead
	idx   int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.leads)
}

func (r *fakeRows) Scan(dest ...any) error {
	l := r.leads[r.idx]
	leadType := pgtype.Text{String: l.LeadType, Valid: l.LeadType != ""}
	tier := pgtype.Text{String: string(l.Tier), Valid: l.Tier != ""}
	meta := []byte(`{}`)
	if len(l.SyncMetadata) > 0 {
		meta = []byte(`{"homelight":{"last_status":"Met"}}`)
	}
	return assign(dest, []any{
		l.ID, l.ExternalID, l.OrganizationID, l.Source, l.InternalStage, leadType,
		l.LastActivityAt, l.LastSyncedAt, l.OptedOut, tier, meta,
	})
}

func assign(dest []any, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d dest for %d values", len(dest), len(vals))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = vals[i].(int64)
		case *int:
			*p = vals[i].(int)
		case *string:
			*p = vals[i].(string)
		case *bool:
			*p = vals[i].(bool)
		case *[]byte:
			*p = vals[i].([]byte)
		case *pgtype.Text:
			*p = vals[i].(pgtype.Text)
		case **time.Time:
			*p = vals[i].(*time.Time)
		default:
			return fmt.Errorf("scan: unsupported dest %T", d)
		}
	}
	return nil
}
