package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hireproof/internal/database"
	"github.com/dukerupert/hireproof/internal/model"
)

// UsageStore persists one row per team per billing cycle.
type UsageStore struct {
	db *database.DB
}

func NewUsageStore(db *database.DB) *UsageStore {
	return &UsageStore{db: db}
}

func scanUsage(scanner interface{ Scan(...any) error }) (*model.Usage, error) {
	var u model.Usage
	var priceID sql.NullString
	var lastSync sql.NullTime
	err := scanner.Scan(
		&u.ID, &u.TeamID, &u.CycleStart, &u.CycleEnd, &u.IncludedApplications, &u.ActualApplications,
		&priceID, &u.StripeReported, &lastSync, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if priceID.Valid {
		u.MeteredPriceID = &priceID.String
	}
	if lastSync.Valid {
		u.LastStripeSyncAt = &lastSync.Time
	}
	return &u, nil
}

const usageCols = `id, team_id, cycle_start, cycle_end, included_applications, actual_applications, metered_price_id, stripe_reported, last_stripe_sync_at, created_at, updated_at`

// CurrentTx returns the row whose cycle contains at, or nil. When
// overlapping rows exist the most recently started one wins.
func (s *UsageStore) CurrentTx(ctx context.Context, q database.Querier, teamID string, at time.Time) (*model.Usage, error) {
	at = at.UTC()
	row := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+usageCols+` FROM team_billing_usage
		 WHERE team_id = ? AND cycle_start <= ? AND cycle_end > ?
		 ORDER BY cycle_start DESC LIMIT 1`),
		teamID, at, at,
	)
	u, err := scanUsage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current usage: %w", err)
	}
	return u, nil
}

func (s *UsageStore) Current(ctx context.Context, teamID string, at time.Time) (*model.Usage, error) {
	return s.CurrentTx(ctx, s.db, teamID, at)
}

func (s *UsageStore) GetByIDTx(ctx context.Context, q database.Querier, id string) (*model.Usage, error) {
	row := q.QueryRowContext(ctx, s.db.Rebind(`SELECT `+usageCols+` FROM team_billing_usage WHERE id = ?`), id)
	u, err := scanUsage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return u, nil
}

// UpsertTx inserts a row for (team, cycle start) unless one already exists
// and returns whichever row is stored. Concurrent callers converge on the
// same row.
func (s *UsageStore) UpsertTx(ctx context.Context, q database.Querier, u *model.Usage, now time.Time) (*model.Usage, error) {
	id := u.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := q.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO team_billing_usage (id, team_id, cycle_start, cycle_end, included_applications, actual_applications, metered_price_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT (team_id, cycle_start) DO NOTHING`),
		id, u.TeamID, u.CycleStart.UTC(), u.CycleEnd.UTC(), u.IncludedApplications,
		nullString(u.MeteredPriceID), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert usage: %w", err)
	}

	row := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+usageCols+` FROM team_billing_usage WHERE team_id = ? AND cycle_start = ?`),
		u.TeamID, u.CycleStart.UTC(),
	)
	stored, err := scanUsage(row)
	if err != nil {
		return nil, fmt.Errorf("get upserted usage: %w", err)
	}
	return stored, nil
}

// IncrementTx adds one to the row's actual count as a single atomic
// statement. A row left with a zero cap by an older writer takes healCap.
func (s *UsageStore) IncrementTx(ctx context.Context, q database.Querier, id string, healCap int, now time.Time) (*model.Usage, error) {
	res, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE team_billing_usage
		 SET actual_applications = actual_applications + 1,
		     included_applications = CASE WHEN included_applications <= 0 THEN ? ELSE included_applications END,
		     stripe_reported = FALSE,
		     updated_at = ?
		 WHERE id = ?`),
		healCap, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("increment usage: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("increment usage: row %s not found", id)
	}
	return s.GetByIDTx(ctx, q, id)
}

// SetCapTx overwrites the included allowance and metered price of a row.
func (s *UsageStore) SetCapTx(ctx context.Context, q database.Querier, id string, included int, priceID *string, now time.Time) error {
	_, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE team_billing_usage SET included_applications = ?, metered_price_id = ?, updated_at = ? WHERE id = ?`),
		included, nullString(priceID), now, id,
	)
	if err != nil {
		return fmt.Errorf("set usage cap: %w", err)
	}
	return nil
}

// SetCycleEndTx moves the end of a row's cycle. The count is untouched.
func (s *UsageStore) SetCycleEndTx(ctx context.Context, q database.Querier, id string, end, now time.Time) error {
	res, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE team_billing_usage SET cycle_end = ?, updated_at = ? WHERE id = ? AND cycle_start < ?`),
		end.UTC(), now, id, end.UTC(),
	)
	if err != nil {
		return fmt.Errorf("set usage cycle end: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("set usage cycle end: row %s not found or end before start", id)
	}
	return nil
}

// MarkSynced stamps the row covering at with a sync time. The row counts
// as reported once no counted attempt inside its cycle is still pending.
func (s *UsageStore) MarkSynced(ctx context.Context, teamID string, at, now time.Time) error {
	at = at.UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE team_billing_usage
		 SET last_stripe_sync_at = ?,
		     updated_at = ?,
		     stripe_reported = NOT EXISTS (
		         SELECT 1 FROM verification_attempts a
		         WHERE a.team_id = team_billing_usage.team_id
		           AND a.usage_recorded = TRUE AND a.stripe_reported = FALSE
		           AND a.completed_at >= team_billing_usage.cycle_start
		           AND a.completed_at < team_billing_usage.cycle_end
		     )
		 WHERE team_id = ? AND cycle_start <= ? AND cycle_end > ?`),
		now, now, teamID, at, at,
	)
	if err != nil {
		return fmt.Errorf("mark usage synced: %w", err)
	}
	return nil
}

// ListForTeam returns every cycle recorded for a team, newest first.
func (s *UsageStore) ListForTeam(ctx context.Context, teamID string) ([]model.Usage, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+usageCols+` FROM team_billing_usage WHERE team_id = ? ORDER BY cycle_start DESC`),
		teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var usage []model.Usage
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		usage = append(usage, *u)
	}
	return usage, rows.Err()
}
