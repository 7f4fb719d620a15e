package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/hireproof/internal/database"
	"github.com/dukerupert/hireproof/internal/model"
)

// AttemptStore persists verification attempts. State transitions are
// conditional updates guarded on the attempt still being open, so a
// transition applies at most once no matter how many callers race.
type AttemptStore struct {
	db *database.DB
}

func NewAttemptStore(db *database.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

func scanAttempt(scanner interface{ Scan(...any) error }) (*model.Attempt, error) {
	var a model.Attempt
	var completedAt, abandonedAt, tokenExpiresAt sql.NullTime
	var score, timeTaken sql.NullInt64
	var passed sql.NullBool
	var tokenHash, redirectToken sql.NullString
	var snapshot string
	var usageRecorded, stripeReported bool

	err := scanner.Scan(
		&a.ID, &a.TeamID, &a.JobID, &a.CandidateEmail, &a.CandidateEmailNormalized,
		&a.StartedAt, &completedAt, &abandonedAt, &score, &a.PassThreshold, &a.QuestionCount,
		&passed, &timeTaken, &snapshot, &a.SessionTokenHash, &tokenHash, &tokenExpiresAt,
		&redirectToken, &usageRecorded, &stripeReported, &a.RetryCount,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(snapshot), &a.Questions); err != nil {
		return nil, fmt.Errorf("unmarshal question snapshot: %w", err)
	}
	if redirectToken.Valid {
		a.RedirectToken = redirectToken.String
	}

	switch {
	case completedAt.Valid && passed.Valid && passed.Bool:
		if !tokenHash.Valid || !tokenExpiresAt.Valid {
			return nil, fmt.Errorf("attempt %s passed without a verification token", a.ID)
		}
		a.State = model.Passed{
			Score:            int(score.Int64),
			CompletedAt:      completedAt.Time,
			TimeTakenSeconds: int(timeTaken.Int64),
			TokenHash:        tokenHash.String,
			TokenExpiresAt:   tokenExpiresAt.Time,
			UsageRecorded:    usageRecorded,
			StripeReported:   stripeReported,
		}
	case completedAt.Valid:
		a.State = model.Failed{
			Score:            int(score.Int64),
			CompletedAt:      completedAt.Time,
			TimeTakenSeconds: int(timeTaken.Int64),
		}
	case abandonedAt.Valid:
		a.State = model.Abandoned{At: abandonedAt.Time}
	default:
		a.State = model.InProgress{}
	}
	return &a, nil
}

const attemptCols = `id, team_id, job_id, candidate_email, candidate_email_normalized, started_at, completed_at, abandoned_at, score, pass_threshold, question_count, passed, time_taken_seconds, question_snapshot, session_token_hash, verification_token_hash, token_expires_at, redirect_token, usage_recorded, stripe_reported, retry_count`

// CreateTx inserts a new in-progress attempt. A collision on the session
// token digest surfaces as a unique violation.
func (s *AttemptStore) CreateTx(ctx context.Context, q database.Querier, a *model.Attempt) error {
	snapshot, err := json.Marshal(a.Questions)
	if err != nil {
		return fmt.Errorf("marshal question snapshot: %w", err)
	}
	var redirect sql.NullString
	if a.RedirectToken != "" {
		redirect = sql.NullString{String: a.RedirectToken, Valid: true}
	}
	_, err = q.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO verification_attempts (id, team_id, job_id, candidate_email, candidate_email_normalized, started_at, pass_threshold, question_count, question_snapshot, session_token_hash, redirect_token, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.TeamID, a.JobID, a.CandidateEmail, a.CandidateEmailNormalized, a.StartedAt.UTC(),
		a.PassThreshold, a.QuestionCount, string(snapshot), a.SessionTokenHash, redirect, a.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	a.State = model.InProgress{}
	return nil
}

func (s *AttemptStore) get(ctx context.Context, q database.Querier, where string, arg any) (*model.Attempt, error) {
	row := q.QueryRowContext(ctx, s.db.Rebind(`SELECT `+attemptCols+` FROM verification_attempts WHERE `+where+` = ?`), arg)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt by %s: %w", where, err)
	}
	return a, nil
}

// GetByID returns the attempt or nil if it does not exist.
func (s *AttemptStore) GetByID(ctx context.Context, id string) (*model.Attempt, error) {
	return s.get(ctx, s.db, "id", id)
}

func (s *AttemptStore) GetByIDTx(ctx context.Context, q database.Querier, id string) (*model.Attempt, error) {
	return s.get(ctx, q, "id", id)
}

// GetBySessionHash looks an attempt up by the digest of its session token.
func (s *AttemptStore) GetBySessionHash(ctx context.Context, hash string) (*model.Attempt, error) {
	return s.get(ctx, s.db, "session_token_hash", hash)
}

// GetByVerificationHash looks an attempt up by the digest of its
// verification token.
func (s *AttemptStore) GetByVerificationHash(ctx context.Context, hash string) (*model.Attempt, error) {
	return s.get(ctx, s.db, "verification_token_hash", hash)
}

// LatestForCandidateTx returns the most recently started attempt for a
// candidate on a job, or nil.
func (s *AttemptStore) LatestForCandidateTx(ctx context.Context, q database.Querier, jobID, emailNormalized string) (*model.Attempt, error) {
	row := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+attemptCols+` FROM verification_attempts
		 WHERE job_id = ? AND candidate_email_normalized = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`),
		jobID, emailNormalized,
	)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest attempt: %w", err)
	}
	return a, nil
}

// CountStartedSinceTx counts attempts a candidate started on a job at or
// after since.
func (s *AttemptStore) CountStartedSinceTx(ctx context.Context, q database.Querier, jobID, emailNormalized string, since time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT COUNT(*) FROM verification_attempts
		 WHERE job_id = ? AND candidate_email_normalized = ? AND started_at >= ?`),
		jobID, emailNormalized, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

// AbandonOpenForCandidateTx abandons every open attempt the candidate has
// on the job and returns the IDs it abandoned.
func (s *AttemptStore) AbandonOpenForCandidateTx(ctx context.Context, q database.Querier, jobID, emailNormalized string, now time.Time) ([]string, error) {
	rows, err := q.QueryContext(ctx, s.db.Rebind(
		`SELECT id FROM verification_attempts
		 WHERE job_id = ? AND candidate_email_normalized = ? AND completed_at IS NULL AND abandoned_at IS NULL`),
		jobID, emailNormalized,
	)
	if err != nil {
		return nil, fmt.Errorf("list open attempts: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan attempt id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list open attempts: %w", err)
	}

	var abandoned []string
	for _, id := range ids {
		ok, err := s.AbandonTx(ctx, q, id, now)
		if err != nil {
			return nil, err
		}
		if ok {
			abandoned = append(abandoned, id)
		}
	}
	return abandoned, nil
}

// AbandonTx moves an open attempt to abandoned. It reports false when the
// attempt was no longer open.
func (s *AttemptStore) AbandonTx(ctx context.Context, q database.Querier, id string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE verification_attempts SET abandoned_at = ?
		 WHERE id = ? AND completed_at IS NULL AND abandoned_at IS NULL`),
		now.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("abandon attempt: %w", err)
	}
	return affectedOne(res)
}

// CompleteTx writes a terminal Passed or Failed state onto an open attempt.
// It reports false when the attempt had already left the open state.
func (s *AttemptStore) CompleteTx(ctx context.Context, q database.Querier, id string, state model.AttemptState) (bool, error) {
	var (
		score, timeTaken int
		completedAt      time.Time
		passed           bool
		tokenHash        sql.NullString
		tokenExpiresAt   sql.NullTime
	)
	switch st := state.(type) {
	case model.Passed:
		score, timeTaken, completedAt, passed = st.Score, st.TimeTakenSeconds, st.CompletedAt, true
		tokenHash = sql.NullString{String: st.TokenHash, Valid: true}
		tokenExpiresAt = sql.NullTime{Time: st.TokenExpiresAt.UTC(), Valid: true}
	case model.Failed:
		score, timeTaken, completedAt = st.Score, st.TimeTakenSeconds, st.CompletedAt
	default:
		return false, fmt.Errorf("complete attempt: %T is not a terminal score state", state)
	}

	res, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE verification_attempts
		 SET completed_at = ?, score = ?, passed = ?, time_taken_seconds = ?, verification_token_hash = ?, token_expires_at = ?
		 WHERE id = ? AND completed_at IS NULL AND abandoned_at IS NULL`),
		completedAt.UTC(), score, passed, timeTaken, tokenHash, tokenExpiresAt, id,
	)
	if err != nil {
		return false, fmt.Errorf("complete attempt: %w", err)
	}
	return affectedOne(res)
}

// MarkUsageRecordedTx flags a passed attempt as counted. It reports false
// when the attempt was already counted, which keeps counting idempotent.
func (s *AttemptStore) MarkUsageRecordedTx(ctx context.Context, q database.Querier, id string) (bool, error) {
	res, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE verification_attempts SET usage_recorded = TRUE
		 WHERE id = ? AND usage_recorded = FALSE AND passed = TRUE AND completed_at IS NOT NULL`),
		id,
	)
	if err != nil {
		return false, fmt.Errorf("mark usage recorded: %w", err)
	}
	return affectedOne(res)
}

// ListUnreported returns counted attempts not yet sent to the billing
// provider, oldest first.
func (s *AttemptStore) ListUnreported(ctx context.Context, limit int) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+attemptCols+` FROM verification_attempts
		 WHERE usage_recorded = TRUE AND stripe_reported = FALSE
		 ORDER BY completed_at, id LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unreported attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

func (s *AttemptStore) MarkStripeReported(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE verification_attempts SET stripe_reported = TRUE
		 WHERE id = ? AND usage_recorded = TRUE AND stripe_reported = FALSE`),
		id,
	)
	if err != nil {
		return false, fmt.Errorf("mark stripe reported: %w", err)
	}
	return affectedOne(res)
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
