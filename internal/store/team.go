package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hireproof/internal/database"
	"github.com/dukerupert/hireproof/internal/model"
)

// TeamStore is the read model of teams, their jobs and the jobs' question
// banks. Teams and jobs are owned elsewhere; writes here exist for seeding
// and for plan changes pushed by the billing provider.
type TeamStore struct {
	db *database.DB
}

func NewTeamStore(db *database.DB) *TeamStore {
	return &TeamStore{db: db}
}

func scanTeam(scanner interface{ Scan(...any) error }) (*model.Team, error) {
	var t model.Team
	var stripeID sql.NullString
	err := scanner.Scan(
		&t.ID, &t.Name, &t.PlanName, &t.SubscriptionStatus, &t.DefaultPassThreshold,
		&t.DefaultQuestionCount, &t.BillingAnchor, &stripeID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if stripeID.Valid {
		t.StripeCustomerID = &stripeID.String
	}
	return &t, nil
}

const teamCols = `id, name, plan_name, subscription_status, default_pass_threshold, default_question_count, billing_anchor, stripe_customer_id, created_at, updated_at`

// CreateTeam inserts t, assigning an ID when it has none.
func (s *TeamStore) CreateTeam(ctx context.Context, t *model.Team) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.BillingAnchor.IsZero() {
		t.BillingAnchor = now
	}
	if t.SubscriptionStatus == "" {
		t.SubscriptionStatus = "active"
	}
	if t.DefaultPassThreshold == 0 {
		t.DefaultPassThreshold = 70
	}
	if t.DefaultQuestionCount == 0 {
		t.DefaultQuestionCount = 10
	}
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO teams (`+teamCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.Name, t.PlanName, t.SubscriptionStatus, t.DefaultPassThreshold,
		t.DefaultQuestionCount, t.BillingAnchor.UTC(), nullString(t.StripeCustomerID), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	return nil
}

func (s *TeamStore) GetTeam(ctx context.Context, id string) (*model.Team, error) {
	return s.GetTeamTx(ctx, s.db, id)
}

// GetTeamTx returns the team or nil if it does not exist.
func (s *TeamStore) GetTeamTx(ctx context.Context, q database.Querier, id string) (*model.Team, error) {
	row := q.QueryRowContext(ctx, s.db.Rebind(`SELECT `+teamCols+` FROM teams WHERE id = ?`), id)
	t, err := scanTeam(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	return t, nil
}

func (s *TeamStore) GetTeamByStripeCustomer(ctx context.Context, customerID string) (*model.Team, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+teamCols+` FROM teams WHERE stripe_customer_id = ?`), customerID)
	t, err := scanTeam(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get team by stripe customer: %w", err)
	}
	return t, nil
}

func (s *TeamStore) SetStripeCustomerID(ctx context.Context, teamID, customerID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE teams SET stripe_customer_id = ?, updated_at = ? WHERE id = ?`),
		customerID, time.Now().UTC(), teamID,
	)
	if err != nil {
		return fmt.Errorf("set stripe customer id: %w", err)
	}
	return nil
}

// SetPlanTx records a plan change and moves the billing anchor.
func (s *TeamStore) SetPlanTx(ctx context.Context, q database.Querier, teamID, planName string, anchor, now time.Time) error {
	res, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE teams SET plan_name = ?, billing_anchor = ?, updated_at = ? WHERE id = ?`),
		planName, anchor.UTC(), now, teamID,
	)
	if err != nil {
		return fmt.Errorf("set team plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set team plan: team %s not found", teamID)
	}
	return nil
}

func scanJob(scanner interface{ Scan(...any) error }) (*model.Job, error) {
	var j model.Job
	var threshold, count sql.NullInt64
	var success, failure sql.NullString
	err := scanner.Scan(&j.ID, &j.TeamID, &j.Title, &threshold, &count, &success, &failure, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	if threshold.Valid {
		v := int(threshold.Int64)
		j.PassThreshold = &v
	}
	if count.Valid {
		v := int(count.Int64)
		j.QuestionCount = &v
	}
	if success.Valid {
		j.SuccessRedirectURL = &success.String
	}
	if failure.Valid {
		j.FailureRedirectURL = &failure.String
	}
	return &j, nil
}

const jobCols = `id, team_id, title, pass_threshold, question_count, success_redirect_url, failure_redirect_url, created_at`

func (s *TeamStore) CreateJob(ctx context.Context, j *model.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO jobs (`+jobCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		j.ID, j.TeamID, j.Title, nullInt(j.PassThreshold), nullInt(j.QuestionCount),
		nullString(j.SuccessRedirectURL), nullString(j.FailureRedirectURL), j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns the job or nil if it does not exist.
func (s *TeamStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+jobCols+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// AddQuestion appends a question to a job's bank at the given position.
func (s *TeamStore) AddQuestion(ctx context.Context, jobID string, position int, q *model.Question) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	choices, err := json.Marshal(q.Choices)
	if err != nil {
		return fmt.Errorf("marshal choices: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO questions (id, job_id, position, prompt, choices, correct_choice) VALUES (?, ?, ?, ?, ?, ?)`),
		q.ID, jobID, position, q.Prompt, string(choices), q.CorrectChoice,
	)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

// ListQuestions returns up to limit questions for a job in bank order.
func (s *TeamStore) ListQuestions(ctx context.Context, jobID string, limit int) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT id, prompt, choices, correct_choice FROM questions WHERE job_id = ? ORDER BY position, id LIMIT ?`),
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		var choices string
		if err := rows.Scan(&q.ID, &q.Prompt, &choices, &q.CorrectChoice); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if err := json.Unmarshal([]byte(choices), &q.Choices); err != nil {
			return nil, fmt.Errorf("unmarshal choices for question %s: %w", q.ID, err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
