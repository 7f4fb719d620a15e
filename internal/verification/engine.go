// Package verification runs the attempt lifecycle: start, submit, abandon
// and the read-only token check used by hiring backends.
package verification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hireproof/internal/billing"
	"github.com/dukerupert/hireproof/internal/clock"
	"github.com/dukerupert/hireproof/internal/database"
	"github.com/dukerupert/hireproof/internal/model"
	"github.com/dukerupert/hireproof/internal/quiz"
	"github.com/dukerupert/hireproof/internal/store"
	"github.com/dukerupert/hireproof/internal/token"
)

// Event kinds passed to a Notifier.
const (
	EventAttemptCompleted = "attempt_completed"
	EventAttemptAbandoned = "attempt_abandoned"
	EventUsageChanged     = "usage_changed"
)

// maxTokenAttempts bounds retries after a token digest collision.
const maxTokenAttempts = 3

var errLostRace = errors.New("attempt left open state")

// Notifier receives committed state changes. Delivery is best effort.
type Notifier interface {
	Notify(teamID, kind string, payload any)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, string, any) {}

// Config holds engine policy.
type Config struct {
	VerificationTokenTTL time.Duration
	// AttemptsPerDay caps starts per candidate per job in a rolling 24h
	// window. Zero disables the limit.
	AttemptsPerDay int
}

// Options wires an Engine. Notifier and Logger may be nil.
type Options struct {
	DB       *database.DB
	Attempts *store.AttemptStore
	Teams    *store.TeamStore
	Tracker  *billing.Tracker
	Tokens   *token.Service
	Selector quiz.Selector
	Scorer   quiz.Scorer
	Clock    clock.Clock
	Notifier Notifier
	Logger   *slog.Logger
	Config   Config
}

// Engine runs the attempt lifecycle. It is safe for concurrent use.
type Engine struct {
	db       *database.DB
	attempts *store.AttemptStore
	teams    *store.TeamStore
	tracker  *billing.Tracker
	tokens   *token.Service
	selector quiz.Selector
	scorer   quiz.Scorer
	clock    clock.Clock
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
}

// New builds an Engine. A nil Clock, Notifier or Logger falls back to the
// system clock, a no-op notifier and slog.Default.
func New(opts Options) *Engine {
	e := &Engine{
		db:       opts.DB,
		attempts: opts.Attempts,
		teams:    opts.Teams,
		tracker:  opts.Tracker,
		tokens:   opts.Tokens,
		selector: opts.Selector,
		scorer:   opts.Scorer,
		clock:    opts.Clock,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		cfg:      opts.Config,
	}
	if e.clock == nil {
		e.clock = clock.System()
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "verification")
	if e.cfg.VerificationTokenTTL <= 0 {
		e.cfg.VerificationTokenTTL = 72 * time.Hour
	}
	return e
}

// NormalizeEmail is the form used for dedup and rate limiting.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// StartRequest identifies who is starting which quiz.
type StartRequest struct {
	TeamID string
	JobID  string
	Email  string
}

// AttemptHandle is what the candidate needs to take the quiz. Questions
// still carry answer keys; callers presenting them must strip those.
type AttemptHandle struct {
	AttemptID     string
	SessionToken  string
	Questions     []model.Question
	PassThreshold int
	RetryCount    int
	RedirectToken string
	StartedAt     time.Time
}

// StartAttempt creates an attempt with a fresh session and a frozen
// question set. Any attempt the candidate still has open on the job is
// abandoned first.
func (e *Engine) StartAttempt(ctx context.Context, req StartRequest) (*AttemptHandle, error) {
	if strings.TrimSpace(req.TeamID) == "" {
		return nil, &ValidationError{Field: "team_id", Reason: "required"}
	}
	if strings.TrimSpace(req.JobID) == "" {
		return nil, &ValidationError{Field: "job_id", Reason: "required"}
	}
	normalized := NormalizeEmail(req.Email)
	if normalized == "" {
		return nil, &ValidationError{Field: "email", Reason: "required"}
	}
	if _, err := mail.ParseAddress(normalized); err != nil {
		return nil, &ValidationError{Field: "email", Reason: "not an email address"}
	}

	team, err := e.teams.GetTeam(ctx, req.TeamID)
	if err != nil {
		return nil, storageErr("load team", err)
	}
	if team == nil {
		return nil, fmt.Errorf("team %s: %w", req.TeamID, ErrNotFound)
	}
	job, err := e.teams.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, storageErr("load job", err)
	}
	if job == nil || job.TeamID != team.ID {
		return nil, fmt.Errorf("job %s: %w", req.JobID, ErrNotFound)
	}

	cfg := quiz.Config{PassThreshold: team.DefaultPassThreshold, QuestionCount: team.DefaultQuestionCount}
	if job.PassThreshold != nil {
		cfg.PassThreshold = *job.PassThreshold
	}
	if job.QuestionCount != nil {
		cfg.QuestionCount = *job.QuestionCount
	}

	questions, err := e.selector.SelectQuestions(ctx, job.ID, cfg)
	if err != nil {
		return nil, storageErr("select questions", err)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	var redirect string
	if job.SuccessRedirectURL != nil || job.FailureRedirectURL != nil {
		var d token.Destinations
		if job.SuccessRedirectURL != nil {
			d.Success = *job.SuccessRedirectURL
		}
		if job.FailureRedirectURL != nil {
			d.Failure = *job.FailureRedirectURL
		}
		redirect, err = e.tokens.IssueRedirectToken(d)
		if err != nil {
			return nil, err
		}
	}

	now := e.clock.Now()
	attempt := &model.Attempt{
		ID:                       uuid.NewString(),
		TeamID:                   team.ID,
		JobID:                    job.ID,
		CandidateEmail:           strings.TrimSpace(req.Email),
		CandidateEmailNormalized: normalized,
		StartedAt:                now,
		PassThreshold:            cfg.PassThreshold,
		QuestionCount:            len(questions),
		Questions:                questions,
		RedirectToken:            redirect,
	}

	var session token.Issued
	var abandoned []string
	for try := 0; ; try++ {
		session, err = e.tokens.NewSessionToken()
		if err != nil {
			return nil, err
		}
		attempt.SessionTokenHash = session.Hash

		err = database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
			if e.cfg.AttemptsPerDay > 0 {
				n, err := e.attempts.CountStartedSinceTx(ctx, tx, job.ID, normalized, now.Add(-24*time.Hour))
				if err != nil {
					return err
				}
				if n >= e.cfg.AttemptsPerDay {
					return ErrRateLimited
				}
			}

			prev, err := e.attempts.LatestForCandidateTx(ctx, tx, job.ID, normalized)
			if err != nil {
				return err
			}
			abandoned, err = e.attempts.AbandonOpenForCandidateTx(ctx, tx, job.ID, normalized, now)
			if err != nil {
				return err
			}
			attempt.RetryCount = 0
			if prev != nil {
				switch prev.State.(type) {
				case model.InProgress, model.Abandoned:
					attempt.RetryCount = prev.RetryCount + 1
				default:
					attempt.RetryCount = prev.RetryCount
				}
			}
			return e.attempts.CreateTx(ctx, tx, attempt)
		})
		if err == nil {
			break
		}
		if errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		if database.IsUniqueViolation(err) && try+1 < maxTokenAttempts {
			e.logger.Warn("session token collision, retrying", "attempt_id", attempt.ID)
			continue
		}
		return nil, storageErr("start attempt", err)
	}

	for _, id := range abandoned {
		e.notifier.Notify(team.ID, EventAttemptAbandoned, map[string]string{"attempt_id": id, "job_id": job.ID})
	}
	e.logger.Info("attempt started",
		"attempt_id", attempt.ID, "team_id", team.ID, "job_id", job.ID, "retry_count", attempt.RetryCount)

	return &AttemptHandle{
		AttemptID:     attempt.ID,
		SessionToken:  session.Token,
		Questions:     questions,
		PassThreshold: attempt.PassThreshold,
		RetryCount:    attempt.RetryCount,
		RedirectToken: redirect,
		StartedAt:     now,
	}, nil
}

// Result is the outcome of a submission.
type Result struct {
	AttemptID         string
	Passed            bool
	Score             int
	PassThreshold     int
	VerificationToken string
	TokenExpiresAt    time.Time
	RedirectToken     string
}

func (e *Engine) loadOpenBySession(ctx context.Context, sessionToken string) (*model.Attempt, error) {
	if sessionToken == "" {
		return nil, &ValidationError{Field: "session_token", Reason: "required"}
	}
	if !token.WellFormedSessionToken(sessionToken) {
		return nil, ErrInvalidSession
	}
	a, err := e.attempts.GetBySessionHash(ctx, e.tokens.Hash(sessionToken))
	if err != nil {
		return nil, storageErr("load attempt", err)
	}
	if a == nil {
		return nil, ErrInvalidSession
	}
	return a, stateErr(a)
}

// stateErr maps a non-open attempt to the error a caller should see.
func stateErr(a *model.Attempt) error {
	switch a.State.(type) {
	case model.Passed, model.Failed:
		return ErrAlreadyCompleted
	case model.Abandoned:
		return ErrAttemptAbandoned
	}
	return nil
}

// SubmitAnswers scores an open attempt and completes it. A pass issues a
// verification token and counts one unit of usage in the same transaction
// as the completion; a second submission is rejected.
func (e *Engine) SubmitAnswers(ctx context.Context, sessionToken string, answers map[string]int) (*Result, error) {
	if answers == nil {
		return nil, &ValidationError{Field: "answers", Reason: "required"}
	}
	a, err := e.loadOpenBySession(ctx, sessionToken)
	if err != nil {
		return nil, err
	}

	score, err := e.scorer.Score(a.Questions, answers)
	if err != nil {
		return nil, fmt.Errorf("score attempt %s: %w", a.ID, err)
	}
	if score < 0 || score > 100 {
		return nil, fmt.Errorf("score attempt %s: got %d: %w", a.ID, score, ErrScoreOutOfRange)
	}
	now := e.clock.Now()
	passed := score >= a.PassThreshold
	timeTaken := int(now.Sub(a.StartedAt) / time.Second)
	if timeTaken < 0 {
		timeTaken = 0
	}

	result := &Result{
		AttemptID:     a.ID,
		Passed:        passed,
		Score:         score,
		PassThreshold: a.PassThreshold,
		RedirectToken: a.RedirectToken,
	}

	var usage *model.Usage
	for try := 0; ; try++ {
		var state model.AttemptState = model.Failed{Score: score, CompletedAt: now, TimeTakenSeconds: timeTaken}
		var issued token.Issued
		if passed {
			issued, err = e.tokens.IssueVerificationToken(e.cfg.VerificationTokenTTL)
			if err != nil {
				return nil, err
			}
			state = model.Passed{
				Score:            score,
				CompletedAt:      now,
				TimeTakenSeconds: timeTaken,
				TokenHash:        issued.Hash,
				TokenExpiresAt:   issued.ExpiresAt,
			}
		}

		usage = nil
		err = database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
			ok, err := e.attempts.CompleteTx(ctx, tx, a.ID, state)
			if err != nil {
				return err
			}
			if !ok {
				return errLostRace
			}
			if !passed {
				return nil
			}
			marked, err := e.attempts.MarkUsageRecordedTx(ctx, tx, a.ID)
			if err != nil {
				return err
			}
			if !marked {
				return fmt.Errorf("attempt %s already counted", a.ID)
			}
			usage, err = e.tracker.RecordUsageTx(ctx, tx, a.TeamID)
			return err
		})
		if err == nil {
			result.VerificationToken = issued.Token
			result.TokenExpiresAt = issued.ExpiresAt
			break
		}
		if errors.Is(err, errLostRace) {
			return nil, e.raceLoserErr(ctx, a.ID)
		}
		if passed && database.IsUniqueViolation(err) && try+1 < maxTokenAttempts {
			e.logger.Warn("verification token collision, retrying", "attempt_id", a.ID)
			continue
		}
		e.logger.Error("submit rolled back", "attempt_id", a.ID, "error", err)
		return nil, storageErr("complete attempt", err)
	}

	// The token signed at start may have outlived its TTL during the quiz.
	if a.RedirectToken != "" {
		refreshed, err := e.tokens.RefreshRedirectToken(a.RedirectToken)
		if err != nil {
			e.logger.Warn("refresh redirect token", "attempt_id", a.ID, "error", err)
		} else {
			result.RedirectToken = refreshed
		}
	}

	e.logger.Info("attempt completed",
		"attempt_id", a.ID, "team_id", a.TeamID, "passed", passed, "score", score)
	e.notifier.Notify(a.TeamID, EventAttemptCompleted, map[string]any{
		"attempt_id": a.ID,
		"job_id":     a.JobID,
		"passed":     passed,
		"score":      score,
	})
	if usage != nil {
		e.notifier.Notify(a.TeamID, EventUsageChanged, usage)
	}
	return result, nil
}

func (e *Engine) raceLoserErr(ctx context.Context, attemptID string) error {
	a, err := e.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return storageErr("reload attempt", err)
	}
	if a == nil {
		return ErrInvalidSession
	}
	if err := stateErr(a); err != nil {
		return err
	}
	return ErrAlreadyCompleted
}

// AbandonAttempt closes an open attempt without scoring it. Abandoning an
// already abandoned attempt is a no-op.
func (e *Engine) AbandonAttempt(ctx context.Context, sessionToken string) error {
	a, err := e.loadOpenBySession(ctx, sessionToken)
	if errors.Is(err, ErrAttemptAbandoned) {
		return nil
	}
	if err != nil {
		return err
	}

	ok, err := e.attempts.AbandonTx(ctx, e.db, a.ID, e.clock.Now())
	if err != nil {
		return storageErr("abandon attempt", err)
	}
	if !ok {
		err := e.raceLoserErr(ctx, a.ID)
		if errors.Is(err, ErrAttemptAbandoned) {
			return nil
		}
		return err
	}

	e.logger.Info("attempt abandoned", "attempt_id", a.ID, "team_id", a.TeamID)
	e.notifier.Notify(a.TeamID, EventAttemptAbandoned, map[string]string{"attempt_id": a.ID, "job_id": a.JobID})
	return nil
}

// Binding ties a verification token to the attempt that earned it.
type Binding struct {
	AttemptID      string
	TeamID         string
	JobID          string
	CandidateEmail string
	Score          int
	PassThreshold  int
	CompletedAt    time.Time
	ExpiresAt      time.Time
}

// Matches reports whether the binding belongs to the given job and
// candidate. Empty arguments are not checked.
func (b *Binding) Matches(jobID, email string) bool {
	if jobID != "" && jobID != b.JobID {
		return false
	}
	if email != "" && NormalizeEmail(email) != NormalizeEmail(b.CandidateEmail) {
		return false
	}
	return true
}

// VerifyToken resolves a verification token to its binding. It never
// writes.
func (e *Engine) VerifyToken(ctx context.Context, verificationToken string) (*Binding, error) {
	if verificationToken == "" {
		return nil, &ValidationError{Field: "token", Reason: "required"}
	}
	if !token.WellFormedVerificationToken(verificationToken) {
		return nil, ErrInvalidToken
	}
	a, err := e.attempts.GetByVerificationHash(ctx, e.tokens.Hash(verificationToken))
	if err != nil {
		return nil, storageErr("load attempt", err)
	}
	if a == nil {
		return nil, ErrInvalidToken
	}
	st, ok := a.State.(model.Passed)
	if !ok {
		return nil, ErrInvalidToken
	}
	if e.clock.Now().After(st.TokenExpiresAt) {
		return nil, ErrExpiredToken
	}
	return &Binding{
		AttemptID:      a.ID,
		TeamID:         a.TeamID,
		JobID:          a.JobID,
		CandidateEmail: a.CandidateEmail,
		Score:          st.Score,
		PassThreshold:  a.PassThreshold,
		CompletedAt:    st.CompletedAt,
		ExpiresAt:      st.TokenExpiresAt,
	}, nil
}
