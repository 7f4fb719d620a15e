package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/hireproof/internal/database"
	"github.com/dukerupert/hireproof/internal/model"
)

type testStores struct {
	db       *database.DB
	teams    *TeamStore
	attempts *AttemptStore
	usage    *UsageStore
}

func setupAttemptTestDB(t *testing.T) *testStores {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &testStores{
		db:       db,
		teams:    NewTeamStore(db),
		attempts: NewAttemptStore(db),
		usage:    NewUsageStore(db),
	}
}

func seedTeamAndJob(t *testing.T, s *testStores) (*model.Team, *model.Job) {
	t.Helper()
	ctx := context.Background()
	team := &model.Team{Name: "Acme", PlanName: "basic"}
	if err := s.teams.CreateTeam(ctx, team); err != nil {
		t.Fatalf("create team: %v", err)
	}
	job := &model.Job{TeamID: team.ID, Title: "Backend Engineer"}
	if err := s.teams.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return team, job
}

func newTestAttempt(team *model.Team, job *model.Job, id, sessionHash string, startedAt time.Time) *model.Attempt {
	return &model.Attempt{
		ID:                       id,
		TeamID:                   team.ID,
		JobID:                    job.ID,
		CandidateEmail:           "Ada@Example.com",
		CandidateEmailNormalized: "ada@example.com",
		StartedAt:                startedAt,
		PassThreshold:            70,
		QuestionCount:            1,
		Questions: []model.Question{
			{ID: "q1", Prompt: "2+2?", Choices: []string{"3", "4"}, CorrectChoice: 1},
		},
		SessionTokenHash: sessionHash,
	}
}

func TestAttemptCreateAndGet(t *testing.T) {
	s := setupAttemptTestDB(t)
	team, job := seedTeamAndJob(t, s)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := newTestAttempt(team, job, "a1", "sess-hash-1", started)
	a.RedirectToken = "redir"
	if err := s.attempts.CreateTx(ctx, s.db, a); err != nil {
		t.Fatalf("create attempt: %v", err)
	}

	got, err := s.attempts.GetBySessionHash(ctx, "sess-hash-1")
	if err != nil {
		t.Fatalf("get by session: %v", err)
	}
	if got == nil {
		t.Fatal("expected attempt, got nil")
	}
	if !got.Open() {
		t.Errorf("state = %T, want InProgress", got.State)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, started)
	}
	if len(got.Questions) != 1 || got.Questions[0].CorrectChoice != 1 {
		t.Errorf("questions = %+v, want snapshot with answer key", got.Questions)
	}
	if got.RedirectToken != "redir" {
		t.Errorf("redirect token = %q, want %q", got.RedirectToken, "redir")
	}

	missing, err := s.attempts.GetBySessionHash(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown session, got %+v", missing)
	}
}

func TestAttemptDuplicateSessionHash(t *testing.T) {
	s := setupAttemptTestDB(t)
	team, job := seedTeamAndJob(t, s)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.attempts.CreateTx(ctx, s.db, newTestAttempt(team, job, "a1", "same", now)); err != nil {
		t.Fatalf("create first: %v", err)
	}
	err := s.attempts.CreateTx(ctx, s.db, newTestAttempt(team, job, "a2", "same", now))
	if !database.IsUniqueViolation(err) {
		t.Fatalf("err = %v, want unique violation", err)
	}
}

func TestAttemptCompleteOnce(t *testing.T) {
	s := setupAttemptTestDB(t)
	team, job := seedTeamAndJob(t, s)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.attempts.CreateTx(ctx, s.db, newTestAttempt(team, job, "a1", "h1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}

	passed := model.Passed{
		Score:            100,
		CompletedAt:      now.Add(90 * time.Second),
		TimeTakenSeconds: 90,
		TokenHash:        "tok-hash",
		TokenExpiresAt:   now.Add(72 * time.Hour),
	}
	ok, err := s.attempts.CompleteTx(ctx, s.db, "a1", passed)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !ok {
		t.Fatal("first complete should apply")
	}

	ok, err = s.attempts.CompleteTx(ctx, s.db, "a1", model.Failed{Score: 0, CompletedAt: now})
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if ok {
		t.Error("second complete should not apply")
	}

	got, err := s.attempts.GetByVerificationHash(ctx, "tok-hash")
	if err != nil {
		t.Fatalf("get by token: %v", err)
	}
	st, isPassed := got.State.(model.Passed)
	if !isPassed {
		t.Fatalf("state = %T, want Passed", got.State)
	}
	if st.Score != 100 || st.TimeTakenSeconds != 90 {
		t.Errorf("score/time = %d/%d, want 100/90", st.Score, st.TimeTakenSeconds)
	}
	if st.UsageRecorded {
		t.Error("usage_recorded should start false")
	}
}

func TestAttemptCompleteFailedHasNoToken(t *testing.T) {
	s := setupAttemptTestDB(t)
	team, job := seedTeamAndJob(t, s)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.attempts.CreateTx(ctx, s.db, newTestAttempt(team, job, "a1", "h1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.attempts.CompleteTx(ctx, s.db, "a1", model.Failed{Score: 40, CompletedAt: now}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := s.attempts.GetByID(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	st, ok := got.State.(model.Failed)
	if !ok {
		t.Fatalf("state = %T, want Failed", got.State)
	}
	if st.Score != 40 {
		t.Errorf("score = %d, want 40", st.Score)
	}

	// A failed attempt can never be counted.
	recorded, err := s.attempts.MarkUsageRecordedTx(ctx, s.db, "a1")
	if err != nil {
		t.Fatalf("mark usage: %v", err)
	}
	if recorded {
		t.Error("failed attempt marked as counted")
	}
}

func TestAttemptAbandon(t *testing.T) {
	s := setupAttemptTestDB(t)
	team, job := seedTeamAndJob(t, s)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.attempts.CreateTx(ctx, s.db, newTestAttempt(team, job, "a1", "h1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := s.attempts.AbandonTx(ctx, s.db, "a1", now)
	if err != nil || !ok {
		t.Fatalf("abandon = %v, %v; want true, nil", ok, err)
	}

	ok, err = s.attempts.CompleteTx(ctx, s.db, "a1", model.Failed{CompletedAt: now})
	if err != nil {
		t.Fatalf("complete after abandon: %v", err)
	}
	if ok {
		t.Error("abandoned attempt was completed")
	}

	got, _ := s.attempts.GetByID(ctx, "a1")
	if _, isAbandoned := got.State.(model.Abandoned); !isAbandoned {
		t.Errorf("state = %T, want Abandoned", got.State)
	}
}

func TestAbandonOpenForCandidate(t *testing.T) {
	s := setupAttemptTestDB(t)
	team, job := seedTeamAndJob(t, s)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a1", "a2"} {
		a := newTestAttempt(team, job, id, "h-"+id, now.Add(time.Duration(i)*time.Minute))
		if err := s.attempts.CreateTx(ctx, s.db, a); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := s.attempts.CompleteTx(ctx, s.db, "a1", model.Failed{CompletedAt: now}); err != nil {
		t.Fatalf("complete a1: %v", err)
	}

	ids, err := s.attempts.AbandonOpenForCandidateTx(ctx, s.db, job.ID, "ada@example.com", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("abandon open: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a2" {
		t.Errorf("abandoned = %v, want [a2]", ids)
	}

	latest, err := s.attempts.LatestForCandidateTx(ctx, s.db, job.ID, "ada@example.com")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != "a2" {
		t.Errorf("latest = %s, want a2", latest.ID)
	}

	n, err := s.attempts.CountStartedSinceTx(ctx, s.db, job.ID, "ada@example.com", now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestMarkUsageRecordedIsIdempotent(t *testing.T) {
	s := setupAttemptTestDB(t)
	team, job := seedTeamAndJob(t, s)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.attempts.CreateTx(ctx, s.db, newTestAttempt(team, job, "a1", "h1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.attempts.CompleteTx(ctx, s.db, "a1", model.Passed{
		Score: 100, CompletedAt: now, TokenHash: "t", TokenExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	first, err := s.attempts.MarkUsageRecordedTx(ctx, s.db, "a1")
	if err != nil || !first {
		t.Fatalf("first mark = %v, %v; want true, nil", first, err)
	}
	second, err := s.attempts.MarkUsageRecordedTx(ctx, s.db, "a1")
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if second {
		t.Error("second mark should be a no-op")
	}

	pending, err := s.attempts.ListUnreported(ctx, 10)
	if err != nil {
		t.Fatalf("list unreported: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("unreported = %d, want 1", len(pending))
	}

	reported, err := s.attempts.MarkStripeReported(ctx, "a1")
	if err != nil || !reported {
		t.Fatalf("mark reported = %v, %v; want true, nil", reported, err)
	}
	pending, _ = s.attempts.ListUnreported(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("unreported after report = %d, want 0", len(pending))
	}
}
