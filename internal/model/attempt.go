package model

import "time"

// AttemptState is exactly one of InProgress, Abandoned, Failed or Passed.
type AttemptState interface {
	attemptState()
}

type InProgress struct{}

type Abandoned struct {
	At time.Time
}

type Failed struct {
	Score            int
	CompletedAt      time.Time
	TimeTakenSeconds int
}

// Passed carries the verification token digest; a pass without a token
// cannot be constructed.
type Passed struct {
	Score            int
	CompletedAt      time.Time
	TimeTakenSeconds int
	TokenHash        string
	TokenExpiresAt   time.Time
	UsageRecorded    bool
	StripeReported   bool
}

func (InProgress) attemptState() {}
func (Abandoned) attemptState()  {}
func (Failed) attemptState()     {}
func (Passed) attemptState()     {}

// Attempt is one candidate's run through the quiz for one job.
type Attempt struct {
	ID                       string
	TeamID                   string
	JobID                    string
	CandidateEmail           string
	CandidateEmailNormalized string
	StartedAt                time.Time
	PassThreshold            int
	QuestionCount            int
	Questions                []Question
	SessionTokenHash         string
	RedirectToken            string
	RetryCount               int
	State                    AttemptState
}

// Open reports whether the attempt can still be submitted or abandoned.
func (a *Attempt) Open() bool {
	_, ok := a.State.(InProgress)
	return ok
}

// Completed reports whether the attempt has been scored.
func (a *Attempt) Completed() bool {
	switch a.State.(type) {
	case Passed, Failed:
		return true
	}
	return false
}
