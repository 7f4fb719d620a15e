// Package quiz holds the question selection and scoring collaborators the
// verification engine consumes.
package quiz

import (
	"context"
	"fmt"

	"github.com/dukerupert/hireproof/internal/model"
)

// Config is the per-attempt policy snapshotted at start.
type Config struct {
	PassThreshold int
	QuestionCount int
}

// Selector returns the ordered questions for a new attempt. It must not
// mutate job or bank state.
type Selector interface {
	SelectQuestions(ctx context.Context, jobID string, cfg Config) ([]model.Question, error)
}

// Scorer maps a question set and the candidate's answers to 0..100.
type Scorer interface {
	Score(questions []model.Question, answers map[string]int) (int, error)
}

type questionLister interface {
	ListQuestions(ctx context.Context, jobID string, limit int) ([]model.Question, error)
}

// BankSelector takes the first QuestionCount questions of the job's bank
// in position order.
type BankSelector struct {
	bank questionLister
}

func NewBankSelector(bank questionLister) *BankSelector {
	return &BankSelector{bank: bank}
}

func (s *BankSelector) SelectQuestions(ctx context.Context, jobID string, cfg Config) ([]model.Question, error) {
	if cfg.QuestionCount <= 0 {
		return nil, fmt.Errorf("question count must be positive, got %d", cfg.QuestionCount)
	}
	questions, err := s.bank.ListQuestions(ctx, jobID, cfg.QuestionCount)
	if err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}
	return questions, nil
}

// PercentScorer scores floor(100 * correct / total). Unanswered questions
// count as wrong; answers to questions outside the set are ignored.
type PercentScorer struct{}

func (PercentScorer) Score(questions []model.Question, answers map[string]int) (int, error) {
	if len(questions) == 0 {
		return 0, fmt.Errorf("score: empty question set")
	}
	correct := 0
	for _, q := range questions {
		if choice, ok := answers[q.ID]; ok && choice == q.CorrectChoice {
			correct++
		}
	}
	return correct * 100 / len(questions), nil
}
