package quiz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/hireproof/internal/model"
)

type fakeBank struct {
	questions []model.Question
	err       error
	gotLimit  int
}

func (b *fakeBank) ListQuestions(_ context.Context, _ string, limit int) ([]model.Question, error) {
	b.gotLimit = limit
	if b.err != nil {
		return nil, b.err
	}
	if limit < len(b.questions) {
		return b.questions[:limit], nil
	}
	return b.questions, nil
}

func questions(n int) []model.Question {
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{ID: string(rune('a' + i)), Choices: []string{"x", "y"}, CorrectChoice: 1}
	}
	return qs
}

func TestBankSelector(t *testing.T) {
	bank := &fakeBank{questions: questions(5)}
	sel := NewBankSelector(bank)

	got, err := sel.SelectQuestions(context.Background(), "job", Config{QuestionCount: 3})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 3, bank.gotLimit)

	_, err = sel.SelectQuestions(context.Background(), "job", Config{})
	assert.Error(t, err)

	bank.err = errors.New("db down")
	_, err = sel.SelectQuestions(context.Background(), "job", Config{QuestionCount: 3})
	assert.ErrorIs(t, err, bank.err)
}

func TestPercentScorer(t *testing.T) {
	qs := questions(3)
	tests := []struct {
		name    string
		answers map[string]int
		want    int
	}{
		{"all correct", map[string]int{"a": 1, "b": 1, "c": 1}, 100},
		{"two of three floors", map[string]int{"a": 1, "b": 1, "c": 0}, 66},
		{"one of three", map[string]int{"a": 1}, 33},
		{"none", map[string]int{}, 0},
		{"extra answers ignored", map[string]int{"a": 1, "zz": 1}, 33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PercentScorer{}.Score(qs, tt.answers)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := PercentScorer{}.Score(nil, nil)
	assert.Error(t, err)
}
