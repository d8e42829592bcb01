package funnel

import (
	"strings"
	"testing"

	"quiz-bot/internal/models"
)

func TestOptionDelta(t *testing.T) {
	tests := []struct {
		opt  string
		want int
	}{
		{"A", 0},
		{"B", 1},
		{"V", 2},
		{"X", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := OptionDelta(tt.opt); got != tt.want {
			t.Errorf("OptionDelta(%q) = %d, want %d", tt.opt, got, tt.want)
		}
	}
}

func TestCalcResult(t *testing.T) {
	tests := []struct {
		score int
		want  models.QuizResult
	}{
		{0, models.ResultRisk},
		{7, models.ResultRisk},
		{8, models.ResultNeighbors},
		{10, models.ResultNeighbors},
		{14, models.ResultNeighbors},
		{15, models.ResultAllies},
		{20, models.ResultAllies},
	}
	for _, tt := range tests {
		if got := CalcResult(tt.score); got != tt.want {
			t.Errorf("CalcResult(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestCalcResultIsDeterministic(t *testing.T) {
	for score := 0; score <= 2*NumQuestions; score++ {
		first := CalcResult(score)
		for i := 0; i < 3; i++ {
			if got := CalcResult(score); got != first {
				t.Fatalf("CalcResult(%d) not stable: %s then %s", score, first, got)
			}
		}
	}
}

func TestMiddleAnswersLandInNeighbors(t *testing.T) {
	// All middle options must produce the middle category.
	score := NumQuestions * OptionDelta("B")
	if got := CalcResult(score); got != models.ResultNeighbors {
		t.Fatalf("CalcResult(%d) = %s, want %s", score, got, models.ResultNeighbors)
	}
}

func TestQuestionTextCoversAllSteps(t *testing.T) {
	for q := 1; q <= NumQuestions; q++ {
		text := QuestionText(q)
		if text == "" {
			t.Fatalf("question %d has empty text", q)
		}
		if !strings.Contains(text, "/10.") {
			t.Errorf("question %d text missing step counter: %q", q, text[:20])
		}
	}
}
