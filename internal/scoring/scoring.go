// Package scoring grades a frozen question snapshot against recorded answers.
package scoring

import (
	"github.com/shopspring/decimal"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// OtherCategory collects questions without a category.
const OtherCategory = "Other"

// Result is the outcome of grading one attempt.
type Result struct {
	ScorePercent      float64
	CorrectCount      int
	TotalQuestions    int
	Passed            bool
	CategoryBreakdown map[string]model.CategoryStat
	Details           []model.QuestionReview
}

// Scorer grades an attempt. Score satisfies it.
type Scorer func(snapshot []model.QuestionSnapshot, answers []int, passThreshold float64) Result

// Score grades answers against snapshot. Missing or out-of-range answers count
// as incorrect. The percentage is rounded to two decimals.
func Score(snapshot []model.QuestionSnapshot, answers []int, passThreshold float64) Result {
	res := Result{
		TotalQuestions:    len(snapshot),
		CategoryBreakdown: make(map[string]model.CategoryStat),
		Details:           make([]model.QuestionReview, 0, len(snapshot)),
	}

	for i, q := range snapshot {
		selected := model.Unanswered
		if i < len(answers) {
			selected = answers[i]
		}
		correct := selected != model.Unanswered && selected == q.CorrectIndex

		category := q.Category
		if category == "" {
			category = OtherCategory
		}
		stat := res.CategoryBreakdown[category]
		stat.Total++
		if correct {
			stat.Correct++
			res.CorrectCount++
		}
		res.CategoryBreakdown[category] = stat

		res.Details = append(res.Details, model.QuestionReview{
			Position:      i,
			QuestionID:    q.ID,
			Text:          q.Text,
			Options:       append([]string(nil), q.Options...),
			CorrectIndex:  q.CorrectIndex,
			SelectedIndex: selected,
			IsCorrect:     correct,
			Category:      category,
			Difficulty:    q.Difficulty,
		})
	}

	res.ScorePercent = Percent(res.CorrectCount, res.TotalQuestions)
	res.Passed = decimal.NewFromFloat(res.ScorePercent).GreaterThanOrEqual(decimal.NewFromFloat(passThreshold))
	return res
}

// Percent returns 100*correct/total rounded to two decimals, 0 when total is 0.
func Percent(correct, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := decimal.NewFromInt(int64(correct)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(total))).
		Round(2)
	f, _ := p.Float64()
	return f
}

// Round2 rounds f to two decimals.
func Round2(f float64) float64 {
	r, _ := decimal.NewFromFloat(f).Round(2).Float64()
	return r
}
