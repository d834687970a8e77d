package session

import (
	"math"

	"github.com/stemsi/testsync/internal/model"
)

// Weights is the marking scheme of a test type.
type Weights struct {
	Correct    float64
	Incorrect  float64
	Unanswered float64
}

// DefaultWeights is negative marking: +4 correct, -1 incorrect, 0 unanswered.
var DefaultWeights = Weights{Correct: 4, Incorrect: -1, Unanswered: 0}

// Score grades answers against key. It has no side effects, so identical
// inputs always give identical results. Questions missing from the key count
// as unanswered since they cannot be graded.
func Score(questions []int64, answers map[int64]string, key map[int64]string, w Weights) model.ScoreResult {
	res := model.ScoreResult{TotalQuestions: len(questions)}

	for _, qid := range questions {
		selected, answered := answers[qid]
		correct, graded := key[qid]
		switch {
		case !answered || selected == "" || !graded:
			res.UnansweredCount++
		case selected == correct:
			res.CorrectCount++
		default:
			res.IncorrectCount++
		}
	}

	res.Score = float64(res.CorrectCount)*w.Correct +
		float64(res.IncorrectCount)*w.Incorrect +
		float64(res.UnansweredCount)*w.Unanswered
	res.MaxScore = float64(res.TotalQuestions) * w.Correct

	if res.TotalQuestions > 0 {
		res.Accuracy = math.Round(float64(res.CorrectCount)/float64(res.TotalQuestions)*10000) / 100
	}
	res.XPEarned = XPFor(res)
	return res
}

// XPFor awards experience for a scored attempt: two points per accuracy
// percent plus ten per correct answer.
func XPFor(res model.ScoreResult) int {
	xp := math.Floor(res.Accuracy*2 + float64(res.CorrectCount)*10)
	if xp < 0 {
		return 0
	}
	return int(xp)
}
