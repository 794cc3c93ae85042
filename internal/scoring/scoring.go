// Package scoring grades a frozen answer snapshot against an exam's
// answer key. It is a pure function of its inputs so the submission
// coordinator can recompute a score idempotently after a partial failure.
package scoring

import "github.com/proctorly/proctorly-backend/internal/model"

// Score returns the percentage of correctly answered questions,
// 0..100. Unanswered and flagged-but-unanswered questions count as
// wrong; answers to questions missing from the key are ignored.
func Score(answers []model.AnswerRecord, key model.AnswerKey) float64 {
	total := len(key)
	if total == 0 {
		return 0
	}

	correct := 0
	for _, rec := range answers {
		if rec.SelectedOptionIndex == nil {
			continue
		}
		want, ok := key[rec.QuestionID]
		if ok && *rec.SelectedOptionIndex == want {
			correct++
		}
	}

	return float64(correct) / float64(total) * 100
}
