package model

// Question is a single multiple-choice exam question. Number is unique within
// an exam but not necessarily contiguous or sorted in storage.
type Question struct {
	Number        int      `json:"number"`
	Prompt        string   `json:"prompt"`
	Options       []string `json:"options"`
	CorrectOption int      `json:"correct_option"`
	ScoreWeight   float64  `json:"score_weight"`
}

// QuestionForLearner is a question without the correct answer, sent to learners.
type QuestionForLearner struct {
	Number  int      `json:"number"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

// ForLearner strips the answer key from a question.
func (q Question) ForLearner() QuestionForLearner {
	return QuestionForLearner{
		Number:  q.Number,
		Prompt:  q.Prompt,
		Options: q.Options,
	}
}
