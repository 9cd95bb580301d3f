package models

// Question 题目，CorrectIndex 在揭晓前不得下发给客户端
type Question struct {
	ID           string   `json:"id"`
	Subject      string   `json:"subject"`
	Stem         string   `json:"stem"`
	Choices      []string `json:"choices"`
	CorrectIndex int      `json:"correct_index"`
	Explanation  string   `json:"explanation"`
	Hint         string   `json:"hint,omitempty"`
}
