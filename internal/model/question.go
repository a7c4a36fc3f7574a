package model

const (
	BlockText           = "text"
	BlockLatex          = "latex"
	BlockImage          = "image"
	BlockPendingFormula = "pending_formula"
)

const (
	QuestionSingleChoice   = "single_choice"
	QuestionMultipleChoice = "multiple_choice"
	QuestionFillBlank      = "fill_blank"
	QuestionSolution       = "solution"
)

type Block struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	URL          string `json:"url,omitempty"`
	SegmentIndex int    `json:"segment_index"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}

type Question struct {
	ID               string  `json:"id"`
	SessionID        string  `json:"session_id"`
	Number           int     `json:"number"`
	Type             string  `json:"type"`
	Body             []Block `json:"body"`
	Answer           []Block `json:"answer"`
	Analysis         []Block `json:"analysis,omitempty"`
	DetailedSolution []Block `json:"detailed_solution,omitempty"`
	Ctime            int64   `json:"ctime"`
}
