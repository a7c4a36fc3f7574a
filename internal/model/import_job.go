package model

const PreviewFailed = "failed"

const PreviewManual = "manual"

type PreviewEntry struct {
	Index       int         `json:"index"`
	Kind        SegmentKind `json:"kind"`
	Status      string      `json:"status"`
	Payload     string      `json:"payload,omitempty"`
	ContentHash string      `json:"content_hash,omitempty"`
	Paragraph   int         `json:"paragraph"`
	Width       int         `json:"width,omitempty"`
	Height      int         `json:"height,omitempty"`
	Error       string      `json:"error,omitempty"`
}

type ImportStats struct {
	Segments         int `json:"segments"`
	Texts            int `json:"texts"`
	Formulas         int `json:"formulas"`
	ContentImages    int `json:"content_images"`
	FormulaConverted int `json:"formula_converted"`
	FormulaFallback  int `json:"formula_fallback"`
	Uploaded         int `json:"uploaded"`
	Reused           int `json:"reused"`
	Failed           int `json:"failed"`
	Pending          int `json:"pending"`
	Degraded         int `json:"degraded"`
}

type ImportJob struct {
	SessionID string              `json:"session_id"`
	Source    string              `json:"source"`
	State     string              `json:"state"`
	Entries   []PreviewEntry      `json:"entries"`
	Degraded  []DegradedEmbedding `json:"degraded"`
	Stats     ImportStats         `json:"stats"`
	Ctime     int64               `json:"ctime"`
	Etime     int64               `json:"etime"`
}

type SubmittedEntry struct {
	Index       int         `json:"index"`
	Kind        SegmentKind `json:"kind"`
	Status      string      `json:"status"`
	Payload     string      `json:"payload"`
	ContentHash string      `json:"content_hash,omitempty"`
	Paragraph   int         `json:"paragraph"`
	Width       int         `json:"width,omitempty"`
	Height      int         `json:"height,omitempty"`
}

type Submission struct {
	SessionID string           `json:"session_id"`
	Source    string           `json:"source"`
	Entries   []SubmittedEntry `json:"entries"`
	Questions []Question       `json:"questions"`
	Ctime     int64            `json:"ctime"`
}
