package question

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/xxxsen/mathimport/internal/model"
)

type part int

const (
	partBody part = iota
	partAnswer
	partAnalysis
	partDetail
)

var (
	sectionRegex = regexp.MustCompile(`^[一二三四五六七八九十]+\s*[、.．]\s*(单选|多选|选择|填空|解答|计算)`)
	numberRegex  = regexp.MustCompile(`^(\d{1,3})\s*[.．、]`)
	headerWords  = []string{"姓名", "考号", "学校：", "学校:", "班级：", "班级:"}
	markers      = map[string]part{
		"【答案】": partAnswer,
		"【分析】": partAnalysis,
		"【详解】": partDetail,
		"【解析】": partDetail,
	}
)

var sectionTypes = map[string]string{
	"单选": model.QuestionSingleChoice,
	"选择": model.QuestionSingleChoice,
	"多选": model.QuestionMultipleChoice,
	"填空": model.QuestionFillBlank,
	"解答": model.QuestionSolution,
	"计算": model.QuestionSolution,
}

type assembler struct {
	sessionID   string
	now         int64
	questions   []model.Question
	current     *model.Question
	part        part
	section     string
	paragraph   int
	skipPara    int
	hasPrevious bool
}

// Assemble groups an ordered entry list into question records. Section
// headings set the question type, a leading "N." starts a question and the
// 【答案】/【分析】/【详解】 markers switch the part that receives content.
// Content before the first numbered paragraph is dropped.
func Assemble(sessionID string, entries []model.SubmittedEntry, now int64) []model.Question {
	a := &assembler{sessionID: sessionID, now: now, skipPara: -1}
	for _, e := range entries {
		newPara := !a.hasPrevious || e.Paragraph != a.paragraph
		a.hasPrevious = true
		a.paragraph = e.Paragraph
		if newPara {
			a.skipPara = -1
		}
		if e.Paragraph == a.skipPara {
			continue
		}
		if e.Kind == model.KindText {
			a.text(e, newPara)
			continue
		}
		a.media(e)
	}
	a.flush()
	return a.questions
}

func (a *assembler) text(e model.SubmittedEntry, newPara bool) {
	text := e.Payload
	if newPara {
		trimmed := strings.TrimSpace(text)
		if isHeaderLine(trimmed) {
			a.skipPara = e.Paragraph
			return
		}
		if m := sectionRegex.FindStringSubmatch(trimmed); m != nil {
			a.flush()
			a.section = sectionTypes[m[1]]
			a.skipPara = e.Paragraph
			return
		}
		if num, rest, ok := splitNumber(trimmed); ok {
			a.flush()
			a.current = &model.Question{
				ID:        uuid.NewString(),
				SessionID: a.sessionID,
				Number:    num,
				Type:      a.questionType(),
				Ctime:     a.now,
			}
			a.part = partBody
			text = rest
		} else if a.current != nil {
			a.appendText(e, "\n")
		}
	}
	if a.current == nil {
		return
	}
	for text != "" {
		idx, marker, p := nextMarker(text)
		if idx < 0 {
			a.appendText(e, text)
			return
		}
		a.appendText(e, text[:idx])
		a.part = p
		text = strings.TrimLeft(text[idx+len(marker):], " \t")
	}
}

func (a *assembler) media(e model.SubmittedEntry) {
	if a.current == nil {
		return
	}
	block := model.Block{SegmentIndex: e.Index, Width: e.Width, Height: e.Height}
	switch e.Kind {
	case model.KindFormulaImage:
		if e.Payload == "" {
			block.Type = model.BlockPendingFormula
		} else {
			block.Type = model.BlockLatex
			block.Content = e.Payload
		}
	case model.KindContentImage:
		block.Type = model.BlockImage
		block.URL = e.Payload
	default:
		return
	}
	a.appendBlock(block)
}

// appendText merges into the trailing text block of the current part.
func (a *assembler) appendText(e model.SubmittedEntry, text string) {
	if text == "" {
		return
	}
	blocks := a.blocks()
	if n := len(*blocks); n > 0 && (*blocks)[n-1].Type == model.BlockText {
		(*blocks)[n-1].Content += text
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	*blocks = append(*blocks, model.Block{Type: model.BlockText, Content: text, SegmentIndex: e.Index})
}

func (a *assembler) appendBlock(b model.Block) {
	blocks := a.blocks()
	*blocks = append(*blocks, b)
}

func (a *assembler) blocks() *[]model.Block {
	switch a.part {
	case partAnswer:
		return &a.current.Answer
	case partAnalysis:
		return &a.current.Analysis
	case partDetail:
		return &a.current.DetailedSolution
	default:
		return &a.current.Body
	}
}

func (a *assembler) flush() {
	if a.current == nil {
		return
	}
	q := a.current
	q.Body = trimBlocks(q.Body)
	q.Answer = trimBlocks(q.Answer)
	q.Analysis = trimBlocks(q.Analysis)
	q.DetailedSolution = trimBlocks(q.DetailedSolution)
	a.questions = append(a.questions, *q)
	a.current = nil
}

func (a *assembler) questionType() string {
	if a.section != "" {
		return a.section
	}
	return model.QuestionSolution
}

func trimBlocks(blocks []model.Block) []model.Block {
	out := blocks[:0]
	for _, b := range blocks {
		if b.Type == model.BlockText {
			b.Content = strings.TrimSpace(b.Content)
			if b.Content == "" {
				continue
			}
		}
		out = append(out, b)
	}
	return out
}

func isHeaderLine(s string) bool {
	for _, w := range headerWords {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// splitNumber recognizes "12." or "12．" at the start, rejecting decimals like "1.5".
func splitNumber(s string) (int, string, bool) {
	loc := numberRegex.FindStringSubmatchIndex(s)
	if loc == nil {
		return 0, s, false
	}
	rest := s[loc[1]:]
	if rest != "" && rest[0] >= '0' && rest[0] <= '9' {
		return 0, s, false
	}
	num, err := strconv.Atoi(s[loc[2]:loc[3]])
	if err != nil {
		return 0, s, false
	}
	return num, strings.TrimLeft(rest, " \t"), true
}

func nextMarker(s string) (int, string, part) {
	best, bestMarker, bestPart := -1, "", partBody
	for m, p := range markers {
		if idx := strings.Index(s, m); idx >= 0 && (best < 0 || idx < best) {
			best, bestMarker, bestPart = idx, m, p
		}
	}
	return best, bestMarker, bestPart
}
