package formula

import (
	"regexp"
	"strings"
)

var bracketPairs = [][2]string{{"[", "]"}, {"(", ")"}, {`\{`, `\}`}}

var orphanAfterRight = []string{
	`\pm`, `\mp`, "=", "+", "-", `\cdot`, `\times`, `\div`,
	`\sin`, `\cos`, `\tan`, `\left`, `\quad`, `\,`, `\;`,
	`\infty`, `\sum`, `\int`, `\lim`,
}

var doubledOperators = [][2]string{
	{`\pm\pm`, `\pm`},
	{`\mp\mp`, `\mp`},
	{`\cdot\cdot`, `\cdot`},
	{`\times\times`, `\times`},
	{`\div\div`, `\div`},
	{`\quad\quad`, `\quad`},
}

var bareSqrtRegex = regexp.MustCompile(`\\sqrt(\d)`)

// Sanitize normalizes recognizer output into a bare LaTeX expression and
// repairs the unbalanced \right tokens and doubled operators recognizers tend to emit.
func Sanitize(raw string) string {
	s := stripDelimiters(raw)
	if s == "" {
		return ""
	}
	for _, pair := range bracketPairs {
		left, right := `\left`+pair[0], `\right`+pair[1]
		s = strings.ReplaceAll(s, right+right+left, right+left)
	}
	for _, pair := range bracketPairs {
		s = dropUnmatchedRight(s, `\left`+pair[0], `\right`+pair[1])
	}
	for _, d := range doubledOperators {
		s = strings.ReplaceAll(s, d[0], d[1])
	}
	s = bareSqrtRegex.ReplaceAllString(s, `\sqrt{$1}`)
	return strings.TrimSpace(s)
}

func dropUnmatchedRight(s, left, right string) string {
	extra := strings.Count(s, right) - strings.Count(s, left)
	if extra <= 0 {
		return s
	}
	dup := right + right
	for extra > 0 && strings.Contains(s, dup) {
		s = strings.Replace(s, dup, right, 1)
		extra--
	}
	for _, suffix := range orphanAfterRight {
		for extra > 0 && strings.Contains(s, right+suffix) {
			s = strings.Replace(s, right+suffix, suffix, 1)
			extra--
		}
		if extra == 0 {
			break
		}
	}
	if extra > 0 && strings.HasSuffix(s, right) {
		s = strings.TrimSuffix(s, right)
	}
	return s
}

func stripDelimiters(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], `\$`) {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	for _, d := range [][2]string{{"$$", "$$"}, {`\[`, `\]`}, {`\(`, `\)`}, {"$", "$"}} {
		if len(s) >= len(d[0])+len(d[1]) && strings.HasPrefix(s, d[0]) && strings.HasSuffix(s, d[1]) {
			s = strings.TrimSpace(s[len(d[0]) : len(s)-len(d[1])])
			break
		}
	}
	return s
}
