package docx

import (
	"encoding/xml"
	"strings"
	"unicode"
)

// mathNode is an m:oMath subtree kept in memory until its closing tag.
type mathNode struct {
	name     xml.Name
	attr     []xml.Attr
	children []*mathNode
	text     strings.Builder
}

type mathBuilder struct {
	stack []*mathNode
}

func newMathBuilder(root xml.StartElement) *mathBuilder {
	return &mathBuilder{stack: []*mathNode{{name: root.Name, attr: root.Attr}}}
}

func (b *mathBuilder) start(t xml.StartElement) {
	n := &mathNode{name: t.Name, attr: t.Attr}
	parent := b.stack[len(b.stack)-1]
	parent.children = append(parent.children, n)
	b.stack = append(b.stack, n)
}

// end pops the current element and returns the root once it closes.
func (b *mathBuilder) end() *mathNode {
	n := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	if len(b.stack) == 0 {
		return n
	}
	return nil
}

func (b *mathBuilder) chars(data []byte) {
	n := b.stack[len(b.stack)-1]
	if n.name.Local == "t" && (n.name.Space == nsM || n.name.Space == nsW) {
		n.text.Write(data)
	}
}

func (n *mathNode) child(local string) *mathNode {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if c.name.Space == nsM && c.name.Local == local {
			return c
		}
	}
	return nil
}

func (n *mathNode) all(local string) []*mathNode {
	if n == nil {
		return nil
	}
	var out []*mathNode
	for _, c := range n.children {
		if c.name.Space == nsM && c.name.Local == local {
			out = append(out, c)
		}
	}
	return out
}

// prop follows a property path such as "dPr", "begChr" and reads its m:val.
// The bool reports whether the element exists, since an empty val is meaningful.
func (n *mathNode) prop(path ...string) (string, bool) {
	cur := n
	for _, p := range path {
		cur = cur.child(p)
		if cur == nil {
			return "", false
		}
	}
	for _, a := range cur.attr {
		if a.Name.Local == "val" {
			return a.Value, true
		}
	}
	return "", true
}

var mathPropertyTags = map[string]bool{
	"fPr": true, "radPr": true, "sSubPr": true, "sSupPr": true, "sSubSupPr": true,
	"naryPr": true, "dPr": true, "accPr": true, "barPr": true, "funcPr": true,
	"limLowPr": true, "limUppPr": true, "mPr": true, "eqArrPr": true, "sPrePr": true,
	"groupChrPr": true, "boxPr": true, "borderBoxPr": true, "oMathParaPr": true,
	"rPr": true, "ctrlPr": true, "phantPr": true,
}

var mathSymbols = map[rune]string{
	'α': `\alpha`, 'β': `\beta`, 'γ': `\gamma`, 'δ': `\delta`, 'ε': `\varepsilon`,
	'ζ': `\zeta`, 'η': `\eta`, 'θ': `\theta`, 'ι': `\iota`, 'κ': `\kappa`,
	'λ': `\lambda`, 'μ': `\mu`, 'ν': `\nu`, 'ξ': `\xi`, 'π': `\pi`, 'ρ': `\rho`,
	'σ': `\sigma`, 'ς': `\varsigma`, 'τ': `\tau`, 'υ': `\upsilon`, 'φ': `\varphi`,
	'χ': `\chi`, 'ψ': `\psi`, 'ω': `\omega`, 'ϕ': `\phi`, 'ϵ': `\epsilon`, 'ϑ': `\vartheta`,
	'Γ': `\Gamma`, 'Δ': `\Delta`, 'Θ': `\Theta`, 'Λ': `\Lambda`, 'Ξ': `\Xi`, 'Π': `\Pi`,
	'Σ': `\Sigma`, 'Υ': `\Upsilon`, 'Φ': `\Phi`, 'Ψ': `\Psi`, 'Ω': `\Omega`,
	'×': `\times`, '÷': `\div`, '±': `\pm`, '∓': `\mp`, '·': `\cdot`, '∙': `\cdot`,
	'⊕': `\oplus`, '⊗': `\otimes`, '⊖': `\ominus`, '∘': `\circ`,
	'≤': `\leq`, '≥': `\geq`, '≠': `\neq`, '≈': `\approx`, '≡': `\equiv`, '∼': `\sim`,
	'≅': `\cong`, '≪': `\ll`, '≫': `\gg`, '∝': `\propto`,
	'∈': `\in`, '∉': `\notin`, '⊂': `\subset`, '⊃': `\supset`, '⊆': `\subseteq`,
	'⊇': `\supseteq`, '∅': `\emptyset`, '∪': `\cup`, '∩': `\cap`, '∖': `\setminus`,
	'∧': `\wedge`, '∨': `\vee`, '¬': `\neg`,
	'⇒': `\Rightarrow`, '⇔': `\Leftrightarrow`, '⇐': `\Leftarrow`, '→': `\rightarrow`,
	'←': `\leftarrow`, '↔': `\leftrightarrow`, '↑': `\uparrow`, '↓': `\downarrow`, '↦': `\mapsto`,
	'∀': `\forall`, '∃': `\exists`, '∄': `\nexists`, '∞': `\infty`, '∂': `\partial`, '∇': `\nabla`,
	'∑': `\sum`, '∏': `\prod`, '∫': `\int`, '∬': `\iint`, '∭': `\iiint`, '∮': `\oint`,
	'…': `\ldots`, '⋯': `\cdots`, '⋮': `\vdots`, '⋱': `\ddots`,
	'′': `'`, '″': `''`, '°': `^{\circ}`,
	'⊥': `\perp`, '∥': `\parallel`, '∠': `\angle`, '△': `\triangle`, '□': `\square`,
	'ℝ': `\mathbb{R}`, 'ℤ': `\mathbb{Z}`, 'ℕ': `\mathbb{N}`, 'ℚ': `\mathbb{Q}`, 'ℂ': `\mathbb{C}`,
	'ℓ': `\ell`, '−': `-`,
}

var accentCommands = map[string]string{
	"\u0302": `\hat`, "\u0303": `\tilde`, "\u0304": `\bar`, "\u0305": `\overline`,
	"\u0307": `\dot`, "\u0308": `\ddot`, "\u030C": `\check`, "\u20D7": `\vec`,
	"^": `\hat`, "~": `\tilde`, "¯": `\bar`, "→": `\vec`,
}

var naryOperators = map[string]string{
	"∑": `\sum`, "∏": `\prod`, "∐": `\coprod`, "∫": `\int`, "∬": `\iint`,
	"∭": `\iiint`, "∮": `\oint`, "⋃": `\bigcup`, "⋂": `\bigcap`,
}

var delimiters = map[string]string{
	"{": `\{`, "}": `\}`, "‖": `\|`, "⌊": `\lfloor`, "⌋": `\rfloor`,
	"⌈": `\lceil`, "⌉": `\rceil`, "⟨": `\langle`, "⟩": `\rangle`,
}

var mathFunctions = []string{
	"arcsin", "arccos", "arctan", "sinh", "cosh", "tanh",
	"sin", "cos", "tan", "sec", "csc", "cot",
	"ln", "log", "lg", "exp", "lim", "max", "min", "sup", "inf",
	"det", "dim", "gcd", "deg", "arg", "ker",
}

// ommlToLatex renders an m:oMath or m:oMathPara tree as LaTeX without delimiters.
func ommlToLatex(root *mathNode) string {
	if root.name.Local == "oMathPara" {
		var lines []string
		for _, m := range root.all("oMath") {
			if s := strings.TrimSpace(mathChildren(m)); s != "" {
				lines = append(lines, s)
			}
		}
		return strings.Join(lines, ` \\ `)
	}
	return strings.TrimSpace(mathChildren(root))
}

func mathChildren(n *mathNode) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range n.children {
		sb.WriteString(mathElement(c))
	}
	return sb.String()
}

func mathElement(n *mathNode) string {
	if n.name.Space != nsM || mathPropertyTags[n.name.Local] {
		return ""
	}
	switch n.name.Local {
	case "r":
		return mathRun(n)
	case "f":
		num, den := mathChildren(n.child("num")), mathChildren(n.child("den"))
		if typ, _ := n.prop("fPr", "type"); typ == "lin" || typ == "skw" {
			return "{" + num + "}/{" + den + "}"
		}
		return `\frac{` + num + "}{" + den + "}"
	case "rad":
		deg, e := mathChildren(n.child("deg")), mathChildren(n.child("e"))
		if n.flag("radPr", "degHide") || strings.TrimSpace(deg) == "" {
			return `\sqrt{` + e + "}"
		}
		return `\sqrt[` + deg + "]{" + e + "}"
	case "sSup":
		return scriptBase(mathChildren(n.child("e"))) + "^{" + mathChildren(n.child("sup")) + "}"
	case "sSub":
		return scriptBase(mathChildren(n.child("e"))) + "_{" + mathChildren(n.child("sub")) + "}"
	case "sSubSup":
		return scriptBase(mathChildren(n.child("e"))) + "_{" + mathChildren(n.child("sub")) + "}^{" + mathChildren(n.child("sup")) + "}"
	case "sPre":
		return "{}_{" + mathChildren(n.child("sub")) + "}^{" + mathChildren(n.child("sup")) + "}" + mathChildren(n.child("e"))
	case "nary":
		return mathNary(n)
	case "d":
		return mathDelimiter(n)
	case "acc":
		chr, ok := n.prop("accPr", "chr")
		if !ok {
			chr = "\u0302"
		}
		cmd, ok := accentCommands[chr]
		if !ok {
			cmd = `\hat`
		}
		return cmd + "{" + mathChildren(n.child("e")) + "}"
	case "bar":
		if pos, _ := n.prop("barPr", "pos"); pos == "bot" {
			return `\underline{` + mathChildren(n.child("e")) + "}"
		}
		return `\overline{` + mathChildren(n.child("e")) + "}"
	case "func":
		return mathFunctionName(mathChildren(n.child("fName"))) + mathChildren(n.child("e"))
	case "limLow":
		return mathChildren(n.child("e")) + "_{" + mathChildren(n.child("lim")) + "}"
	case "limUpp":
		return mathChildren(n.child("e")) + "^{" + mathChildren(n.child("lim")) + "}"
	case "m":
		var rows []string
		for _, mr := range n.all("mr") {
			var cells []string
			for _, e := range mr.all("e") {
				cells = append(cells, mathChildren(e))
			}
			rows = append(rows, strings.Join(cells, " & "))
		}
		return `\begin{matrix} ` + strings.Join(rows, ` \\ `) + ` \end{matrix}`
	case "eqArr":
		var rows []string
		for _, e := range n.all("e") {
			rows = append(rows, mathChildren(e))
		}
		return `\begin{aligned} ` + strings.Join(rows, ` \\ `) + ` \end{aligned}`
	case "groupChr":
		if pos, _ := n.prop("groupChrPr", "pos"); pos == "bot" {
			return `\underbrace{` + mathChildren(n.child("e")) + "}"
		}
		return `\overbrace{` + mathChildren(n.child("e")) + "}"
	case "box", "borderBox":
		if e := n.child("e"); e != nil {
			return mathChildren(e)
		}
		return mathChildren(n)
	case "phant":
		if show, _ := n.prop("phantPr", "show"); show == "0" || show == "off" {
			return `\phantom{` + mathChildren(n.child("e")) + "}"
		}
		return mathChildren(n.child("e"))
	case "oMath", "e", "num", "den", "sup", "sub", "deg", "lim", "fName":
		return mathChildren(n)
	}
	return ""
}

func mathRun(n *mathNode) string {
	var raw strings.Builder
	for _, c := range n.children {
		if c.name.Local == "t" {
			raw.WriteString(c.text.String())
		}
	}
	text := raw.String()
	rPr := n.child("rPr")
	if rPr.child("nor") != nil {
		return `\text{` + text + "}"
	}
	latex := mathText(text)
	if strings.TrimSpace(latex) == "" {
		return latex
	}
	scr, _ := n.prop("rPr", "scr")
	sty, _ := n.prop("rPr", "sty")
	switch {
	case scr == "double-struck":
		return `\mathbb{` + strings.TrimSpace(latex) + "}"
	case scr == "script":
		return `\mathcal{` + strings.TrimSpace(latex) + "}"
	case scr == "fraktur":
		return `\mathfrak{` + strings.TrimSpace(latex) + "}"
	case sty == "b":
		return `\mathbf{` + strings.TrimSpace(latex) + "}"
	case sty == "bi":
		return `\boldsymbol{` + strings.TrimSpace(latex) + "}"
	case sty == "p":
		return `\mathrm{` + strings.TrimSpace(latex) + "}"
	}
	return latex
}

// mathText maps known Unicode symbols to commands; a command ending in a letter
// gets a trailing space so it cannot merge with the following identifier.
func mathText(s string) string {
	var sb strings.Builder
	for _, r := range s {
		cmd, ok := mathSymbols[r]
		if !ok {
			sb.WriteRune(r)
			continue
		}
		sb.WriteString(cmd)
		if strings.HasPrefix(cmd, `\`) && unicode.IsLetter(rune(cmd[len(cmd)-1])) {
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

func scriptBase(base string) string {
	if len([]rune(base)) > 1 && !strings.HasPrefix(base, "{") && !strings.HasPrefix(base, `\`) {
		return "{" + base + "}"
	}
	return base
}

func mathNary(n *mathNode) string {
	chr, ok := n.prop("naryPr", "chr")
	if !ok || chr == "" {
		chr = "∫"
	}
	op, ok := naryOperators[chr]
	if !ok {
		op = chr
	}
	sub, sup, e := mathChildren(n.child("sub")), mathChildren(n.child("sup")), mathChildren(n.child("e"))
	var sb strings.Builder
	sb.WriteString(op)
	if strings.TrimSpace(sub) != "" && !n.flag("naryPr", "subHide") {
		sb.WriteString("_{" + sub + "}")
	}
	if strings.TrimSpace(sup) != "" && !n.flag("naryPr", "supHide") {
		sb.WriteString("^{" + sup + "}")
	}
	if strings.TrimSpace(e) != "" {
		sb.WriteString("{" + e + "}")
	}
	return sb.String()
}

func mathDelimiter(n *mathNode) string {
	beg, ok := n.prop("dPr", "begChr")
	if !ok {
		beg = "("
	}
	end, ok := n.prop("dPr", "endChr")
	if !ok {
		end = ")"
	}
	sep, ok := n.prop("dPr", "sepChr")
	if !ok {
		sep = "|"
	}
	var parts []string
	for _, e := range n.all("e") {
		parts = append(parts, mathChildren(e))
	}
	inner := strings.Join(parts, mathText(sep))
	if beg == "" && end == "" {
		return inner
	}
	return `\left` + delimiter(beg) + " " + inner + ` \right` + delimiter(end)
}

func delimiter(chr string) string {
	if chr == "" {
		return "."
	}
	if d, ok := delimiters[chr]; ok {
		return d
	}
	return chr
}

func mathFunctionName(name string) string {
	trimmed := strings.TrimSpace(name)
	for _, fn := range mathFunctions {
		if trimmed == fn || trimmed == `\mathrm{`+fn+"}" {
			return `\` + fn + " "
		}
	}
	return name
}

// flag reads an OOXML on/off property, where a bare element means on.
func (n *mathNode) flag(path ...string) bool {
	v, ok := n.prop(path...)
	if !ok {
		return false
	}
	switch v {
	case "", "1", "on", "true":
		return true
	}
	return false
}
