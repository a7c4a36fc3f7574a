package docx

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mathimport/internal/model"
	appErr "github.com/xxxsen/mathimport/internal/pkg/errors"
)

const (
	nsW  = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	nsR  = "http://schemas.openxmlformats.org/officeDocument/2006/relationships"
	nsA  = "http://schemas.openxmlformats.org/drawingml/2006/main"
	nsWP = "http://schemas.openxmlformats.org/drawingml/2006/wordprocessingDrawing"
	nsV  = "urn:schemas-microsoft-com:vml"
	nsM  = "http://schemas.openxmlformats.org/officeDocument/2006/math"
	nsMC = "http://schemas.openxmlformats.org/markup-compatibility/2006"
)

const (
	emuPerPixel          = 9525
	defaultMaxPartBytes  = 32 * 1024 * 1024
	reasonNoRelationship = "relationship not found"
	reasonExternal       = "external target"
	reasonMissingPart    = "media part missing"
	reasonEmptyPart      = "media part empty"
)

var formulaTypes = map[string]bool{
	"image/x-wmf":              true,
	"image/wmf":                true,
	"image/x-emf":              true,
	"image/emf":                true,
	"application/x-msmetafile": true,
}

var contentImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/gif":  true,
	"image/webp": true,
}

// Classify maps a declared part content type to a segment kind.
func Classify(declared string) (model.SegmentKind, bool) {
	declared = strings.ToLower(strings.TrimSpace(declared))
	switch {
	case formulaTypes[declared]:
		return model.KindFormulaImage, true
	case contentImageTypes[declared]:
		return model.KindContentImage, true
	default:
		return "", false
	}
}

type Result struct {
	Segments []model.Segment
	Degraded []model.DegradedEmbedding
}

type Extractor struct {
	maxPartBytes int64
}

func NewExtractor(maxPartBytes int64) *Extractor {
	if maxPartBytes <= 0 {
		maxPartBytes = defaultMaxPartBytes
	}
	return &Extractor{maxPartBytes: maxPartBytes}
}

// Extract parses a .docx package into segments in declaration order.
// Embedded objects of an unrecognized declared type are skipped and reported
// in Result.Degraded; only an unreadable package fails the whole call.
// Native Word equations are rendered inline as $...$ LaTeX inside the text.
func (e *Extractor) Extract(ctx context.Context, data []byte) (*Result, error) {
	c, err := openContainer(bytes.NewReader(data), int64(len(data)), e.maxPartBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appErr.ErrMalformedDocument, err)
	}
	doc, _, err := c.read(documentPart)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appErr.ErrMalformedDocument, err)
	}
	w := &walker{ctx: ctx, c: c}
	if err := w.walk(bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("%w: %v", appErr.ErrMalformedDocument, err)
	}
	logutil.GetLogger(ctx).Debug("document extracted",
		zap.Int("segments", len(w.segments)),
		zap.Int("degraded", len(w.degraded)),
		zap.Int("paragraphs", w.paragraph),
	)
	return &Result{Segments: w.segments, Degraded: w.degraded}, nil
}

type walker struct {
	ctx       context.Context
	c         *container
	segments  []model.Segment
	degraded  []model.DegradedEmbedding
	text      strings.Builder
	paragraph int
	inBody    bool
	inText    int
	runDepth  int
	skip      int
	math      *mathBuilder
	width     int
	height    int
}

func (w *walker) walk(r io.Reader) error {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("decode document: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			w.start(t)
		case xml.EndElement:
			w.end(t)
		case xml.CharData:
			if w.skip > 0 || !w.inBody {
				continue
			}
			if w.math != nil {
				w.math.chars(t)
			} else if w.inText > 0 {
				w.text.Write(t)
			}
		}
	}
	w.flushText()
	return nil
}

func (w *walker) start(t xml.StartElement) {
	if t.Name.Space == nsMC && t.Name.Local == "Fallback" {
		w.skip++
		return
	}
	if w.skip > 0 {
		return
	}
	if !w.inBody {
		if t.Name.Space == nsW && t.Name.Local == "body" {
			w.inBody = true
		}
		return
	}
	if w.math != nil {
		w.math.start(t)
		return
	}
	switch t.Name.Space {
	case nsW:
		switch t.Name.Local {
		case "r":
			w.runDepth++
		case "t":
			w.inText++
		case "tab", "ptab":
			// w:pPr/w:tabs declares tab stops with the same element name.
			if w.runDepth > 0 {
				w.text.WriteByte('\t')
			}
		case "br", "cr":
			if w.runDepth > 0 {
				w.text.WriteByte('\n')
			}
		}
	case nsM:
		if t.Name.Local == "oMath" || t.Name.Local == "oMathPara" {
			w.math = newMathBuilder(t)
		}
	case nsWP:
		if t.Name.Local == "extent" {
			w.width = emuToPixels(attr(t, "", "cx"))
			w.height = emuToPixels(attr(t, "", "cy"))
		}
	case nsV:
		switch t.Name.Local {
		case "shape":
			w.width, w.height = vmlStyleSize(attr(t, "", "style"))
		case "imagedata":
			if id := attr(t, nsR, "id"); id != "" {
				w.embed(id)
			}
		}
	case nsA:
		if t.Name.Local == "blip" {
			if id := attr(t, nsR, "embed"); id != "" {
				w.embed(id)
			}
		}
	}
}

func (w *walker) end(t xml.EndElement) {
	if t.Name.Space == nsMC && t.Name.Local == "Fallback" {
		w.skip--
		return
	}
	if w.skip > 0 || !w.inBody {
		return
	}
	if w.math != nil {
		if root := w.math.end(); root != nil {
			w.math = nil
			w.inlineMath(root)
		}
		return
	}
	switch {
	case t.Name.Space == nsW && t.Name.Local == "r":
		if w.runDepth > 0 {
			w.runDepth--
		}
	case t.Name.Space == nsW && t.Name.Local == "t":
		if w.inText > 0 {
			w.inText--
		}
	case t.Name.Space == nsW && t.Name.Local == "p":
		w.flushText()
		w.paragraph++
	case t.Name.Space == nsW && t.Name.Local == "body":
		w.flushText()
		w.inBody = false
	case t.Name.Space == nsW && t.Name.Local == "drawing",
		t.Name.Space == nsV && t.Name.Local == "shape":
		w.width, w.height = 0, 0
	}
}

func (w *walker) inlineMath(root *mathNode) {
	latex := ommlToLatex(root)
	if latex == "" {
		return
	}
	w.text.WriteString("$" + latex + "$")
}

func (w *walker) flushText() {
	if w.text.Len() == 0 {
		return
	}
	w.segments = append(w.segments, model.Segment{
		Index:     len(w.segments),
		Kind:      model.KindText,
		Paragraph: w.paragraph,
		Text:      w.text.String(),
	})
	w.text.Reset()
}

func (w *walker) embed(relID string) {
	w.flushText()
	rel, ok := w.c.rels[relID]
	if !ok {
		w.degrade(relID, "", "", reasonNoRelationship)
		return
	}
	if rel.external {
		w.degrade(relID, rel.target, "", reasonExternal)
		return
	}
	declared := w.c.declaredType(rel.target)
	kind, ok := Classify(declared)
	if !ok {
		w.degrade(relID, rel.target, declared, fmt.Sprintf("%s: declared type %q", appErr.ErrUnsupportedEmbedding.Error(), declared))
		return
	}
	data, found, err := w.c.read(rel.target)
	if err != nil {
		w.degrade(relID, rel.target, declared, err.Error())
		return
	}
	if !found {
		w.degrade(relID, rel.target, declared, reasonMissingPart)
		return
	}
	if len(data) == 0 {
		w.degrade(relID, rel.target, declared, reasonEmptyPart)
		return
	}
	w.segments = append(w.segments, model.Segment{
		Index:       len(w.segments),
		Kind:        kind,
		Paragraph:   w.paragraph,
		Data:        data,
		Name:        rel.target,
		ContentType: declared,
		Width:       w.width,
		Height:      w.height,
	})
}

func (w *walker) degrade(relID, target, declared, reason string) {
	logutil.GetLogger(w.ctx).Warn("embedding skipped",
		zap.String("rel_id", relID),
		zap.String("target", target),
		zap.String("content_type", declared),
		zap.Int("paragraph", w.paragraph),
		zap.String("reason", reason),
	)
	w.degraded = append(w.degraded, model.DegradedEmbedding{
		Paragraph:   w.paragraph,
		RelID:       relID,
		Target:      target,
		ContentType: declared,
		Reason:      reason,
	})
}

func attr(t xml.StartElement, space, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local != local {
			continue
		}
		if space == "" || a.Name.Space == space {
			return a.Value
		}
	}
	return ""
}

func emuToPixels(raw string) int {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v <= 0 {
		return 0
	}
	px := int(math.Round(float64(v) / emuPerPixel))
	if px < 1 {
		px = 1
	}
	return px
}

// vmlStyleSize reads width/height from a VML style such as "width:33pt;height:15.75pt".
func vmlStyleSize(style string) (int, int) {
	var width, height int
	for _, decl := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "width":
			width = cssLengthToPixels(value)
		case "height":
			height = cssLengthToPixels(value)
		}
	}
	return width, height
}

func cssLengthToPixels(value string) int {
	value = strings.ToLower(strings.TrimSpace(value))
	scale := 1.0
	switch {
	case strings.HasSuffix(value, "pt"):
		scale = 96.0 / 72.0
		value = strings.TrimSuffix(value, "pt")
	case strings.HasSuffix(value, "in"):
		scale = 96.0
		value = strings.TrimSuffix(value, "in")
	case strings.HasSuffix(value, "px"):
		value = strings.TrimSuffix(value, "px")
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v <= 0 {
		return 0
	}
	return int(math.Round(v * scale))
}
