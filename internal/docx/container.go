package docx

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"
)

const (
	contentTypesPart = "[Content_Types].xml"
	documentPart     = "word/document.xml"
	documentRelsPart = "word/_rels/document.xml.rels"
)

type contentTypes struct {
	Defaults []struct {
		Extension   string `xml:"Extension,attr"`
		ContentType string `xml:"ContentType,attr"`
	} `xml:"Default"`
	Overrides []struct {
		PartName    string `xml:"PartName,attr"`
		ContentType string `xml:"ContentType,attr"`
	} `xml:"Override"`
}

type relationships struct {
	Items []struct {
		ID         string `xml:"Id,attr"`
		Type       string `xml:"Type,attr"`
		Target     string `xml:"Target,attr"`
		TargetMode string `xml:"TargetMode,attr"`
	} `xml:"Relationship"`
}

type relation struct {
	target   string
	external bool
}

// container is an opened OOXML package with its type and relationship tables resolved.
type container struct {
	parts     map[string]*zip.File
	defaults  map[string]string
	overrides map[string]string
	rels      map[string]relation
	maxPart   int64
}

func openContainer(r io.ReaderAt, size int64, maxPart int64) (*container, error) {
	reader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	c := &container{
		parts:     make(map[string]*zip.File, len(reader.File)),
		defaults:  make(map[string]string),
		overrides: make(map[string]string),
		rels:      make(map[string]relation),
		maxPart:   maxPart,
	}
	for _, f := range reader.File {
		c.parts[strings.TrimPrefix(f.Name, "/")] = f
	}
	if err := c.loadContentTypes(); err != nil {
		return nil, err
	}
	if err := c.loadRelationships(); err != nil {
		return nil, err
	}
	if _, ok := c.parts[documentPart]; !ok {
		return nil, fmt.Errorf("missing %s", documentPart)
	}
	return c, nil
}

func (c *container) loadContentTypes() error {
	data, ok, err := c.read(contentTypesPart)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("missing %s", contentTypesPart)
	}
	var types contentTypes
	if err := xml.Unmarshal(data, &types); err != nil {
		return fmt.Errorf("decode content types: %w", err)
	}
	for _, d := range types.Defaults {
		c.defaults[strings.ToLower(strings.TrimPrefix(d.Extension, "."))] = strings.ToLower(d.ContentType)
	}
	for _, o := range types.Overrides {
		c.overrides[strings.TrimPrefix(o.PartName, "/")] = strings.ToLower(o.ContentType)
	}
	return nil
}

func (c *container) loadRelationships() error {
	data, ok, err := c.read(documentRelsPart)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var rels relationships
	if err := xml.Unmarshal(data, &rels); err != nil {
		return fmt.Errorf("decode relationships: %w", err)
	}
	for _, item := range rels.Items {
		if item.ID == "" || item.Target == "" {
			continue
		}
		if strings.EqualFold(item.TargetMode, "External") {
			c.rels[item.ID] = relation{target: item.Target, external: true}
			continue
		}
		c.rels[item.ID] = relation{target: resolveTarget(item.Target)}
	}
	return nil
}

// resolveTarget turns a relationship target into a package part name.
// Relative targets are relative to the word/ folder.
func resolveTarget(target string) string {
	target = strings.ReplaceAll(target, "\\", "/")
	if strings.HasPrefix(target, "/") {
		return path.Clean(strings.TrimPrefix(target, "/"))
	}
	return path.Clean(path.Join("word", target))
}

// declaredType returns the content type the package declares for a part.
func (c *container) declaredType(part string) string {
	if ct, ok := c.overrides[part]; ok {
		return ct
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(part), "."))
	return c.defaults[ext]
}

func (c *container) read(part string) ([]byte, bool, error) {
	f, ok := c.parts[part]
	if !ok {
		return nil, false, nil
	}
	if c.maxPart > 0 && f.UncompressedSize64 > uint64(c.maxPart) {
		return nil, true, fmt.Errorf("part %s too large: %d bytes", part, f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, true, fmt.Errorf("open part %s: %w", part, err)
	}
	defer rc.Close()
	limit := c.maxPart
	if limit <= 0 {
		limit = int64(f.UncompressedSize64)
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, true, fmt.Errorf("read part %s: %w", part, err)
	}
	if c.maxPart > 0 && int64(len(data)) > c.maxPart {
		return nil, true, fmt.Errorf("part %s too large", part)
	}
	return data, true, nil
}
