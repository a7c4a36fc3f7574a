package model

import (
	"path"
	"strings"
)

type SegmentKind string

const (
	KindText         SegmentKind = "text"
	KindFormulaImage SegmentKind = "formula_image"
	KindContentImage SegmentKind = "content_image"
)

func (k SegmentKind) Valid() bool {
	switch k {
	case KindText, KindFormulaImage, KindContentImage:
		return true
	default:
		return false
	}
}

// Segment is one typed unit of a source document, in reading order.
// Data holds the untouched media bytes for image kinds and must not be modified.
type Segment struct {
	Index       int         `json:"index"`
	Kind        SegmentKind `json:"kind"`
	Paragraph   int         `json:"paragraph"`
	Text        string      `json:"text,omitempty"`
	Data        []byte      `json:"-"`
	Name        string      `json:"name,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	Width       int         `json:"width,omitempty"`
	Height      int         `json:"height,omitempty"`
}

// Ext returns the lower-cased extension of the media part, including the dot.
func (s Segment) Ext() string {
	return strings.ToLower(path.Ext(s.Name))
}

type DegradedEmbedding struct {
	Paragraph   int    `json:"paragraph"`
	RelID       string `json:"rel_id,omitempty"`
	Target      string `json:"target,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Reason      string `json:"reason"`
}
