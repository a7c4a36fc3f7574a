package model

import (
	"fmt"
)

type ConversionStatus string

const (
	StatusUnconverted ConversionStatus = "unconverted"
	StatusConverted   ConversionStatus = "converted"
	StatusFallback    ConversionStatus = "fallback"
)

type StorageReference struct {
	ContentHash string `json:"content_hash"`
	Key         string `json:"key"`
	URL         string `json:"url"`
}

type FallbackImage struct {
	Data        []byte `json:"-"`
	ContentType string `json:"content_type"`
	Source      []byte `json:"-"`
	Reason      string `json:"reason"`
}

// ConversionResult is the stage-two outcome for exactly one segment.
// Which payload field is set depends on Status and the segment kind.
type ConversionResult struct {
	SegmentIndex int               `json:"segment_index"`
	Status       ConversionStatus  `json:"status"`
	Text         string            `json:"text,omitempty"`
	Latex        string            `json:"latex,omitempty"`
	Reference    *StorageReference `json:"reference,omitempty"`
	Fallback     *FallbackImage    `json:"-"`
	Reused       bool              `json:"reused,omitempty"`
}

func (r ConversionResult) Validate(kind SegmentKind) error {
	switch kind {
	case KindText:
		if r.Status != StatusUnconverted {
			return fmt.Errorf("text segment must be unconverted, got %s", r.Status)
		}
	case KindFormulaImage:
		switch r.Status {
		case StatusConverted:
			if r.Latex == "" {
				return fmt.Errorf("converted formula requires latex")
			}
		case StatusFallback:
			// An unreadable source leaves nothing to show, only the reason.
			if r.Fallback == nil || (len(r.Fallback.Data) == 0 && r.Fallback.Reason == "") {
				return fmt.Errorf("fallback formula requires image data or a reason")
			}
		default:
			return fmt.Errorf("formula segment cannot be %s", r.Status)
		}
	case KindContentImage:
		if r.Status != StatusConverted || r.Reference == nil {
			return fmt.Errorf("content image must be converted with a storage reference")
		}
	default:
		return fmt.Errorf("unknown segment kind %q", kind)
	}
	return nil
}

type FinalEntry struct {
	Segment Segment          `json:"segment"`
	Result  ConversionResult `json:"result"`
}
