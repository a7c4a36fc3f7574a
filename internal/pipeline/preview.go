package pipeline

import (
	"github.com/xxxsen/mathimport/internal/model"
	"github.com/xxxsen/mathimport/internal/session"
)

const previewPending = "pending"

func buildPreview(snap *session.Snapshot) *model.ImportJob {
	job := &model.ImportJob{
		SessionID: snap.ID,
		Source:    snap.Source,
		State:     string(snap.State),
		Entries:   make([]model.PreviewEntry, 0, len(snap.Segments)),
		Degraded:  snap.Degraded,
		Ctime:     snap.Ctime.Unix(),
		Etime:     snap.Deadline.Unix(),
	}
	if job.Degraded == nil {
		job.Degraded = []model.DegradedEmbedding{}
	}
	stats := &job.Stats
	stats.Segments = len(snap.Segments)
	stats.Degraded = len(snap.Degraded)
	for _, seg := range snap.Segments {
		entry := model.PreviewEntry{
			Index:     seg.Index,
			Kind:      seg.Kind,
			Paragraph: seg.Paragraph,
			Width:     seg.Width,
			Height:    seg.Height,
		}
		switch seg.Kind {
		case model.KindText:
			stats.Texts++
		case model.KindFormulaImage:
			stats.Formulas++
		case model.KindContentImage:
			stats.ContentImages++
		}
		res, ok := snap.Results[seg.Index]
		if !ok {
			if reason, failed := snap.Failures[seg.Index]; failed {
				entry.Status = model.PreviewFailed
				entry.Error = reason
				stats.Failed++
			} else {
				entry.Status = previewPending
				stats.Pending++
			}
			job.Entries = append(job.Entries, entry)
			continue
		}
		entry.Status = string(res.Status)
		switch seg.Kind {
		case model.KindText:
			entry.Payload = res.Text
		case model.KindFormulaImage:
			if res.Status == model.StatusConverted {
				entry.Payload = res.Latex
				stats.FormulaConverted++
			} else {
				stats.FormulaFallback++
				if res.Fallback != nil {
					entry.Error = res.Fallback.Reason
				}
			}
		case model.KindContentImage:
			if res.Reference != nil {
				entry.Payload = res.Reference.URL
				entry.ContentHash = res.Reference.ContentHash
			}
			if res.Reused {
				stats.Reused++
			} else {
				stats.Uploaded++
			}
		}
		job.Entries = append(job.Entries, entry)
	}
	return job
}
