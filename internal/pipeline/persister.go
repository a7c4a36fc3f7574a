package pipeline

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mathimport/internal/model"
)

// LogPersister stands in for the question store when no database is configured.
type LogPersister struct{}

func (LogPersister) Persist(ctx context.Context, sub model.Submission) error {
	pending := 0
	for _, e := range sub.Entries {
		if e.Kind == model.KindFormulaImage && e.Payload == "" {
			pending++
		}
	}
	logutil.GetLogger(ctx).Info("submission received",
		zap.String("session_id", sub.SessionID),
		zap.String("source", sub.Source),
		zap.Int("entries", len(sub.Entries)),
		zap.Int("questions", len(sub.Questions)),
		zap.Int("pending_formulas", pending),
	)
	return nil
}
