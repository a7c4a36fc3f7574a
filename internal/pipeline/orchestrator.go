package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/mathimport/internal/docx"
	"github.com/xxxsen/mathimport/internal/model"
	appErr "github.com/xxxsen/mathimport/internal/pkg/errors"
	"github.com/xxxsen/mathimport/internal/question"
	"github.com/xxxsen/mathimport/internal/session"
)

const defaultConcurrency = 4

type Extractor interface {
	Extract(ctx context.Context, data []byte) (*docx.Result, error)
}

type FormulaConverter interface {
	Convert(ctx context.Context, seg model.Segment) (model.ConversionResult, error)
}

type ImageStore interface {
	Store(ctx context.Context, seg model.Segment) (model.ConversionResult, error)
}

// Persister is the durable question store that receives confirmed submissions.
type Persister interface {
	Persist(ctx context.Context, sub model.Submission) error
}

type Options struct {
	Concurrency int
}

type Orchestrator struct {
	extractor   Extractor
	formulas    FormulaConverter
	images      ImageStore
	sessions    *session.Store
	persister   Persister
	concurrency int
	now         func() time.Time
}

func New(extractor Extractor, formulas FormulaConverter, images ImageStore, sessions *session.Store, persister Persister, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if persister == nil {
		persister = LogPersister{}
	}
	return &Orchestrator{
		extractor:   extractor,
		formulas:    formulas,
		images:      images,
		sessions:    sessions,
		persister:   persister,
		concurrency: opts.Concurrency,
		now:         time.Now,
	}
}

type ConfirmResult struct {
	SessionID string `json:"session_id"`
	Entries   int    `json:"entries"`
	Questions int    `json:"questions"`
}

// Run drives one upload through extraction and conversion. A malformed
// document destroys the new session and returns the error; per segment
// conversion problems are reported in the returned preview instead.
func (o *Orchestrator) Run(ctx context.Context, source string, data []byte) (*model.ImportJob, error) {
	id := o.sessions.Create(source)
	logger := logutil.GetLogger(ctx).With(zap.String("session_id", id), zap.String("source", source))
	start := time.Now()

	extracted, err := o.extractor.Extract(ctx, data)
	if err != nil {
		_ = o.sessions.Expire(id)
		logger.Warn("extract document failed", zap.Error(err))
		return nil, err
	}
	if err := o.sessions.BeginConversion(id, extracted.Segments, extracted.Degraded); err != nil {
		return nil, err
	}
	logger.Info("document extracted",
		zap.Int("segments", len(extracted.Segments)),
		zap.Int("degraded", len(extracted.Degraded)),
	)

	if err := o.convertAll(ctx, id, extracted.Segments); err != nil {
		_ = o.sessions.Expire(id)
		logger.Error("conversion aborted", zap.Error(err))
		return nil, err
	}
	if err := o.stageIfComplete(id); err != nil {
		return nil, err
	}
	job, err := o.Preview(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.Info("document converted",
		zap.String("state", job.State),
		zap.Int("formula_converted", job.Stats.FormulaConverted),
		zap.Int("formula_fallback", job.Stats.FormulaFallback),
		zap.Int("uploaded", job.Stats.Uploaded),
		zap.Int("reused", job.Stats.Reused),
		zap.Int("failed", job.Stats.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	return job, nil
}

// convertAll runs stage two with bounded parallelism. The work is detached
// from ctx cancellation: once started, conversions finish and fill the
// shared caches even if the caller goes away.
func (o *Orchestrator) convertAll(ctx context.Context, id string, segments []model.Segment) error {
	wctx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, seg := range segments {
		seg := seg
		g.Go(func() error {
			return o.convertOne(wctx, id, seg)
		})
	}
	return g.Wait()
}

// convertOne dispatches on segment kind. Only contract violations are returned.
func (o *Orchestrator) convertOne(ctx context.Context, id string, seg model.Segment) error {
	var (
		result model.ConversionResult
		err    error
	)
	switch seg.Kind {
	case model.KindText:
		result = model.ConversionResult{SegmentIndex: seg.Index, Status: model.StatusUnconverted, Text: seg.Text}
	case model.KindFormulaImage:
		result, err = o.formulas.Convert(ctx, seg)
	case model.KindContentImage:
		result, err = o.images.Store(ctx, seg)
		if err != nil {
			return o.recordFailure(ctx, id, seg, err)
		}
	default:
		return fmt.Errorf("%w: segment %d has kind %q", appErr.ErrInvalid, seg.Index, seg.Kind)
	}
	if err != nil {
		return err
	}
	if err := o.sessions.Record(id, result); err != nil {
		if appErr.IsSessionNotFound(err) {
			logutil.GetLogger(ctx).Debug("session gone, result dropped", zap.String("session_id", id), zap.Int("segment", seg.Index))
			return nil
		}
		return err
	}
	return nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, id string, seg model.Segment, cause error) error {
	logutil.GetLogger(ctx).Error("content image failed",
		zap.String("session_id", id),
		zap.Int("segment", seg.Index),
		zap.Error(cause),
	)
	if err := o.sessions.RecordFailure(id, seg.Index, cause.Error()); err != nil && !appErr.IsSessionNotFound(err) {
		return err
	}
	return nil
}

// stageIfComplete finalizes the session when every segment has a result.
func (o *Orchestrator) stageIfComplete(id string) error {
	_, err := o.sessions.Finalize(id)
	if errors.Is(err, appErr.ErrIncompleteSession) {
		return nil
	}
	return err
}

// Retry re-runs conversion for one segment that is still without a result.
func (o *Orchestrator) Retry(ctx context.Context, id string, index int) (*model.ImportJob, error) {
	snap, err := o.sessions.Snapshot(id)
	if err != nil {
		return nil, err
	}
	if snap.State != session.StateConverting {
		return nil, fmt.Errorf("%w: retry in %s", appErr.ErrInvalidState, snap.State)
	}
	if _, done := snap.Results[index]; done {
		return nil, fmt.Errorf("%w: segment %d already converted", appErr.ErrConflict, index)
	}
	seg, err := o.sessions.Segment(id, index)
	if err != nil {
		return nil, err
	}
	if err := o.convertOne(context.WithoutCancel(ctx), id, seg); err != nil {
		if errors.Is(err, appErr.ErrDuplicateResult) {
			return nil, fmt.Errorf("%w: segment %d already converted", appErr.ErrConflict, index)
		}
		return nil, err
	}
	if err := o.stageIfComplete(id); err != nil {
		return nil, err
	}
	return o.Preview(ctx, id)
}

// Preview renders the session in index order with per-segment status.
func (o *Orchestrator) Preview(ctx context.Context, id string) (*model.ImportJob, error) {
	snap, err := o.sessions.Snapshot(id)
	if err != nil {
		return nil, err
	}
	return buildPreview(snap), nil
}

func (o *Orchestrator) FallbackImage(ctx context.Context, id string, index int) (*model.FallbackImage, error) {
	return o.sessions.FallbackImage(id, index)
}

func (o *Orchestrator) Expire(ctx context.Context, id string) error {
	if err := o.sessions.Expire(id); err != nil {
		return err
	}
	logutil.GetLogger(ctx).Info("session expired by caller", zap.String("session_id", id))
	return nil
}

// Confirm stages the session if needed, hands the finalized entries to the
// persister and destroys the session. Overrides supply LaTeX by segment index
// for formula segments, typically ones that fell back.
func (o *Orchestrator) Confirm(ctx context.Context, id string, overrides map[int]string) (*ConfirmResult, error) {
	entries, err := o.sessions.Finalize(id)
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]model.Segment, len(entries))
	for _, e := range entries {
		byIndex[e.Segment.Index] = e.Segment
	}
	for idx, latex := range overrides {
		seg, ok := byIndex[idx]
		if !ok {
			return nil, fmt.Errorf("%w: override for unknown segment %d", appErr.ErrInvalid, idx)
		}
		if seg.Kind != model.KindFormulaImage {
			return nil, fmt.Errorf("%w: override for %s segment %d", appErr.ErrInvalid, seg.Kind, idx)
		}
		if strings.TrimSpace(latex) == "" {
			return nil, fmt.Errorf("%w: empty override for segment %d", appErr.ErrInvalid, idx)
		}
	}
	snap, err := o.sessions.Snapshot(id)
	if err != nil {
		return nil, err
	}

	out := &ConfirmResult{SessionID: id}
	err = o.sessions.Complete(id, func(entries []model.FinalEntry) error {
		sub := buildSubmission(id, snap.Source, entries, overrides, o.now().Unix())
		if err := o.persister.Persist(ctx, sub); err != nil {
			return err
		}
		out.Entries = len(sub.Entries)
		out.Questions = len(sub.Questions)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logutil.GetLogger(ctx).Info("session confirmed",
		zap.String("session_id", id),
		zap.Int("entries", out.Entries),
		zap.Int("questions", out.Questions),
	)
	return out, nil
}

// Sweep expires sessions past their deadline.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	n := o.sessions.Sweep()
	if n > 0 {
		logutil.GetLogger(ctx).Info("expired sessions swept", zap.Int("count", n))
	}
	return n
}

func buildSubmission(id, source string, entries []model.FinalEntry, overrides map[int]string, now int64) model.Submission {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Segment.Index < entries[j].Segment.Index
	})
	out := make([]model.SubmittedEntry, 0, len(entries))
	for _, e := range entries {
		item := model.SubmittedEntry{
			Index:     e.Segment.Index,
			Kind:      e.Segment.Kind,
			Status:    string(e.Result.Status),
			Paragraph: e.Segment.Paragraph,
			Width:     e.Segment.Width,
			Height:    e.Segment.Height,
		}
		switch e.Segment.Kind {
		case model.KindText:
			item.Payload = e.Result.Text
		case model.KindFormulaImage:
			// A fallback confirmed without an override keeps an empty payload
			// and is stored as a pending_formula block.
			item.Payload = e.Result.Latex
			if latex, ok := overrides[e.Segment.Index]; ok {
				item.Payload = strings.TrimSpace(latex)
				item.Status = model.PreviewManual
			}
		case model.KindContentImage:
			if e.Result.Reference != nil {
				item.Payload = e.Result.Reference.URL
				item.ContentHash = e.Result.Reference.ContentHash
			}
		}
		out = append(out, item)
	}
	return model.Submission{
		SessionID: id,
		Source:    source,
		Entries:   out,
		Questions: question.Assemble(id, out, now),
		Ctime:     now,
	}
}
