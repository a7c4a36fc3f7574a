package formula

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mathimport/internal/model"
	appErr "github.com/xxxsen/mathimport/internal/pkg/errors"
)

const (
	defaultRecognizeTimeout = 20 * time.Second
	defaultRasterCacheSize  = 512
	rasterContentType       = "image/png"
)

// Recognizer turns a formula raster into LaTeX source.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, mimeType string) (string, error)
}

type Converter struct {
	recognizer Recognizer
	rasterizer Rasterizer
	timeout    time.Duration
	rasters    *lru.Cache[string, []byte]
}

// NewConverter builds a formula converter. Either collaborator may be nil:
// without a rasterizer the fallback keeps the original bytes, without a
// recognizer every formula falls back.
func NewConverter(recognizer Recognizer, rasterizer Rasterizer, timeout time.Duration) *Converter {
	if timeout <= 0 {
		timeout = defaultRecognizeTimeout
	}
	cache, _ := lru.New[string, []byte](defaultRasterCacheSize)
	return &Converter{
		recognizer: recognizer,
		rasterizer: rasterizer,
		timeout:    timeout,
		rasters:    cache,
	}
}

// Convert resolves a formula segment to Converted or Fallback. Recognition
// problems never surface as errors; only a segment of the wrong kind does.
func (c *Converter) Convert(ctx context.Context, seg model.Segment) (model.ConversionResult, error) {
	if seg.Kind != model.KindFormulaImage {
		return model.ConversionResult{}, fmt.Errorf("%w: segment %d is %s, not a formula", appErr.ErrInvalid, seg.Index, seg.Kind)
	}
	logger := logutil.GetLogger(ctx).With(zap.Int("segment", seg.Index), zap.String("name", seg.Name))

	info, err := Probe(seg.Data)
	if err != nil {
		logger.Warn("formula header not recognized", zap.Error(err))
		return c.fallback(seg, nil, err.Error()), nil
	}
	raster, err := c.rasterize(ctx, seg.Data, info.Ext())
	if err != nil {
		logger.Warn("rasterize formula failed", zap.Error(err))
		return c.fallback(seg, nil, err.Error()), nil
	}
	if c.recognizer == nil {
		return c.fallback(seg, raster, "recognizer not configured"), nil
	}
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.recognizer.Recognize(rctx, raster, rasterContentType)
	if err != nil {
		logger.Warn("recognize formula failed", zap.Error(err))
		return c.fallback(seg, raster, fmt.Sprintf("%s: %v", appErr.ErrRecognitionFailed.Error(), err)), nil
	}
	latex := Sanitize(raw)
	if latex == "" {
		return c.fallback(seg, raster, appErr.ErrRecognitionFailed.Error()+": empty latex"), nil
	}
	logger.Debug("formula recognized", zap.String("latex", latex))
	return model.ConversionResult{
		SegmentIndex: seg.Index,
		Status:       model.StatusConverted,
		Latex:        latex,
	}, nil
}

func (c *Converter) rasterize(ctx context.Context, data []byte, ext string) ([]byte, error) {
	if c.rasterizer == nil {
		return nil, fmt.Errorf("rasterizer not configured")
	}
	sum := md5.Sum(data)
	key := hex.EncodeToString(sum[:])
	if cached, ok := c.rasters.Get(key); ok {
		return cached, nil
	}
	out, err := c.rasterizer.Rasterize(ctx, data, ext)
	if err != nil {
		return nil, err
	}
	c.rasters.Add(key, out)
	return out, nil
}

func (c *Converter) fallback(seg model.Segment, raster []byte, reason string) model.ConversionResult {
	fb := &model.FallbackImage{
		Data:        raster,
		ContentType: rasterContentType,
		Source:      seg.Data,
		Reason:      reason,
	}
	if len(raster) == 0 {
		fb.Data = seg.Data
		fb.ContentType = seg.ContentType
	}
	return model.ConversionResult{
		SegmentIndex: seg.Index,
		Status:       model.StatusFallback,
		Fallback:     fb,
	}
}
