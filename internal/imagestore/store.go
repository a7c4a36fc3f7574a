package imagestore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xxxsen/mathimport/internal/filestore"
	"github.com/xxxsen/mathimport/internal/model"
	appErr "github.com/xxxsen/mathimport/internal/pkg/errors"
)

const defaultUploadTimeout = 30 * time.Second

var extByType = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Store uploads content images under content-addressed keys. The reference
// cache outlives sessions, so repeated figures are uploaded once per process
// (or once per redis namespace).
type Store struct {
	files   filestore.Store
	cache   RefCache
	timeout time.Duration
	flight  singleflight.Group
}

func New(files filestore.Store, cache RefCache, timeout time.Duration) *Store {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if timeout <= 0 {
		timeout = defaultUploadTimeout
	}
	return &Store{files: files, cache: cache, timeout: timeout}
}

type uploadOutcome struct {
	ref      model.StorageReference
	uploaded bool
}

// Store resolves a content image to a storage reference. A failed upload
// returns an error wrapping ErrStorageUnavailable and leaves the cache untouched.
func (s *Store) Store(ctx context.Context, seg model.Segment) (model.ConversionResult, error) {
	if seg.Kind != model.KindContentImage {
		return model.ConversionResult{}, fmt.Errorf("%w: segment %d is %s, not a content image", appErr.ErrInvalid, seg.Index, seg.Kind)
	}
	hash := ContentHash(seg.Data)
	logger := logutil.GetLogger(ctx).With(zap.Int("segment", seg.Index), zap.String("content_hash", hash))

	if ref, ok := s.lookup(ctx, hash); ok {
		logger.Debug("content image reused", zap.String("key", ref.Key))
		return converted(seg.Index, ref, true), nil
	}

	leader := false
	v, err, _ := s.flight.Do(hash, func() (interface{}, error) {
		leader = true
		return s.upload(ctx, hash, seg)
	})
	if err != nil {
		logger.Error("upload content image failed", zap.Error(err))
		return model.ConversionResult{}, err
	}
	out := v.(uploadOutcome)
	reused := !(leader && out.uploaded)
	if reused {
		logger.Debug("content image reused", zap.String("key", out.ref.Key))
	} else {
		logger.Info("content image uploaded", zap.String("key", out.ref.Key), zap.Int("size", len(seg.Data)))
	}
	return converted(seg.Index, out.ref, reused), nil
}

func (s *Store) lookup(ctx context.Context, hash string) (model.StorageReference, bool) {
	ref, ok, err := s.cache.Get(ctx, hash)
	if err != nil {
		logutil.GetLogger(ctx).Warn("reference cache lookup failed", zap.String("content_hash", hash), zap.Error(err))
		return model.StorageReference{}, false
	}
	return ref, ok
}

// upload runs once per hash at a time. It detaches from the caller's
// cancellation so an abandoned session cannot leave a half written object.
func (s *Store) upload(ctx context.Context, hash string, seg model.Segment) (uploadOutcome, error) {
	if ref, ok := s.lookup(ctx, hash); ok {
		return uploadOutcome{ref: ref}, nil
	}
	key := ObjectKey(hash, seg.Ext(), seg.ContentType)
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	uploaded := false
	exists, err := s.files.Exists(uctx, key)
	if err != nil {
		logutil.GetLogger(ctx).Warn("check object existence failed", zap.String("key", key), zap.Error(err))
	}
	if !exists {
		if err := s.files.Save(uctx, key, bytes.NewReader(seg.Data), int64(len(seg.Data)), seg.ContentType); err != nil {
			return uploadOutcome{}, fmt.Errorf("%w: upload %s: %v", appErr.ErrStorageUnavailable, key, err)
		}
		uploaded = true
	}
	ref := model.StorageReference{ContentHash: hash, Key: key, URL: s.files.URL(key)}
	if err := s.cache.Set(uctx, ref); err != nil {
		logutil.GetLogger(ctx).Warn("reference cache write failed", zap.String("key", key), zap.Error(err))
	}
	return uploadOutcome{ref: ref, uploaded: uploaded}, nil
}

func converted(index int, ref model.StorageReference, reused bool) model.ConversionResult {
	return model.ConversionResult{
		SegmentIndex: index,
		Status:       model.StatusConverted,
		Reference:    &ref,
		Reused:       reused,
	}
}

// ContentHash is the md5 hex digest of the raw image bytes.
func ContentHash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ObjectKey derives "{hash}{.ext}", taking the extension from the part name
// and falling back to the declared content type.
func ObjectKey(hash, ext, contentType string) string {
	ext = strings.ToLower(ext)
	if ext == "" || ext == "." {
		ext = extByType[strings.ToLower(contentType)]
	}
	return hash + ext
}
