package recognizer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// WrapLruCache memoizes successful recognitions by model and image digest.
// Failures are not cached so a flaky backend gets another chance.
func WrapLruCache(r IRecognizer, size int, ttl time.Duration) IRecognizer {
	if r == nil || size <= 0 || ttl <= 0 {
		return r
	}
	return &lruRecognizer{
		next:  r,
		cache: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

type lruRecognizer struct {
	next  IRecognizer
	cache *expirable.LRU[string, string]
}

func (l *lruRecognizer) Recognize(ctx context.Context, image []byte, mimeType string) (string, error) {
	key := buildCacheKey(l.next.ModelName(), image)
	if cached, ok := l.cache.Get(key); ok {
		logutil.GetLogger(ctx).Debug("recognition cache hit", zap.String("key", key))
		return cached, nil
	}
	res, err := l.next.Recognize(ctx, image, mimeType)
	if err != nil {
		return "", err
	}
	l.cache.Add(key, res)
	return res, nil
}

func (l *lruRecognizer) ModelName() string {
	return l.next.ModelName()
}

func buildCacheKey(model string, image []byte) string {
	sum := md5.Sum(image)
	return model + ":" + hex.EncodeToString(sum[:])
}
