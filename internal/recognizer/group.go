package recognizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type Entry struct {
	Name       string
	Recognizer IRecognizer
}

type groupRecognizer struct {
	items []Entry
}

// NewGroupRecognizer tries each entry in order and returns the first success.
func NewGroupRecognizer(items []Entry) IRecognizer {
	if len(items) == 0 {
		return nil
	}
	return &groupRecognizer{items: items}
}

func (g *groupRecognizer) Recognize(ctx context.Context, image []byte, mimeType string) (string, error) {
	var lastErr error
	for i, item := range g.items {
		if item.Recognizer == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := item.Recognizer.Recognize(ctx, image, mimeType)
		if err == nil && strings.TrimSpace(res) != "" {
			return res, nil
		}
		if err == nil {
			err = fmt.Errorf("empty result")
		}
		lastErr = err
		logutil.GetLogger(ctx).Warn("recognizer failed", zap.Int("index", i), zap.String("name", item.Name), zap.Error(err))
	}
	if lastErr == nil {
		return "", fmt.Errorf("recognizer not configured")
	}
	return "", lastErr
}

func (g *groupRecognizer) ModelName() string {
	names := make([]string, 0, len(g.items))
	for _, item := range g.items {
		if item.Name == "" {
			continue
		}
		names = append(names, item.Name)
	}
	return strings.Join(names, "|")
}
