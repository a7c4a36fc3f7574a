package recognizer

import (
	"fmt"
	"time"

	"github.com/xxxsen/mathimport/internal/config"
)

// Build assembles the configured providers into one memoized fallback group.
// It returns nil when no provider is configured.
func Build(cfg config.RecognizerConfig) (IRecognizer, error) {
	entries := make([]Entry, 0, len(cfg.Providers))
	for i, pc := range cfg.Providers {
		provider, err := NewProvider(pc.Type, pc.Data)
		if err != nil {
			return nil, fmt.Errorf("init recognizer provider %d (%s): %w", i, pc.Name, err)
		}
		entries = append(entries, Entry{
			Name:       pc.Name,
			Recognizer: NewRecognizer(provider, pc.Model),
		})
	}
	group := NewGroupRecognizer(entries)
	if group == nil {
		return nil, nil
	}
	return WrapLruCache(group, cfg.MemoSize, time.Duration(cfg.MemoTTLSeconds)*time.Second), nil
}
