package recognizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnavailable = errors.New("recognizer provider unavailable")

const formulaPrompt = `You are a math OCR engine.
The image contains exactly one mathematical formula taken from an exam paper.
- Transcribe it as LaTeX source.
- Keep Chinese text inside \text{} if present.
- Do not wrap the result in $ or code fences.
- Output ONLY the LaTeX.`

type IProvider interface {
	Name() string
	Recognize(ctx context.Context, model string, prompt string, image []byte, mimeType string) (string, error)
}

// IRecognizer is the recognition capability consumed by the formula converter.
type IRecognizer interface {
	Recognize(ctx context.Context, image []byte, mimeType string) (string, error)
	ModelName() string
}

type recognizer struct {
	provider IProvider
	model    string
}

func NewRecognizer(p IProvider, model string) IRecognizer {
	return &recognizer{provider: p, model: model}
}

func (r *recognizer) Recognize(ctx context.Context, image []byte, mimeType string) (string, error) {
	return r.provider.Recognize(ctx, r.model, formulaPrompt, image, mimeType)
}

func (r *recognizer) ModelName() string {
	return r.provider.Name() + "/" + r.model
}

type ProviderFactory func(args interface{}) (IProvider, error)

var registry = map[string]ProviderFactory{}

func Register(name string, factory ProviderFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registry[key] = factory
}

func NewProvider(name string, args interface{}) (IProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("recognizer provider type is required")
	}
	factory := registry[key]
	if factory == nil {
		return nil, fmt.Errorf("unsupported recognizer provider: %s", name)
	}
	return factory(args)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("recognizer provider config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode recognizer provider config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode recognizer provider config: %w", err)
	}
	return nil
}
