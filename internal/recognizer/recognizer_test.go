package recognizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mathimport/internal/config"
)

type stubRecognizer struct {
	name  string
	res   string
	err   error
	calls atomic.Int32
}

func (s *stubRecognizer) Recognize(ctx context.Context, image []byte, mimeType string) (string, error) {
	s.calls.Add(1)
	return s.res, s.err
}

func (s *stubRecognizer) ModelName() string {
	return s.name
}

func TestGroupRecognizerFallsThrough(t *testing.T) {
	first := &stubRecognizer{name: "a", err: errors.New("quota")}
	second := &stubRecognizer{name: "b", res: "   "}
	third := &stubRecognizer{name: "c", res: `x^2`}
	g := NewGroupRecognizer([]Entry{
		{Name: "a", Recognizer: first},
		{Name: "b", Recognizer: second},
		{Name: "c", Recognizer: third},
	})
	res, err := g.Recognize(context.Background(), []byte("img"), "image/png")
	require.NoError(t, err)
	require.Equal(t, "x^2", res)
	require.Equal(t, int32(1), first.calls.Load())
	require.Equal(t, int32(1), second.calls.Load())
	require.Equal(t, "a|b|c", g.ModelName())
}

func TestGroupRecognizerReturnsLastError(t *testing.T) {
	g := NewGroupRecognizer([]Entry{
		{Name: "a", Recognizer: &stubRecognizer{err: errors.New("first")}},
		{Name: "b", Recognizer: &stubRecognizer{err: errors.New("second")}},
	})
	_, err := g.Recognize(context.Background(), []byte("img"), "image/png")
	require.EqualError(t, err, "second")
	require.Nil(t, NewGroupRecognizer(nil))
}

func TestLruCacheMemoizesSuccessOnly(t *testing.T) {
	next := &stubRecognizer{name: "m", err: errors.New("down")}
	r := WrapLruCache(next, 8, time.Minute)

	_, err := r.Recognize(context.Background(), []byte("img"), "image/png")
	require.Error(t, err)
	next.err = nil
	next.res = `\frac{1}{2}`
	res, err := r.Recognize(context.Background(), []byte("img"), "image/png")
	require.NoError(t, err)
	require.Equal(t, `\frac{1}{2}`, res)
	res, err = r.Recognize(context.Background(), []byte("img"), "image/png")
	require.NoError(t, err)
	require.Equal(t, `\frac{1}{2}`, res)
	require.Equal(t, int32(2), next.calls.Load())

	require.Same(t, next, WrapLruCache(next, 0, time.Minute))
}

func TestOpenAIProviderSendsImage(t *testing.T) {
	var got openAIChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.Equal(t, "mathimport", r.Header.Get("X-Title"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" x+1 "}}]}`))
	}))
	defer srv.Close()

	p, err := NewProvider("openrouter", map[string]interface{}{
		"api_key":  "key",
		"base_url": srv.URL,
		"x_title":  "mathimport",
	})
	require.NoError(t, err)
	r := NewRecognizer(p, "vision-model")
	res, err := r.Recognize(context.Background(), []byte{1, 2, 3}, "image/png")
	require.NoError(t, err)
	require.Equal(t, "x+1", res)
	require.Equal(t, "openrouter/vision-model", r.ModelName())

	require.Equal(t, "vision-model", got.Model)
	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Content, 2)
	require.Equal(t, formulaPrompt, got.Messages[0].Content[0].Text)
	require.Equal(t, "data:image/png;base64,AQID", got.Messages[0].Content[1].ImageURL.URL)
}

func TestOpenAIProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := NewProvider("openai", map[string]interface{}{"api_key": "key", "base_url": srv.URL})
	require.NoError(t, err)
	_, err = p.Recognize(context.Background(), "m", "p", []byte("x"), "image/png")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "429"))

	p, err = NewProvider("openai", map[string]interface{}{})
	require.NoError(t, err)
	_, err = p.Recognize(context.Background(), "m", "p", []byte("x"), "image/png")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestNewProviderRejectsUnknown(t *testing.T) {
	_, err := NewProvider("", nil)
	require.Error(t, err)
	_, err = NewProvider("mathpix", map[string]interface{}{})
	require.Error(t, err)
	_, err = NewProvider("gemini", nil)
	require.Error(t, err)
}

func TestBuild(t *testing.T) {
	r, err := Build(config.RecognizerConfig{})
	require.NoError(t, err)
	require.Nil(t, r)

	r, err = Build(config.RecognizerConfig{
		Providers: []config.ProviderConfig{
			{Name: "primary", Type: "gemini", Model: "gemini-2.0-flash", Data: map[string]interface{}{"api_key": "k"}},
			{Name: "backup", Type: "openai", Model: "gpt-4o-mini", Data: map[string]interface{}{"api_key": "k"}},
		},
		MemoSize:       16,
		MemoTTLSeconds: 60,
	})
	require.NoError(t, err)
	require.Equal(t, "primary|backup", r.ModelName())

	_, err = Build(config.RecognizerConfig{
		Providers: []config.ProviderConfig{{Name: "x", Type: "unknown", Model: "m", Data: map[string]interface{}{}}},
	})
	require.Error(t, err)
}
