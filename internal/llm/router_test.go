package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/IvaBojic/GoalGuardian/internal/config"
	"github.com/IvaBojic/GoalGuardian/internal/llm"
	"github.com/IvaBojic/GoalGuardian/internal/metrics"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

func chatRequest() *llm.Request {
	return &llm.Request{Messages: []models.ChatMessage{
		{Role: models.RoleSystem, Content: "be kind"},
		{Role: models.RoleUser, Content: "say hi"},
	}}
}

func TestRouter_OpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4.1" {
			t.Errorf("model = %v", body["model"])
		}
		w.Write([]byte(`{"id":"c1","choices":[{"message":{"content":"Hi there!"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer srv.Close()

	m := metrics.New()
	r := llm.NewRouter([]llm.Provider{{Name: "main", Kind: "openai", Endpoint: srv.URL, APIKey: "sk-test", Model: "gpt-4.1"}}, 0, time.Second, m)
	resp, err := r.Generate(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Content != "Hi there!" || resp.Usage.TotalTokens != 5 {
		t.Errorf("Generate() = %+v", resp)
	}
	if testutil.CollectAndCount(m.GenerationLatency) != 1 {
		t.Error("latency histogram should have one series")
	}
}

func TestRouter_AnthropicSeparatesSystemPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			System   string               `json:"system"`
			Messages []models.ChatMessage `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.System != "be kind" || len(body.Messages) != 1 {
			t.Errorf("anthropic body = %+v", body)
		}
		w.Write([]byte(`{"id":"a1","content":[{"type":"text","text":"Hello"}],"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	r := llm.NewRouter([]llm.Provider{{Name: "claude", Kind: "anthropic", Endpoint: srv.URL, APIKey: "k", Model: "m"}}, 0, time.Second, nil)
	resp, err := r.Generate(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Content != "Hello" || resp.Usage.TotalTokens != 2 {
		t.Errorf("Generate() = %+v", resp)
	}
}

func TestRouter_FallsBackToNextProvider(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"from ollama"}}]}`))
	}))
	defer good.Close()

	r := llm.NewRouter([]llm.Provider{
		{Name: "z-local", Kind: "ollama", Endpoint: good.URL, Model: "llama3"},
		{Name: "a-primary", Kind: "openai", Endpoint: bad.URL, APIKey: "k", Model: "gpt", IsDefault: true},
	}, 0, time.Second, nil)

	resp, err := r.Generate(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Provider != "z-local" || resp.Content != "from ollama" {
		t.Errorf("Generate() = %+v, want fallback response", resp)
	}
}

func TestRouter_AllProvidersFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer bad.Close()

	r := llm.NewRouter([]llm.Provider{{Name: "only", Kind: "ollama", Endpoint: bad.URL}}, 0, time.Second, nil)
	_, err := r.Generate(context.Background(), chatRequest())
	if err == nil || !strings.Contains(err.Error(), "all providers failed") {
		t.Errorf("Generate() error = %v", err)
	}
}

func TestRouter_RateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	r := llm.NewRouter([]llm.Provider{{Name: "o", Kind: "ollama", Endpoint: srv.URL}}, 0.01, time.Second, nil)
	if _, err := r.Generate(context.Background(), chatRequest()); err != nil {
		t.Fatalf("first Generate() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Generate(ctx, chatRequest()); err == nil {
		t.Error("second Generate() should fail waiting for the limiter")
	}
}

func TestEcho(t *testing.T) {
	resp, err := llm.Echo{}.Generate(context.Background(), chatRequest())
	if err != nil || resp.Content != "say hi" {
		t.Errorf("Echo = %+v, %v", resp, err)
	}
}

func TestNew_SelectsEcho(t *testing.T) {
	if _, ok := llm.New(config.LLMConfig{Provider: "echo"}, nil).(llm.Echo); !ok {
		t.Error("New(echo) should return the echo generator")
	}
	if _, ok := llm.New(config.LLMConfig{Provider: "openai", APIKey: "k"}, nil).(*llm.Router); !ok {
		t.Error("New(openai) should return a router")
	}
}

func TestNew_WiresFallbackProviders(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer primary.Close()
	var fallbackHits int
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHits++
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"from the local model"}}]}`))
	}))
	defer fallback.Close()

	m := metrics.New()
	gen := llm.New(config.LLMConfig{
		Provider: "openai",
		APIKey:   "sk-test",
		Endpoint: primary.URL,
		Model:    "gpt-4.1",
		Timeout:  time.Second,
		Fallbacks: []config.ProviderConfig{
			{Kind: "anthropic", Model: "claude"}, // no key, fails before any request
			{Kind: "ollama", Model: "llama3", Endpoint: fallback.URL},
		},
	}, m)

	resp, err := gen.Generate(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Content != "from the local model" || resp.Provider != "fallback-2-ollama" {
		t.Errorf("Generate() = %+v", resp)
	}
	if fallbackHits != 1 {
		t.Errorf("fallback hits = %d, want 1", fallbackHits)
	}
	if got := testutil.CollectAndCount(m.GenerationLatency); got != 1 {
		t.Errorf("latency series = %d, want only the serving provider", got)
	}
}
