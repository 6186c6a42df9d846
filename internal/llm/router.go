// Package llm produces agent utterances through a text-generation provider.
//
// The Router tries the default provider first and then the others in the
// order given, falling back to the next one when a call fails. All calls share one rate
// limiter. The Echo generator returns the instruction verbatim and backs
// offline runs and tests.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/IvaBojic/GoalGuardian/internal/config"
	"github.com/IvaBojic/GoalGuardian/internal/metrics"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// Generator turns a prompt into one utterance.
type Generator interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request is one chat completion call.
type Request struct {
	Messages    []models.ChatMessage
	Temperature float64
}

// TokenUsage is reported by providers that return it.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Response is the generated utterance.
type Response struct {
	ID        string
	Provider  string
	Model     string
	Content   string
	LatencyMs int64
	Usage     TokenUsage
}

// Provider is one configured backend.
type Provider struct {
	Name      string
	Kind      string // openai, azure-openai, anthropic, ollama
	Endpoint  string
	APIKey    string
	Model     string
	MaxTokens int
	IsDefault bool
}

// Router routes generation requests to configured providers.
type Router struct {
	providers []Provider
	client    *http.Client
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
}

// NewRouter creates a router over providers. ratePerSecond <= 0 disables
// limiting. m may be nil.
func NewRouter(providers []Provider, ratePerSecond float64, timeout time.Duration, m *metrics.Metrics) *Router {
	limit := rate.Inf
	burst := 1
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
		burst = max(1, int(ratePerSecond))
	}
	ordered := append([]Provider(nil), providers...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].IsDefault && !ordered[j].IsDefault
	})
	return &Router{
		providers: ordered,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   m,
	}
}

// New builds the generator described by cfg.
func New(cfg config.LLMConfig, m *metrics.Metrics) Generator {
	if cfg.Provider == "" || cfg.Provider == "echo" {
		log.Info().Msg("Text generation uses the echo generator")
		return Echo{}
	}
	providers := []Provider{{
		Name:      cfg.Provider,
		Kind:      cfg.Provider,
		Endpoint:  cfg.Endpoint,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		IsDefault: true,
	}}
	for i, fb := range cfg.Fallbacks {
		providers = append(providers, Provider{
			Name:     fmt.Sprintf("fallback-%d-%s", i+1, fb.Kind),
			Kind:     fb.Kind,
			Endpoint: fb.Endpoint,
			APIKey:   fb.APIKey,
			Model:    fb.Model,
		})
	}
	for _, p := range providers {
		log.Info().Str("provider", p.Name).Str("model", p.Model).Bool("default", p.IsDefault).Msg("Text generation provider configured")
	}
	return NewRouter(providers, cfg.RatePerSecond, cfg.Timeout, m)
}

// Generate sends the request to each provider in turn until one succeeds.
func (r *Router) Generate(ctx context.Context, req *Request) (*Response, error) {
	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no text generation providers configured")
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var lastErr error
	for i := range r.providers {
		provider := &r.providers[i]
		resp, err := r.callProvider(ctx, provider, req)
		if err != nil {
			log.Warn().
				Str("provider", provider.Name).
				Str("model", provider.Model).
				Err(err).
				Msg("Provider call failed, trying next")
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
}

func (r *Router) callProvider(ctx context.Context, provider *Provider, req *Request) (*Response, error) {
	start := time.Now()

	var resp *Response
	var err error
	switch provider.Kind {
	case "anthropic":
		resp, err = r.callAnthropic(ctx, provider, req)
	case "ollama":
		resp, err = r.callOllama(ctx, provider, req)
	default:
		// openai, azure-openai and any OpenAI-compatible endpoint
		resp, err = r.callOpenAI(ctx, provider, req)
	}
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	resp.LatencyMs = elapsed.Milliseconds()
	if r.metrics != nil {
		r.metrics.GenerationLatency.WithLabelValues(provider.Name).Observe(elapsed.Seconds())
	}
	return resp, nil
}

// ── OpenAI / Azure OpenAI Provider ──────────────────────────

type openAIRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (r *Router) callOpenAI(ctx context.Context, provider *Provider, req *Request) (*Response, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	if provider.APIKey == "" {
		return nil, fmt.Errorf("openai: api key not configured for provider %s", provider.Name)
	}

	body, _ := json.Marshal(openAIRequest{Model: provider.Model, Messages: req.Messages, Temperature: req.Temperature})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	// Azure OpenAI uses a different auth header
	if provider.Kind == "azure-openai" {
		httpReq.Header.Set("api-key", provider.APIKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	var oaiResp openAIResponse
	if err := r.do(httpReq, "openai", &oaiResp); err != nil {
		return nil, err
	}
	return oaiResp.toResponse(oaiResp.ID, provider), nil
}

func (o *openAIResponse) toResponse(id string, provider *Provider) *Response {
	content := ""
	if len(o.Choices) > 0 {
		content = o.Choices[0].Message.Content
	}
	return &Response{
		ID:       id,
		Provider: provider.Name,
		Model:    provider.Model,
		Content:  content,
		Usage: TokenUsage{
			InputTokens:  o.Usage.PromptTokens,
			OutputTokens: o.Usage.CompletionTokens,
			TotalTokens:  o.Usage.TotalTokens,
		},
	}
}

// ── Anthropic Provider ──────────────────────────────────────

type anthropicRequest struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []models.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (r *Router) callAnthropic(ctx context.Context, provider *Provider, req *Request) (*Response, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	if provider.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key not configured for provider %s", provider.Name)
	}
	maxTokens := provider.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	// Anthropic takes the system prompt as a top-level field.
	ar := anthropicRequest{Model: provider.Model, MaxTokens: maxTokens, Temperature: req.Temperature}
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			ar.System = m.Content
			continue
		}
		ar.Messages = append(ar.Messages, m)
	}

	body, _ := json.Marshal(ar)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", provider.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	var anthResp anthropicResponse
	if err := r.do(httpReq, "anthropic", &anthResp); err != nil {
		return nil, err
	}

	content := ""
	for _, c := range anthResp.Content {
		if c.Type == "text" {
			content += c.Text
		}
	}
	return &Response{
		ID:       anthResp.ID,
		Provider: provider.Name,
		Model:    provider.Model,
		Content:  content,
		Usage: TokenUsage{
			InputTokens:  anthResp.Usage.InputTokens,
			OutputTokens: anthResp.Usage.OutputTokens,
			TotalTokens:  anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
		},
	}, nil
}

// ── Ollama Provider ─────────────────────────────────────────

func (r *Router) callOllama(ctx context.Context, provider *Provider, req *Request) (*Response, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}

	body, _ := json.Marshal(openAIRequest{Model: provider.Model, Messages: req.Messages, Temperature: req.Temperature})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var oaiResp openAIResponse
	if err := r.do(httpReq, "ollama", &oaiResp); err != nil {
		return nil, err
	}
	return oaiResp.toResponse(uuid.New().String(), provider), nil
}

func (r *Router) do(httpReq *http.Request, kind string, out any) error {
	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", kind, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return fmt.Errorf("%s: status %d: %s", kind, httpResp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", kind, err)
	}
	return nil
}
