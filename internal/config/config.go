package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the GoalGuardian service.
type Config struct {
	Port          int
	Version       string
	Store         StoreConfig
	Telemetry     TelemetryConfig
	Auth          AuthConfig
	Workflow      WorkflowConfig
	Dispatch      DispatchConfig
	LLM           LLMConfig
	Collaborators CollaboratorConfig
	Notify        NotifyConfig
}

type StoreConfig struct {
	// Driver is "file" (JSON collections) or "sqlite".
	Driver     string
	DataDir    string
	SQLitePath string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// APIKeys enables bearer/X-API-Key auth when non-empty.
	APIKeys []string
}

// WorkflowConfig carries the turn boundaries and review timing. A
// WorkflowOverlay read from GOALGUARDIAN_WORKFLOW_FILE can override it.
type WorkflowConfig struct {
	OpenerStartTurn       int
	OpenerHandoffTurn     int
	GoalCaptureTurn       int
	GoalReviewHandoffTurn int
	CloserTerminalTurn    int
	ReviewInterval        time.Duration
	ReviewHour            int
	IngestHour            int
	Timezone              string
	TickCron              string
}

type DispatchConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	// RelayBuffer is the number of transcript events kept per patient for
	// reconnecting live subscribers.
	RelayBuffer int
}

type LLMConfig struct {
	// Provider is "openai", "azure-openai", "anthropic", "ollama" or "echo".
	Provider      string
	Model         string
	APIKey        string
	Endpoint      string
	Temperature   float64
	RatePerSecond float64
	Timeout       time.Duration
	// Fallbacks are tried in order when the primary provider fails.
	Fallbacks []ProviderConfig
}

// ProviderConfig is one fallback text-generation backend.
type ProviderConfig struct {
	Kind     string
	Model    string
	Endpoint string
	APIKey   string
}

type CollaboratorConfig struct {
	// ContextURL is the base URL of the note-extraction service. When empty
	// the file-backed source reads NotesPath and GoalsPath directly.
	ContextURL      string
	NotesPath       string
	GoalsPath       string
	ContextCacheTTL time.Duration
	ExtractURL      string
	SessionFeedPath string
	// IngestTimeout bounds one post of the session feed.
	IngestTimeout time.Duration
}

// NotifyConfig lists outbound webhooks told about review events.
type NotifyConfig struct {
	WebhookURLs []string
	// Secret signs webhook bodies with HMAC-SHA256 when set.
	Secret  string
	Timeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults,
// applies the optional workflow YAML overlay and validates the result.
func Load() (*Config, error) {
	dataDir := envStr("GOALGUARDIAN_DATA_DIR", "./memory")
	cfg := &Config{
		Port:    envInt("GOALGUARDIAN_PORT", 8000),
		Version: envStr("GOALGUARDIAN_VERSION", "0.1.0"),
		Store: StoreConfig{
			Driver:     envStr("GOALGUARDIAN_STORE_DRIVER", "file"),
			DataDir:    dataDir,
			SQLitePath: envStr("GOALGUARDIAN_SQLITE_PATH", dataDir+"/goalguardian.db"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "goalguardian"),
		},
		Auth: AuthConfig{
			APIKeys: envList("GOALGUARDIAN_API_KEYS"),
		},
		Workflow: DefaultWorkflow(),
		Dispatch: DispatchConfig{
			Workers:     envInt("DISPATCH_WORKERS", 8),
			QueueSize:   envInt("DISPATCH_QUEUE_SIZE", 256),
			Timeout:     envDuration("DISPATCH_TIMEOUT", 5*time.Second),
			RelayBuffer: envInt("RELAY_BUFFER", 100),
		},
		LLM: LLMConfig{
			Provider:      envStr("LLM_PROVIDER", "echo"),
			Model:         envStr("LLM_MODEL", "gpt-4.1"),
			APIKey:        envStr("LLM_API_KEY", os.Getenv("OPENAI_API_KEY")),
			Endpoint:      envStr("LLM_ENDPOINT", ""),
			Temperature:   envFloat("LLM_TEMPERATURE", 0.7),
			RatePerSecond: envFloat("LLM_RATE_PER_SECOND", 2),
			Timeout:       envDuration("LLM_TIMEOUT", 120*time.Second),
			Fallbacks:     envProviders("LLM_FALLBACK_PROVIDERS"),
		},
		Collaborators: CollaboratorConfig{
			ContextURL:      envStr("CONTEXT_URL", ""),
			NotesPath:       envStr("CONTEXT_NOTES_PATH", dataDir+"/session_notes.json"),
			GoalsPath:       envStr("CONTEXT_GOALS_PATH", dataDir+"/weekly_smart_goals.json"),
			ContextCacheTTL: envDuration("CONTEXT_CACHE_TTL", 5*time.Minute),
			ExtractURL:      envStr("EXTRACT_URL", ""),
			SessionFeedPath: envStr("SESSION_FEED_PATH", dataDir+"/session_feed.json"),
			IngestTimeout:   envDuration("INGEST_TIMEOUT", 30*time.Second),
		},
		Notify: NotifyConfig{
			WebhookURLs: envList("NOTIFY_WEBHOOK_URLS"),
			Secret:      envStr("NOTIFY_WEBHOOK_SECRET", ""),
			Timeout:     envDuration("NOTIFY_TIMEOUT", 5*time.Second),
		},
	}

	cfg.Workflow.ReviewHour = envInt("REVIEW_HOUR", cfg.Workflow.ReviewHour)
	cfg.Workflow.IngestHour = envInt("INGEST_HOUR", cfg.Workflow.IngestHour)
	cfg.Workflow.Timezone = envStr("REVIEW_TIMEZONE", cfg.Workflow.Timezone)
	cfg.Workflow.TickCron = envStr("SCHEDULER_TICK_CRON", cfg.Workflow.TickCron)

	if path := os.Getenv("GOALGUARDIAN_WORKFLOW_FILE"); path != "" {
		if err := cfg.Workflow.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultWorkflow returns the production turn boundaries and review timing.
func DefaultWorkflow() WorkflowConfig {
	return WorkflowConfig{
		OpenerStartTurn:       1,
		OpenerHandoffTurn:     6,
		GoalCaptureTurn:       7,
		GoalReviewHandoffTurn: 13,
		CloserTerminalTurn:    15,
		ReviewInterval:        7 * 24 * time.Hour,
		ReviewHour:            9,
		IngestHour:            0,
		Timezone:              "UTC",
		TickCron:              "0 * * * *",
	}
}

// WorkflowOverlay is the YAML document read from GOALGUARDIAN_WORKFLOW_FILE.
// Absent keys stay nil so explicit zero values, like an ingest hour of 0,
// still override.
type WorkflowOverlay struct {
	OpenerStartTurn       *int           `yaml:"opener_start_turn"`
	OpenerHandoffTurn     *int           `yaml:"opener_handoff_turn"`
	GoalCaptureTurn       *int           `yaml:"goal_capture_turn"`
	GoalReviewHandoffTurn *int           `yaml:"goal_review_handoff_turn"`
	CloserTerminalTurn    *int           `yaml:"closer_terminal_turn"`
	ReviewInterval        *time.Duration `yaml:"review_interval"`
	ReviewHour            *int           `yaml:"review_hour"`
	IngestHour            *int           `yaml:"ingest_hour"`
	Timezone              *string        `yaml:"timezone"`
	TickCron              *string        `yaml:"tick_cron"`
}

// overlayFile replaces every field that is set in the YAML document.
func (w *WorkflowConfig) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read workflow file: %w", err)
	}
	var overlay WorkflowOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse workflow file %s: %w", path, err)
	}
	w.Apply(overlay)
	return nil
}

// Apply copies the present fields of o onto w.
func (w *WorkflowConfig) Apply(o WorkflowOverlay) {
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&w.OpenerStartTurn, o.OpenerStartTurn)
	setInt(&w.OpenerHandoffTurn, o.OpenerHandoffTurn)
	setInt(&w.GoalCaptureTurn, o.GoalCaptureTurn)
	setInt(&w.GoalReviewHandoffTurn, o.GoalReviewHandoffTurn)
	setInt(&w.CloserTerminalTurn, o.CloserTerminalTurn)
	setInt(&w.ReviewHour, o.ReviewHour)
	setInt(&w.IngestHour, o.IngestHour)
	if o.ReviewInterval != nil {
		w.ReviewInterval = *o.ReviewInterval
	}
	if o.Timezone != nil {
		w.Timezone = *o.Timezone
	}
	if o.TickCron != nil {
		w.TickCron = *o.TickCron
	}
}

// Location resolves the review timezone. Validate guarantees it loads.
func (w WorkflowConfig) Location() *time.Location {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("GOALGUARDIAN_PORT must be > 0")
	}
	switch c.Store.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Dispatch.Workers <= 0 || c.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("dispatch workers and queue size must be > 0")
	}
	for i, p := range c.LLM.Fallbacks {
		switch p.Kind {
		case "openai", "azure-openai", "anthropic", "ollama":
		default:
			return fmt.Errorf("LLM_FALLBACK_PROVIDERS[%d]: unknown provider %q", i, p.Kind)
		}
	}
	return c.Workflow.Validate()
}

// Validate checks that the turn boundaries are ordered and the timing is sane.
func (w WorkflowConfig) Validate() error {
	if !(w.OpenerStartTurn < w.OpenerHandoffTurn &&
		w.OpenerHandoffTurn < w.GoalCaptureTurn &&
		w.GoalCaptureTurn < w.GoalReviewHandoffTurn &&
		w.GoalReviewHandoffTurn+1 < w.CloserTerminalTurn) {
		return fmt.Errorf("turn boundaries must increase: start=%d opener=%d capture=%d review=%d closer=%d",
			w.OpenerStartTurn, w.OpenerHandoffTurn, w.GoalCaptureTurn, w.GoalReviewHandoffTurn, w.CloserTerminalTurn)
	}
	if w.ReviewHour < 0 || w.ReviewHour > 23 || w.IngestHour < 0 || w.IngestHour > 23 {
		return fmt.Errorf("review and ingest hours must be within 0-23")
	}
	if w.ReviewInterval <= 0 {
		return fmt.Errorf("review interval must be > 0")
	}
	if _, err := time.LoadLocation(w.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", w.Timezone, err)
	}
	if _, err := cron.ParseStandard(w.TickCron); err != nil {
		return fmt.Errorf("invalid tick cron %q: %w", w.TickCron, err)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envProviders parses "kind:model" entries, e.g. "anthropic:claude-3-5-haiku,ollama:llama3".
// The endpoint and key of each come from LLM_FALLBACK_<KIND>_ENDPOINT and
// LLM_FALLBACK_<KIND>_API_KEY.
func envProviders(key string) []ProviderConfig {
	var out []ProviderConfig
	for _, entry := range envList(key) {
		kind, model, _ := strings.Cut(entry, ":")
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" {
			continue
		}
		prefix := "LLM_FALLBACK_" + strings.ToUpper(strings.ReplaceAll(kind, "-", "_"))
		out = append(out, ProviderConfig{
			Kind:     kind,
			Model:    strings.TrimSpace(model),
			Endpoint: os.Getenv(prefix + "_ENDPOINT"),
			APIKey:   os.Getenv(prefix + "_API_KEY"),
		})
	}
	return out
}
