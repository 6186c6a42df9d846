package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/IvaBojic/GoalGuardian/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GOALGUARDIAN_WORKFLOW_FILE", "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8000 {
		t.Errorf("Port = %d, want 8000", cfg.Port)
	}
	w := cfg.Workflow
	if w.OpenerHandoffTurn != 6 || w.GoalCaptureTurn != 7 || w.GoalReviewHandoffTurn != 13 || w.CloserTerminalTurn != 15 {
		t.Errorf("unexpected default boundaries: %+v", w)
	}
	if w.ReviewInterval != 7*24*time.Hour {
		t.Errorf("ReviewInterval = %v, want 168h", w.ReviewInterval)
	}
	if w.ReviewHour != 9 {
		t.Errorf("ReviewHour = %d, want 9", w.ReviewHour)
	}
}

func TestLoad_WorkflowOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.yaml")
	doc := "review_hour: 10\nreview_interval: 48h\ntimezone: Europe/Zagreb\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOALGUARDIAN_WORKFLOW_FILE", path)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workflow.ReviewHour != 10 {
		t.Errorf("ReviewHour = %d, want 10", cfg.Workflow.ReviewHour)
	}
	if cfg.Workflow.ReviewInterval != 48*time.Hour {
		t.Errorf("ReviewInterval = %v, want 48h", cfg.Workflow.ReviewInterval)
	}
	if cfg.Workflow.OpenerHandoffTurn != 6 {
		t.Errorf("unset fields must keep defaults, OpenerHandoffTurn = %d", cfg.Workflow.OpenerHandoffTurn)
	}
}

func TestWorkflowValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.WorkflowConfig)
		wantErr bool
	}{
		{"defaults", func(*config.WorkflowConfig) {}, false},
		{"unordered boundaries", func(w *config.WorkflowConfig) { w.GoalReviewHandoffTurn = 5 }, true},
		{"closer too close", func(w *config.WorkflowConfig) { w.CloserTerminalTurn = 14 }, true},
		{"bad hour", func(w *config.WorkflowConfig) { w.ReviewHour = 24 }, true},
		{"bad timezone", func(w *config.WorkflowConfig) { w.Timezone = "Mars/Olympus" }, true},
		{"bad cron", func(w *config.WorkflowConfig) { w.TickCron = "every hour" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := config.DefaultWorkflow()
			tt.mutate(&w)
			err := w.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("GOALGUARDIAN_STORE_DRIVER", "mongo")
	if _, err := config.Load(); err == nil {
		t.Fatal("Load() should reject an unknown store driver")
	}
}

func TestLoad_OverlayCanSetMidnight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	if err := os.WriteFile(path, []byte("review_hour: 0\ningest_hour: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOALGUARDIAN_WORKFLOW_FILE", path)
	t.Setenv("INGEST_HOUR", "3")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workflow.ReviewHour != 0 || cfg.Workflow.IngestHour != 0 {
		t.Errorf("hours = review %d ingest %d, want 0 and 0", cfg.Workflow.ReviewHour, cfg.Workflow.IngestHour)
	}
	if cfg.Workflow.TickCron != "0 * * * *" {
		t.Errorf("absent keys must keep defaults, TickCron = %q", cfg.Workflow.TickCron)
	}
}

func TestLoad_FallbackProviders(t *testing.T) {
	t.Setenv("GOALGUARDIAN_WORKFLOW_FILE", "")
	t.Setenv("LLM_FALLBACK_PROVIDERS", "anthropic:claude-3-5-haiku, ollama:llama3")
	t.Setenv("LLM_FALLBACK_ANTHROPIC_API_KEY", "ak")
	t.Setenv("LLM_FALLBACK_OLLAMA_ENDPOINT", "http://gpu:11434")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []config.ProviderConfig{
		{Kind: "anthropic", Model: "claude-3-5-haiku", APIKey: "ak"},
		{Kind: "ollama", Model: "llama3", Endpoint: "http://gpu:11434"},
	}
	if len(cfg.LLM.Fallbacks) != len(want) {
		t.Fatalf("Fallbacks = %+v", cfg.LLM.Fallbacks)
	}
	for i := range want {
		if cfg.LLM.Fallbacks[i] != want[i] {
			t.Errorf("Fallbacks[%d] = %+v, want %+v", i, cfg.LLM.Fallbacks[i], want[i])
		}
	}

	t.Setenv("LLM_FALLBACK_PROVIDERS", "carrier-pigeon:v1")
	if _, err := config.Load(); err == nil {
		t.Error("Load() should reject an unknown fallback provider")
	}
}
