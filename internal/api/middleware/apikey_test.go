package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/IvaBojic/GoalGuardian/internal/api/middleware"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)
	if auth.Enabled() {
		t.Error("Expected auth to be disabled without keys")
	}

	req := httptest.NewRequest(http.MethodPost, "/gateway/reply", nil)
	w := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Disabled auth: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAPIKeyAuth_Keys(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"test-key-1", " test-key-2 ", ""})
	if !auth.Enabled() {
		t.Fatal("Expected auth to be enabled")
	}
	handler := auth.Middleware(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		value  string
		want   int
	}{
		{"bearer", "/gateway/reply", "Authorization", "Bearer test-key-1", http.StatusOK},
		{"x-api-key", "/gateway/reply", "X-API-Key", "test-key-2", http.StatusOK},
		{"query", "/gateway/ws/p1?api_key=test-key-1", "", "", http.StatusOK},
		{"wrong key", "/gateway/reply", "Authorization", "Bearer wrong-key", http.StatusUnauthorized},
		{"missing key", "/schedule", "", "", http.StatusUnauthorized},
		{"health", "/health", "", "", http.StatusOK},
		{"version", "/version", "", "", http.StatusOK},
		{"metrics", "/metrics", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAPIKeyAuth_AddRemoveKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)
	auth.AddKey("runtime-key")
	if !auth.Enabled() {
		t.Error("Should be enabled after AddKey")
	}

	req := httptest.NewRequest(http.MethodGet, "/schedule", nil)
	req.Header.Set("X-API-Key", "runtime-key")
	w := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Runtime key: status = %d, want %d", w.Code, http.StatusOK)
	}

	auth.RemoveKey("runtime-key")
	if auth.Enabled() {
		t.Error("Should be disabled after removing last key")
	}
}
