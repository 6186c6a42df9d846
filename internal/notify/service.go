// Package notify tells outside systems about review events: an utterance
// reaching the transcript, a review being triggered or summarized.
//
// Events go to registered channel drivers. The built-in WebhookDriver posts
// the event as JSON with optional HMAC-SHA256 signing. Delivery is best
// effort: failures are logged and counted, never retried.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/IvaBojic/GoalGuardian/internal/config"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// ── Event types ─────────────────────────────────────────────

// EventType describes what happened.
type EventType string

const (
	EventUtteranceDelivered EventType = "utterance_delivered"
	EventReviewTriggered    EventType = "review_triggered"
	EventReviewSummarized   EventType = "review_summarized"
)

// Event is the notification payload.
type Event struct {
	Type      EventType        `json:"type"`
	PatientID models.PatientID `json:"patient_id"`
	Agent     models.AgentName `json:"agent,omitempty"`
	TurnIndex int              `json:"turn_index,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewEvent creates an Event stamped with the current time.
func NewEvent(eventType EventType, patientID models.PatientID, turn int, message string) Event {
	return Event{
		Type:      eventType,
		PatientID: patientID,
		TurnIndex: turn,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Driver sends one event to one destination.
type Driver interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// ── Service ──────────────────────────────────────────────────

// Service fans events out to every registered driver.
type Service struct {
	drivers []Driver
	mu      sync.RWMutex
}

// NewService creates a service with one webhook driver per configured URL.
func NewService(cfg config.NotifyConfig) *Service {
	svc := &Service{}
	client := &http.Client{Timeout: cfg.Timeout}
	for _, url := range cfg.WebhookURLs {
		svc.Register(&WebhookDriver{URL: url, Secret: cfg.Secret, client: client})
	}
	return svc
}

// Register adds a driver.
func (s *Service) Register(d Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers = append(s.drivers, d)
	log.Info().Str("driver", d.Name()).Msg("Registered notification driver")
}

// Enabled reports whether any driver is registered.
func (s *Service) Enabled() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.drivers) > 0
}

// Dispatch sends event to every driver concurrently and returns the number of
// failed sends.
func (s *Service) Dispatch(ctx context.Context, event Event) int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	drivers := append([]Driver(nil), s.drivers...)
	s.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, d := range drivers {
		wg.Add(1)
		go func(d Driver) {
			defer wg.Done()
			if err := d.Send(ctx, event); err != nil {
				log.Warn().Err(err).Str("driver", d.Name()).Str("event", string(event.Type)).
					Str("patient_id", event.PatientID).Msg("Notification failed")
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(d)
	}
	wg.Wait()
	return failed
}

// ── Webhook Driver ──────────────────────────────────────────

// WebhookDriver posts events as JSON to URL.
type WebhookDriver struct {
	URL    string
	Secret string
	client *http.Client
}

func (d *WebhookDriver) Name() string { return "webhook:" + d.URL }

// Send posts the event once. Non-2xx responses are errors.
func (d *WebhookDriver) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "GoalGuardian-Webhook/1.0")
	req.Header.Set("X-GoalGuardian-Event", string(event.Type))

	if d.Secret != "" {
		req.Header.Set("X-GoalGuardian-Signature", "sha256="+Sign(d.Secret, body))
	}

	client := d.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.URL)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
