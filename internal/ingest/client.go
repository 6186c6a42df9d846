// Package ingest hands the raw coaching-session feed to the note-extraction
// service. The service extracts personal notes and weekly SMART goals from
// each session and reports the sessions back through /ingest-sessions.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrInvalidFeed is returned when the feed file is not a JSON list of objects.
var ErrInvalidFeed = errors.New("session feed must be a JSON list of objects")

// Client posts the session feed file to the extraction endpoint.
type Client struct {
	url      string
	feedPath string
	client   *http.Client
	after    []func()
}

// Result reports one extraction run.
type Result struct {
	Sent       int
	StatusCode int
}

func NewClient(extractURL, feedPath string, timeout time.Duration) *Client {
	return &Client{url: extractURL, feedPath: feedPath, client: &http.Client{Timeout: timeout}}
}

// OnSuccess registers fn to run after every successful extraction, e.g. to
// drop cached patient context.
func (c *Client) OnSuccess(fn func()) {
	c.after = append(c.after, fn)
}

// Trigger implements the scheduler's Ingester.
func (c *Client) Trigger(ctx context.Context) error {
	_, err := c.Run(ctx)
	return err
}

// Run reads the feed and posts it.
func (c *Client) Run(ctx context.Context) (*Result, error) {
	data, err := os.ReadFile(c.feedPath)
	if err != nil {
		return nil, fmt.Errorf("read session feed: %w", err)
	}
	var feed []map[string]any
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
	}

	body, err := json.Marshal(feed)
	if err != nil {
		return nil, fmt.Errorf("marshal session feed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("extraction service status %d: %s", resp.StatusCode, string(msg))
	}

	for _, fn := range c.after {
		fn()
	}
	log.Info().Int("sessions", len(feed)).Str("url", c.url).Msg("Session feed sent for extraction")
	return &Result{Sent: len(feed), StatusCode: resp.StatusCode}, nil
}
