// Package patientctx fetches the seed context the agents start from: the
// personal notes the opener draws fallback topics from, and the SMART goals
// the goal-review agent walks through. The note-extraction service is the
// source of truth; it is reached over HTTP or, when co-located, by reading
// its output files directly.
package patientctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/IvaBojic/GoalGuardian/internal/config"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// DefaultPreferredName is used when the notes carry no name.
const DefaultPreferredName = "there"

// Source supplies patient context. Unknown patients yield an empty context,
// not an error; errors mean the collaborator could not be reached.
type Source interface {
	// Notes returns the preferred name and personal topics.
	Notes(ctx context.Context, patientID models.PatientID) (*models.PatientContext, error)
	// Goals returns the preferred name and the latest weekly SMART goals.
	Goals(ctx context.Context, patientID models.PatientID) (*models.PatientContext, error)
}

// New builds the source described by cfg, wrapped in a TTL cache when
// ContextCacheTTL is positive.
func New(cfg config.CollaboratorConfig) Source {
	var src Source
	if cfg.ContextURL != "" {
		src = NewHTTPSource(cfg.ContextURL, 10*time.Second)
		log.Info().Str("url", cfg.ContextURL).Msg("Patient context from extraction service")
	} else {
		src = NewFileSource(cfg.NotesPath, cfg.GoalsPath)
		log.Info().Str("notes", cfg.NotesPath).Str("goals", cfg.GoalsPath).Msg("Patient context from extraction files")
	}
	if cfg.ContextCacheTTL > 0 {
		src = NewCached(src, cfg.ContextCacheTTL)
	}
	return src
}

// ── HTTP ────────────────────────────────────────────────────

// HTTPSource calls GET {baseURL}/patient-context/{id}.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSource) Notes(ctx context.Context, patientID models.PatientID) (*models.PatientContext, error) {
	return h.fetch(ctx, patientID)
}

func (h *HTTPSource) Goals(ctx context.Context, patientID models.PatientID) (*models.PatientContext, error) {
	pc, err := h.fetch(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if pc.PreferredName == "" {
		pc.PreferredName = DefaultPreferredName
	}
	return pc, nil
}

func (h *HTTPSource) fetch(ctx context.Context, patientID models.PatientID) (*models.PatientContext, error) {
	u := h.baseURL + "/patient-context/" + url.PathEscape(patientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create context request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("context request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &models.PatientContext{}, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("context service status %d: %s", resp.StatusCode, string(body))
	}

	var pc models.PatientContext
	if err := json.NewDecoder(resp.Body).Decode(&pc); err != nil {
		return nil, fmt.Errorf("decode patient context: %w", err)
	}
	return &pc, nil
}

// ── Files ───────────────────────────────────────────────────

// FileSource reads the extraction service's output files: a notes document
// keyed by patient id and a list of dated weekly goal sets.
type FileSource struct {
	notesPath string
	goalsPath string
}

func NewFileSource(notesPath, goalsPath string) *FileSource {
	return &FileSource{notesPath: notesPath, goalsPath: goalsPath}
}

type notesEntry struct {
	PatientID string                `json:"patient_id"`
	Output    models.PatientContext `json:"output"`
}

type goalsEntry struct {
	PatientID string `json:"patient_id"`
	Date      string `json:"date"`
	Output    struct {
		Goals []string `json:"goals"`
	} `json:"output"`
}

func (f *FileSource) Notes(_ context.Context, patientID models.PatientID) (*models.PatientContext, error) {
	notes, err := readJSON[map[string]notesEntry](f.notesPath)
	if err != nil {
		return nil, err
	}
	entry, ok := notes[patientID]
	if !ok {
		return &models.PatientContext{}, nil
	}
	pc := entry.Output
	pc.SmartGoals = nil
	return &pc, nil
}

func (f *FileSource) Goals(ctx context.Context, patientID models.PatientID) (*models.PatientContext, error) {
	all, err := readJSON[[]goalsEntry](f.goalsPath)
	if err != nil {
		return nil, err
	}

	var latest *goalsEntry
	var latestDate time.Time
	for i := range all {
		g := &all[i]
		if g.PatientID != patientID {
			continue
		}
		d, err := time.Parse(time.DateOnly, g.Date)
		if err != nil {
			log.Warn().Str("patient_id", patientID).Str("date", g.Date).Msg("Skipping goal set with bad date")
			continue
		}
		if latest == nil || d.After(latestDate) {
			latest, latestDate = g, d
		}
	}

	notes, err := f.Notes(ctx, patientID)
	if err != nil {
		return nil, err
	}
	out := &models.PatientContext{PreferredName: notes.PreferredName}
	if out.PreferredName == "" {
		out.PreferredName = DefaultPreferredName
	}
	if latest != nil {
		out.SmartGoals = append([]string{}, latest.Output.Goals...)
	}
	return out, nil
}

// readJSON returns the zero value for a missing or malformed file.
func readJSON[T any](path string) (T, error) {
	var zero T
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return zero, nil
		}
		return zero, fmt.Errorf("read %s: %w", path, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to parse extraction file, treating as empty")
		return zero, nil
	}
	return v, nil
}
