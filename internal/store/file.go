package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// FileStore persists every collection as a JSON array in its own file under
// dir. Each mutation reads the whole collection, modifies it and writes it
// back through a temp file and rename, under that collection's mutex.
type FileStore struct {
	dir string
	now func() time.Time

	mu      sync.Mutex
	records map[string]*fileRecords

	schedule  *fileSchedule
	summaries *fileSummaries
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	fs := &FileStore{
		dir:     dir,
		now:     func() time.Time { return time.Now().UTC() },
		records: make(map[string]*fileRecords),
	}
	fs.schedule = &fileSchedule{col: collection[models.ReviewEntry]{path: filepath.Join(dir, "review_schedule.json")}}
	fs.summaries = &fileSummaries{col: collection[models.SummaryRecord]{path: filepath.Join(dir, "summaries.json")}}
	log.Info().Str("dir", dir).Msg("File store ready")
	return fs, nil
}

// SetClock overrides the timestamp source used for UpdatedAt.
func (f *FileStore) SetClock(now func() time.Time) { f.now = now }

func (f *FileStore) Records(domain string) RecordStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[domain]
	if !ok {
		r = &fileRecords{
			domain: domain,
			col:    collection[models.ConversationRecord]{path: filepath.Join(f.dir, domain+"_records.json")},
			now:    func() time.Time { return f.now() },
		}
		f.records[domain] = r
	}
	return r
}

func (f *FileStore) Schedule() ScheduleStore { return f.schedule }

func (f *FileStore) Summaries() SummaryStore { return f.summaries }

func (f *FileStore) Ping(context.Context) error {
	_, err := os.Stat(f.dir)
	return err
}

func (f *FileStore) Close() error { return nil }

// ── collection ──────────────────────────────────────────────

// collection is one JSON array file. Callers hold mu across load and save.
type collection[T any] struct {
	path string
	mu   sync.Mutex
}

// load returns the stored items. A missing, unreadable or malformed file is
// treated as an empty collection.
func (c *collection[T]) load() []T {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", c.path).Msg("Failed to read collection, treating as empty")
		}
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		log.Warn().Err(err).Str("path", c.path).Msg("Failed to parse collection, treating as empty")
		return nil
	}
	return items
}

func (c *collection[T]) save(items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(c.path), err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// ── records ─────────────────────────────────────────────────

type fileRecords struct {
	domain string
	col    collection[models.ConversationRecord]
	now    func() time.Time
}

func (r *fileRecords) Get(_ context.Context, patientID models.PatientID) (*models.ConversationRecord, error) {
	r.col.mu.Lock()
	defer r.col.mu.Unlock()
	for _, rec := range r.col.load() {
		if rec.PatientID == patientID {
			return rec.Clone(), nil
		}
	}
	return nil, &ErrNotFound{Entity: r.domain + " record", Key: patientID}
}

func (r *fileRecords) Merge(_ context.Context, patch models.RecordPatch) (*models.ConversationRecord, error) {
	if patch.PatientID == "" {
		return nil, fmt.Errorf("merge %s record: patient id is required", r.domain)
	}
	r.col.mu.Lock()
	defer r.col.mu.Unlock()

	items := r.col.load()
	idx := -1
	for i := range items {
		if items[i].PatientID == patch.PatientID {
			idx = i
			break
		}
	}
	if idx < 0 {
		items = append(items, models.ConversationRecord{PatientID: patch.PatientID})
		idx = len(items) - 1
	}
	patch.Apply(&items[idx], r.now())

	if err := r.col.save(items); err != nil {
		return nil, err
	}
	return items[idx].Clone(), nil
}

func (r *fileRecords) List(_ context.Context) ([]models.ConversationRecord, error) {
	r.col.mu.Lock()
	defer r.col.mu.Unlock()
	items := r.col.load()
	if items == nil {
		items = []models.ConversationRecord{}
	}
	return items, nil
}

// ── schedule ────────────────────────────────────────────────

type fileSchedule struct {
	col collection[models.ReviewEntry]
}

func (s *fileSchedule) Put(_ context.Context, entries []models.ReviewEntry) error {
	s.col.mu.Lock()
	defer s.col.mu.Unlock()

	items := s.col.load()
	pos := make(map[models.PatientID]int, len(items))
	for i, e := range items {
		pos[e.PatientID] = i
	}
	for _, e := range entries {
		if i, ok := pos[e.PatientID]; ok {
			items[i] = e
			continue
		}
		pos[e.PatientID] = len(items)
		items = append(items, e)
	}
	return s.col.save(items)
}

func (s *fileSchedule) Get(_ context.Context, patientID models.PatientID) (*models.ReviewEntry, error) {
	s.col.mu.Lock()
	defer s.col.mu.Unlock()
	for _, e := range s.col.load() {
		if e.PatientID == patientID {
			e := e
			return &e, nil
		}
	}
	return nil, &ErrNotFound{Entity: "review entry", Key: patientID}
}

func (s *fileSchedule) List(_ context.Context) ([]models.ReviewEntry, error) {
	s.col.mu.Lock()
	defer s.col.mu.Unlock()
	items := s.col.load()
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].NextReviewTime.Before(items[j].NextReviewTime)
	})
	if items == nil {
		items = []models.ReviewEntry{}
	}
	return items, nil
}

// ── summaries ───────────────────────────────────────────────

type fileSummaries struct {
	col collection[models.SummaryRecord]
}

func (s *fileSummaries) Append(_ context.Context, rec models.SummaryRecord) error {
	s.col.mu.Lock()
	defer s.col.mu.Unlock()
	return s.col.save(append(s.col.load(), rec))
}

func (s *fileSummaries) ListByPatient(_ context.Context, patientID models.PatientID) ([]models.SummaryRecord, error) {
	s.col.mu.Lock()
	defer s.col.mu.Unlock()
	out := []models.SummaryRecord{}
	for _, rec := range s.col.load() {
		if rec.PatientID == patientID {
			out = append(out, rec)
		}
	}
	return out, nil
}
